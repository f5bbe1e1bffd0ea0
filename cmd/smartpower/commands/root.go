package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbocsi/smartpower/config"
	"github.com/mbocsi/smartpower/server"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

// cfg is loaded before every command runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "smartpower",
	Short: "Control smart power strips on the local network",
	Long: `smartpower talks to smart power strips over their binary TCP protocol,
finds them with UDP broadcast discovery, and can run an HTTP/MCP bridge
in front of a strip.

Use "smartpower [command] --help" for more information about a command.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (YAML)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: text or json")
	rootCmd.PersistentFlags().StringP("addr", "a", "", "Power strip address as host or host:port")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(onCmd)
	rootCmd.AddCommand(offCmd)
	rootCmd.AddCommand(invertCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	loaded, err := config.Load(path)
	if err != nil {
		return err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		loaded.Log.Level = level
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		loaded.Log.Format = format
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		loaded.Device.Address = addr
	}

	// stdout carries command output and, under serve --mcp, the MCP stream.
	if err := server.SetupLogger(os.Stderr, loaded.Log.Level, loaded.Log.Format); err != nil {
		return err
	}
	cfg = loaded
	return nil
}

// versionCmd shows version info
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "smartpower\n")
		fmt.Fprintf(cmd.OutOrStdout(), "  Version:  %s\n", Version)
		fmt.Fprintf(cmd.OutOrStdout(), "  Commit:   %s\n", Commit)
	},
}
