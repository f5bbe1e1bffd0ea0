package commands

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mbocsi/smartpower/server"
)

// serveCmd runs the bridge in the foreground
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP bridge (and optionally MCP and mDNS) for a power strip",
	Long: `Run discovery, the HTTP bridge with its event stream and metrics, and
optionally an MCP server on stdio and an mDNS advertisement of the bridge.
Stops on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		if flags.Changed("http") {
			cfg.HTTP.Addr, _ = flags.GetString("http")
		}
		if flags.Changed("mcp") {
			cfg.MCP.Enabled, _ = flags.GetBool("mcp")
		}
		if flags.Changed("mdns") {
			cfg.MDNS.Enabled, _ = flags.GetBool("mdns")
		}
		if flags.Changed("discovery") {
			cfg.Discovery.Enabled, _ = flags.GetBool("discovery")
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		slog.Info("Starting bridge",
			"version", Version,
			"http", cfg.HTTP.Addr,
			"device", cfg.Device.Address,
			"discovery", cfg.Discovery.Enabled,
			"mcp", cfg.MCP.Enabled,
			"mdns", cfg.MDNS.Enabled,
		)
		return server.NewBridgeServer(cfg).Start(ctx)
	},
}

func init() {
	serveCmd.Flags().String("http", "", "HTTP listen address (default from config, :8080)")
	serveCmd.Flags().Bool("mcp", false, "Serve MCP on stdin/stdout")
	serveCmd.Flags().Bool("mdns", false, "Advertise the bridge over mDNS")
	serveCmd.Flags().Bool("discovery", true, "Run UDP discovery")
}
