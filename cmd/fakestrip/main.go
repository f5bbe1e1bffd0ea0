package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mbocsi/smartpower/server"
	"github.com/mbocsi/smartpower/simulator"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg simulator.Config
	var logLevel, logFormat string

	cmd := &cobra.Command{
		Use:           "fakestrip",
		Short:         "Run a simulated smart power strip",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := server.SetupLogger(os.Stderr, logLevel, logFormat); err != nil {
				return err
			}

			device := simulator.New(cfg)
			if err := device.Start(); err != nil {
				return err
			}
			slog.Info("Simulated power strip running",
				"tcp", cfg.TCPAddr,
				"udp", cfg.UDPAddr,
				"pins", cfg.Pins,
			)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			slog.Info("Shutting down simulated power strip")
			return device.Shutdown()
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.TCPAddr, "tcp", ":2000", "TCP listen address")
	flags.StringVar(&cfg.UDPAddr, "udp", ":5500", "UDP discovery listen address (empty disables)")
	flags.IntVar(&cfg.Pins, "pins", simulator.DefaultPins, "Number of outlets")
	flags.IntVar(&cfg.MaxClients, "max-clients", simulator.DefaultMaxClients, "Maximum concurrent sessions")
	flags.Uint32Var(&cfg.HighDeviceID, "high-id", 0, "High half of the device id")
	flags.Uint32Var(&cfg.LowDeviceID, "low-id", 1, "Low half of the device id")
	flags.StringVar(&logLevel, "log-level", "info", "Log level")
	flags.StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	return cmd
}
