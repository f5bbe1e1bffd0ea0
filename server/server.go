package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbocsi/smartpower/config"
)

// BridgeServer runs a Coordinator until the process is interrupted.
type BridgeServer struct {
	cfg         *config.Config
	coordinator *Coordinator
}

func NewBridgeServer(cfg *config.Config) *BridgeServer {
	if cfg == nil {
		cfg = config.Default()
	}
	return &BridgeServer{
		cfg:         cfg,
		coordinator: NewCoordinator(cfg),
	}
}

func (s *BridgeServer) Coordinator() *Coordinator {
	return s.coordinator
}

// SetupLogger installs the default slog logger. Records go to w, which
// must not be stdout while the MCP server owns it.
func SetupLogger(w io.Writer, level, format string) error {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

// Start blocks until SIGINT or SIGTERM, or until a part of the bridge fails.
func (s *BridgeServer) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.coordinator.Start(ctx)
}
