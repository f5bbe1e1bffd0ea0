package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"golang.org/x/sync/errgroup"

	"github.com/mbocsi/smartpower/client"
	"github.com/mbocsi/smartpower/config"
	"github.com/mbocsi/smartpower/mcp"
	"github.com/mbocsi/smartpower/services"
	"github.com/mbocsi/smartpower/web"
)

const shutdownTimeout = 5 * time.Second

// Coordinator owns every long-running part of the bridge: discovery, the
// HTTP bridge, the MCP server and the mDNS advertisement.
type Coordinator struct {
	cfg *config.Config

	Finder   *client.Finder
	Services *services.ServiceManagerImpl
	Web      *web.WebClient
	MCP      *mcp.MCPClient

	mu       sync.Mutex
	httpAddr net.Addr
	ready    chan struct{}
}

// noDevices stands in for the finder when discovery is disabled.
type noDevices struct{}

func (noDevices) Devices() []client.FoundDevice { return nil }

func NewCoordinator(cfg *config.Config) *Coordinator {
	c := &Coordinator{cfg: cfg, ready: make(chan struct{})}

	var source services.DeviceSource = noDevices{}
	if cfg.Discovery.Enabled {
		c.Finder = client.NewFinder(cfg.FinderOptions()...)
		source = c.Finder
	}

	c.Services = services.NewServiceManager(services.ServiceManagerOptions{
		Devices:        source,
		DefaultAddr:    cfg.Device.Address,
		DevicePort:     cfg.Device.Port,
		RequestTimeout: cfg.Device.RequestTimeout,
		ClientOptions:  cfg.ClientOptions(),
	})

	c.Web = web.NewWebClient(c.Services.GetServices())
	c.Web.SetMaxStreams(cfg.HTTP.MaxStreams)

	if cfg.MCP.Enabled {
		c.MCP = mcp.NewMCPClient(c.Services.GetServices(), mcp.NewMCPServer())
	}
	return c
}

// Start runs the bridge until ctx ends or one of its parts fails, then
// shuts everything down and closes the device session.
func (c *Coordinator) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.cfg.HTTP.Addr, err)
	}
	httpServer := &http.Server{
		Handler:           c.Web.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if c.Finder != nil {
		if err := c.Finder.Start(gctx); err != nil {
			ln.Close()
			return fmt.Errorf("start discovery: %w", err)
		}
		g.Go(c.Finder.Wait)
	}

	g.Go(func() error {
		slog.Info("HTTP bridge listening", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http bridge: %w", err)
		}
		return nil
	})

	if c.MCP != nil {
		g.Go(func() error {
			err := c.MCP.Start(gctx)
			if err != nil && gctx.Err() == nil {
				return fmt.Errorf("mcp server: %w", err)
			}
			return nil
		})
	}

	var mdnsServer *mdns.Server
	if c.cfg.MDNS.Enabled {
		mdnsServer = c.advertise(ln.Addr())
	}

	c.mu.Lock()
	c.httpAddr = ln.Addr()
	c.mu.Unlock()
	close(c.ready)

	<-gctx.Done()
	slog.Info("Shutting down bridge")

	if mdnsServer != nil {
		if err := mdnsServer.Shutdown(); err != nil {
			slog.Error("There was an error when shutting down mDNS server", "error", err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	c.Web.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("There was an error when shutting down HTTP server", "error", err.Error())
	}
	if c.Finder != nil {
		c.Finder.Stop()
	}
	if err := c.Services.Close(); err != nil {
		slog.Error("There was an error when closing the device session", "error", err.Error())
	}

	return g.Wait()
}

// Ready is closed once the HTTP bridge is listening.
func (c *Coordinator) Ready() <-chan struct{} {
	return c.ready
}

// HTTPAddr is the bound address of the HTTP bridge, or nil before Ready.
func (c *Coordinator) HTTPAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.httpAddr
}

// advertise announces the bridge over mDNS. Failure is logged and the
// bridge keeps running without it.
func (c *Coordinator) advertise(addr net.Addr) *mdns.Server {
	port := addr.(*net.TCPAddr).Port
	txt := []string{"path=/", "events=/ws"}

	service, err := mdns.NewMDNSService(c.cfg.MDNS.Instance, client.BridgeService, "", "", port, nil, txt)
	if err != nil {
		slog.Warn("mDNS advertisement disabled", "error", err)
		return nil
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		slog.Warn("mDNS advertisement disabled", "error", err)
		return nil
	}
	slog.Info("Advertising bridge over mDNS",
		"instance", c.cfg.MDNS.Instance,
		"service", client.BridgeService,
		"port", port,
	)
	return server
}
