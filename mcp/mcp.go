package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"
)

const (
	ServerName    = "smartpower"
	ServerVersion = "1.0.0"
)

// MCPServer runs an MCP server over stdio.
type MCPServer struct {
	Server *server.MCPServer
}

func NewMCPServer() *MCPServer {
	return &MCPServer{Server: server.NewMCPServer(ServerName, ServerVersion, server.WithToolCapabilities(false))}
}

func (s *MCPServer) AddTools(tools ...server.ServerTool) {
	s.Server.AddTools(tools...)
}

// Run serves stdin/stdout until ctx ends or stdin closes.
func (s *MCPServer) Run(ctx context.Context) error {
	slog.Info("Started stdio MCP server")
	defer func() {
		slog.Info("Shut down stdio MCP server")
	}()
	stdio := server.NewStdioServer(s.Server)
	stdio.SetErrorLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelError))
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}
