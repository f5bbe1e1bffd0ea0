package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbocsi/smartpower/services"
)

// MCPClient exposes the power strip services as MCP tools.
type MCPClient struct {
	mcpServer *MCPServer
	services  *services.ServiceContainer
	tools     []server.ServerTool
}

// NewMCPClient creates the tool set and registers it with mcpServer.
func NewMCPClient(serviceContainer *services.ServiceContainer, mcpServer *MCPServer) *MCPClient {
	m := &MCPClient{
		services:  serviceContainer,
		mcpServer: mcpServer,
	}
	m.registerDeviceTools()
	m.registerPowerTools()
	if mcpServer != nil {
		mcpServer.AddTools(m.tools...)
	}
	return m
}

// Start serves the MCP protocol on stdio until ctx ends.
func (m *MCPClient) Start(ctx context.Context) error {
	return m.mcpServer.Run(ctx)
}

// Tools returns the registered tools.
func (m *MCPClient) Tools() []server.ServerTool {
	return m.tools
}

func (m *MCPClient) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	m.tools = append(m.tools, server.ServerTool{Tool: tool, Handler: handler})
}

// registerDeviceTools registers MCP tools for discovery and sessions
func (m *MCPClient) registerDeviceTools() {
	m.addTool(mcp.NewTool("list_devices",
		mcp.WithDescription("List the smart power strips discovered on the local network"),
	), m.handleListDevices)

	m.addTool(mcp.NewTool("get_status",
		mcp.WithDescription("Get the session state and the on/off state of every outlet"),
		mcp.WithBoolean("include_devices",
			mcp.Description("Also list the devices found on the local network"),
		),
	), m.handleGetStatus)

	m.addTool(mcp.NewTool("connect",
		mcp.WithDescription("Connect to a power strip by address or by discovered device id. With neither, reconnects the current or configured strip."),
		mcp.WithString("address",
			mcp.Description("Device address as host or host:port"),
		),
		mcp.WithString("device_id",
			mcp.Description("Id of a discovered device, as returned by list_devices"),
		),
	), m.handleConnect)

	m.addTool(mcp.NewTool("disconnect",
		mcp.WithDescription("Close the session with the power strip"),
	), m.handleDisconnect)
}

// registerPowerTools registers MCP tools for outlet control
func (m *MCPClient) registerPowerTools() {
	m.addTool(mcp.NewTool("all_on",
		mcp.WithDescription("Switch every outlet on"),
	), m.handleAllOn)

	m.addTool(mcp.NewTool("all_off",
		mcp.WithDescription("Switch every outlet off"),
	), m.handleAllOff)

	m.addTool(mcp.NewTool("invert_pin",
		mcp.WithDescription("Toggle a single outlet"),
		mcp.WithNumber("pin",
			mcp.Required(),
			mcp.Description("Outlet number, starting at 0"),
		),
	), m.handleInvertPin)
}

func (m *MCPClient) handleListDevices(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	devices, err := m.services.Device.ListDevices()
	if err != nil {
		return toolError("Error listing devices", err), nil
	}
	return jsonResult(map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

func (m *MCPClient) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info, err := m.services.Power.Session()
	if err != nil {
		return toolError("Error getting status", err), nil
	}
	if !request.GetBool("include_devices", false) {
		return jsonResult(info)
	}

	devices, err := m.services.Device.ListDevices()
	if err != nil {
		return toolError("Error listing devices", err), nil
	}
	return jsonResult(map[string]any{
		"session": info,
		"devices": devices,
	})
}

func (m *MCPClient) handleConnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr := request.GetString("address", "")
	if id := request.GetString("device_id", ""); addr == "" && id != "" {
		device, err := m.services.Device.GetDevice(id)
		if err != nil {
			return toolError("Error resolving device", err), nil
		}
		addr = device.Addr
	}

	info, err := m.services.Power.Connect(ctx, addr)
	if err != nil {
		return toolError("Error connecting", err), nil
	}
	return jsonResult(info)
}

func (m *MCPClient) handleDisconnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := m.services.Power.Disconnect(); err != nil {
		return toolError("Error disconnecting", err), nil
	}
	return mcp.NewToolResultText("Disconnected"), nil
}

func (m *MCPClient) handleAllOn(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := m.services.Power.AllOn(ctx); err != nil {
		return toolError("Error switching outlets on", err), nil
	}
	return mcp.NewToolResultText("All outlets switched on"), nil
}

func (m *MCPClient) handleAllOff(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := m.services.Power.AllOff(ctx); err != nil {
		return toolError("Error switching outlets off", err), nil
	}
	return mcp.NewToolResultText("All outlets switched off"), nil
}

func (m *MCPClient) handleInvertPin(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pin, err := request.RequireFloat("pin")
	if err != nil {
		return mcp.NewToolResultError("pin is required and must be a number"), nil
	}
	if pin != float64(int(pin)) {
		return mcp.NewToolResultError(fmt.Sprintf("pin must be a whole number, got %v", pin)), nil
	}

	if err := m.services.Power.Invert(ctx, int(pin)); err != nil {
		return toolError("Error toggling outlet", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Outlet %d toggled", int(pin))), nil
}

func toolError(what string, err error) *mcp.CallToolResult {
	slog.Debug("MCP tool failed", "what", what, "error", err)
	return mcp.NewToolResultError(fmt.Sprintf("%s [%s]: %v", what, services.ErrorCode(err), err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}
