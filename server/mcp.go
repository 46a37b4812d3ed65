package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/mbocsi/deviceio/proto"
)

// MCPServer exposes the emulator's admin operations as MCP tools over stdio.
type MCPServer struct {
	Server *mcpserver.MCPServer
	emu    *Server
}

func NewMCPServer(emu *Server) *MCPServer {
	m := &MCPServer{Server: mcpserver.NewMCPServer("deviceio emulator", "1.0.0"), emu: emu}
	m.registerTools()
	return m
}

func (m *MCPServer) Start() error {
	slog.Info("Started stdio MCP server")
	defer func() {
		slog.Info("Shut down stdio MCP server")
	}()
	return mcpserver.ServeStdio(m.Server)
}

func (m *MCPServer) registerTools() {
	listProxies := mcp.NewTool("list_proxies",
		mcp.WithDescription("List the proxies known to the emulator with their devices and last reported values"),
	)
	m.Server.AddTool(listProxies, m.handleListProxies)

	queueCommand := mcp.NewTool("queue_command",
		mcp.WithDescription("Queue a command for a proxy; it is delivered on the proxy's next long-poll"),
		mcp.WithString("proxy_id",
			mcp.Required(),
			mcp.Description("Target proxy"),
		),
		mcp.WithString("device_id",
			mcp.Description("Device behind the proxy the command addresses"),
		),
		mcp.WithNumber("command_type",
			mcp.Description("Numeric command type"),
		),
		mcp.WithString("params",
			mcp.Description(`JSON array of parameters, e.g. [{"name":"breakerStatus","index":"0","value":"0"}]`),
		),
	)
	m.Server.AddTool(queueCommand, m.handleQueueCommand)

	listCommands := mcp.NewTool("list_commands",
		mcp.WithDescription("List the commands queued for a proxy and their acknowledgement state"),
		mcp.WithString("proxy_id",
			mcp.Required(),
			mcp.Description("Target proxy"),
		),
	)
	m.Server.AddTool(listCommands, m.handleListCommands)
}

func (m *MCPServer) handleListProxies(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(m.emu.Registry().List())
}

func (m *MCPServer) handleQueueCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	proxyID, err := request.RequireString("proxy_id")
	if err != nil {
		return mcp.NewToolResultError("proxy_id is required and must be a string"), nil
	}

	cmd := proto.Command{
		DeviceID: request.GetString("device_id", ""),
		Type:     int(request.GetFloat("command_type", 0)),
	}
	if raw := request.GetString("params", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cmd.Params); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid params: %v", err)), nil
		}
	}

	rec, err := m.emu.QueueCommand(proxyID, cmd)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to queue command: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Queued command %s for proxy %s", rec.Command.CommandID, proxyID)), nil
}

func (m *MCPServer) handleListCommands(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	proxyID, err := request.RequireString("proxy_id")
	if err != nil {
		return mcp.NewToolResultError("proxy_id is required and must be a string"), nil
	}
	records, err := m.emu.Registry().Commands(proxyID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Error listing commands: %v", err)), nil
	}
	return jsonResult(records)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
