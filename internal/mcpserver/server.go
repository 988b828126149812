package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all agent tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("gridagent", "0.1.0")
	client := NewAgentClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetSnapshot, h.HandleGetSnapshot)
	s.AddTool(ToolListOrders, h.HandleListOrders)
	s.AddTool(ToolCreateOrder, h.HandleCreateOrder)
	s.AddTool(ToolBlockOrder, h.HandleBlockOrder)

	return s
}
