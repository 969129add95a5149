package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Hearth tools registered.
// Operator tools are only registered when an admin secret is configured.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("hearth", "0.1.0")
	client := NewHearthClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCheckWallet, h.HandleCheckWallet)
	s.AddTool(ToolTopUpWallet, h.HandleTopUpWallet)
	s.AddTool(ToolListBookings, h.HandleListBookings)
	s.AddTool(ToolGetBooking, h.HandleGetBooking)
	s.AddTool(ToolCheckAvailability, h.HandleCheckAvailability)
	s.AddTool(ToolCancelBooking, h.HandleCancelBooking)
	s.AddTool(ToolGetHold, h.HandleGetHold)
	if cfg.AdminSecret != "" {
		s.AddTool(ToolRunReconciliation, h.HandleRunReconciliation)
	}

	return s
}
