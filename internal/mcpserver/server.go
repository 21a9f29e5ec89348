package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all bridge tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("payzbridge", "1.0.0")
	client := NewBridgeClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolPaymentStatus, h.HandlePaymentStatus)
	s.AddTool(ToolPaymentRecord, h.HandlePaymentRecord)
	s.AddTool(ToolConfirmTransaction, h.HandleConfirmTransaction)
	s.AddTool(ToolCreatePayment, h.HandleCreatePayment)

	return s
}
