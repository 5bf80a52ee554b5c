// Package mcpserver exposes read-only escrowd queries as MCP tools so
// assistants can inspect transactions, escrows, and disputes over the
// public HTTP API.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all escrowd tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("escrowd", "1.0.0")
	client := NewEscrowdClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetTransaction, h.HandleGetTransaction)
	s.AddTool(ToolListMyTransactions, h.HandleListMyTransactions)
	s.AddTool(ToolGetEscrowStatus, h.HandleGetEscrowStatus)
	s.AddTool(ToolListTransactionDisputes, h.HandleListTransactionDisputes)
	s.AddTool(ToolListOpenDisputes, h.HandleListOpenDisputes)

	return s
}
