// Package mcpserver exposes the swap API as MCP tools so LLM agents can
// hold a custody account, publish intents, and settle escrows.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer builds the MCP server with all swap tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer(
		"atomicswap",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	client := NewSwapClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolGetIntent, h.HandleGetIntent)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolListIntents, h.HandleListIntents)
	s.AddTool(ToolNetworkStatus, h.HandleNetworkStatus)
	s.AddTool(ToolCreateIntent, h.HandleCreateIntent)
	s.AddTool(ToolCancelIntent, h.HandleCancelIntent)
	s.AddTool(ToolFulfillIntent, h.HandleFulfillIntent)
	s.AddTool(ToolWithdrawEscrow, h.HandleWithdrawEscrow)

	return s
}
