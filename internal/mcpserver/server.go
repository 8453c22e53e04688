package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all privgate tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("privgate", "1.0.0")
	client := NewPrivgateClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCheckAccess, h.HandleCheckAccess)
	s.AddTool(ToolRunPrivateQuery, h.HandleRunPrivateQuery)
	s.AddTool(ToolGetConsent, h.HandleGetConsent)
	s.AddTool(ToolUpdateConsent, h.HandleUpdateConsent)
	s.AddTool(ToolBudgetStatus, h.HandleBudgetStatus)
	s.AddTool(ToolEngineStats, h.HandleEngineStats)

	return s
}
