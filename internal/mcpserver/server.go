package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all trustmesh tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("trustmesh", "0.1.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolSearchAgents, h.HandleSearchAgents)
	s.AddTool(ToolGetReputation, h.HandleGetReputation)
	s.AddTool(ToolSubmitFeedback, h.HandleSubmitFeedback)
	s.AddTool(ToolGetValidationScore, h.HandleGetValidationScore)
	s.AddTool(ToolPlaceOrder, h.HandlePlaceOrder)
	s.AddTool(ToolGetOrder, h.HandleGetOrder)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)

	return s
}
