package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all enrichment tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("enrichd", "1.0.0")
	client := NewEnrichClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolEnrichEntity, h.HandleEnrichEntity)
	s.AddTool(ToolGetEntityHistory, h.HandleGetEntityHistory)
	s.AddTool(ToolGetBreakers, h.HandleGetBreakers)
	s.AddTool(ToolGetCacheStats, h.HandleGetCacheStats)

	return s
}
