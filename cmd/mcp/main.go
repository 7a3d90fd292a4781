// trustmesh MCP server - exposes registry, reputation and ordering as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/trustmesh/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:       envOrDefault("TRUSTMESH_API_URL", "http://localhost:8080"),
		AgentID:      os.Getenv("TRUSTMESH_AGENT_ID"),
		AgentAddress: os.Getenv("TRUSTMESH_AGENT_ADDRESS"),
	}

	if cfg.AgentID == "" {
		fmt.Fprintln(os.Stderr, "TRUSTMESH_AGENT_ID is required")
		os.Exit(1)
	}
	if cfg.AgentAddress == "" {
		fmt.Fprintln(os.Stderr, "TRUSTMESH_AGENT_ADDRESS is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
