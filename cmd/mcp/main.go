// Hearth MCP Server - Exposes wallet and booking tools to LLM agents
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/hearthhq/hearth/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:      envOrDefault("HEARTH_API_URL", "http://localhost:8080"),
		Token:       os.Getenv("HEARTH_TOKEN"),
		AdminSecret: os.Getenv("HEARTH_ADMIN_SECRET"),
	}

	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "HEARTH_TOKEN is required")
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
