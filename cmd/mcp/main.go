// Escrowd MCP Server - exposes escrowd queries as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/pasarchain/escrowd/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:      envOrDefault("ESCROWD_API_URL", "http://localhost:8080"),
		UserID:      os.Getenv("ESCROWD_USER_ID"),
		WalletAddr:  os.Getenv("ESCROWD_WALLET_ADDRESS"),
		AdminSecret: os.Getenv("ESCROWD_ADMIN_SECRET"),
	}

	if cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "ESCROWD_USER_ID is required")
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
