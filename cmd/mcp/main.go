package main

import (
	"fmt"
	"os"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/iammorganparry/clive/apps/relevance/internal/client"
	"github.com/iammorganparry/clive/apps/relevance/internal/mcp"
)

var version = "dev"

func main() {
	serverURL := os.Getenv("RELEVANCE_SERVER_URL")
	if serverURL == "" {
		serverURL = "http://localhost:8742"
	}

	server := mcp.NewServer(client.New(serverURL, os.Getenv("API_KEY")), version)
	if err := mcpserver.ServeStdio(server); err != nil {
		fmt.Fprintf(os.Stderr, "mcp server error: %s\n", err)
		os.Exit(1)
	}
}
