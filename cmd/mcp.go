package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/skeinlabs/skein/internal/config"
	"github.com/skeinlabs/skein/internal/log"
	"github.com/skeinlabs/skein/internal/mcp"
	"github.com/skeinlabs/skein/internal/tools"
)

// runMCP starts the MCP server on stdio transport. The tool registry is
// self-contained, so this mode needs no database or providers.
func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Logs go to stderr; stdout is the protocol channel.
	logger := log.New(log.Config{
		Level: log.ParseLevel(cfg.Log.Level),
		JSON:  cfg.Log.JSON,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		return fmt.Errorf("registering builtin tools: %w", err)
	}

	server, err := mcp.NewServer(registry, logger, mcp.Config{
		Name:    "skein",
		Version: Version,
	})
	if err != nil {
		return fmt.Errorf("creating MCP server: %w", err)
	}

	logger.Info("MCP server ready", "name", "skein", "version", Version, "transport", "stdio")

	if err := server.Run(ctx, &mcpsdk.StdioTransport{}); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}

	logger.Info("MCP server shut down gracefully")
	return nil
}
