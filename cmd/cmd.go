// Package cmd provides the skein CLI commands.
//
// Commands:
//   - serve: HTTP API server with SSE streaming
//   - migrate: apply database migrations and exit
//   - mcp: Model Context Protocol server on stdio
//
// Signal handling and graceful shutdown are implemented for the long
// running commands via context cancellation.
package cmd

import (
	"fmt"
	"os"
)

// Execute is the main entry point for the skein CLI.
func Execute() error {
	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe()
	case "migrate":
		return runMigrate()
	case "mcp":
		return runMCP()
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("Skein - AI generation service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  skein serve [addr]  Start the HTTP API server (default: 127.0.0.1:3900)")
	fmt.Println("  skein migrate       Apply database migrations and exit")
	fmt.Println("  skein mcp           Start the MCP server on stdio")
	fmt.Println("  skein --version     Show version information")
	fmt.Println("  skein --help        Show this help")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  config.yaml in ., ./config, or ~/.skein; environment overrides win.")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  DATABASE_URL        PostgreSQL connection URL (required for serve)")
	fmt.Println("  OPENAI_API_KEY      OpenAI provider key")
	fmt.Println("  ANTHROPIC_API_KEY   Anthropic provider key")
	fmt.Println("  GEMINI_API_KEY      Google AI provider key")
	fmt.Println("  SKEIN_LOG_LEVEL     debug, info, warn, or error")
}
