package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/skeinlabs/skein/internal/log"
	"github.com/skeinlabs/skein/internal/tools"
)

// Server bridges the tool registry to MCP clients.
type Server struct {
	mcpServer *mcp.Server
	registry  *tools.Registry
	logger    log.Logger
}

// Config holds the identity the server reports during the MCP handshake.
type Config struct {
	Name    string
	Version string
}

// NewServer creates an MCP server exposing every tool in registry.
func NewServer(registry *tools.Registry, logger log.Logger, cfg Config) (*Server, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("server name is required")
	}
	if cfg.Version == "" {
		return nil, fmt.Errorf("server version is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}

	s := &Server{
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		registry: registry,
		logger:   logger,
	}
	s.registerTools()

	return s, nil
}

// Run serves the MCP protocol on transport until the client disconnects
// or ctx is cancelled. This is a blocking call.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.mcpServer.Run(ctx, transport)
}

// registerTools advertises every registry tool through the SDK. The
// registry hands out type-erased tools, so registration goes through the
// raw AddTool path and forwards the argument payload untouched.
func (s *Server) registerTools() {
	list := s.registry.List()
	for _, t := range list {
		def := &mcp.Tool{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		}
		s.mcpServer.AddTool(def, s.handlerFor(t))
	}
	s.logger.Debug("mcp tools registered", "count", len(list))
}

// handlerFor adapts a registry tool to the SDK's handler contract. Tool
// failures become IsError results so the calling model can read them;
// cancellation surfaces as a protocol error.
func (s *Server) handlerFor(t *tools.Tool) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := t.Call(ctx, req.Params.Arguments)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
				IsError: true,
			}, nil
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: out}},
		}, nil
	}
}
