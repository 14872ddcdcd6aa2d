package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/skeinlabs/skein/internal/log"
	"github.com/skeinlabs/skein/internal/tools"
)

type echoInput struct {
	Text string `json:"text" jsonschema:"Text to repeat back"`
}

// testRegistry builds a registry with the builtins plus an echo tool, so
// protocol tests cover both JSON and plain string tool outputs.
func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		t.Fatalf("RegisterBuiltins() unexpected error: %v", err)
	}

	echo, err := tools.New(
		"echo",
		"Repeat the given text back to the caller.",
		func(ctx context.Context, in echoInput) (string, error) {
			if in.Text == "" {
				return "", errors.New("text is required")
			}
			return in.Text, nil
		},
	)
	if err != nil {
		t.Fatalf("tools.New(echo) unexpected error: %v", err)
	}
	if err := registry.Register(echo); err != nil {
		t.Fatalf("Register(echo) unexpected error: %v", err)
	}

	return registry
}

// connectServer creates an MCP server over the given registry and an SDK
// client connected via in-memory transports. Returns the client session for
// making protocol calls. Both sessions are cleaned up via t.Cleanup.
func connectServer(t *testing.T, registry *tools.Registry) *mcp.ClientSession {
	t.Helper()

	server, err := NewServer(registry, log.NewNop(), Config{
		Name:    "test-server",
		Version: "1.0.0",
	})
	if err != nil {
		t.Fatalf("NewServer() unexpected error: %v", err)
	}

	ctx := context.Background()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	serverSession, err := server.mcpServer.Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server.Connect() unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "test-client",
		Version: "1.0.0",
	}, nil)

	clientSession, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client.Connect() unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = clientSession.Close() })

	return clientSession
}

func TestNewServer_Success(t *testing.T) {
	server, err := NewServer(testRegistry(t), log.NewNop(), Config{
		Name:    "skein",
		Version: "0.1.0",
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	if server.mcpServer == nil {
		t.Error("server.mcpServer is nil")
	}
	if server.registry == nil {
		t.Error("server.registry is nil")
	}
}

func TestNewServer_ValidationErrors(t *testing.T) {
	registry := testRegistry(t)

	tests := []struct {
		name     string
		registry *tools.Registry
		config   Config
		wantErr  string
	}{
		{
			name:     "missing name",
			registry: registry,
			config:   Config{Version: "1.0.0"},
			wantErr:  "server name is required",
		},
		{
			name:     "missing version",
			registry: registry,
			config:   Config{Name: "test"},
			wantErr:  "server version is required",
		},
		{
			name:     "nil registry",
			registry: nil,
			config:   Config{Name: "test", Version: "1.0.0"},
			wantErr:  "tool registry is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewServer(tt.registry, log.NewNop(), tt.config)
			if err == nil {
				t.Fatal("NewServer succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NewServer error = %q, want to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

// TestProtocol_ListTools verifies that the MCP JSON-RPC tools/list
// endpoint returns every registered tool.
func TestProtocol_ListTools(t *testing.T) {
	session := connectServer(t, testRegistry(t))

	result, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools() unexpected error: %v", err)
	}

	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)

	wantNames := []string{"current_time", "echo"}
	if len(names) != len(wantNames) {
		t.Fatalf("ListTools() returned %d tools, want %d\ngot:  %v\nwant: %v", len(names), len(wantNames), names, wantNames)
	}
	for i, got := range names {
		if got != wantNames[i] {
			t.Errorf("ListTools() tool[%d] = %q, want %q", i, got, wantNames[i])
		}
	}
}

// TestProtocol_ListTools_HaveDescriptions verifies that all tools include
// non-empty descriptions and input schemas.
func TestProtocol_ListTools_HaveDescriptions(t *testing.T) {
	session := connectServer(t, testRegistry(t))

	result, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools() unexpected error: %v", err)
	}

	for _, tool := range result.Tools {
		if tool.Description == "" {
			t.Errorf("ListTools() tool %q has empty description", tool.Name)
		}
		if tool.InputSchema == nil {
			t.Errorf("ListTools() tool %q has no input schema", tool.Name)
		}
	}
}

// TestProtocol_CallTool_CurrentTime verifies that tools/call works
// end-to-end through the JSON-RPC layer for a tool with JSON output.
func TestProtocol_CallTool_CurrentTime(t *testing.T) {
	session := connectServer(t, testRegistry(t))

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name: "current_time",
	})
	if err != nil {
		t.Fatalf("CallTool(current_time) unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("CallTool(current_time) returned error result")
	}
	if len(result.Content) == 0 {
		t.Fatal("CallTool(current_time) returned empty content")
	}

	textContent, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(current_time) content[0] type = %T, want *mcp.TextContent", result.Content[0])
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(textContent.Text), &parsed); err != nil {
		t.Fatalf("CallTool(current_time) parsing JSON: %v\ntext: %s", err, textContent.Text)
	}

	ts, ok := parsed["time"].(string)
	if !ok {
		t.Fatalf("CallTool(current_time) time = %v, want RFC3339 string", parsed["time"])
	}
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		t.Errorf("CallTool(current_time) time %q not RFC3339: %v", ts, err)
	}
	if unix, ok := parsed["unix"].(float64); !ok || unix <= 0 {
		t.Errorf("CallTool(current_time) unix = %v, want positive number", parsed["unix"])
	}
}

// TestProtocol_CallTool_WithArguments verifies that call arguments reach
// the tool handler.
func TestProtocol_CallTool_WithArguments(t *testing.T) {
	session := connectServer(t, testRegistry(t))

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "current_time",
		Arguments: map[string]any{"timezone": "UTC"},
	})
	if err != nil {
		t.Fatalf("CallTool(current_time) unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("CallTool(current_time) returned error result")
	}

	textContent, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(current_time) content[0] type = %T, want *mcp.TextContent", result.Content[0])
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(textContent.Text), &parsed); err != nil {
		t.Fatalf("CallTool(current_time) parsing JSON: %v\ntext: %s", err, textContent.Text)
	}
	if parsed["timezone"] != "UTC" {
		t.Errorf("CallTool(current_time) timezone = %v, want %q", parsed["timezone"], "UTC")
	}
}

// TestProtocol_CallTool_StringOutput verifies that plain string tool
// output passes through as text without JSON wrapping.
func TestProtocol_CallTool_StringOutput(t *testing.T) {
	session := connectServer(t, testRegistry(t))

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"text": "ping"},
	})
	if err != nil {
		t.Fatalf("CallTool(echo) unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("CallTool(echo) returned error result")
	}

	textContent, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(echo) content[0] type = %T, want *mcp.TextContent", result.Content[0])
	}
	if textContent.Text != "ping" {
		t.Errorf("CallTool(echo) text = %q, want %q", textContent.Text, "ping")
	}
}

// TestProtocol_CallTool_ToolError verifies that a failing tool produces an
// IsError result the model can read, not a protocol error.
func TestProtocol_CallTool_ToolError(t *testing.T) {
	session := connectServer(t, testRegistry(t))

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "current_time",
		Arguments: map[string]any{"timezone": "Mars/Olympus_Mons"},
	})
	if err != nil {
		t.Fatalf("CallTool(current_time) unexpected protocol error: %v", err)
	}
	if !result.IsError {
		t.Fatal("CallTool(current_time) with bad timezone: IsError = false, want true")
	}

	textContent, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(current_time) content[0] type = %T, want *mcp.TextContent", result.Content[0])
	}
	if !strings.Contains(textContent.Text, "unknown timezone") {
		t.Errorf("CallTool(current_time) error text = %q, want to mention unknown timezone", textContent.Text)
	}
}

// TestProtocol_CallTool_UnknownTool verifies that calling a non-existent
// tool returns an error through the JSON-RPC layer.
func TestProtocol_CallTool_UnknownTool(t *testing.T) {
	session := connectServer(t, testRegistry(t))

	_, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name: "nonexistent_tool",
	})
	if err == nil {
		t.Fatal("CallTool(nonexistent_tool) expected error, got nil")
	}
	if !strings.Contains(err.Error(), "nonexistent_tool") {
		t.Errorf("CallTool(nonexistent_tool) error = %q, want to contain tool name", err.Error())
	}
}
