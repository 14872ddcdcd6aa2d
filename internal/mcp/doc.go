// Package mcp exposes the tool registry over the Model Context Protocol.
//
// The server advertises every registered tool with its JSON schema and
// serves calls from MCP clients such as editors and agent runtimes. Tool
// lookups and dispatch go through internal/tools, so the same definitions
// back both generation sessions and external MCP clients.
//
// # Error Handling
//
// The server distinguishes two failure channels:
//
//   - Tool errors (bad arguments, failed lookups) come back as a
//     CallToolResult with IsError set, so the calling model sees the
//     message and can adjust its next attempt.
//   - Context cancellation propagates as an MCP protocol error, since
//     the call never produced a tool-level outcome.
//
// # Transport
//
// Run accepts any mcp.Transport. The serve path uses stdio, which is the
// standard arrangement for locally spawned MCP servers.
package mcp
