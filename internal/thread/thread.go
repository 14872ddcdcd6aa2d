// Package thread manages conversation threads: their messages, persistence,
// and the advisory locks that keep at most one generation running per thread.
package thread

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message roles. Tool results are appended as RoleTool messages so a later
// generation round sees them as regular conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// ValidRole reports whether role is one of the known message roles.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Thread represents a conversation thread (application-level type).
type Thread struct {
	ID        uuid.UUID
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToolCall records a tool invocation an assistant message requested. It is
// persisted with the message so later generations can replay the round trip
// faithfully.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message represents a single conversation message. Sequence is assigned by
// the store on insert and is strictly increasing per thread.
type Message struct {
	ID         uuid.UUID
	ThreadID   uuid.UUID
	Role       string
	Content    string
	ToolCalls  []ToolCall // assistant messages that requested tools
	ToolCallID string     // set on RoleTool messages: the call this result answers
	ToolName   string     // set on RoleTool messages
	Sequence   int64
	CreatedAt  time.Time
}
