// Package generate drives generation sessions: it invokes a provider's chat
// capability, normalizes its output into stream events, executes requested
// tools, and persists messages as they form. The Stream type carries those
// events to a single consumer with backpressure and disconnect handling.
package generate

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/skeinlabs/skein/internal/thread"
)

// EventType tags a stream event.
type EventType string

// Stream event types, in the rough order they appear in a session.
const (
	// EventMessageCreate announces a newly persisted message: the user
	// message that started the session, or an empty assistant message about
	// to be streamed into.
	EventMessageCreate EventType = "message_create"

	// EventMessageChunk carries one incremental piece of assistant content.
	EventMessageChunk EventType = "message_chunk"

	// EventToolCalled announces a tool invocation requested by the model.
	EventToolCalled EventType = "tool_called"

	// EventToolSucceeded and EventToolFailed report the invocation outcome.
	EventToolSucceeded EventType = "tool_succeeded"
	EventToolFailed    EventType = "tool_failed"

	// EventMessageUpdate finalizes a message with its full content. For a
	// chunked assistant message it always follows every chunk, including
	// after an error or cancellation mid-stream.
	EventMessageUpdate EventType = "message_update"

	// EventDone is the final event of a completed or cancelled session.
	EventDone EventType = "done"

	// EventError reports a failed session with a sanitized message; the
	// stream ends after it.
	EventError EventType = "error"
)

// EventMessage is the message payload of an event: identity plus possibly
// partial content.
type EventMessage struct {
	ID      uuid.UUID `json:"id"`
	Role    string    `json:"role"`
	Content string    `json:"content"`
}

// EventTool is the payload of tool_* events.
type EventTool struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Event is one unit of generation output delivered to a consumer.
type Event struct {
	Type    EventType     `json:"type"`
	Message *EventMessage `json:"message,omitempty"`
	Tool    *EventTool    `json:"tool,omitempty"`
	Error   string        `json:"error,omitempty"`
}

func messageEvent(t EventType, m *thread.Message) Event {
	return Event{
		Type: t,
		Message: &EventMessage{
			ID:      m.ID,
			Role:    m.Role,
			Content: m.Content,
		},
	}
}

func chunkEvent(messageID uuid.UUID, delta string) Event {
	return Event{
		Type: EventMessageChunk,
		Message: &EventMessage{
			ID:      messageID,
			Role:    thread.RoleAssistant,
			Content: delta,
		},
	}
}
