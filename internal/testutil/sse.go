package testutil

import (
	"bufio"
	"strings"
	"testing"
)

// SSEEvent is one parsed Server-Sent Event.
type SSEEvent struct {
	Type string
	Data string
}

// ParseSSEEvents parses a raw SSE body into events. Multiple data lines
// join with a newline, a blank line terminates an event, a data line with
// no preceding event line gets the protocol's default "message" type, and
// comment lines starting with ":" are skipped.
func ParseSSEEvents(t *testing.T, body string) []SSEEvent {
	t.Helper()

	var events []SSEEvent
	var current SSEEvent
	var data []string

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if current.Type == "" {
				current.Type = "message"
			}
			data = append(data, strings.TrimPrefix(line, "data: "))
		case line == "":
			if current.Type != "" {
				current.Data = strings.Join(data, "\n")
				events = append(events, current)
			}
			current = SSEEvent{}
			data = nil
		case strings.HasPrefix(line, ":"):
			// comment
		default:
			t.Fatalf("unexpected SSE line: %q", line)
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan SSE body: %v", err)
	}
	if current.Type != "" {
		t.Fatalf("SSE body ended inside event %q (missing blank line)", current.Type)
	}
	return events
}

// FindEvent returns the first event of the given type, or nil.
func FindEvent(events []SSEEvent, eventType string) *SSEEvent {
	for i := range events {
		if events[i].Type == eventType {
			return &events[i]
		}
	}
	return nil
}

// FindAllEvents returns every event of the given type in order.
func FindAllEvents(events []SSEEvent, eventType string) []SSEEvent {
	var found []SSEEvent
	for _, e := range events {
		if e.Type == eventType {
			found = append(found, e)
		}
	}
	return found
}
