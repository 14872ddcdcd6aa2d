package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/skeinlabs/skein/internal/provider"
)

// ScriptedChat is a deterministic provider.ChatStreamer. Each ChatStream
// call consumes the next script in order and replays its fragments; calls
// past the last script get an empty stream. Every request is recorded for
// assertion.
//
// Safe for concurrent use.
type ScriptedChat struct {
	mu       sync.Mutex
	scripts  [][]provider.Fragment
	requests []provider.ChatRequest

	// Err, when set, fails ChatStream immediately.
	Err error
	// Delay pauses before each fragment, for pacing-sensitive tests.
	Delay time.Duration
	// Hang keeps the stream open without ever sending, until ctx ends.
	Hang bool
}

// NewScriptedChat builds a streamer that plays the given scripts in order,
// one per ChatStream call.
func NewScriptedChat(scripts ...[]provider.Fragment) *ScriptedChat {
	return &ScriptedChat{scripts: scripts}
}

// Text is shorthand for a text fragment.
func Text(s string) provider.Fragment {
	return provider.Fragment{Text: s}
}

// ToolCall is shorthand for a tool call fragment.
func ToolCall(id, name, args string) provider.Fragment {
	return provider.Fragment{ToolCall: &provider.ToolCall{
		ID:        id,
		Name:      name,
		Arguments: []byte(args),
	}}
}

// Usage is shorthand for a usage fragment.
func Usage(in, out int64) provider.Fragment {
	return provider.Fragment{Usage: &provider.Usage{InputTokens: in, OutputTokens: out}}
}

// Fail is shorthand for an error fragment.
func Fail(err error) provider.Fragment {
	return provider.Fragment{Err: err}
}

func (c *ScriptedChat) ChatStream(ctx context.Context, req provider.ChatRequest) (<-chan provider.Fragment, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	if c.Err != nil {
		err := c.Err
		c.mu.Unlock()
		return nil, err
	}
	var script []provider.Fragment
	if len(c.scripts) > 0 {
		script = c.scripts[0]
		c.scripts = c.scripts[1:]
	}
	hang, delay := c.Hang, c.Delay
	c.mu.Unlock()

	ch := make(chan provider.Fragment)
	go func() {
		defer close(ch)
		if hang {
			<-ctx.Done()
			return
		}
		for _, frag := range script {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- frag:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Requests returns a copy of every recorded request.
func (c *ScriptedChat) Requests() []provider.ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]provider.ChatRequest, len(c.requests))
	copy(cp, c.requests)
	return cp
}

var _ provider.ChatStreamer = (*ScriptedChat)(nil)
