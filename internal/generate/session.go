package generate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skeinlabs/skein/internal/log"
	"github.com/skeinlabs/skein/internal/provider"
	"github.com/skeinlabs/skein/internal/thread"
	"github.com/skeinlabs/skein/internal/usage"
)

// heartbeatEvery throttles the liveness callback so a chatty provider does
// not turn every fragment into a database write.
const heartbeatEvery = 10 * time.Second

// MessageStore is the slice of thread persistence a session needs.
type MessageStore interface {
	Messages(ctx context.Context, threadID uuid.UUID) ([]*thread.Message, error)
	Append(ctx context.Context, threadID uuid.UUID, msg thread.Message) (*thread.Message, error)
	Finalize(ctx context.Context, messageID uuid.UUID, content string, toolCalls []thread.ToolCall) error
}

// ToolRunner executes a model-requested tool call and returns its textual
// result.
type ToolRunner interface {
	Execute(ctx context.Context, call provider.ToolCall) (string, error)
}

// Status is the terminal disposition of a session.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
	StatusCancelled Status = "cancelled"
)

// Result summarizes a finished session. Err is set only for StatusErrored;
// Usage carries whatever token counts the provider reported, including for
// sessions that ended early.
type Result struct {
	Status Status
	Err    error
	Usage  provider.Usage
}

// Session drives one generation attempt: it streams fragments from the
// provider into an assistant message, executes requested tools, and loops
// until the model stops asking for them. All observable output goes through
// the sink; all durable output goes through the store.
type Session struct {
	id           uuid.UUID
	threadID     uuid.UUID
	providerName string
	model        string
	system       string

	chat     provider.ChatStreamer
	store    MessageStore
	runner   ToolRunner
	toolDefs []provider.ToolDef

	sink      Sink
	heartbeat func(context.Context)
	lastBeat  time.Time

	maxToolRounds int
	idleTimeout   time.Duration
	maxTokens     int64
	temperature   *float64

	logger log.Logger
}

// Run executes the session until completion, error, or cancellation of ctx.
// It always emits a terminal event (done or error) before returning.
func (s *Session) Run(ctx context.Context) Result {
	history, err := s.store.Messages(ctx, s.threadID)
	if err != nil {
		return s.fail(ctx, nil, "", nil, fmt.Errorf("load history: %w", err))
	}
	msgs := historyToProvider(history)

	var total provider.Usage
	toolRounds := 0

	for {
		shell, err := s.store.Append(ctx, s.threadID, thread.Message{Role: thread.RoleAssistant})
		if err != nil {
			return s.fail(ctx, nil, "", &total, fmt.Errorf("create assistant message: %w", err))
		}
		s.publish(ctx, messageEvent(EventMessageCreate, shell))

		text, calls, err := s.streamRound(ctx, shell, msgs, &total)
		if err != nil {
			if ctx.Err() != nil {
				return s.cancelOut(ctx, shell, text, total)
			}
			return s.fail(ctx, shell, text, &total, err)
		}

		toolCalls := providerToThreadCalls(calls)
		if err := s.finalize(ctx, shell, text, toolCalls); err != nil {
			return s.fail(ctx, nil, "", &total, err)
		}
		s.publish(ctx, messageEvent(EventMessageUpdate, shell))

		if len(calls) == 0 {
			if total == (provider.Usage{}) {
				total = estimateUsage(msgs, text)
			}
			s.publish(ctx, Event{Type: EventDone})
			s.logger.Debug("session completed",
				"session_id", s.id,
				"thread_id", s.threadID,
				"provider", s.providerName,
				"tool_rounds", toolRounds)
			return Result{Status: StatusCompleted, Usage: total}
		}

		msgs = append(msgs, provider.Message{
			Role:      "assistant",
			Content:   text,
			ToolCalls: calls,
		})

		if toolRounds >= s.maxToolRounds {
			return s.fail(ctx, nil, "", &total, ErrToolRoundsExceeded)
		}
		toolRounds++

		results, err := s.runTools(ctx, calls)
		if err != nil {
			if ctx.Err() != nil {
				return s.cancelOut(ctx, nil, "", total)
			}
			return s.fail(ctx, nil, "", &total, err)
		}
		msgs = append(msgs, results...)

		if ctx.Err() != nil {
			return s.cancelOut(ctx, nil, "", total)
		}
	}
}

// streamRound consumes one provider stream into the shell message. It
// returns the accumulated text and any tool calls the model requested.
func (s *Session) streamRound(ctx context.Context, shell *thread.Message, msgs []provider.Message, total *provider.Usage) (string, []provider.ToolCall, error) {
	frags, err := s.chat.ChatStream(ctx, provider.ChatRequest{
		Model:       s.model,
		System:      s.system,
		Messages:    msgs,
		Tools:       s.toolDefs,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
	})
	if err != nil {
		return "", nil, err
	}

	var buf strings.Builder
	var calls []provider.ToolCall

	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case frag, ok := <-frags:
			if !ok {
				return buf.String(), calls, nil
			}
			idle.Reset(s.idleTimeout)

			switch {
			case frag.Err != nil:
				return buf.String(), calls, frag.Err
			case frag.Text != "":
				buf.WriteString(frag.Text)
				s.publish(ctx, chunkEvent(shell.ID, frag.Text))
				s.beat(ctx)
			case frag.ToolCall != nil:
				calls = append(calls, *frag.ToolCall)
			case frag.Usage != nil:
				total.InputTokens += frag.Usage.InputTokens
				total.OutputTokens += frag.Usage.OutputTokens
			}

			if ctx.Err() != nil {
				return buf.String(), calls, ctx.Err()
			}
		case <-idle.C:
			return buf.String(), calls, ErrProviderStalled
		case <-ctx.Done():
			return buf.String(), calls, ctx.Err()
		}
	}
}

// runTools executes each requested call in order and returns the tool-role
// messages to feed back to the provider. Tool failures are folded into the
// conversation rather than ending the session; the model decides what to do
// with them.
func (s *Session) runTools(ctx context.Context, calls []provider.ToolCall) ([]provider.Message, error) {
	results := make([]provider.Message, 0, len(calls))

	for _, call := range calls {
		s.publish(ctx, Event{Type: EventToolCalled, Tool: &EventTool{
			CallID:    call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
		}})

		content, err := s.runner.Execute(ctx, call)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			content = "error: " + err.Error()
			s.publish(ctx, Event{Type: EventToolFailed, Tool: &EventTool{
				CallID: call.ID,
				Name:   call.Name,
				Error:  err.Error(),
			}})
		} else {
			s.publish(ctx, Event{Type: EventToolSucceeded, Tool: &EventTool{
				CallID: call.ID,
				Name:   call.Name,
				Result: content,
			}})
		}

		if _, err := s.store.Append(ctx, s.threadID, thread.Message{
			Role:       thread.RoleTool,
			Content:    content,
			ToolCallID: call.ID,
			ToolName:   call.Name,
		}); err != nil {
			return nil, fmt.Errorf("persist tool result: %w", err)
		}

		results = append(results, provider.Message{
			Role:       "tool",
			Content:    content,
			ToolCallID: call.ID,
			ToolName:   call.Name,
		})
	}
	return results, nil
}

// fail finalizes whatever partial output exists, emits the error event, and
// returns the errored result. shell may be nil when no message needs
// finalizing (already finalized, or never created).
func (s *Session) fail(ctx context.Context, shell *thread.Message, partial string, total *provider.Usage, err error) Result {
	if shell != nil {
		if ferr := s.finalize(ctx, shell, partial, nil); ferr != nil {
			s.logger.Warn("finalize partial message failed", "message_id", shell.ID, "error", ferr)
		} else {
			s.publish(ctx, messageEvent(EventMessageUpdate, shell))
		}
	}

	s.publish(ctx, Event{Type: EventError, Error: Sanitize(err)})
	s.logger.Warn("session failed",
		"session_id", s.id,
		"thread_id", s.threadID,
		"provider", s.providerName,
		"error", err)

	res := Result{Status: StatusErrored, Err: err}
	if total != nil {
		res.Usage = *total
	}
	return res
}

// cancelOut finalizes partial output and emits done. Cancellation is a
// clean stop, not a failure: the partial message stays in the thread and
// the consumer sees the session end normally.
func (s *Session) cancelOut(ctx context.Context, shell *thread.Message, partial string, total provider.Usage) Result {
	if shell != nil {
		if err := s.finalize(ctx, shell, partial, nil); err != nil {
			s.logger.Warn("finalize cancelled message failed", "message_id", shell.ID, "error", err)
		} else {
			s.publish(ctx, messageEvent(EventMessageUpdate, shell))
		}
	}

	s.publish(ctx, Event{Type: EventDone})
	s.logger.Debug("session cancelled", "session_id", s.id, "thread_id", s.threadID, "provider", s.providerName)
	return Result{Status: StatusCancelled, Usage: total}
}

// finalize persists the shell's final content and mirrors it onto the
// in-memory message so later events carry what the database holds. It uses
// a detached context: a cancelled session must still write its partial.
func (s *Session) finalize(ctx context.Context, shell *thread.Message, content string, toolCalls []thread.ToolCall) error {
	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer pcancel()

	if err := s.store.Finalize(pctx, shell.ID, content, toolCalls); err != nil {
		return fmt.Errorf("finalize message: %w", err)
	}
	shell.Content = content
	shell.ToolCalls = toolCalls
	return nil
}

func (s *Session) publish(ctx context.Context, ev Event) {
	s.sink.Publish(ctx, ev)
}

// beat invokes the liveness callback at most once per heartbeatEvery.
func (s *Session) beat(ctx context.Context) {
	if s.heartbeat == nil {
		return
	}
	if now := time.Now(); now.Sub(s.lastBeat) >= heartbeatEvery {
		s.lastBeat = now
		s.heartbeat(ctx)
	}
}

// historyToProvider converts persisted messages into provider wire
// messages, skipping assistant shells that ended up with no content and no
// tool calls (aborted sessions leave those behind).
func historyToProvider(history []*thread.Message) []provider.Message {
	msgs := make([]provider.Message, 0, len(history))
	for _, m := range history {
		if m.Role == thread.RoleAssistant && m.Content == "" && len(m.ToolCalls) == 0 {
			continue
		}
		msgs = append(msgs, provider.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  threadToProviderCalls(m.ToolCalls),
			ToolCallID: m.ToolCallID,
			ToolName:   m.ToolName,
		})
	}
	return msgs
}

func threadToProviderCalls(calls []thread.ToolCall) []provider.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]provider.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = provider.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return out
}

func providerToThreadCalls(calls []provider.ToolCall) []thread.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]thread.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = thread.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return out
}

// estimateUsage approximates token counts from text length for providers
// that report none.
func estimateUsage(prompt []provider.Message, output string) provider.Usage {
	var in int64
	for _, m := range prompt {
		in += usage.EstimateTokens(m.Content)
	}
	return provider.Usage{
		InputTokens:  in,
		OutputTokens: usage.EstimateTokens(output),
	}
}
