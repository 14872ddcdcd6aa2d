package generate

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/skeinlabs/skein/internal/log"
	"github.com/skeinlabs/skein/internal/provider"
	"github.com/skeinlabs/skein/internal/testutil"
	"github.com/skeinlabs/skein/internal/thread"
	"github.com/skeinlabs/skein/internal/tools"
	"github.com/skeinlabs/skein/internal/usage"
)

type memRecorder struct {
	mu   sync.Mutex
	recs []usage.Record
}

func (r *memRecorder) Record(_ context.Context, rec usage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *memRecorder) all() []usage.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.recs)
}

type echoArgs struct {
	Value string `json:"value"`
}

// newTestService wires a service around an in-memory store, a scripted
// provider registered as "scripted" with model allow-list, and an echo
// tool.
func newTestService(t *testing.T, chat provider.ChatStreamer, cfg Config) (*Service, *testutil.MemoryThreadStore, *memRecorder, uuid.UUID) {
	t.Helper()

	store := testutil.NewMemoryThreadStore()
	th := store.CreateThread("test thread")

	reg := provider.NewRegistry()
	if err := reg.Register("scripted", chat, "scripted-1", []string{"scripted-1"}); err != nil {
		t.Fatalf("register provider: %v", err)
	}

	toolReg := tools.NewRegistry()
	echo, err := tools.New("echo", "echoes the value back", func(_ context.Context, in echoArgs) (string, error) {
		return "echo: " + in.Value, nil
	})
	if err != nil {
		t.Fatalf("build echo tool: %v", err)
	}
	if err := toolReg.Register(echo); err != nil {
		t.Fatalf("register echo tool: %v", err)
	}

	rec := &memRecorder{}
	svc := NewService(reg, store, thread.NewLockManager(), toolReg,
		tools.NewExecutor(toolReg, time.Second, log.NewNop()), rec, log.NewNop(), cfg)
	return svc, store, rec, th.ID
}

func nextEvent(t *testing.T, s *Stream, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("stream finished early")
		}
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func waitUnlocked(t *testing.T, svc *Service, threadID uuid.UUID) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !svc.Locked(threadID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("thread lock not released")
}

func TestStartStreamsCompletion(t *testing.T) {
	defer goleak.VerifyNone(t)

	chat := testutil.NewScriptedChat([]provider.Fragment{
		testutil.Text("Hel"), testutil.Text("lo"), testutil.Usage(12, 7),
	})
	svc, store, rec, threadID := newTestService(t, chat, Config{})

	stream, err := svc.Start(context.Background(), Request{
		ThreadID: threadID,
		Provider: "scripted",
		Content:  "hi",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stream.Close()

	events := collectEvents(t, stream, 2*time.Second)
	want := []EventType{
		EventMessageCreate, EventMessageCreate,
		EventMessageChunk, EventMessageChunk,
		EventMessageUpdate, EventDone,
	}
	if got := eventTypes(events); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if events[0].Message.Role != thread.RoleUser || events[0].Message.Content != "hi" {
		t.Errorf("user create = %+v", events[0].Message)
	}
	if events[1].Message.Role != thread.RoleAssistant || events[1].Message.Content != "" {
		t.Errorf("assistant create = %+v", events[1].Message)
	}
	if events[4].Message.Content != "Hello" {
		t.Errorf("final content = %q, want %q", events[4].Message.Content, "Hello")
	}

	msgs := store.MessageList(threadID)
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want 2", len(msgs))
	}
	if msgs[1].Role != thread.RoleAssistant || msgs[1].Content != "Hello" {
		t.Errorf("stored assistant = %+v", msgs[1])
	}

	recs := rec.all()
	if len(recs) != 1 {
		t.Fatalf("recorded %d usage rows, want 1", len(recs))
	}
	if recs[0].InputTokens != 12 || recs[0].OutputTokens != 7 {
		t.Errorf("usage = %d/%d, want 12/7", recs[0].InputTokens, recs[0].OutputTokens)
	}
}

func TestStartToolRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	chat := testutil.NewScriptedChat(
		[]provider.Fragment{testutil.ToolCall("call_1", "echo", `{"value":"ping"}`)},
		[]provider.Fragment{testutil.Text("pong"), testutil.Usage(30, 11)},
	)
	svc, store, _, threadID := newTestService(t, chat, Config{})

	stream, err := svc.Start(context.Background(), Request{
		ThreadID: threadID,
		Provider: "scripted",
		Content:  "ping me",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stream.Close()

	events := collectEvents(t, stream, 2*time.Second)
	want := []EventType{
		EventMessageCreate, EventMessageCreate, EventMessageUpdate,
		EventToolCalled, EventToolSucceeded,
		EventMessageCreate, EventMessageChunk, EventMessageUpdate,
		EventDone,
	}
	if got := eventTypes(events); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if tl := events[3].Tool; tl.CallID != "call_1" || tl.Name != "echo" {
		t.Errorf("tool_called = %+v", tl)
	}
	if tl := events[4].Tool; tl.Result != "echo: ping" {
		t.Errorf("tool_succeeded result = %q", tl.Result)
	}

	msgs := store.MessageList(threadID)
	if len(msgs) != 4 {
		t.Fatalf("stored %d messages, want 4", len(msgs))
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].ID != "call_1" {
		t.Errorf("assistant tool calls = %+v", msgs[1].ToolCalls)
	}
	if msgs[2].Role != thread.RoleTool || msgs[2].ToolCallID != "call_1" || msgs[2].Content != "echo: ping" {
		t.Errorf("tool message = %+v", msgs[2])
	}
	if msgs[3].Content != "pong" {
		t.Errorf("final assistant = %+v", msgs[3])
	}

	reqs := chat.Requests()
	if len(reqs) != 2 {
		t.Fatalf("provider called %d times, want 2", len(reqs))
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "call_1" || last.Content != "echo: ping" {
		t.Errorf("resumed with %+v, want tool result message", last)
	}
}

func TestStartEmitsPartialThenError(t *testing.T) {
	defer goleak.VerifyNone(t)

	chat := testutil.NewScriptedChat([]provider.Fragment{
		testutil.Text("a"), testutil.Text("b"), testutil.Text("c"),
		testutil.Fail(provider.NewTransient("scripted", 503, errors.New("upstream blew up"))),
	})
	svc, store, _, threadID := newTestService(t, chat, Config{})

	stream, err := svc.Start(context.Background(), Request{
		ThreadID: threadID,
		Provider: "scripted",
		Content:  "hi",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stream.Close()

	events := collectEvents(t, stream, 2*time.Second)
	want := []EventType{
		EventMessageCreate, EventMessageCreate,
		EventMessageChunk, EventMessageChunk, EventMessageChunk,
		EventMessageUpdate, EventError,
	}
	if got := eventTypes(events); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if events[5].Message.Content != "abc" {
		t.Errorf("partial content = %q, want %q", events[5].Message.Content, "abc")
	}
	if events[6].Error != "provider temporarily unavailable" {
		t.Errorf("error message = %q", events[6].Error)
	}
	if events[6].Error == "upstream blew up" {
		t.Error("raw provider error leaked to the stream")
	}

	msgs := store.MessageList(threadID)
	if msgs[len(msgs)-1].Content != "abc" {
		t.Errorf("partial not persisted: %+v", msgs[len(msgs)-1])
	}
}

func TestStartSerializesPerThread(t *testing.T) {
	defer goleak.VerifyNone(t)

	chat := testutil.NewScriptedChat()
	chat.Hang = true
	svc, store, _, threadID := newTestService(t, chat, Config{})

	first, err := svc.Start(context.Background(), Request{
		ThreadID: threadID,
		Provider: "scripted",
		Content:  "first",
	})
	if err != nil {
		t.Fatalf("start first: %v", err)
	}

	// Wait until the first session holds the lock.
	nextEvent(t, first, 2*time.Second) // user message_create
	nextEvent(t, first, 2*time.Second) // assistant message_create

	_, err = svc.Start(context.Background(), Request{
		ThreadID: threadID,
		Provider: "scripted",
		Content:  "second",
	})
	if !errors.Is(err, thread.ErrBusy) {
		t.Fatalf("concurrent start err = %v, want ErrBusy", err)
	}

	// Disconnect cancels the first session and frees the thread. A closed
	// stream delivers nothing further.
	first.Close()
	if rest := collectEvents(t, first, 2*time.Second); len(rest) != 0 {
		t.Fatalf("events delivered after disconnect: %v", eventTypes(rest))
	}
	waitUnlocked(t, svc, threadID)

	msgs := store.MessageList(threadID)
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want user + empty assistant", len(msgs))
	}

	third, err := svc.Start(context.Background(), Request{
		ThreadID: threadID,
		Provider: "scripted",
		Content:  "third",
	})
	if err != nil {
		t.Fatalf("start after release: %v", err)
	}
	third.Close()
	collectEvents(t, third, 2*time.Second)
	waitUnlocked(t, svc, threadID)
}

func TestStartValidation(t *testing.T) {
	t.Parallel()

	chat := testutil.NewScriptedChat()
	svc, _, _, threadID := newTestService(t, chat, Config{})

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{
			name:    "unknown thread",
			req:     Request{ThreadID: uuid.New(), Provider: "scripted"},
			wantErr: thread.ErrNotFound,
		},
		{
			name:    "unknown provider",
			req:     Request{ThreadID: threadID, Provider: "nope"},
			wantErr: provider.ErrNotRegistered,
		},
		{
			name:    "unknown model",
			req:     Request{ThreadID: threadID, Provider: "scripted", Model: "gpt-imaginary"},
			wantErr: provider.ErrModelUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := svc.Start(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStartIdleTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	chat := testutil.NewScriptedChat()
	chat.Hang = true
	svc, _, _, threadID := newTestService(t, chat, Config{IdleTimeout: 50 * time.Millisecond})

	stream, err := svc.Start(context.Background(), Request{
		ThreadID: threadID,
		Provider: "scripted",
		Content:  "hi",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stream.Close()

	events := collectEvents(t, stream, 2*time.Second)
	want := []EventType{
		EventMessageCreate, EventMessageCreate,
		EventMessageUpdate, EventError,
	}
	if got := eventTypes(events); !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if events[3].Error != "provider stopped responding" {
		t.Errorf("error message = %q", events[3].Error)
	}
	waitUnlocked(t, svc, threadID)
}

func TestStartToolRoundLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	chat := testutil.NewScriptedChat(
		[]provider.Fragment{testutil.ToolCall("call_1", "echo", `{"value":"a"}`)},
		[]provider.Fragment{testutil.ToolCall("call_2", "echo", `{"value":"b"}`)},
	)
	svc, _, _, threadID := newTestService(t, chat, Config{MaxToolRounds: 1})

	stream, err := svc.Start(context.Background(), Request{
		ThreadID: threadID,
		Provider: "scripted",
		Content:  "loop forever",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stream.Close()

	events := collectEvents(t, stream, 2*time.Second)
	last := events[len(events)-1]
	if last.Type != EventError || last.Error != "tool round limit exceeded" {
		t.Fatalf("last event = %+v, want tool round limit error", last)
	}
	// The first round's tool still ran; the second round was cut off.
	if n := countEvents(events, EventToolCalled); n != 1 {
		t.Errorf("tool_called count = %d, want 1", n)
	}
	if countEvents(events, EventDone) != 0 {
		t.Error("done emitted after tool round limit error")
	}
}

func countEvents(events []Event, typ EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestExecuteReportsCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)

	chat := testutil.NewScriptedChat()
	chat.Hang = true
	svc, store, _, threadID := newTestService(t, chat, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)

	res := svc.Execute(ctx, Request{ThreadID: threadID, Provider: "scripted"}, NewRelay(), nil)
	if res.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", res.Status, StatusCancelled)
	}
	if svc.Locked(threadID) {
		t.Error("lock still held after Execute returned")
	}

	// The aborted assistant shell is finalized empty, not left dangling.
	msgs := store.MessageList(threadID)
	if len(msgs) != 1 || msgs[0].Role != thread.RoleAssistant {
		t.Fatalf("stored messages = %+v", msgs)
	}
}

func TestExecuteValidationFailure(t *testing.T) {
	t.Parallel()

	chat := testutil.NewScriptedChat()
	svc, _, _, threadID := newTestService(t, chat, Config{})

	res := svc.Execute(context.Background(), Request{
		ThreadID: threadID,
		Provider: "nope",
	}, NewRelay(), nil)
	if res.Status != StatusErrored {
		t.Fatalf("status = %s, want %s", res.Status, StatusErrored)
	}
	if !errors.Is(res.Err, provider.ErrNotRegistered) {
		t.Errorf("err = %v, want ErrNotRegistered", res.Err)
	}

	res = svc.Execute(context.Background(), Request{
		ThreadID: uuid.New(),
		Provider: "scripted",
	}, NewRelay(), nil)
	if !errors.Is(res.Err, thread.ErrNotFound) {
		t.Errorf("err = %v, want thread.ErrNotFound", res.Err)
	}
}

func TestExecuteHeartbeat(t *testing.T) {
	defer goleak.VerifyNone(t)

	chat := testutil.NewScriptedChat([]provider.Fragment{testutil.Text("hello")})
	svc, _, _, threadID := newTestService(t, chat, Config{})

	var beats atomic.Int32
	res := svc.Execute(context.Background(), Request{
		ThreadID: threadID,
		Provider: "scripted",
	}, NewRelay(), func(context.Context) { beats.Add(1) })

	if res.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", res.Status, StatusCompleted)
	}
	if beats.Load() < 1 {
		t.Error("heartbeat never fired")
	}
}

func TestUsageEstimatedWhenProviderSilent(t *testing.T) {
	defer goleak.VerifyNone(t)

	chat := testutil.NewScriptedChat([]provider.Fragment{testutil.Text("hello world")})
	svc, _, rec, threadID := newTestService(t, chat, Config{})

	stream, err := svc.Start(context.Background(), Request{
		ThreadID: threadID,
		Provider: "scripted",
		Content:  "hi",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stream.Close()
	collectEvents(t, stream, 2*time.Second)

	recs := rec.all()
	if len(recs) != 1 {
		t.Fatalf("recorded %d usage rows, want 1", len(recs))
	}
	if recs[0].InputTokens != 1 || recs[0].OutputTokens != 2 {
		t.Errorf("estimated usage = %d/%d, want 1/2", recs[0].InputTokens, recs[0].OutputTokens)
	}
}
