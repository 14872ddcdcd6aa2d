package generate

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/skeinlabs/skein/internal/log"
	"github.com/skeinlabs/skein/internal/provider"
	"github.com/skeinlabs/skein/internal/thread"
	"github.com/skeinlabs/skein/internal/tools"
	"github.com/skeinlabs/skein/internal/usage"
)

var tracer = otel.Tracer("skein/generate")

// ThreadStore is the thread persistence the service needs beyond what a
// running session uses.
type ThreadStore interface {
	MessageStore
	Get(ctx context.Context, id uuid.UUID) (*thread.Thread, error)
}

// Config bounds session behavior. Zero values fall back to defaults in
// NewService.
type Config struct {
	// StreamBuffer is the event channel capacity between session and
	// consumer.
	StreamBuffer int
	// MaxToolRounds caps provider round-trips caused by tool calls in a
	// single session.
	MaxToolRounds int
	// IdleTimeout ends a session whose provider stream goes quiet.
	IdleTimeout time.Duration
	// MaxTokens caps generated tokens per provider request; zero lets the
	// provider choose.
	MaxTokens int64
	// Temperature is passed through to providers when set.
	Temperature *float64
}

const (
	defaultStreamBuffer  = 32
	defaultMaxToolRounds = 5
	defaultIdleTimeout   = 60 * time.Second
)

// Request asks for one generation on a thread. Content is the new user
// message for synchronous sessions; job execution expects it persisted at
// enqueue time and leaves it empty. JobID is attribution only.
type Request struct {
	ThreadID uuid.UUID
	Provider string
	Model    string
	Content  string
	System   string
	JobID    uuid.UUID
}

// Service validates requests, serializes generations per thread, and runs
// sessions. Synchronous callers get a bound stream; the job queue calls
// Execute with its own sink and keeps scheduling to itself.
type Service struct {
	registry *provider.Registry
	store    ThreadStore
	locks    *thread.LockManager
	tools    *tools.Registry
	runner   ToolRunner
	recorder usage.Recorder
	logger   log.Logger
	cfg      Config
}

func NewService(registry *provider.Registry, store ThreadStore, locks *thread.LockManager, toolReg *tools.Registry, runner ToolRunner, recorder usage.Recorder, logger log.Logger, cfg Config) *Service {
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaultStreamBuffer
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaultMaxToolRounds
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &Service{
		registry: registry,
		store:    store,
		locks:    locks,
		tools:    toolReg,
		runner:   runner,
		recorder: recorder,
		logger:   logger,
		cfg:      cfg,
	}
}

// Start validates the request, takes the thread lock, and runs a session in
// the background. Events arrive on the returned stream, which is bound:
// closing it cancels the session. The lock is released when the session
// ends, whatever the reason.
//
// Validation errors return directly with no stream: thread.ErrNotFound,
// thread.ErrBusy, provider.ErrNotRegistered, provider.ErrModelUnknown.
func (s *Service) Start(ctx context.Context, req Request) (*Stream, error) {
	if _, err := s.store.Get(ctx, req.ThreadID); err != nil {
		return nil, err
	}
	chat, err := s.registry.Chat(req.Provider)
	if err != nil {
		return nil, err
	}
	model, err := s.registry.ModelFor(req.Provider, req.Model)
	if err != nil {
		return nil, err
	}
	sessionID := uuid.New()
	token, err := s.locks.Acquire(req.ThreadID, sessionID)
	if err != nil {
		return nil, err
	}

	stream := NewStream(s.cfg.StreamBuffer)
	sctx, cancel := context.WithCancel(ctx)
	stream.Bind(cancel)

	go func() {
		defer stream.Finish()
		defer cancel()
		defer s.locks.Release(token)

		started := time.Now()
		if req.Content != "" {
			user, err := s.store.Append(sctx, req.ThreadID, thread.Message{
				Role:    thread.RoleUser,
				Content: req.Content,
			})
			if err != nil {
				s.logger.Warn("persist user message failed", "thread_id", req.ThreadID, "error", err)
				stream.Publish(sctx, Event{Type: EventError, Error: Sanitize(err)})
				return
			}
			stream.Publish(sctx, messageEvent(EventMessageCreate, user))
		}

		runCtx, span := startSpan(sctx, req, model)
		res := s.session(sessionID, req, model, chat, stream, nil).Run(runCtx)
		s.record(req, model, res, time.Since(started))
		endSpan(span, res)
	}()

	return stream, nil
}

func startSpan(ctx context.Context, req Request, model string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "generate.session", trace.WithAttributes(
		attribute.String("provider", req.Provider),
		attribute.String("model", model),
		attribute.String("thread_id", req.ThreadID.String()),
	))
}

func endSpan(span trace.Span, res Result) {
	span.SetAttributes(
		attribute.String("status", string(res.Status)),
		attribute.Int64("tokens.input", res.Usage.InputTokens),
		attribute.Int64("tokens.output", res.Usage.OutputTokens),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	span.End()
}

// Execute runs a job-backed session inline and reports its result. The
// caller owns scheduling, retries, and cancellation through ctx; events go
// to sink, typically a Relay that may have no observer.
func (s *Service) Execute(ctx context.Context, req Request, sink Sink, heartbeat func(context.Context)) Result {
	if _, err := s.store.Get(ctx, req.ThreadID); err != nil {
		return s.abort(ctx, sink, err)
	}
	chat, err := s.registry.Chat(req.Provider)
	if err != nil {
		return s.abort(ctx, sink, err)
	}
	model, err := s.registry.ModelFor(req.Provider, req.Model)
	if err != nil {
		return s.abort(ctx, sink, err)
	}
	sessionID := uuid.New()
	token, err := s.locks.Acquire(req.ThreadID, sessionID)
	if err != nil {
		return s.abort(ctx, sink, err)
	}
	defer s.locks.Release(token)

	ctx, span := startSpan(ctx, req, model)
	started := time.Now()
	res := s.session(sessionID, req, model, chat, sink, heartbeat).Run(ctx)
	s.record(req, model, res, time.Since(started))
	endSpan(span, res)
	return res
}

// Locked reports whether a generation currently holds the thread.
func (s *Service) Locked(threadID uuid.UUID) bool {
	return s.locks.Locked(threadID)
}

// Holder returns the session id holding the thread's lock, or false when no
// generation is running.
func (s *Service) Holder(threadID uuid.UUID) (uuid.UUID, bool) {
	return s.locks.Holder(threadID)
}

func (s *Service) session(id uuid.UUID, req Request, model string, chat provider.ChatStreamer, sink Sink, heartbeat func(context.Context)) *Session {
	return &Session{
		id:            id,
		threadID:      req.ThreadID,
		providerName:  req.Provider,
		model:         model,
		system:        req.System,
		chat:          chat,
		store:         s.store,
		runner:        s.runner,
		toolDefs:      s.tools.Defs(),
		sink:          sink,
		heartbeat:     heartbeat,
		maxToolRounds: s.cfg.MaxToolRounds,
		idleTimeout:   s.cfg.IdleTimeout,
		maxTokens:     s.cfg.MaxTokens,
		temperature:   s.cfg.Temperature,
		logger:        s.logger,
	}
}

func (s *Service) abort(ctx context.Context, sink Sink, err error) Result {
	sink.Publish(ctx, Event{Type: EventError, Error: Sanitize(err)})
	return Result{Status: StatusErrored, Err: err}
}

// record persists token usage after a session. Failures are logged, never
// propagated.
func (s *Service) record(req Request, model string, res Result, dur time.Duration) {
	if s.recorder == nil || (res.Usage.InputTokens == 0 && res.Usage.OutputTokens == 0) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.recorder.Record(ctx, usage.Record{
		Provider:     req.Provider,
		Model:        model,
		ThreadID:     req.ThreadID,
		JobID:        req.JobID,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		Duration:     dur,
	})
	if err != nil {
		s.logger.Warn("record usage failed", "provider", req.Provider, "error", err)
	}
}
