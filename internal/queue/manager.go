// Package queue schedules durable generation jobs. One queue per provider,
// FIFO within a queue, a configurable number of concurrent workers each.
// The manager owns retry backoff, the staleness sweep that reclaims jobs
// from dead workers, and startup recovery of whatever the last process left
// behind.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skeinlabs/skein/internal/generate"
	"github.com/skeinlabs/skein/internal/job"
	"github.com/skeinlabs/skein/internal/log"
	"github.com/skeinlabs/skein/internal/provider"
)

// Sentinel errors. Wrap them with context; match with errors.Is.
var (
	ErrStopped       = errors.New("queue manager stopped")
	ErrUnknownQueue  = errors.New("unknown provider queue")
	ErrJobNotRunning = errors.New("job is not running")
)

// JobStore is the job persistence the manager needs.
type JobStore interface {
	Get(ctx context.Context, id uuid.UUID) (*job.Job, error)
	ListByStates(ctx context.Context, states ...job.State) ([]*job.Job, error)
	Enqueue(ctx context.Context, id uuid.UUID) error
	MarkRunning(ctx context.Context, id uuid.UUID) error
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
	Requeue(ctx context.Context, id uuid.UUID, maxRetries int) error
	Cancel(ctx context.Context, id uuid.UUID) error
	Heartbeat(ctx context.Context, id uuid.UUID) error
	StaleRunning(ctx context.Context, olderThan time.Duration) ([]*job.Job, error)
}

// Runner executes one job-backed generation. generate.Service implements
// it; tests substitute their own.
type Runner interface {
	Execute(ctx context.Context, req generate.Request, sink generate.Sink, heartbeat func(context.Context)) generate.Result
}

// Config bounds manager behavior. Zero values fall back to defaults in
// NewManager.
type Config struct {
	// AutoRetry re-enqueues transient failures until MaxRetries.
	AutoRetry bool
	// MaxRetries caps retry attempts per job.
	MaxRetries int
	// Backoff shapes the delay between retries.
	Backoff Backoff
	// StaleAfter is how long a running job may go without a heartbeat
	// before it counts as lost.
	StaleAfter time.Duration
	// SweepInterval is how often the background sweep reconciles lost jobs.
	SweepInterval time.Duration
	// StreamBuffer sizes observer streams created by AttachObserver.
	StreamBuffer int
	// Providers maps provider name to its max concurrent sessions.
	// Providers not listed get DefaultMaxConcurrent when first seen.
	Providers map[string]int
}

const (
	DefaultMaxConcurrent = 2

	defaultMaxRetries    = 3
	defaultStaleAfter    = 90 * time.Second
	defaultSweepInterval = 30 * time.Second
	defaultStreamBuffer  = 32
)

type providerQueue struct {
	name     string
	pending  []*job.Job
	running  int
	max      int
	paused   bool
	failures []time.Time
}

// Manager owns every provider queue. All queue bookkeeping is guarded by
// one mutex; blocking work (sessions, store writes) happens outside it.
type Manager struct {
	store  JobStore
	runner Runner
	logger log.Logger
	cfg    Config

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queues  map[string]*providerQueue
	cancels map[uuid.UUID]context.CancelFunc
	relays  map[uuid.UUID]*generate.Relay
	timers  map[uuid.UUID]*time.Timer
	stopped bool

	wg sync.WaitGroup
}

func NewManager(store JobStore, runner Runner, logger log.Logger, cfg Config) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaultStreamBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:   store,
		runner:  runner,
		logger:  logger,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[string]*providerQueue),
		cancels: make(map[uuid.UUID]context.CancelFunc),
		relays:  make(map[uuid.UUID]*generate.Relay),
		timers:  make(map[uuid.UUID]*time.Timer),
	}
	for name, max := range cfg.Providers {
		m.queues[name] = &providerQueue{name: name, max: max}
	}
	return m
}

// Start recovers persisted state and begins the staleness sweep. Running
// jobs from a previous process are reconciled through the lost-worker path;
// queued jobs go back into their pending lists.
func (m *Manager) Start(ctx context.Context) error {
	orphans, err := m.store.ListByStates(ctx, job.StateRunning)
	if err != nil {
		return fmt.Errorf("recover running jobs: %w", err)
	}
	for _, j := range orphans {
		m.logger.Warn("reclaiming job from previous run", "job_id", j.ID, "provider", j.Provider)
		m.reconcileLost(ctx, j)
	}

	queued, err := m.store.ListByStates(ctx, job.StateQueued)
	if err != nil {
		return fmt.Errorf("recover queued jobs: %w", err)
	}

	m.mu.Lock()
	for _, j := range queued {
		q := m.queueForLocked(j.Provider)
		q.pending = append(q.pending, j)
	}
	for _, q := range m.queues {
		m.dispatchLocked(q)
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.sweepLoop()

	m.logger.Info("queue manager started",
		"queues", len(m.queues),
		"recovered_queued", len(queued),
		"recovered_running", len(orphans))
	return nil
}

// Stop halts dispatch, cancels running sessions, and waits for workers
// until ctx expires. Pending retry timers are dropped; their jobs stay
// failed or queued in the store for the next start.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	for id, t := range m.timers {
		if t.Stop() {
			// The callback will never run; release its waitgroup slot.
			m.wg.Done()
		}
		delete(m.timers, id)
	}
	m.mu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("queue manager stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue shutdown: %w", ctx.Err())
	}
}

// Enqueue moves a draft job into its provider queue and dispatches if a
// slot is free.
func (m *Manager) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	if err := m.store.Enqueue(ctx, jobID); err != nil {
		return err
	}
	j, err := m.store.Get(ctx, jobID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		// The job stays queued in the store; the next start recovers it.
		return ErrStopped
	}
	q := m.queueForLocked(j.Provider)
	q.pending = append(q.pending, j)
	m.dispatchLocked(q)
	m.logger.Debug("job enqueued", "job_id", j.ID, "provider", j.Provider, "pending", len(q.pending))
	return nil
}

// Cancel ends a job wherever it is: pending jobs leave the queue, running
// jobs get cooperative cancellation, failed jobs lose their retry.
func (m *Manager) Cancel(ctx context.Context, jobID uuid.UUID) error {
	if err := m.store.Cancel(ctx, jobID); err != nil {
		return err
	}

	m.mu.Lock()
	for _, q := range m.queues {
		for i, p := range q.pending {
			if p.ID == jobID {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
	}
	if t, ok := m.timers[jobID]; ok {
		if t.Stop() {
			m.wg.Done()
		}
		delete(m.timers, jobID)
	}
	cancel := m.cancels[jobID]
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.logger.Debug("job cancelled", "job_id", jobID)
	return nil
}

// CheckStatus returns the job's current record. Its only side effect is
// staleness reconciliation: a running job past the heartbeat threshold is
// failed as lost and handed to the retry policy before the fresh read.
func (m *Manager) CheckStatus(ctx context.Context, jobID uuid.UUID) (*job.Job, error) {
	j, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.State == job.StateRunning && m.stale(j) {
		m.reconcileLost(ctx, j)
		return m.store.Get(ctx, jobID)
	}
	return j, nil
}

// AttachObserver connects a stream to a running job's session. The stream
// observes without owning: closing it detaches, it never cancels the job.
func (m *Manager) AttachObserver(jobID uuid.UUID) (*generate.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	relay, ok := m.relays[jobID]
	if !ok {
		return nil, ErrJobNotRunning
	}
	stream := generate.NewStream(m.cfg.StreamBuffer)
	if !relay.Attach(stream) {
		return nil, ErrJobNotRunning
	}
	return stream, nil
}

// Pause stops new starts for a provider; running sessions finish normally.
func (m *Manager) Pause(providerName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[providerName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, providerName)
	}
	q.paused = true
	m.logger.Info("queue paused", "provider", providerName)
	return nil
}

// Resume lifts a pause and dispatches whatever fits.
func (m *Manager) Resume(providerName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[providerName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, providerName)
	}
	q.paused = false
	m.dispatchLocked(q)
	m.logger.Info("queue resumed", "provider", providerName)
	return nil
}

// Queues returns a health snapshot per provider queue, sorted by name.
func (m *Manager) Queues() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snaps := make([]Snapshot, 0, len(m.queues))
	for _, q := range m.queues {
		snaps = append(snaps, Snapshot{
			Provider:       q.name,
			Health:         q.health(now),
			Pending:        len(q.pending),
			Running:        q.running,
			MaxConcurrent:  q.max,
			RecentFailures: q.recentFailures(now),
			Paused:         q.paused,
		})
	}
	sort.Slice(snaps, func(a, b int) bool { return snaps[a].Provider < snaps[b].Provider })
	return snaps
}

// queueForLocked returns the provider's queue, creating it with the default
// slot count for providers that appear only in recovered jobs.
func (m *Manager) queueForLocked(name string) *providerQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &providerQueue{name: name, max: DefaultMaxConcurrent}
		m.queues[name] = q
	}
	return q
}

// dispatchLocked starts pending jobs while slots are free. Callers hold the
// mutex; the slot is taken before the worker goroutine exists so the
// running count never overshoots.
func (m *Manager) dispatchLocked(q *providerQueue) {
	for !m.stopped && !q.paused && q.running < q.max && len(q.pending) > 0 {
		j := q.pending[0]
		q.pending = q.pending[1:]
		q.running++

		jctx, cancel := context.WithCancel(m.ctx)
		relay := generate.NewRelay()
		m.cancels[j.ID] = cancel
		m.relays[j.ID] = relay

		m.wg.Add(1)
		go m.run(jctx, cancel, q, j, relay)
	}
}

// run executes one job end to end: claim, session, terminal state write.
func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, q *providerQueue, j *job.Job, relay *generate.Relay) {
	defer m.wg.Done()
	defer cancel()
	defer m.finish(q, j.ID)
	// Every observer stream ends when the run does, even when the session
	// never reached its own terminal event.
	defer relay.Finish()

	if err := m.store.MarkRunning(ctx, j.ID); err != nil {
		// Lost the claim: cancelled while pending, or another instance took it.
		m.logger.Debug("job claim failed", "job_id", j.ID, "error", err)
		return
	}

	heartbeat := func(hctx context.Context) {
		if err := m.store.Heartbeat(hctx, j.ID); err != nil {
			m.logger.Debug("job heartbeat failed", "job_id", j.ID, "error", err)
		}
	}

	m.logger.Info("job started", "job_id", j.ID, "provider", j.Provider, "retry", j.RetryCount)
	res := m.runner.Execute(ctx, generate.Request{
		ThreadID: j.ThreadID,
		Provider: j.Provider,
		Model:    j.Model,
		System:   j.Request.System,
		JobID:    j.ID,
	}, relay, heartbeat)

	// Terminal writes use a detached context: the worker ctx is usually
	// already cancelled on the cancel path.
	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer scancel()

	switch res.Status {
	case generate.StatusCompleted:
		if err := m.store.MarkCompleted(sctx, j.ID); err != nil {
			m.logger.Warn("mark job completed failed", "job_id", j.ID, "error", err)
			return
		}
		m.logger.Info("job completed", "job_id", j.ID, "provider", j.Provider)
	case generate.StatusCancelled:
		m.mu.Lock()
		stopped := m.stopped
		m.mu.Unlock()
		if stopped {
			// Shutdown cancellation: the record stays running so the next
			// start reclaims it through the lost-worker path.
			m.logger.Info("job interrupted by shutdown", "job_id", j.ID, "provider", j.Provider)
			return
		}
		// The API cancel path usually flipped the record already.
		if err := m.store.Cancel(sctx, j.ID); err != nil && !errors.Is(err, job.ErrInvalidState) {
			m.logger.Warn("mark job cancelled failed", "job_id", j.ID, "error", err)
		}
		m.logger.Info("job cancelled", "job_id", j.ID, "provider", j.Provider)
	case generate.StatusErrored:
		m.fail(sctx, q, j, res.Err)
	}
}

// fail records the failure, updates queue health, and schedules a retry
// when the cause is transient and attempts remain.
func (m *Manager) fail(ctx context.Context, q *providerQueue, j *job.Job, cause error) {
	detail := "generation failed"
	if cause != nil {
		detail = cause.Error()
	}

	if err := m.store.MarkFailed(ctx, j.ID, detail); err != nil {
		// Typically a concurrent cancel won the race.
		m.logger.Debug("mark job failed skipped", "job_id", j.ID, "error", err)
		return
	}
	m.logger.Warn("job failed", "job_id", j.ID, "provider", j.Provider, "error", cause)

	m.mu.Lock()
	q.failures = append(q.failures, time.Now())
	m.mu.Unlock()

	if retryable(cause) {
		m.maybeRetry(ctx, j.ID)
	}
}

// reconcileLost fails a running job with no live worker. Jobs owned by this
// process are skipped: their worker is alive even if heartbeats are
// lagging.
func (m *Manager) reconcileLost(ctx context.Context, j *job.Job) {
	m.mu.Lock()
	_, local := m.cancels[j.ID]
	m.mu.Unlock()
	if local {
		return
	}

	if err := m.store.MarkFailed(ctx, j.ID, job.ErrLostWorker.Error()); err != nil {
		m.logger.Debug("lost-worker reconcile skipped", "job_id", j.ID, "error", err)
		return
	}
	m.logger.Warn("job lost its worker", "job_id", j.ID, "provider", j.Provider)
	m.maybeRetry(ctx, j.ID)
}

// maybeRetry schedules a re-enqueue if policy and the retry budget allow.
func (m *Manager) maybeRetry(ctx context.Context, jobID uuid.UUID) {
	if !m.cfg.AutoRetry {
		return
	}
	cur, err := m.store.Get(ctx, jobID)
	if err != nil {
		m.logger.Warn("retry lookup failed", "job_id", jobID, "error", err)
		return
	}
	if cur.RetryCount >= m.cfg.MaxRetries {
		m.logger.Info("job retries exhausted", "job_id", jobID, "retries", cur.RetryCount)
		return
	}

	delay := m.cfg.Backoff.Delay(cur.RetryCount + 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	// Stop releases the slot for timers it manages to stop; otherwise the
	// callback's own Done runs.
	m.wg.Add(1)
	m.timers[jobID] = time.AfterFunc(delay, func() {
		defer m.wg.Done()
		m.retry(jobID)
	})
	m.logger.Info("job retry scheduled", "job_id", jobID, "attempt", cur.RetryCount+1, "delay", delay)
}

// retry fires when a backoff timer expires: failed -> queued, back into the
// pending list.
func (m *Manager) retry(jobID uuid.UUID) {
	m.mu.Lock()
	delete(m.timers, jobID)
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), 10*time.Second)
	defer cancel()

	if err := m.store.Requeue(ctx, jobID, m.cfg.MaxRetries); err != nil {
		// Cancelled or exhausted since scheduling; both are final.
		m.logger.Debug("requeue skipped", "job_id", jobID, "error", err)
		return
	}
	j, err := m.store.Get(ctx, jobID)
	if err != nil {
		m.logger.Warn("requeue lookup failed", "job_id", jobID, "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	q := m.queueForLocked(j.Provider)
	q.pending = append(q.pending, j)
	m.dispatchLocked(q)
}

// finish releases the job's slot and hands it to the next pending job.
func (m *Manager) finish(q *providerQueue, jobID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q.running--
	delete(m.cancels, jobID)
	delete(m.relays, jobID)
	m.dispatchLocked(q)
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), 30*time.Second)
			m.sweep(ctx)
			cancel()
		}
	}
}

// sweep reconciles every stale running job through the lost-worker path.
func (m *Manager) sweep(ctx context.Context) {
	jobs, err := m.store.StaleRunning(ctx, m.cfg.StaleAfter)
	if err != nil {
		m.logger.Warn("staleness sweep failed", "error", err)
		return
	}
	for _, j := range jobs {
		m.reconcileLost(ctx, j)
	}
}

// stale reports whether a running job's last sign of life predates the
// threshold.
func (m *Manager) stale(j *job.Job) bool {
	last := j.CreatedAt
	if j.StartedAt != nil {
		last = *j.StartedAt
	}
	if j.HeartbeatAt != nil {
		last = *j.HeartbeatAt
	}
	return time.Since(last) > m.cfg.StaleAfter
}

// retryable reports whether a failure is worth another attempt: transient
// provider errors, stalls, and lost workers. Permanent rejections, busy
// threads, and validation failures are not.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if provider.IsTransient(err) {
		return true
	}
	if errors.Is(err, generate.ErrProviderStalled) {
		return true
	}
	if errors.Is(err, job.ErrLostWorker) {
		return true
	}
	return false
}
