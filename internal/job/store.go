package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skeinlabs/skein/internal/log"
)

const jobColumns = `id, thread_id, provider, model, state, request, retry_count, last_error,
	created_at, queued_at, started_at, completed_at, heartbeat_at`

// Store persists jobs in Postgres. Every state change is a compare-and-set
// on the current state, so two workers can race for the same job and
// exactly one wins.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

func NewStore(pool *pgxpool.Pool, logger log.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Create inserts a new job in draft or queued state and fills the job's ID
// and timestamps.
func (s *Store) Create(ctx context.Context, j *Job) error {
	if j.State == "" {
		j.State = StateDraft
	}
	if j.State != StateDraft && j.State != StateQueued {
		return fmt.Errorf("%w: jobs start as draft or queued, not %s", ErrInvalidState, j.State)
	}
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}

	var queuedAt *time.Time
	if j.State == StateQueued {
		now := time.Now()
		queuedAt = &now
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, thread_id, provider, model, state, request, queued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		j.ID, j.ThreadID, j.Provider, j.Model, j.State, j.Request, queuedAt,
	).Scan(&j.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	j.QueuedAt = queuedAt

	s.logger.Debug("job created", "job_id", j.ID, "thread_id", j.ThreadID, "state", j.State)
	return nil
}

// Get loads one job.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListByThread returns a thread's jobs, newest first.
func (s *Store) ListByThread(ctx context.Context, threadID uuid.UUID, limit int32) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE thread_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		threadID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs by thread: %w", err)
	}
	return collectJobs(rows)
}

// ListByStates returns every job currently in one of the given states,
// oldest first. The queue uses it for startup recovery.
func (s *Store) ListByStates(ctx context.Context, states ...State) ([]*Job, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = ANY($1)
		ORDER BY created_at ASC`,
		names,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs by state: %w", err)
	}
	return collectJobs(rows)
}

// Enqueue moves draft -> queued.
func (s *Store) Enqueue(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, queued_at = now()
		WHERE id = $1 AND state = $3`,
		id, StateQueued, StateDraft,
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.casError(ctx, id, StateQueued)
	}
	return nil
}

// MarkRunning claims a queued job for a worker and starts its heartbeat
// clock. Exactly one caller can win the claim.
func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, started_at = now(), heartbeat_at = now()
		WHERE id = $1 AND state = $3`,
		id, StateRunning, StateQueued,
	)
	if err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.casError(ctx, id, StateRunning)
	}
	return nil
}

// MarkCompleted moves running -> completed.
func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, completed_at = now()
		WHERE id = $1 AND state = $3`,
		id, StateCompleted, StateRunning,
	)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.casError(ctx, id, StateCompleted)
	}
	return nil
}

// MarkFailed moves running -> failed and records the cause.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, last_error = $3
		WHERE id = $1 AND state = $4`,
		id, StateFailed, lastError, StateRunning,
	)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.casError(ctx, id, StateFailed)
	}
	return nil
}

// Requeue moves failed -> queued for another attempt, bumping retry_count.
// It refuses with ErrRetryExhausted once retry_count reaches maxRetries.
func (s *Store) Requeue(ctx context.Context, id uuid.UUID, maxRetries int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, retry_count = retry_count + 1,
			queued_at = now(), started_at = NULL, heartbeat_at = NULL
		WHERE id = $1 AND state = $3 AND retry_count < $4`,
		id, StateQueued, StateFailed, maxRetries,
	)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		cur, gerr := s.Get(ctx, id)
		if gerr != nil {
			return gerr
		}
		if cur.State == StateFailed {
			return fmt.Errorf("%w: %d attempts", ErrRetryExhausted, cur.RetryCount)
		}
		return TransitionErr(cur.State, StateQueued)
	}
	return nil
}

// Cancel ends a job from any non-terminal state. Cancelling a running job
// only flips the record; stopping the worker is the queue's problem.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET state = $2, completed_at = now()
		WHERE id = $1 AND state = ANY($3)`,
		id, StateCancelled, []string{string(StateDraft), string(StateQueued), string(StateRunning), string(StateFailed)},
	)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.casError(ctx, id, StateCancelled)
	}
	return nil
}

// Heartbeat refreshes a running job's liveness stamp. Racing a concurrent
// completion is harmless, so a zero-row update is not an error.
func (s *Store) Heartbeat(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET heartbeat_at = now()
		WHERE id = $1 AND state = $2`,
		id, StateRunning,
	)
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	return nil
}

// StaleRunning returns running jobs whose last heartbeat is older than the
// cutoff. Jobs that never heartbeated fall back to their start time.
func (s *Store) StaleRunning(ctx context.Context, olderThan time.Duration) ([]*Job, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = $1 AND COALESCE(heartbeat_at, started_at, created_at) < $2
		ORDER BY created_at ASC`,
		StateRunning, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return collectJobs(rows)
}

// casError turns a zero-row compare-and-set into the right sentinel.
func (s *Store) casError(ctx context.Context, id uuid.UUID, to State) error {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return TransitionErr(cur.State, to)
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.ThreadID, &j.Provider, &j.Model, &j.State, &j.Request,
		&j.RetryCount, &j.LastError, &j.CreatedAt,
		&j.QueuedAt, &j.StartedAt, &j.CompletedAt, &j.HeartbeatAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read jobs: %w", err)
	}
	return jobs, nil
}
