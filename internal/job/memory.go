package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps jobs in memory with the same transition rules and
// sentinels as the Postgres store. It backs queue tests and returns copies
// everywhere.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]*Job)}
}

func (s *MemoryStore) Create(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.State == "" {
		j.State = StateDraft
	}
	if j.State != StateDraft && j.State != StateQueued {
		return fmt.Errorf("%w: jobs start as draft or queued, not %s", ErrInvalidState, j.State)
	}
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	j.CreatedAt = time.Now()
	if j.State == StateQueued {
		now := time.Now()
		j.QueuedAt = &now
	}

	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *MemoryStore) get(id uuid.UUID) (*Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) ListByThread(_ context.Context, threadID uuid.UUID, limit int32) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*Job
	for _, j := range s.jobs {
		if j.ThreadID == threadID {
			cp := *j
			jobs = append(jobs, &cp)
		}
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.After(jobs[b].CreatedAt) })
	if limit > 0 && int32(len(jobs)) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) ListByStates(_ context.Context, states ...State) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*Job
	for _, j := range s.jobs {
		for _, st := range states {
			if j.State == st {
				cp := *j
				jobs = append(jobs, &cp)
				break
			}
		}
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.Before(jobs[b].CreatedAt) })
	return jobs, nil
}

// transition applies mutate if the from -> to step is legal for the job's
// current state.
func (s *MemoryStore) transition(id uuid.UUID, from, to State, mutate func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.State != from {
		return TransitionErr(j.State, to)
	}
	j.State = to
	if mutate != nil {
		mutate(j)
	}
	return nil
}

func (s *MemoryStore) Enqueue(_ context.Context, id uuid.UUID) error {
	return s.transition(id, StateDraft, StateQueued, func(j *Job) {
		now := time.Now()
		j.QueuedAt = &now
	})
}

func (s *MemoryStore) MarkRunning(_ context.Context, id uuid.UUID) error {
	return s.transition(id, StateQueued, StateRunning, func(j *Job) {
		now := time.Now()
		j.StartedAt = &now
		j.HeartbeatAt = &now
	})
}

func (s *MemoryStore) MarkCompleted(_ context.Context, id uuid.UUID) error {
	return s.transition(id, StateRunning, StateCompleted, func(j *Job) {
		now := time.Now()
		j.CompletedAt = &now
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, id uuid.UUID, lastError string) error {
	return s.transition(id, StateRunning, StateFailed, func(j *Job) {
		j.LastError = lastError
	})
}

func (s *MemoryStore) Requeue(_ context.Context, id uuid.UUID, maxRetries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.State != StateFailed {
		return TransitionErr(j.State, StateQueued)
	}
	if j.RetryCount >= maxRetries {
		return fmt.Errorf("%w: %d attempts", ErrRetryExhausted, j.RetryCount)
	}
	now := time.Now()
	j.State = StateQueued
	j.RetryCount++
	j.QueuedAt = &now
	j.StartedAt = nil
	j.HeartbeatAt = nil
	return nil
}

func (s *MemoryStore) Cancel(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !j.State.CanTransition(StateCancelled) {
		return TransitionErr(j.State, StateCancelled)
	}
	now := time.Now()
	j.State = StateCancelled
	j.CompletedAt = &now
	return nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	if j.State == StateRunning {
		now := time.Now()
		j.HeartbeatAt = &now
	}
	return nil
}

func (s *MemoryStore) StaleRunning(_ context.Context, olderThan time.Duration) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var jobs []*Job
	for _, j := range s.jobs {
		if j.State != StateRunning {
			continue
		}
		last := j.CreatedAt
		if j.StartedAt != nil {
			last = *j.StartedAt
		}
		if j.HeartbeatAt != nil {
			last = *j.HeartbeatAt
		}
		if last.Before(cutoff) {
			cp := *j
			jobs = append(jobs, &cp)
		}
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.Before(jobs[b].CreatedAt) })
	return jobs, nil
}
