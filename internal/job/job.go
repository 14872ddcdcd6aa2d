// Package job defines durable generation jobs and their state machine.
// A job is the queued form of a generation request: it survives restarts,
// carries retry bookkeeping, and moves through a fixed set of states that
// every store implementation enforces.
package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors. Wrap them with context; match with errors.Is.
var (
	ErrNotFound       = errors.New("job not found")
	ErrInvalidState   = errors.New("invalid job state transition")
	ErrRetryExhausted = errors.New("job retries exhausted")

	// ErrLostWorker marks a running job whose worker stopped heartbeating.
	// The queue treats it like a transient provider failure.
	ErrLostWorker = errors.New("worker lost")
)

// State is a job's position in its lifecycle.
type State string

const (
	// StateDraft is a created job not yet handed to the queue.
	StateDraft State = "draft"
	// StateQueued means the job waits for a worker slot.
	StateQueued State = "queued"
	// StateRunning means a worker holds the job and heartbeats it.
	StateRunning State = "running"
	// StateCompleted is terminal success.
	StateCompleted State = "completed"
	// StateFailed is a failure that may still be retried back to queued.
	StateFailed State = "failed"
	// StateCancelled is terminal; nothing leaves it.
	StateCancelled State = "cancelled"
)

// transitions is the full lifecycle. Anything not listed is invalid.
var transitions = map[State][]State{
	StateDraft:     {StateQueued, StateCancelled},
	StateQueued:    {StateRunning, StateCancelled},
	StateRunning:   {StateCompleted, StateFailed, StateCancelled},
	StateFailed:    {StateQueued, StateCancelled},
	StateCompleted: nil,
	StateCancelled: nil,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no transition leaves s. Failed is not terminal:
// retry moves it back to queued.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0 && s.Valid()
}

// CanTransition reports whether s -> to is a legal step.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionErr builds the ErrInvalidState for an attempted step, for
// stores that detect the violation after the fact.
func TransitionErr(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
}

// Request is the input snapshot captured when the job is created. The user
// message itself is appended to the thread at creation time, so retries
// replay history instead of duplicating input.
type Request struct {
	System string `json:"system,omitempty"`
}

// Job is one durable generation request.
type Job struct {
	ID          uuid.UUID  `json:"id"`
	ThreadID    uuid.UUID  `json:"thread_id"`
	Provider    string     `json:"provider"`
	Model       string     `json:"model,omitempty"`
	State       State      `json:"state"`
	Request     Request    `json:"request"`
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
}
