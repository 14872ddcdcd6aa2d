package queue

import "time"

// Health is a provider queue's derived condition. It is computed on read
// from current slot occupancy and the recent failure window, never stored.
type Health string

const (
	// HealthHealthy means free slots and no recent failures.
	HealthHealthy Health = "healthy"
	// HealthWarning means the queue is at capacity or has seen a recent
	// failure.
	HealthWarning Health = "warning"
	// HealthCritical means sustained failures in the recent window.
	HealthCritical Health = "critical"
	// HealthDisabled means an operator paused the queue; nothing starts
	// until resume.
	HealthDisabled Health = "disabled"
)

const (
	// failureWindow is how long a failure counts against a queue's health.
	failureWindow = 5 * time.Minute
	// criticalFailures within the window tips a queue to critical.
	criticalFailures = 5
)

// Snapshot is one queue's state at a point in time.
type Snapshot struct {
	Provider       string `json:"provider"`
	Health         Health `json:"health"`
	Pending        int    `json:"pending"`
	Running        int    `json:"running"`
	MaxConcurrent  int    `json:"max_concurrent"`
	RecentFailures int    `json:"recent_failures"`
	Paused         bool   `json:"paused"`
}

// health derives the condition for one queue. Callers hold the manager
// mutex.
func (q *providerQueue) health(now time.Time) Health {
	switch {
	case q.paused:
		return HealthDisabled
	case q.recentFailures(now) >= criticalFailures:
		return HealthCritical
	case q.recentFailures(now) > 0 || q.running >= q.max:
		return HealthWarning
	default:
		return HealthHealthy
	}
}

// recentFailures counts failures still inside the window, pruning the rest.
func (q *providerQueue) recentFailures(now time.Time) int {
	cutoff := now.Add(-failureWindow)
	kept := q.failures[:0]
	for _, ts := range q.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	q.failures = kept
	return len(q.failures)
}
