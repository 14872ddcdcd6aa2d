package queue

import (
	"testing"
	"time"
)

func TestQueueHealthDerivation(t *testing.T) {
	t.Parallel()

	now := time.Now()
	recent := now.Add(-time.Minute)
	aged := now.Add(-failureWindow - time.Minute)

	tests := []struct {
		name string
		q    providerQueue
		want Health
	}{
		{
			name: "idle queue",
			q:    providerQueue{max: 2},
			want: HealthHealthy,
		},
		{
			name: "at capacity",
			q:    providerQueue{running: 2, max: 2},
			want: HealthWarning,
		},
		{
			name: "one recent failure",
			q:    providerQueue{max: 2, failures: []time.Time{recent}},
			want: HealthWarning,
		},
		{
			name: "sustained failures",
			q: providerQueue{max: 2, failures: []time.Time{
				recent, recent, recent, recent, recent,
			}},
			want: HealthCritical,
		},
		{
			name: "paused wins over failures",
			q: providerQueue{paused: true, max: 2, failures: []time.Time{
				recent, recent, recent, recent, recent,
			}},
			want: HealthDisabled,
		},
		{
			name: "failures aged out of the window",
			q:    providerQueue{max: 2, failures: []time.Time{aged, aged}},
			want: HealthHealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.q.health(now); got != tt.want {
				t.Errorf("health() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecentFailuresPrunesWindow(t *testing.T) {
	t.Parallel()

	now := time.Now()
	q := providerQueue{failures: []time.Time{
		now.Add(-failureWindow - time.Minute),
		now.Add(-failureWindow - time.Second),
		now.Add(-time.Minute),
	}}

	if got := q.recentFailures(now); got != 1 {
		t.Fatalf("recentFailures() = %d, want 1", got)
	}
	if len(q.failures) != 1 {
		t.Errorf("pruned slice length = %d, want 1", len(q.failures))
	}
}
