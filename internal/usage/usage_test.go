package usage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/skeinlabs/skein/internal/log"
	"github.com/skeinlabs/skein/internal/testutil"
)

func TestStoreRecordSummaryPostgres(t *testing.T) {
	t.Parallel()

	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	store := NewStore(db.Pool, log.NewNop())

	threadID := uuid.New()
	jobID := uuid.New()

	records := []Record{
		{Provider: "openai", Model: "gpt-4o", ThreadID: threadID, JobID: jobID,
			InputTokens: 100, OutputTokens: 40, Duration: 1200 * time.Millisecond},
		{Provider: "openai", Model: "gpt-4o", InputTokens: 50, OutputTokens: 10},
		{Provider: "anthropic", Model: "claude-sonnet-4-5", InputTokens: 80, OutputTokens: 30},
	}
	for i, rec := range records {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	totals, err := store.Summary(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("summary = %+v, want 2 providers", totals)
	}
	if totals[0].Provider != "anthropic" || totals[1].Provider != "openai" {
		t.Fatalf("summary not ordered by provider: %+v", totals)
	}
	if totals[1].Requests != 2 || totals[1].InputTokens != 150 || totals[1].OutputTokens != 50 {
		t.Fatalf("openai totals = %+v", totals[1])
	}

	// A cutoff in the future matches nothing.
	empty, err := store.Summary(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("summary future: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("future summary = %+v, want empty", empty)
	}

	// Nil thread and job IDs store as NULL, not the zero UUID.
	var nullRows int
	err = db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM usage_logs WHERE thread_id IS NULL AND job_id IS NULL`,
	).Scan(&nullRows)
	if err != nil {
		t.Fatalf("count null rows: %v", err)
	}
	if nullRows != 2 {
		t.Fatalf("null rows = %d, want 2", nullRows)
	}

	var storedMs int64
	err = db.Pool.QueryRow(ctx,
		`SELECT duration_ms FROM usage_logs WHERE thread_id = $1`, threadID,
	).Scan(&storedMs)
	if err != nil {
		t.Fatalf("read duration: %v", err)
	}
	if storedMs != 1200 {
		t.Fatalf("duration_ms = %d, want 1200", storedMs)
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want int64
	}{
		{name: "empty", text: "", want: 0},
		{name: "shorter than one token", text: "ab", want: 1},
		{name: "exact tokens", text: "12345678", want: 2},
		{name: "rounds down", text: "123456789", want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.text); got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}
