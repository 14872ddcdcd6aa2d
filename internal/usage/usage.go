// Package usage records token accounting per generation. Recording is best
// effort everywhere it is called: a failed insert is logged and swallowed,
// never surfaced into the generation that produced it.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skeinlabs/skein/internal/log"
)

// Record is one generation's token accounting. ThreadID and JobID are
// optional; uuid.Nil stores as NULL.
type Record struct {
	ID           uuid.UUID     `json:"id"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	ThreadID     uuid.UUID     `json:"thread_id,omitempty"`
	JobID        uuid.UUID     `json:"job_id,omitempty"`
	InputTokens  int64         `json:"input_tokens"`
	OutputTokens int64         `json:"output_tokens"`
	Duration     time.Duration `json:"-"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Recorder persists usage records.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// ProviderTotals aggregates usage for one provider.
type ProviderTotals struct {
	Provider     string `json:"provider"`
	Requests     int64  `json:"requests"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Store persists usage records in Postgres.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

func NewStore(pool *pgxpool.Pool, logger log.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Record inserts one usage row.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	var threadID, jobID *uuid.UUID
	if rec.ThreadID != uuid.Nil {
		threadID = &rec.ThreadID
	}
	if rec.JobID != uuid.Nil {
		jobID = &rec.JobID
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_logs (id, provider, model, thread_id, job_id, input_tokens, output_tokens, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.Provider, rec.Model, threadID, jobID,
		rec.InputTokens, rec.OutputTokens, rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary aggregates usage per provider since the given time.
func (s *Store) Summary(ctx context.Context, since time.Time) ([]ProviderTotals, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT provider, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM usage_logs
		WHERE created_at >= $1
		GROUP BY provider
		ORDER BY provider`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	defer rows.Close()

	var totals []ProviderTotals
	for rows.Next() {
		var t ProviderTotals
		if err := rows.Scan(&t.Provider, &t.Requests, &t.InputTokens, &t.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage summary: %w", err)
		}
		totals = append(totals, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read usage summary: %w", err)
	}
	return totals, nil
}

// EstimateTokens approximates a token count from text length when the
// provider reported none. Four characters per token is coarse but stable
// across the supported providers.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	n := int64(len(text)) / 4
	if n < 1 {
		return 1
	}
	return n
}

var _ Recorder = (*Store)(nil)
