package thread

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skeinlabs/skein/internal/log"
)

// Store persists threads and messages in PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines. Message sequence
// numbers are assigned inside a transaction that locks the thread row, so
// concurrent appends to the same thread never collide.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewStore creates a Store backed by pool.
func NewStore(pool *pgxpool.Pool, logger log.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Create inserts a new thread. Title may be empty.
func (s *Store) Create(ctx context.Context, title string) (*Thread, error) {
	t := &Thread{ID: uuid.New(), Title: title}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO threads (id, title) VALUES ($1, $2)
		 RETURNING created_at, updated_at`,
		t.ID, t.Title,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}

	s.logger.Debug("created thread", "thread_id", t.ID, "title", t.Title)
	return t, nil
}

// Get retrieves a thread by ID. Returns ErrNotFound if it does not exist.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Thread, error) {
	t := &Thread{ID: id}

	err := s.pool.QueryRow(ctx,
		`SELECT title, created_at, updated_at FROM threads WHERE id = $1`,
		id,
	).Scan(&t.Title, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", id, err)
	}

	return t, nil
}

// List returns threads ordered by updated_at descending.
func (s *Store) List(ctx context.Context, limit, offset int32) ([]*Thread, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, created_at, updated_at FROM threads
		 ORDER BY updated_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		t := &Thread{}
		if err := rows.Scan(&t.ID, &t.Title, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	return threads, nil
}

// Delete removes a thread and, via ON DELETE CASCADE, its messages.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM threads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete thread %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}

	s.logger.Debug("deleted thread", "thread_id", id)
	return nil
}

// Messages returns all messages of a thread ordered by sequence.
func (s *Store) Messages(ctx context.Context, threadID uuid.UUID) ([]*Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, role, content, tool_call_id, tool_name, tool_calls, sequence, created_at
		 FROM messages WHERE thread_id = $1 ORDER BY sequence`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages for thread %s: %w", threadID, err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m := &Message{ThreadID: threadID}
		err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.ToolCallID, &m.ToolName,
			&m.ToolCalls, &m.Sequence, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages for thread %s: %w", threadID, err)
	}

	return messages, nil
}

// Append stores a new message at the end of the thread and returns it with
// ID, sequence and timestamp filled in. The thread row is locked for the
// duration of the transaction so the assigned sequence is unique even under
// concurrent appends.
func (s *Store) Append(ctx context.Context, threadID uuid.UUID, msg Message) (*Message, error) {
	if !ValidRole(msg.Role) {
		return nil, fmt.Errorf("role %q: %w", msg.Role, ErrInvalidRole)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serializes sequence assignment per thread.
	var locked uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM threads WHERE id = $1 FOR UPDATE`, threadID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock thread %s: %w", threadID, err)
	}

	stored := &Message{
		ID:         uuid.New(),
		ThreadID:   threadID,
		Role:       msg.Role,
		Content:    msg.Content,
		ToolCalls:  msg.ToolCalls,
		ToolCallID: msg.ToolCallID,
		ToolName:   msg.ToolName,
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO messages (id, thread_id, role, content, tool_call_id, tool_name, tool_calls, sequence)
		 VALUES ($1, $2, $3, $4, $5, $6, $7,
		         (SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE thread_id = $2))
		 RETURNING sequence, created_at`,
		stored.ID, threadID, stored.Role, stored.Content, stored.ToolCallID, stored.ToolName, stored.ToolCalls,
	).Scan(&stored.Sequence, &stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append message to thread %s: %w", threadID, err)
	}

	if _, err := tx.Exec(ctx, `UPDATE threads SET updated_at = now() WHERE id = $1`, threadID); err != nil {
		return nil, fmt.Errorf("touch thread %s: %w", threadID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	s.logger.Debug("appended message",
		"thread_id", threadID, "message_id", stored.ID,
		"role", stored.Role, "sequence", stored.Sequence)
	return stored, nil
}

// Finalize replaces the content and tool calls of an existing message.
// Generation sessions use this to finalize assistant messages that streamed
// in chunks, including partial content kept after an error or cancellation.
func (s *Store) Finalize(ctx context.Context, messageID uuid.UUID, content string, toolCalls []ToolCall) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET content = $2, tool_calls = $3 WHERE id = $1`,
		messageID, content, toolCalls,
	)
	if err != nil {
		return fmt.Errorf("finalize message %s: %w", messageID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", messageID, ErrMessageNotFound)
	}

	return nil
}
