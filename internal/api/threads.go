package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/skeinlabs/skein/internal/job"
	"github.com/skeinlabs/skein/internal/log"
	"github.com/skeinlabs/skein/internal/thread"
)

const (
	threadsDefaultLimit = 50
	threadsMaxLimit     = 200
)

// ThreadStore is the thread persistence the API serves. *thread.Store
// implements it.
type ThreadStore interface {
	Create(ctx context.Context, title string) (*thread.Thread, error)
	Get(ctx context.Context, id uuid.UUID) (*thread.Thread, error)
	List(ctx context.Context, limit, offset int32) ([]*thread.Thread, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Messages(ctx context.Context, threadID uuid.UUID) ([]*thread.Message, error)
	Append(ctx context.Context, threadID uuid.UUID, msg thread.Message) (*thread.Message, error)
}

// LockView reports which session currently holds a thread's generation
// lock. *generate.Service implements it.
type LockView interface {
	Holder(threadID uuid.UUID) (uuid.UUID, bool)
}

type threadHandler struct {
	store  ThreadStore
	jobs   JobStore
	locks  LockView
	logger log.Logger
}

type threadItem struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	LockHolder string `json:"lock_holder,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

type messageItem struct {
	ID         string            `json:"id"`
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []thread.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
	Sequence   int64             `json:"sequence"`
	CreatedAt  string            `json:"created_at"`
}

func toThreadItem(t *thread.Thread) threadItem {
	return threadItem{
		ID:        t.ID.String(),
		Title:     t.Title,
		CreatedAt: t.CreatedAt.Format(time.RFC3339),
		UpdatedAt: t.UpdatedAt.Format(time.RFC3339),
	}
}

func toMessageItem(m *thread.Message) messageItem {
	return messageItem{
		ID:         m.ID.String(),
		Role:       m.Role,
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		ToolName:   m.ToolName,
		Sequence:   m.Sequence,
		CreatedAt:  m.CreatedAt.Format(time.RFC3339),
	}
}

func (h *threadHandler) create(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if !decodeBody(w, r, &body, h.logger) {
		return
	}

	t, err := h.store.Create(r.Context(), body.Title)
	if err != nil {
		writeDomainError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusCreated, toThreadItem(t), h.logger)
}

func (h *threadHandler) list(w http.ResponseWriter, r *http.Request) {
	limit := min(parseIntParam(r, "limit", threadsDefaultLimit), threadsMaxLimit)
	offset := parseIntParam(r, "offset", 0)

	threads, err := h.store.List(r.Context(), int32(limit), int32(offset))
	if err != nil {
		writeDomainError(w, err, h.logger)
		return
	}

	items := make([]threadItem, len(threads))
	for i, t := range threads {
		items[i] = toThreadItem(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items}, h.logger)
}

func (h *threadHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	t, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, h.logger)
		return
	}

	item := toThreadItem(t)
	if holder, held := h.locks.Holder(id); held {
		item.LockHolder = holder.String()
	}
	writeJSON(w, http.StatusOK, item, h.logger)
}

func (h *threadHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		writeDomainError(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *threadHandler) messages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	msgs, err := h.store.Messages(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, h.logger)
		return
	}

	items := make([]messageItem, len(msgs))
	for i, m := range msgs {
		items[i] = toMessageItem(m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items}, h.logger)
}

func (h *threadHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	if _, err := h.store.Get(r.Context(), id); err != nil {
		writeDomainError(w, err, h.logger)
		return
	}

	limit := min(parseIntParam(r, "limit", threadsDefaultLimit), threadsMaxLimit)
	jobs, err := h.jobs.ListByThread(r.Context(), id, int32(limit))
	if err != nil {
		writeDomainError(w, err, h.logger)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs}, h.logger)
}

// pathUUID parses the {id} path segment, writing a 400 when it is not a
// UUID.
func pathUUID(w http.ResponseWriter, r *http.Request, logger log.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a UUID", logger)
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody decodes a JSON request body of at most 1MB, writing a 400 on
// malformed input. An empty body decodes to the zero value.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, logger log.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed request body", logger)
		return false
	}
	return true
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
