package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/skeinlabs/skein/internal/job"
	"github.com/skeinlabs/skein/internal/log"
	"github.com/skeinlabs/skein/internal/provider"
	"github.com/skeinlabs/skein/internal/queue"
	"github.com/skeinlabs/skein/internal/thread"
)

// JobStore is the job persistence the API reads and creates through. The
// queue manager owns every state transition.
type JobStore interface {
	Create(ctx context.Context, j *job.Job) error
	Get(ctx context.Context, id uuid.UUID) (*job.Job, error)
	ListByThread(ctx context.Context, threadID uuid.UUID, limit int32) ([]*job.Job, error)
}

type jobHandler struct {
	store    JobStore
	threads  ThreadStore
	registry *provider.Registry
	queue    *queue.Manager
	logger   log.Logger
}

type createJobRequest struct {
	ThreadID string `json:"thread_id"`
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	Content  string `json:"content,omitempty"`
	System   string `json:"system,omitempty"`
	// Enqueue hands the job to its queue in the same call.
	Enqueue bool `json:"enqueue,omitempty"`
}

// create validates the request against the live registry and thread store,
// persists the user message, and writes a draft job. The model resolves at
// creation time so retries replay against the same model the caller was
// promised.
func (h *jobHandler) create(w http.ResponseWriter, r *http.Request) {
	var body createJobRequest
	if !decodeBody(w, r, &body, h.logger) {
		return
	}

	threadID, err := uuid.Parse(body.ThreadID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_thread_id", "thread_id must be a UUID", h.logger)
		return
	}
	if body.Provider == "" {
		writeError(w, http.StatusBadRequest, "missing_provider", "provider is required", h.logger)
		return
	}

	ctx := r.Context()
	if _, err := h.threads.Get(ctx, threadID); err != nil {
		writeDomainError(w, err, h.logger)
		return
	}
	if _, err := h.registry.Chat(body.Provider); err != nil {
		writeDomainError(w, err, h.logger)
		return
	}
	model, err := h.registry.ModelFor(body.Provider, body.Model)
	if err != nil {
		writeDomainError(w, err, h.logger)
		return
	}

	// The user message lands in the thread now, not at execution: a job
	// retried three times must not say three times what it was asked once.
	if body.Content != "" {
		if _, err := h.threads.Append(ctx, threadID, thread.Message{Role: thread.RoleUser, Content: body.Content}); err != nil {
			writeDomainError(w, err, h.logger)
			return
		}
	}

	j := &job.Job{
		ThreadID: threadID,
		Provider: body.Provider,
		Model:    model,
		Request:  job.Request{System: body.System},
	}
	if err := h.store.Create(ctx, j); err != nil {
		writeDomainError(w, err, h.logger)
		return
	}
	h.logger.Info("job created", "job_id", j.ID, "thread_id", threadID, "provider", j.Provider)

	if body.Enqueue {
		if err := h.queue.Enqueue(ctx, j.ID); err != nil {
			// The draft exists; the caller can retry the enqueue alone.
			writeDomainError(w, err, h.logger)
			return
		}
		if j, err = h.store.Get(ctx, j.ID); err != nil {
			writeDomainError(w, err, h.logger)
			return
		}
	}
	writeJSON(w, http.StatusCreated, j, h.logger)
}

func (h *jobHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	j, err := h.queue.CheckStatus(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, j, h.logger)
}

func (h *jobHandler) enqueue(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	if err := h.queue.Enqueue(r.Context(), id); err != nil {
		writeDomainError(w, err, h.logger)
		return
	}
	j, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, j, h.logger)
}

func (h *jobHandler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	if err := h.queue.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, err, h.logger)
		return
	}
	j, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, j, h.logger)
}

// stream attaches an SSE observer to a running job. Disconnecting detaches
// the observer; the job keeps running.
func (h *jobHandler) stream(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	if _, err := h.store.Get(r.Context(), id); err != nil {
		writeDomainError(w, err, h.logger)
		return
	}

	stream, err := h.queue.AttachObserver(id)
	if err != nil {
		writeDomainError(w, err, h.logger)
		return
	}
	defer stream.Close()

	pumpSSE(w, r, stream, h.logger)
}
