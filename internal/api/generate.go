package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/skeinlabs/skein/internal/generate"
	"github.com/skeinlabs/skein/internal/log"
)

type generateHandler struct {
	service *generate.Service
	logger  log.Logger
}

type generateRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
	Content  string `json:"content,omitempty"`
	System   string `json:"system,omitempty"`
}

// stream runs a generation session on a thread and relays its events over
// SSE. Validation failures surface as JSON errors; once the session starts,
// headers are committed and failures become error events. Closing the
// connection cancels the session.
func (h *generateHandler) stream(w http.ResponseWriter, r *http.Request) {
	threadID, ok := pathUUID(w, r, h.logger)
	if !ok {
		return
	}
	var body generateRequest
	if !decodeBody(w, r, &body, h.logger) {
		return
	}
	if body.Provider == "" {
		writeError(w, http.StatusBadRequest, "missing_provider", "provider is required", h.logger)
		return
	}

	stream, err := h.service.Start(r.Context(), generate.Request{
		ThreadID: threadID,
		Provider: body.Provider,
		Model:    body.Model,
		Content:  body.Content,
		System:   body.System,
	})
	if err != nil {
		writeDomainError(w, err, h.logger)
		return
	}
	defer stream.Close()

	pumpSSE(w, r, stream, h.logger)
}

// pumpSSE forwards stream events to the client until the stream finishes
// or the client goes away. The caller's deferred Close carries the
// disconnect semantics: cancellation for bound session streams, detachment
// for job observers.
func pumpSSE(w http.ResponseWriter, r *http.Request, stream *generate.Stream, logger log.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming", logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("sse client disconnected", "path", r.URL.Path)
			return
		case ev, open := <-stream.Events():
			if !open {
				return
			}
			if err := writeEvent(w, flusher, ev); err != nil {
				// A failed write means the connection is gone.
				logger.Debug("sse write failed", "error", err)
				return
			}
		}
	}
}

// writeEvent emits one SSE frame: "event: <type>\ndata: <json>\n\n". The
// event name mirrors the payload's type field so clients can subscribe
// either way.
func writeEvent(w io.Writer, flusher http.Flusher, ev generate.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	flusher.Flush()
	return nil
}
