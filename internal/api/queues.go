package api

import (
	"net/http"

	"github.com/skeinlabs/skein/internal/log"
	"github.com/skeinlabs/skein/internal/queue"
)

type queueHandler struct {
	manager *queue.Manager
	logger  log.Logger
}

func (h *queueHandler) list(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"queues": h.manager.Queues()}, h.logger)
}

func (h *queueHandler) pause(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")
	if err := h.manager.Pause(name); err != nil {
		writeDomainError(w, err, h.logger)
		return
	}
	h.writeSnapshot(w, name)
}

func (h *queueHandler) resume(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")
	if err := h.manager.Resume(name); err != nil {
		writeDomainError(w, err, h.logger)
		return
	}
	h.writeSnapshot(w, name)
}

// writeSnapshot returns the named queue's current snapshot so pause and
// resume confirm the state they produced.
func (h *queueHandler) writeSnapshot(w http.ResponseWriter, name string) {
	for _, snap := range h.manager.Queues() {
		if snap.Provider == name {
			writeJSON(w, http.StatusOK, snap, h.logger)
			return
		}
	}
	writeError(w, http.StatusNotFound, "unknown_queue", "unknown provider queue", h.logger)
}
