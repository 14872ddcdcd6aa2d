package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/skeinlabs/skein/internal/job"
	"github.com/skeinlabs/skein/internal/log"
	"github.com/skeinlabs/skein/internal/provider"
	"github.com/skeinlabs/skein/internal/queue"
	"github.com/skeinlabs/skein/internal/thread"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// writeJSON encodes into a buffer first so a failed encode can still become
// a clean 500 instead of a half-written body.
func writeJSON(w http.ResponseWriter, status int, data any, logger log.Logger) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(data); err != nil {
		logger.Error("encoding response", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		// Client disconnects are routine.
		logger.Debug("writing response body", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, logger log.Logger) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}}, logger)
}

// domainError maps shared domain sentinels to an HTTP status and error
// code. Handlers write their own message and fall back to 500 for anything
// unmapped.
func domainError(err error) (int, string, bool) {
	switch {
	case errors.Is(err, thread.ErrNotFound):
		return http.StatusNotFound, "thread_not_found", true
	case errors.Is(err, job.ErrNotFound):
		return http.StatusNotFound, "job_not_found", true
	case errors.Is(err, thread.ErrBusy):
		return http.StatusConflict, "thread_busy", true
	case errors.Is(err, job.ErrInvalidState):
		return http.StatusConflict, "invalid_state", true
	case errors.Is(err, job.ErrRetryExhausted):
		return http.StatusConflict, "retries_exhausted", true
	case errors.Is(err, queue.ErrJobNotRunning):
		return http.StatusConflict, "job_not_running", true
	case errors.Is(err, queue.ErrStopped):
		return http.StatusServiceUnavailable, "shutting_down", true
	case errors.Is(err, queue.ErrUnknownQueue):
		return http.StatusNotFound, "unknown_queue", true
	case errors.Is(err, provider.ErrNotRegistered):
		return http.StatusBadRequest, "unknown_provider", true
	case errors.Is(err, provider.ErrModelUnknown):
		return http.StatusBadRequest, "unknown_model", true
	case errors.Is(err, provider.ErrCapabilityUnsupported):
		return http.StatusBadRequest, "capability_unsupported", true
	}
	return 0, "", false
}

// writeDomainError writes a mapped domain error, or a generic 500 after
// logging the unmapped cause.
func writeDomainError(w http.ResponseWriter, err error, logger log.Logger) {
	if status, code, ok := domainError(err); ok {
		writeError(w, status, code, err.Error(), logger)
		return
	}
	logger.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", logger)
}
