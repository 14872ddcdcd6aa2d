package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinlabs/skein/internal/job"
	"github.com/skeinlabs/skein/internal/log"
	"github.com/skeinlabs/skein/internal/provider"
	"github.com/skeinlabs/skein/internal/queue"
	"github.com/skeinlabs/skein/internal/thread"
)

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusCreated, map[string]string{"hello": "world"}, log.NewNop())

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("Content-Length"))
	assert.JSONEq(t, `{"hello":"world"}`, rec.Body.String())
}

func TestWriteJSONEncodeFailure(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]any{"bad": func() {}}, log.NewNop())

	// The buffer-first encode means the failure becomes a clean 500, not a
	// half-written 200 body.
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWriteErrorEnvelope(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeError(rec, http.StatusConflict, "thread_busy", "thread already has a running generation", log.NewNop())

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t,
		`{"error":{"code":"thread_busy","message":"thread already has a running generation"}}`,
		rec.Body.String())
}

func TestDomainErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
		code   string
	}{
		{thread.ErrNotFound, http.StatusNotFound, "thread_not_found"},
		{job.ErrNotFound, http.StatusNotFound, "job_not_found"},
		{queue.ErrUnknownQueue, http.StatusNotFound, "unknown_queue"},
		{thread.ErrBusy, http.StatusConflict, "thread_busy"},
		{job.ErrInvalidState, http.StatusConflict, "invalid_state"},
		{job.ErrRetryExhausted, http.StatusConflict, "retries_exhausted"},
		{queue.ErrJobNotRunning, http.StatusConflict, "job_not_running"},
		{queue.ErrStopped, http.StatusServiceUnavailable, "shutting_down"},
		{provider.ErrNotRegistered, http.StatusBadRequest, "unknown_provider"},
		{provider.ErrModelUnknown, http.StatusBadRequest, "unknown_model"},
		{provider.ErrCapabilityUnsupported, http.StatusBadRequest, "capability_unsupported"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			t.Parallel()

			// Wrapped sentinels map the same as bare ones.
			status, code, ok := domainError(fmt.Errorf("handling request: %w", tt.err))
			require.True(t, ok)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestDomainErrorUnknown(t *testing.T) {
	t.Parallel()

	_, _, ok := domainError(errors.New("disk on fire"))
	assert.False(t, ok)
}

func TestWriteDomainError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeDomainError(rec, job.ErrNotFound, log.NewNop())
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":{"code":"job_not_found","message":"job not found"}}`, rec.Body.String())

	// Unmapped errors become an opaque 500; the cause stays in the logs,
	// not the response.
	rec = httptest.NewRecorder()
	writeDomainError(rec, errors.New("pgx: connection refused"), log.NewNop())
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":{"code":"internal_error","message":"internal server error"}}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "pgx")
}
