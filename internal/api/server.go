package api

import (
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skeinlabs/skein/internal/generate"
	"github.com/skeinlabs/skein/internal/log"
	"github.com/skeinlabs/skein/internal/provider"
	"github.com/skeinlabs/skein/internal/queue"
)

// ServerConfig carries the server's collaborators and HTTP policy knobs.
type ServerConfig struct {
	Logger    log.Logger
	Threads   ThreadStore        // required
	Jobs      JobStore           // required
	Queue     *queue.Manager     // required
	Generator *generate.Service  // required
	Registry  *provider.Registry // required
	Pool      *pgxpool.Pool      // optional: nil skips the /ready db ping

	CORSOrigins []string
	TrustProxy  bool    // honor X-Real-IP/X-Forwarded-For
	RateRPS     float64 // per-IP refill rate, 0 = default 10/s
	RateBurst   int     // per-IP burst, 0 = default 60
}

// Server is the HTTP server for the REST and SSE API.
type Server struct {
	mux *http.ServeMux
}

// NewServer wires handlers, routes, and the middleware stack.
func NewServer(cfg ServerConfig) (*Server, error) {
	switch {
	case cfg.Threads == nil:
		return nil, errors.New("thread store is required")
	case cfg.Jobs == nil:
		return nil, errors.New("job store is required")
	case cfg.Queue == nil:
		return nil, errors.New("queue manager is required")
	case cfg.Generator == nil:
		return nil, errors.New("generate service is required")
	case cfg.Registry == nil:
		return nil, errors.New("provider registry is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	th := &threadHandler{store: cfg.Threads, jobs: cfg.Jobs, locks: cfg.Generator, logger: logger}
	gh := &generateHandler{service: cfg.Generator, logger: logger}
	jh := &jobHandler{
		store:    cfg.Jobs,
		threads:  cfg.Threads,
		registry: cfg.Registry,
		queue:    cfg.Queue,
		logger:   logger,
	}
	qh := &queueHandler{manager: cfg.Queue, logger: logger}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/threads", th.create)
	mux.HandleFunc("GET /api/v1/threads", th.list)
	mux.HandleFunc("GET /api/v1/threads/{id}", th.get)
	mux.HandleFunc("DELETE /api/v1/threads/{id}", th.delete)
	mux.HandleFunc("GET /api/v1/threads/{id}/messages", th.messages)
	mux.HandleFunc("GET /api/v1/threads/{id}/jobs", th.listJobs)

	mux.HandleFunc("POST /api/v1/threads/{id}/generate", gh.stream)

	mux.HandleFunc("POST /api/v1/jobs", jh.create)
	mux.HandleFunc("GET /api/v1/jobs/{id}", jh.get)
	mux.HandleFunc("POST /api/v1/jobs/{id}/enqueue", jh.enqueue)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", jh.cancel)
	mux.HandleFunc("GET /api/v1/jobs/{id}/stream", jh.stream)

	mux.HandleFunc("GET /api/v1/queues", qh.list)
	mux.HandleFunc("POST /api/v1/queues/{provider}/pause", qh.pause)
	mux.HandleFunc("POST /api/v1/queues/{provider}/resume", qh.resume)

	rps := cfg.RateRPS
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(rps, burst)

	// Outermost first. RequestID precedes Logging so the log line carries
	// the id; CORS precedes RateLimit so throttled preflights still get
	// their headers.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w)
		handler.ServeHTTP(w, r)
	})

	// Probes skip the stack: no rate limit, no log noise.
	top := http.NewServeMux()
	top.HandleFunc("GET /health", health(logger))
	top.HandleFunc("GET /ready", readiness(cfg.Pool, logger))
	top.Handle("/", final)

	return &Server{mux: top}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
