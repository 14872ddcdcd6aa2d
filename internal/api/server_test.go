package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/skeinlabs/skein/internal/generate"
	"github.com/skeinlabs/skein/internal/job"
	"github.com/skeinlabs/skein/internal/log"
	"github.com/skeinlabs/skein/internal/provider"
	"github.com/skeinlabs/skein/internal/queue"
	"github.com/skeinlabs/skein/internal/testutil"
	"github.com/skeinlabs/skein/internal/thread"
	"github.com/skeinlabs/skein/internal/tools"
	"github.com/skeinlabs/skein/internal/usage"
)

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, usage.Record) error { return nil }

// testServer is a full stack over in-memory stores and a scripted
// provider, served by httptest. Handler tests go through real HTTP.
type testServer struct {
	t       *testing.T
	base    string
	client  *http.Client
	threads *testutil.MemoryThreadStore
	jobs    *job.MemoryStore
	chat    *testutil.ScriptedChat
	manager *queue.Manager
	service *generate.Service
	locks   *thread.LockManager
}

func newTestServer(t *testing.T, chat *testutil.ScriptedChat) *testServer {
	t.Helper()

	threads := testutil.NewMemoryThreadStore()
	jobs := job.NewMemoryStore()

	reg := provider.NewRegistry()
	if err := reg.Register("scripted", chat, "scripted-1", []string{"scripted-1"}); err != nil {
		t.Fatalf("register provider: %v", err)
	}

	toolReg := tools.NewRegistry()
	locks := thread.NewLockManager()
	svc := generate.NewService(reg, threads, locks, toolReg,
		tools.NewExecutor(toolReg, time.Second, log.NewNop()),
		nopRecorder{}, log.NewNop(), generate.Config{})

	mgr := queue.NewManager(jobs, svc, log.NewNop(), queue.Config{
		StaleAfter:    time.Hour,
		SweepInterval: time.Hour,
		Providers:     map[string]int{"scripted": 2},
	})
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("start queue manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mgr.Stop(ctx); err != nil {
			t.Errorf("stop queue manager: %v", err)
		}
	})

	srv, err := NewServer(ServerConfig{
		Logger:    log.NewNop(),
		Threads:   threads,
		Jobs:      jobs,
		Queue:     mgr,
		Generator: svc,
		Registry:  reg,
		RateRPS:   1000,
		RateBurst: 1000,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{
		t:       t,
		base:    ts.URL,
		client:  ts.Client(),
		threads: threads,
		jobs:    jobs,
		chat:    chat,
		manager: mgr,
		service: svc,
		locks:   locks,
	}
}

func (s *testServer) request(method, path string, body any) *http.Response {
	s.t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			s.t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.base+path, rd)
	if err != nil {
		s.t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (s *testServer) get(path string) *http.Response {
	return s.request(http.MethodGet, path, nil)
}

func (s *testServer) post(path string, body any) *http.Response {
	return s.request(http.MethodPost, path, body)
}

func (s *testServer) decode(resp *http.Response, out any) {
	s.t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		s.t.Fatalf("decode response: %v", err)
	}
}

// wantError asserts the response is the error envelope with the given
// status and code, and drains the body.
func (s *testServer) wantError(resp *http.Response, status int, code string) {
	s.t.Helper()
	if resp.StatusCode != status {
		s.t.Fatalf("status = %d, want %d", resp.StatusCode, status)
	}
	var env errorEnvelope
	s.decode(resp, &env)
	if env.Error.Code != code {
		s.t.Fatalf("error code = %q, want %q", env.Error.Code, code)
	}
	if env.Error.Message == "" {
		s.t.Error("error message is empty")
	}
}

func (s *testServer) createThread(title string) threadItem {
	s.t.Helper()
	resp := s.post("/api/v1/threads", map[string]string{"title": title})
	if resp.StatusCode != http.StatusCreated {
		s.t.Fatalf("create thread status = %d", resp.StatusCode)
	}
	var item threadItem
	s.decode(resp, &item)
	return item
}

func (s *testServer) createJob(body createJobRequest) job.Job {
	s.t.Helper()
	resp := s.post("/api/v1/jobs", body)
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		s.t.Fatalf("create job status = %d, body %s", resp.StatusCode, b)
	}
	var j job.Job
	s.decode(resp, &j)
	return j
}

// waitJobState polls the job store until the job reaches the wanted state.
func (s *testServer) waitJobState(id uuid.UUID, want job.State) *job.Job {
	s.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		j, err := s.jobs.Get(context.Background(), id)
		if err != nil {
			s.t.Fatalf("get job: %v", err)
		}
		if j.State == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j, _ := s.jobs.Get(context.Background(), id)
	s.t.Fatalf("job %s did not reach %s (state %s)", id, want, j.State)
	return nil
}

// waitMessages polls the thread store until the thread holds n messages.
func (s *testServer) waitMessages(threadID uuid.UUID, n int) []*thread.Message {
	s.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msgs := s.threads.MessageList(threadID)
		if len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.t.Fatalf("thread %s never reached %d messages", threadID, n)
	return nil
}

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	if err != nil {
		t.Fatalf("parse uuid %q: %v", s, err)
	}
	return id
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	t.Parallel()

	threads := testutil.NewMemoryThreadStore()
	jobs := job.NewMemoryStore()
	reg := provider.NewRegistry()
	mgr := queue.NewManager(jobs, nil, log.NewNop(), queue.Config{})
	svc := &generate.Service{}

	complete := func() ServerConfig {
		return ServerConfig{
			Threads:   threads,
			Jobs:      jobs,
			Queue:     mgr,
			Generator: svc,
			Registry:  reg,
		}
	}

	if _, err := NewServer(complete()); err != nil {
		t.Fatalf("complete config rejected: %v", err)
	}

	tests := []struct {
		name  string
		strip func(*ServerConfig)
	}{
		{"threads", func(c *ServerConfig) { c.Threads = nil }},
		{"jobs", func(c *ServerConfig) { c.Jobs = nil }},
		{"queue", func(c *ServerConfig) { c.Queue = nil }},
		{"generator", func(c *ServerConfig) { c.Generator = nil }},
		{"registry", func(c *ServerConfig) { c.Registry = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := complete()
			tt.strip(&cfg)
			if _, err := NewServer(cfg); err == nil {
				t.Errorf("missing %s accepted", tt.name)
			}
		})
	}
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, testutil.NewScriptedChat())

	resp := s.get("/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	var body map[string]string
	s.decode(resp, &body)
	if body["status"] != "ok" {
		t.Errorf("health body = %v", body)
	}

	// Nil pool: readiness skips the ping and reports ready.
	resp = s.get("/ready")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUnknownRouteReturns404(t *testing.T) {
	s := newTestServer(t, testutil.NewScriptedChat())

	resp := s.get("/api/v1/nonsense")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSecurityHeadersOnAPIResponses(t *testing.T) {
	s := newTestServer(t, testutil.NewScriptedChat())

	resp := s.get("/api/v1/threads")
	defer resp.Body.Close()

	headers := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "strict-origin-when-cross-origin",
	}
	for name, want := range headers {
		if got := resp.Header.Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestResponsesCarryRequestID(t *testing.T) {
	s := newTestServer(t, testutil.NewScriptedChat())

	resp := s.get("/api/v1/threads")
	resp.Body.Close()
	generated := resp.Header.Get("X-Request-ID")
	if generated == "" {
		t.Fatal("no X-Request-ID on response")
	}
	mustUUID(t, generated)

	req, err := http.NewRequest(http.MethodGet, s.base+"/api/v1/threads", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Request-ID", "caller-supplied")
	resp2, err := s.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if got := resp2.Header.Get("X-Request-ID"); got != "caller-supplied" {
		t.Errorf("echoed request id = %q", got)
	}
}
