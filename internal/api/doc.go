// Package api provides the JSON REST API and SSE streaming server for
// skein.
//
// # Architecture
//
// The server uses Go 1.22+ routing with a layered middleware stack, from
// outermost in: recovery, request id, logging, CORS, rate limiting, then
// the routes. Health probes (/health, /ready) bypass the stack via a
// top-level mux so they stay fast and unthrottled.
//
// # Endpoints
//
// Threads:
//   - POST   /api/v1/threads                (create thread)
//   - GET    /api/v1/threads                (list threads)
//   - GET    /api/v1/threads/{id}           (get thread)
//   - DELETE /api/v1/threads/{id}           (delete thread and messages)
//   - GET    /api/v1/threads/{id}/messages  (list messages in order)
//   - GET    /api/v1/threads/{id}/jobs      (list jobs for a thread)
//
// Generation:
//   - POST /api/v1/threads/{id}/generate  (run a session, stream SSE)
//
// Jobs:
//   - POST /api/v1/jobs               (create a draft job)
//   - GET  /api/v1/jobs/{id}          (job status)
//   - POST /api/v1/jobs/{id}/enqueue  (hand the draft to its queue)
//   - POST /api/v1/jobs/{id}/cancel   (cancel wherever it is)
//   - GET  /api/v1/jobs/{id}/stream   (observe a running job over SSE)
//
// Queues:
//   - GET  /api/v1/queues                    (health snapshot per provider)
//   - POST /api/v1/queues/{provider}/pause   (stop new starts)
//   - POST /api/v1/queues/{provider}/resume  (lift a pause)
//
// # Error Handling
//
// Success responses are the payload itself. Errors use an envelope:
//
//	{"error": {"code": "thread_busy", "message": "thread busy"}}
//
// Domain sentinels map to statuses: not-found errors to 404, busy threads
// and illegal job transitions to 409, unknown providers and models to 400.
// Errors inside an SSE stream arrive as "error" events instead, since
// headers are already committed.
//
// # SSE Streaming
//
// Both streaming endpoints emit one event per generation event:
//
//	event: message_chunk
//	data: {"type":"message_chunk","message":{...}}
//
// The event name duplicates the payload type field. A stream ends after
// exactly one terminal event (done or error); closing the connection
// cancels a direct session but merely detaches from a job-backed one.
package api
