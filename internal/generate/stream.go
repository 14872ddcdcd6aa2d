package generate

import (
	"context"
	"sync"
)

// Sink receives session events. Publish reports whether the event was
// accepted; false tells the producer the consumer is gone for good.
type Sink interface {
	Publish(ctx context.Context, ev Event) bool
}

// Stream is the delivery channel between one producing session and one
// consuming transport. The buffer smooths bursty production; when it fills,
// Publish blocks, which is the backpressure that paces the producer. Events
// arrive in emission order and nothing is replayed after a disconnect.
type Stream struct {
	events chan Event

	mu     sync.Mutex
	cancel context.CancelFunc

	closed    chan struct{}
	closeOnce sync.Once

	finishOnce sync.Once
}

// NewStream creates a stream with the given buffer capacity.
func NewStream(buffer int) *Stream {
	if buffer < 1 {
		buffer = 1
	}
	return &Stream{
		events: make(chan Event, buffer),
		closed: make(chan struct{}),
	}
}

// Bind attaches the session's cancel function, making this a bound stream:
// consumer disconnect cancels the generation. Streams attached to a running
// job later are left unbound and act as observers.
func (s *Stream) Bind(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
}

// Publish delivers one event to the consumer, blocking when the buffer is
// full. An event that fits the buffer is delivered even after ctx is done,
// so a cancelled session can still hand over its terminal events. Publish
// returns false once the consumer has closed the stream, or when ctx ends
// while the buffer is full; the producer should stop publishing then.
func (s *Stream) Publish(ctx context.Context, ev Event) bool {
	select {
	case <-s.closed:
		return false
	default:
	}

	select {
	case s.events <- ev:
		return true
	default:
	}

	select {
	case s.events <- ev:
		return true
	case <-s.closed:
		return false
	case <-ctx.Done():
		return false
	}
}

// Events returns the consumer side. The channel closes after the producer
// finishes; ranging over it yields every published event in order.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Finish marks the producer done and closes the event channel. Only the
// producer calls Finish, exactly once, after its final event.
func (s *Stream) Finish() {
	s.finishOnce.Do(func() {
		close(s.events)
	})
}

// Close is the consumer's disconnect signal. It cancels a bound session,
// unblocks a producer waiting on a full buffer, and is safe to call more
// than once. Events still in the buffer are discarded unread.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// Relay fans a job-backed session's events out to an optionally attached
// observer stream. The session publishes into the relay whether or not
// anyone is attached; events with no observer are dropped, never queued.
// After the terminal event nothing further is delivered and late Attach
// calls are refused.
//
// Relay is safe for concurrent use by multiple goroutines.
type Relay struct {
	mu       sync.Mutex
	stream   *Stream
	terminal bool
}

// NewRelay creates a relay with no observer attached.
func NewRelay() *Relay {
	return &Relay{}
}

// Attach connects an observer stream. It reports false when the session has
// already reached its terminal event, in which case the stream receives
// nothing. Attaching replaces any previous observer.
func (r *Relay) Attach(s *Stream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.terminal {
		return false
	}
	r.stream = s
	return true
}

// Detach disconnects the observer if it is still the attached one.
func (r *Relay) Detach(s *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stream == s {
		r.stream = nil
	}
}

// Publish forwards one event to the attached observer, if any. A failed
// forward (observer disconnected) detaches the observer; the session itself
// never fails because of observer state, so Publish always returns true.
// The observer stream is finished at the terminal event whether or not the
// forward landed, so its channel always closes when the session ends.
func (r *Relay) Publish(ctx context.Context, ev Event) bool {
	r.mu.Lock()
	stream := r.stream
	terminal := ev.Type == EventDone || ev.Type == EventError
	if terminal {
		r.terminal = true
	}
	r.mu.Unlock()

	if stream == nil {
		return true
	}

	delivered := stream.Publish(ctx, ev)
	if terminal {
		stream.Finish()
	}
	if terminal || !delivered {
		r.Detach(stream)
	}
	return true
}

// Finish forces the relay terminal and ends any attached observer stream.
// The session's own terminal event normally does this; Finish covers runs
// that end without one, such as a worker that lost the claim race.
func (r *Relay) Finish() {
	r.mu.Lock()
	stream := r.stream
	r.stream = nil
	r.terminal = true
	r.mu.Unlock()

	if stream != nil {
		stream.Finish()
	}
}

var (
	_ Sink = (*Stream)(nil)
	_ Sink = (*Relay)(nil)
)
