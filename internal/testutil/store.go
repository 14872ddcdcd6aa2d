package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skeinlabs/skein/internal/thread"
)

// MemoryThreadStore mirrors the Postgres thread store's semantics in
// memory: per-thread sequences, role validation, and the same sentinel
// errors. All returned messages and threads are copies.
//
// Safe for concurrent use.
type MemoryThreadStore struct {
	mu       sync.Mutex
	threads  map[uuid.UUID]*thread.Thread
	messages map[uuid.UUID][]*thread.Message
	seq      map[uuid.UUID]int64

	// AppendErr, when set, fails every Append with it.
	AppendErr error
}

func NewMemoryThreadStore() *MemoryThreadStore {
	return &MemoryThreadStore{
		threads:  make(map[uuid.UUID]*thread.Thread),
		messages: make(map[uuid.UUID][]*thread.Message),
		seq:      make(map[uuid.UUID]int64),
	}
}

// CreateThread adds a thread and returns a copy of it.
func (s *MemoryThreadStore) CreateThread(title string) *thread.Thread {
	th, _ := s.Create(context.Background(), title)
	return th
}

func (s *MemoryThreadStore) Create(_ context.Context, title string) (*thread.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	th := &thread.Thread{
		ID:        uuid.New(),
		Title:     title,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.threads[th.ID] = th
	cp := *th
	return &cp, nil
}

// List returns threads by descending update time, like the SQL store.
func (s *MemoryThreadStore) List(_ context.Context, limit, offset int32) ([]*thread.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]*thread.Thread, 0, len(s.threads))
	for _, th := range s.threads {
		cp := *th
		all = append(all, &cp)
	}
	sort.Slice(all, func(a, b int) bool { return all[a].UpdatedAt.After(all[b].UpdatedAt) })

	if int(offset) >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if int(limit) < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryThreadStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[id]; !ok {
		return thread.ErrNotFound
	}
	delete(s.threads, id)
	delete(s.messages, id)
	delete(s.seq, id)
	return nil
}

func (s *MemoryThreadStore) Get(_ context.Context, id uuid.UUID) (*thread.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[id]
	if !ok {
		return nil, thread.ErrNotFound
	}
	cp := *th
	return &cp, nil
}

func (s *MemoryThreadStore) Messages(_ context.Context, threadID uuid.UUID) ([]*thread.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[threadID]; !ok {
		return nil, thread.ErrNotFound
	}
	msgs := make([]*thread.Message, len(s.messages[threadID]))
	for i, m := range s.messages[threadID] {
		cp := *m
		msgs[i] = &cp
	}
	return msgs, nil
}

func (s *MemoryThreadStore) Append(_ context.Context, threadID uuid.UUID, msg thread.Message) (*thread.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.AppendErr != nil {
		return nil, s.AppendErr
	}
	if !thread.ValidRole(msg.Role) {
		return nil, thread.ErrInvalidRole
	}
	if _, ok := s.threads[threadID]; !ok {
		return nil, thread.ErrNotFound
	}

	s.seq[threadID]++
	msg.ID = uuid.New()
	msg.ThreadID = threadID
	msg.Sequence = s.seq[threadID]
	msg.CreatedAt = time.Now()

	stored := msg
	s.messages[threadID] = append(s.messages[threadID], &stored)
	s.threads[threadID].UpdatedAt = time.Now()

	cp := msg
	return &cp, nil
}

func (s *MemoryThreadStore) Finalize(_ context.Context, messageID uuid.UUID, content string, toolCalls []thread.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msgs := range s.messages {
		for _, m := range msgs {
			if m.ID == messageID {
				m.Content = content
				m.ToolCalls = toolCalls
				return nil
			}
		}
	}
	return thread.ErrMessageNotFound
}

// MessageList returns copies of a thread's messages in order, for
// assertions.
func (s *MemoryThreadStore) MessageList(threadID uuid.UUID) []*thread.Message {
	msgs, _ := s.Messages(context.Background(), threadID)
	return msgs
}
