package message

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relaydesk/relaydesk/internal/message/event"
)

// MemStore is an in-memory Store used by tests and local development.
// It honors the same linearization and idempotency contract as the
// Postgres-backed store.
type MemStore struct {
	mu        sync.RWMutex
	locks     *threadLocks
	threads   map[string]*Thread
	messages  map[string][]Message
	idemKeys  map[string]struct{}
	nextID    int64
	publisher event.Publisher
}

// NewMemStore creates an empty in-memory store.
func NewMemStore(publishers ...event.Publisher) *MemStore {
	var publisher event.Publisher
	if len(publishers) > 0 {
		publisher = publishers[0]
	}
	return &MemStore{
		locks:     newThreadLocks(),
		threads:   make(map[string]*Thread),
		messages:  make(map[string][]Message),
		idemKeys:  make(map[string]struct{}),
		nextID:    1,
		publisher: publisher,
	}
}

func (s *MemStore) Append(ctx context.Context, input AppendInput) (Message, error) {
	if !input.Key.Valid() {
		return Message{}, ErrNotFound
	}
	threadID := input.Key.ID()
	unlock := s.locks.lock(threadID)
	defer unlock()

	s.mu.Lock()
	key := strings.TrimSpace(input.IdempotencyKey)
	if key != "" {
		if _, exists := s.idemKeys[key]; exists {
			s.mu.Unlock()
			return Message{}, ErrDuplicate
		}
		s.idemKeys[key] = struct{}{}
	}

	now := time.Now().UTC()
	thread, ok := s.threads[threadID]
	if !ok {
		thread = &Thread{ID: threadID, Key: input.Key, CreatedAt: now}
		s.threads[threadID] = thread
	}
	thread.MessageCount++
	thread.LastActiveAt = now

	msg := Message{
		ID:             s.nextID,
		ThreadID:       threadID,
		Role:           input.Role,
		Content:        input.Content,
		ContentKind:    input.ContentKind,
		Metadata:       cloneMeta(input.Metadata),
		IdempotencyKey: key,
		CreatedAt:      now,
	}
	s.nextID++
	s.messages[threadID] = append(s.messages[threadID], msg)
	s.mu.Unlock()

	publishCreated(s.publisher, msg)
	return msg, nil
}

func (s *MemStore) AttachMetadata(ctx context.Context, threadID string, messageID int64, keys map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[threadID]
	for i := range msgs {
		if msgs[i].ID == messageID {
			if msgs[i].Metadata == nil {
				msgs[i].Metadata = make(map[string]any, len(keys))
			}
			for k, v := range keys {
				msgs[i].Metadata[k] = v
			}
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemStore) ListRecent(ctx context.Context, threadID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[threadID]
	if limit <= 0 || limit > len(msgs) {
		limit = len(msgs)
	}
	out := make([]Message, 0, limit)
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, copyMessage(msgs[i]))
	}
	return out, nil
}

func (s *MemStore) ListSince(ctx context.Context, threadID string, since time.Time) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, m := range s.messages[threadID] {
		if m.CreatedAt.After(since) {
			out = append(out, copyMessage(m))
		}
	}
	return out, nil
}

func (s *MemStore) GetMessage(ctx context.Context, threadID string, messageID int64) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages[threadID] {
		if m.ID == messageID {
			return copyMessage(m), nil
		}
	}
	return Message{}, ErrNotFound
}

func (s *MemStore) HasRecentEquivalent(ctx context.Context, threadID, content string, kind ContentKind, window time.Duration) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().UTC().Add(-window)
	msgs := s.messages[threadID]
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.CreatedAt.Before(cutoff) {
			break
		}
		if m.Role == RoleUser && m.ContentKind == kind && m.Content == content {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) GetThread(ctx context.Context, threadID string) (Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return Thread{}, ErrNotFound
	}
	return *thread, nil
}

func (s *MemStore) ListThreads(ctx context.Context) ([]Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActiveAt.After(out[j].LastActiveAt)
	})
	return out, nil
}

func copyMessage(m Message) Message {
	m.Metadata = cloneMeta(m.Metadata)
	return m
}

func cloneMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func publishCreated(publisher event.Publisher, msg Message) {
	if publisher == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	publisher.Publish(event.Event{
		Type:     event.TypeMessageCreated,
		ThreadID: msg.ThreadID,
		Data:     payload,
	})
}
