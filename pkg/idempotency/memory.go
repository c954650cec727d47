package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memEntry struct {
	Entry
	expiresAt time.Time
}

// MemoryStore keeps entries in process. Suitable for tests and for a single
// worker process where losing the inbox on restart is acceptable.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Sweeper = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) live(key string) (memEntry, bool) {
	e, ok := s.entries[key]
	if !ok || !s.now().Before(e.expiresAt) {
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil, nil
	}
	out := e.Entry
	return &out, nil
}

func (s *MemoryStore) Claim(ctx context.Context, key, handler, owner string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	now := s.now()
	s.entries[key] = memEntry{
		Entry:     Entry{Key: key, Handler: handler, Owner: owner, Status: StatusStarted, UpdatedAt: now},
		expiresAt: now.Add(lease),
	}
	return true, nil
}

func (s *MemoryStore) Finish(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e := s.entries[key]
	e.Key = key
	e.Status = StatusFinished
	e.Result = result
	e.UpdatedAt = now
	e.expiresAt = now.Add(ttl)
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.Status == StatusStarted && e.Owner == owner {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.entries {
		if _, ok := s.live(k); !ok {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}
