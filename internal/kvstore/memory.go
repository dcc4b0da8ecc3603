package kvstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process store.  With a non-zero TTL it models the
// session-scoped region: entries vanish when the visitor session ages out.
// With a zero TTL it doubles as a durable stand-in for tests and for
// running without Redis.
type MemoryStore struct {
	mu      sync.RWMutex
	data    map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
	janitor *time.Ticker
	done    chan struct{}
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates an in-memory store.  ttl of zero disables expiry.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		data: make(map[string]memoryEntry),
		ttl:  ttl,
		now:  time.Now,
		done: make(chan struct{}),
	}
	if ttl > 0 {
		s.janitor = time.NewTicker(ttl)
		go s.sweep()
	}
	return s
}

// SetNowFunc overrides the clock. Test hook.
func (s *MemoryStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && s.now().After(e.expiresAt) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := memoryEntry{value: value}
	if s.ttl > 0 {
		e.expiresAt = s.now().Add(s.ttl)
	}
	s.data[key] = e
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string]memoryEntry)
	return nil
}

// Close stops the expiry janitor.
func (s *MemoryStore) Close() {
	if s.janitor != nil {
		s.janitor.Stop()
		close(s.done)
	}
}

func (s *MemoryStore) sweep() {
	for {
		select {
		case <-s.done:
			return
		case <-s.janitor.C:
			s.mu.Lock()
			now := s.now()
			for k, e := range s.data {
				if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
					delete(s.data, k)
				}
			}
			s.mu.Unlock()
		}
	}
}
