package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements CacheStore in process memory. It backs
// single-instance deployments that run without Postgres, and it is the fake
// the compute-cache tests exercise. Locking degenerates to per-id channel
// mutexes; the cross-process guarantees obviously do not apply.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*CacheEntry

	lockMu sync.Mutex
	locks  map[int64]chan struct{}

	// now is swappable so TTL boundaries can be tested deterministically.
	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*CacheEntry),
		locks:   make(map[int64]chan struct{}),
		now:     time.Now,
	}
}

// SetClock replaces the store's time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func entryKey(key, scope string) string {
	return key + "\x00" + scope
}

func (s *MemoryStore) GetCacheEntry(_ context.Context, key, scope string) (*CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[entryKey(key, scope)]
	if !ok {
		return nil, ErrCacheMiss
	}
	if entry.ExpiresAt != nil && !s.now().Before(*entry.ExpiresAt) {
		delete(s.entries, entryKey(key, scope))
		return nil, ErrCacheMiss
	}

	cp := *entry
	cp.Payload = append(json.RawMessage(nil), entry.Payload...)
	return &cp, nil
}

func (s *MemoryStore) PutCacheEntry(_ context.Context, key, scope string, payload json.RawMessage, expiresAt *time.Time, supersedeDaily bool) (*CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	k := entryKey(key, scope)

	if supersedeDaily && IsDailyScope(scope) {
		prefix := entryKey(key, DailyScopePrefix)
		for existing := range s.entries {
			if strings.HasPrefix(existing, prefix) && existing != k {
				delete(s.entries, existing)
			}
		}
	}

	entry, ok := s.entries[k]
	if !ok {
		entry = &CacheEntry{Key: key, Scope: scope, CreatedAt: now}
		s.entries[k] = entry
	}
	entry.Payload = append(json.RawMessage(nil), payload...)
	entry.ExpiresAt = expiresAt
	entry.UpdatedAt = now

	cp := *entry
	cp.Payload = append(json.RawMessage(nil), entry.Payload...)
	return &cp, nil
}

// lockCh returns the buffered channel acting as the mutex for id.
func (s *MemoryStore) lockCh(id int64) chan struct{} {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	ch, ok := s.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[id] = ch
	}
	return ch
}

func (s *MemoryStore) WithCacheLock(ctx context.Context, name string, acquireTimeout time.Duration, fn func(ctx context.Context) error) error {
	ch := s.lockCh(LockID(name))

	acquireCtx := ctx
	if acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, acquireTimeout)
		defer cancel()
	}

	select {
	case ch <- struct{}{}:
	case <-acquireCtx.Done():
		return ErrLockNotAcquired
	}
	defer func() { <-ch }()

	return fn(ctx)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
	return nil
}

// EntryCount reports live (unexpired) entries for key across all scopes.
func (s *MemoryStore) EntryCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	prefix := key + "\x00"
	for k, entry := range s.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if entry.ExpiresAt != nil && !s.now().Before(*entry.ExpiresAt) {
			continue
		}
		n++
	}
	return n
}
