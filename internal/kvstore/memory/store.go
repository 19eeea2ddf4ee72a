package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pairwise/authd/internal/kvstore"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// Store implements kvstore.Store using in-memory storage.
// This implementation is for testing and development only - data is lost on restart.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry

	// now is swappable so TTL behaviour can be tested without sleeping.
	now func() time.Time
}

// NewStore creates a new in-memory key-value store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test use only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Get returns the value for key, or kvstore.ErrNotFound if absent or expired.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || s.now().After(e.expiresAt) {
		return "", kvstore.ErrNotFound
	}
	return e.value, nil
}

// SetWithTTL writes key=value with the given expiry, overwriting any existing entry.
func (s *Store) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = entry{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

// Delete removes the given keys and returns how many live entries were removed.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	now := s.now()
	for _, key := range keys {
		e, ok := s.entries[key]
		if !ok {
			continue
		}
		delete(s.entries, key)
		if now.After(e.expiresAt) {
			// Expired entries count as already gone.
			continue
		}
		removed++
	}
	return removed, nil
}

// Exists reports whether key is present and unexpired.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	return ok && !s.now().After(e.expiresAt), nil
}

// ListKeysByPrefix returns all live keys starting with prefix.
func (s *Store) ListKeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	now := s.now()
	for key, e := range s.entries {
		if strings.HasPrefix(key, prefix) && !now.After(e.expiresAt) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Ping always succeeds for the in-memory store.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close discards all entries.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]entry)
	return nil
}
