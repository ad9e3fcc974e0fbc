// Package cache holds short-lived copies of read-only API responses.
//
// The API client consults a Cache before issuing list, summary and data
// requests and invalidates it after every mutation. Keys are canonical
// strings built from the operation name and its encoded query, so two
// requests with the same parameters in a different order share an entry.
//
// Two backends are provided: Memory for a single process, and Redis when
// several CLI processes (for example a long running watch next to ad-hoc
// commands) should share one cache.
package cache

import (
	"context"
	"sync"
	"time"
)

// Cache stores raw response bodies by key.
type Cache interface {
	// Get returns the stored value and whether it was present and fresh.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores value under key for the cache's TTL.
	Set(ctx context.Context, key string, value []byte)

	// Invalidate removes the named keys, or every key when none are given.
	Invalidate(ctx context.Context, keys ...string)
}

// Nop is a Cache that never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (Nop) Set(context.Context, string, []byte)        {}
func (Nop) Invalidate(context.Context, ...string)      {}

// Memory is an in-process Cache with a fixed TTL.
type Memory struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemory creates a Memory cache. A non-positive ttl disables storage.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

// Set implements Cache.
func (m *Memory) Set(_ context.Context, key string, value []byte) {
	if m.ttl <= 0 {
		return
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{value: stored, expiresAt: m.now().Add(m.ttl)}
}

// Invalidate implements Cache.
func (m *Memory) Invalidate(_ context.Context, keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(keys) == 0 {
		m.entries = make(map[string]entry)
		return
	}
	for _, key := range keys {
		delete(m.entries, key)
	}
}

// Len returns the number of stored entries, fresh or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
