package ratelimit

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	value   int
	expires time.Time
}

type windowEntry struct {
	hits    []time.Time
	expires time.Time
}

// MemoryStore keeps limiter state in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	windows  map[string]*windowEntry
	locks    map[string]time.Time
	counters map[string]counter
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows:  make(map[string]*windowEntry),
		locks:    make(map[string]time.Time),
		counters: make(map[string]counter),
	}
}

func (s *MemoryStore) AddFailure(_ context.Context, key string, at time.Time, window time.Duration) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.windows[key]
	if e == nil {
		e = &windowEntry{}
		s.windows[key] = e
	}
	e.hits = append(prune(e.hits, at.Add(-window)), at)
	e.expires = at.Add(window)
	return Window{Count: len(e.hits), Oldest: e.hits[0]}, nil
}

func (s *MemoryStore) Window(_ context.Context, key string, at time.Time, window time.Duration) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.windows[key]
	if e == nil {
		return Window{}, nil
	}
	e.hits = prune(e.hits, at.Add(-window))
	if len(e.hits) == 0 {
		delete(s.windows, key)
		return Window{}, nil
	}
	return Window{Count: len(e.hits), Oldest: e.hits[0]}, nil
}

func (s *MemoryStore) SetLock(_ context.Context, key string, until, _ time.Time) error {
	s.mu.Lock()
	s.locks[key] = until
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LockedUntil(_ context.Context, key string, now time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.locks[key]
	if !ok {
		return time.Time{}, nil
	}
	if !until.After(now) {
		delete(s.locks, key)
		return time.Time{}, nil
	}
	return until, nil
}

func (s *MemoryStore) Increment(_ context.Context, key string, ttl time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.counters[key]
	if !c.expires.After(now) {
		c.value = 0
	}
	c.value++
	c.expires = now.Add(ttl)
	s.counters[key] = c
	return c.value, nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.windows, k)
		delete(s.locks, k)
		delete(s.counters, k)
	}
	return nil
}

// Sweep drops expired state and returns the number of keys removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, e := range s.windows {
		if !e.expires.After(now) {
			delete(s.windows, k)
			n++
		}
	}
	for k, until := range s.locks {
		if !until.After(now) {
			delete(s.locks, k)
			n++
		}
	}
	for k, c := range s.counters {
		if !c.expires.After(now) {
			delete(s.counters, k)
			n++
		}
	}
	return n
}

// Len reports the number of live keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows) + len(s.locks) + len(s.counters)
}

// prune drops hits at or before cutoff. Hits are kept in arrival order.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}
