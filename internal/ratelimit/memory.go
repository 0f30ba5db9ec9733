// internal/ratelimit/memory.go
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// sweepBatch bounds how many entries one call may examine for expiry, so
// one-off keys cannot grow the map forever while no single call pays a full scan.
const sweepBatch = 32

type counter struct {
	count       int
	windowStart time.Time
	window      time.Duration
	limit       int
}

func (c *counter) expiresAt() time.Time {
	return c.windowStart.Add(c.window)
}

// MemoryStore keeps fixed-window counters in process memory.
type MemoryStore struct {
	clock clock.Clock

	mu       sync.Mutex
	counters map[string]*counter
}

func NewMemoryStore() *MemoryStore {
	return newMemoryStore(clock.New())
}

func newMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock:    clk,
		counters: make(map[string]*counter),
	}
}

// Take implements CounterStore.
func (s *MemoryStore) Take(key string, limit int, window time.Duration) (Result, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(now)

	c, ok := s.counters[key]
	if !ok || !now.Before(c.expiresAt()) {
		c = &counter{count: 1, windowStart: now, window: window, limit: limit}
		s.counters[key] = c
		return Result{Allowed: true, Remaining: limit - 1, ResetTime: c.expiresAt()}, nil
	}

	if c.count >= c.limit {
		// Denied calls never increment.
		return Result{Allowed: false, Remaining: 0, ResetTime: c.expiresAt()}, nil
	}

	c.count++
	return Result{Allowed: true, Remaining: c.limit - c.count, ResetTime: c.expiresAt()}, nil
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	n := 0
	for k, c := range s.counters {
		if n >= sweepBatch {
			return
		}
		if !now.Before(c.expiresAt()) {
			delete(s.counters, k)
		}
		n++
	}
}

// Reset implements CounterStore.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]*counter)
}

// Len implements CounterStore.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}
