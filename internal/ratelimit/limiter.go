// internal/ratelimit/limiter.go
package ratelimit

import (
	"log"
	"time"

	"github.com/benbjohnson/clock"
)

// Result is the outcome of one limit check.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// CounterStore applies one fixed-window check for a key. Implementations must
// not increment the counter on a denied call.
type CounterStore interface {
	Take(key string, limit int, window time.Duration) (Result, error)
	Reset()
	Len() int
}

// Limiter is a fixed-window rate limiter over an arbitrary key space. When the
// underlying store fails it fails open: the request is allowed and a synthetic
// full-remaining result is returned. Availability over strictness.
type Limiter struct {
	store CounterStore
	clock clock.Clock
}

func NewLimiter(store CounterStore) *Limiter {
	return &Limiter{store: store, clock: clock.New()}
}

// Check applies the fixed-window rule for key. The first call in a window is
// always allowed; once the count reaches limit, calls are denied with
// remaining=0 until the stored expiry passes, at which point the window
// hard-resets.
func (l *Limiter) Check(key string, limit int, window time.Duration) Result {
	res, err := l.store.Take(key, limit, window)
	if err != nil {
		log.Printf("[RateLimit] Store failure for %q, failing open: %v", key, err)
		return Result{
			Allowed:   true,
			Remaining: limit,
			ResetTime: l.clock.Now().Add(window),
		}
	}
	return res
}

// Reset drops every counter; next traffic starts fresh windows.
func (l *Limiter) Reset() {
	l.store.Reset()
}

// Keys returns the number of tracked counters.
func (l *Limiter) Keys() int {
	return l.store.Len()
}
