// internal/breaker/breaker.go
package breaker

import (
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"tenant-gateway/internal/metrics"
)

// State of one route's breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type record struct {
	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time
	threshold       int
	resetTimeout    time.Duration
}

// RouteStats is a read-only snapshot of one route's breaker.
type RouteStats struct {
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	NextAttemptTime time.Time `json:"next_attempt_time,omitempty"`
}

// Breaker tracks per-route failure state machines. Routes are registered up
// front; unregistered routes always pass. Each route's record has its own
// lock, so requests for different routes never contend.
type Breaker struct {
	clock clock.Clock

	mu     sync.RWMutex
	routes map[string]*record
}

func New() *Breaker {
	return newBreaker(clock.New())
}

func newBreaker(clk clock.Clock) *Breaker {
	return &Breaker{
		clock:  clk,
		routes: make(map[string]*record),
	}
}

// Register enrolls a route in breaker protection.
func (b *Breaker) Register(route string, threshold int, resetTimeout time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[route] = &record{
		state:        StateClosed,
		threshold:    threshold,
		resetTimeout: resetTimeout,
	}
	metrics.BreakerState.WithLabelValues(route).Set(0)
}

func (b *Breaker) lookup(route string) *record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.routes[route]
}

// Allow reports whether a request for route may proceed. An OPEN route whose
// cool-down has elapsed transitions to HALF_OPEN on this very check and the
// request goes through as the single probe; no background timer is involved.
func (b *Breaker) Allow(route string) bool {
	rec := b.lookup(route)
	if rec == nil {
		return true
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	switch rec.state {
	case StateClosed:
		return true
	case StateOpen:
		if !b.clock.Now().Before(rec.nextAttemptTime) {
			rec.state = StateHalfOpen
			metrics.BreakerState.WithLabelValues(route).Set(2)
			log.Printf("[Breaker] Route %s half-open, probing", route)
			return true
		}
		return false
	default: // StateHalfOpen: a probe is already in flight
		return false
	}
}

// RecordSuccess reports a completed downstream call for route.
func (b *Breaker) RecordSuccess(route string) {
	rec := b.lookup(route)
	if rec == nil {
		return
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.state == StateHalfOpen {
		log.Printf("[Breaker] Route %s recovered, closing", route)
	}
	rec.state = StateClosed
	rec.failureCount = 0
	metrics.BreakerState.WithLabelValues(route).Set(0)
}

// RecordFailure reports a failed downstream call for route.
func (b *Breaker) RecordFailure(route string) {
	rec := b.lookup(route)
	if rec == nil {
		return
	}

	now := b.clock.Now()

	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.lastFailureTime = now

	switch rec.state {
	case StateHalfOpen:
		rec.state = StateOpen
		rec.nextAttemptTime = now.Add(rec.resetTimeout)
		metrics.BreakerState.WithLabelValues(route).Set(1)
		log.Printf("[Breaker] Route %s probe failed, reopening until %s", route, rec.nextAttemptTime.Format(time.RFC3339))
	default:
		rec.failureCount++
		if rec.failureCount >= rec.threshold {
			rec.state = StateOpen
			rec.nextAttemptTime = now.Add(rec.resetTimeout)
			metrics.BreakerState.WithLabelValues(route).Set(1)
			log.Printf("[Breaker] Route %s opened after %d failures", route, rec.failureCount)
		}
	}
}

// State returns the current state for route; unregistered routes read CLOSED.
func (b *Breaker) State(route string) State {
	rec := b.lookup(route)
	if rec == nil {
		return StateClosed
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state
}

// Stats snapshots every registered route.
func (b *Breaker) Stats() map[string]RouteStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]RouteStats, len(b.routes))
	for route, rec := range b.routes {
		rec.mu.Lock()
		st := RouteStats{
			State:        rec.state.String(),
			FailureCount: rec.failureCount,
		}
		if rec.state == StateOpen {
			st.NextAttemptTime = rec.nextAttemptTime
		}
		rec.mu.Unlock()
		out[route] = st
	}
	return out
}

// Reset returns every registered route to CLOSED with a zero failure count.
func (b *Breaker) Reset() {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for route, rec := range b.routes {
		rec.mu.Lock()
		rec.state = StateClosed
		rec.failureCount = 0
		rec.mu.Unlock()
		metrics.BreakerState.WithLabelValues(route).Set(0)
	}
}
