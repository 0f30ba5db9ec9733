// internal/auth/cache.go
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"tenant-gateway/internal/model"
)

type cachedIdentity struct {
	identity *model.Identity
	cachedAt time.Time
}

// sweepBatch bounds how many entries one insert inspects for expiry.
const sweepBatch = 32

// Cache tries the ordered strategy list against each request and caches
// decoded identities briefly, keyed by a hash of the raw credential, so hot
// callers do not pay verification cost on every request.
//
// Every failure mode — no credential present, malformed token, verifier
// error, verifier panic — yields (nil, false). Callers see only
// "authenticated or not", never which mechanism was attempted.
type Cache struct {
	strategies []Strategy
	verifier   Verifier
	ttl        time.Duration
	clock      clock.Clock

	mu      sync.RWMutex
	entries map[string]*cachedIdentity
}

func NewCache(strategies []Strategy, verifier Verifier, ttl time.Duration) *Cache {
	return newCache(strategies, verifier, ttl, clock.New())
}

func newCache(strategies []Strategy, verifier Verifier, ttl time.Duration, clk clock.Clock) *Cache {
	return &Cache{
		strategies: strategies,
		verifier:   verifier,
		ttl:        ttl,
		clock:      clk,
		entries:    make(map[string]*cachedIdentity),
	}
}

// Authenticate returns the caller's identity, or (nil, false) for an
// unauthenticated request.
func (c *Cache) Authenticate(r *http.Request) (*model.Identity, bool) {
	for _, s := range c.strategies {
		cred, ok := s.Extract(r)
		if !ok {
			continue
		}
		if id := c.decode(cred); id != nil {
			return id, true
		}
	}
	return nil, false
}

func (c *Cache) decode(cred string) (id *model.Identity) {
	// A panicking verifier must look exactly like an invalid credential.
	defer func() {
		if recover() != nil {
			id = nil
		}
	}()

	key := credentialKey(cred)
	now := c.clock.Now()

	c.mu.RLock()
	ent, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && now.Sub(ent.cachedAt) <= c.ttl && (ent.identity.ExpiresAt.IsZero() || now.Before(ent.identity.ExpiresAt)) {
		return ent.identity
	}

	decoded, err := c.verifier.Decode(cred)
	if err != nil || decoded == nil {
		return nil
	}

	c.mu.Lock()
	c.sweepLocked(now)
	c.entries[key] = &cachedIdentity{identity: decoded, cachedAt: now}
	c.mu.Unlock()
	return decoded
}

// sweepLocked drops up to sweepBatch expired entries so one-off credentials
// do not accumulate. Map iteration starts at a random position, so repeated
// inserts cycle through the whole map over time.
func (c *Cache) sweepLocked(now time.Time) {
	scanned := 0
	for key, ent := range c.entries {
		if scanned >= sweepBatch {
			return
		}
		scanned++
		if now.Sub(ent.cachedAt) > c.ttl || (!ent.identity.ExpiresAt.IsZero() && !now.Before(ent.identity.ExpiresAt)) {
			delete(c.entries, key)
		}
	}
}

// ClearCache drops all cached identities.
func (c *Cache) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cachedIdentity)
}

// CacheSize returns the number of cached identities.
func (c *Cache) CacheSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func credentialKey(cred string) string {
	sum := sha256.Sum256([]byte(cred))
	return hex.EncodeToString(sum[:])
}
