// internal/tenant/resolver.go
package tenant

import (
	"context"
	"errors"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"tenant-gateway/internal/model"
)

// ErrNoTenant means the request could not be matched to any valid tenant.
var ErrNoTenant = errors.New("no tenant for request")

// Directory is the authoritative tenant lookup, consulted on cache miss.
type Directory interface {
	Lookup(ctx context.Context, key string) (*model.TenantDescriptor, error)
}

// envPrefixes and envSuffixes are deployment decorations stripped from the
// candidate key before lookup, so preview/test hosts resolve to their base tenant.
var (
	envPrefixes = []string{"preview-", "mock-", "staging-"}
	envSuffixes = []string{"-test", "-staging", "-preview"}
)

type cacheEntry struct {
	desc     *model.TenantDescriptor
	cachedAt time.Time
}

// Resolver maps request hosts/paths to tenant descriptors through a bounded
// TTL cache. Safe for concurrent use; misses for distinct keys never block
// each other (lookups are deduplicated per key, not globally).
type Resolver struct {
	directory Directory
	ttl       time.Duration
	maxSize   int
	clock     clock.Clock

	mu      sync.RWMutex
	entries map[string]*cacheEntry

	group singleflight.Group
}

func NewResolver(directory Directory, ttl time.Duration, maxSize int) *Resolver {
	return newResolver(directory, ttl, maxSize, clock.New())
}

func newResolver(directory Directory, ttl time.Duration, maxSize int, clk clock.Clock) *Resolver {
	return &Resolver{
		directory: directory,
		ttl:       ttl,
		maxSize:   maxSize,
		clock:     clk,
		entries:   make(map[string]*cacheEntry),
	}
}

// Resolve extracts the tenant key from host (preferred) or path and returns
// the descriptor. ErrNoTenant means the caller should treat the request as
// belonging to no valid tenant.
func (r *Resolver) Resolve(ctx context.Context, host, path string) (*model.TenantDescriptor, error) {
	key := NormalizeKey(CandidateKey(host, path))
	if key == "" {
		return nil, ErrNoTenant
	}

	if desc, ok := r.cached(key); ok {
		return desc, nil
	}

	// Deduplicate concurrent misses for the same key only.
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		if desc, ok := r.cached(key); ok {
			return desc, nil
		}
		desc, err := r.directory.Lookup(ctx, key)
		if err != nil {
			log.Printf("[Tenant] Lookup failed for %q: %v", key, err)
			return nil, ErrNoTenant
		}
		if !desc.Active() {
			log.Printf("[Tenant] Rejecting %q: status %s", key, desc.Status)
			return nil, ErrNoTenant
		}
		r.store(key, desc)
		return desc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.TenantDescriptor), nil
}

func (r *Resolver) cached(key string) (*model.TenantDescriptor, bool) {
	r.mu.RLock()
	ent, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if r.clock.Now().Sub(ent.cachedAt) > r.ttl {
		r.mu.Lock()
		delete(r.entries, key)
		r.mu.Unlock()
		return nil, false
	}
	return ent.desc, true
}

func (r *Resolver) store(key string, desc *model.TenantDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) >= r.maxSize {
		r.evictOldestLocked()
	}
	r.entries[key] = &cacheEntry{desc: desc, cachedAt: r.clock.Now()}
}

func (r *Resolver) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, ent := range r.entries {
		if oldestKey == "" || ent.cachedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = ent.cachedAt
		}
	}
	if oldestKey != "" {
		delete(r.entries, oldestKey)
	}
}

// ClearCache drops every cached descriptor; next traffic re-resolves.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*cacheEntry)
}

// CacheSize returns the number of cached descriptors.
func (r *Resolver) CacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CandidateKey picks the raw tenant key from the request: the first subdomain
// label when the host has one, otherwise the first path segment.
func CandidateKey(host, path string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if parts := strings.Split(host, "."); len(parts) >= 3 {
		return parts[0]
	}
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	return path
}

// NormalizeKey strips environment decorations and lowercases the key.
func NormalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, p := range envPrefixes {
		key = strings.TrimPrefix(key, p)
	}
	for _, s := range envSuffixes {
		key = strings.TrimSuffix(key, s)
	}
	return key
}
