package tenant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-gateway/internal/model"
)

type fakeDirectory struct {
	mu      sync.Mutex
	tenants map[string]*model.TenantDescriptor
	lookups int
}

func newFakeDirectory(tenants ...*model.TenantDescriptor) *fakeDirectory {
	d := &fakeDirectory{tenants: make(map[string]*model.TenantDescriptor)}
	for _, t := range tenants {
		d.tenants[t.Subdomain] = t
	}
	return d
}

func (d *fakeDirectory) Lookup(_ context.Context, key string) (*model.TenantDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookups++
	if t, ok := d.tenants[key]; ok {
		return t, nil
	}
	return nil, errors.New("not found")
}

func (d *fakeDirectory) lookupCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookups
}

func activeTenant(sub string) *model.TenantDescriptor {
	return &model.TenantDescriptor{ID: uuid.New(), Subdomain: sub, Status: model.TenantActive}
}

func TestNormalizeKey(t *testing.T) {
	cases := map[string]string{
		"acme":           "acme",
		"ACME":           "acme",
		"preview-acme":   "acme",
		"mock-acme":      "acme",
		"acme-test":      "acme",
		"acme-staging":   "acme",
		"staging-acme":   "acme",
		" acme ":         "acme",
		"preview-a-test": "a",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeKey(in), "input %q", in)
	}
}

func TestCandidateKey(t *testing.T) {
	assert.Equal(t, "acme", CandidateKey("acme.example.com", "/orders"))
	assert.Equal(t, "acme", CandidateKey("acme.example.com:8080", "/orders"))
	// Bare hosts fall back to the first path segment.
	assert.Equal(t, "acme", CandidateKey("localhost:8080", "/acme/orders"))
	assert.Equal(t, "acme", CandidateKey("example.com", "/acme"))
}

func TestResolveCachesPositiveResult(t *testing.T) {
	dir := newFakeDirectory(activeTenant("acme"))
	mock := clock.NewMock()
	r := newResolver(dir, 5*time.Minute, 16, mock)

	got, err := r.Resolve(context.Background(), "acme.example.com", "/")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Subdomain)

	_, err = r.Resolve(context.Background(), "ACME.example.com:443", "/")
	require.NoError(t, err)
	assert.Equal(t, 1, dir.lookupCount(), "second hit should come from cache")
}

func TestResolveExpiresAfterTTL(t *testing.T) {
	dir := newFakeDirectory(activeTenant("acme"))
	mock := clock.NewMock()
	r := newResolver(dir, 5*time.Minute, 16, mock)

	_, err := r.Resolve(context.Background(), "acme.example.com", "/")
	require.NoError(t, err)

	mock.Add(5*time.Minute + time.Second)
	_, err = r.Resolve(context.Background(), "acme.example.com", "/")
	require.NoError(t, err)
	assert.Equal(t, 2, dir.lookupCount(), "expired entry should re-resolve")
}

func TestResolveUnknownTenant(t *testing.T) {
	dir := newFakeDirectory()
	r := newResolver(dir, time.Minute, 16, clock.NewMock())

	_, err := r.Resolve(context.Background(), "ghost.example.com", "/")
	require.ErrorIs(t, err, ErrNoTenant)
	assert.Equal(t, 0, r.CacheSize(), "negative results are not cached")
}

func TestResolveInactiveTenant(t *testing.T) {
	disabled := activeTenant("acme")
	disabled.Status = model.TenantDisabled
	dir := newFakeDirectory(disabled)
	r := newResolver(dir, time.Minute, 16, clock.NewMock())

	_, err := r.Resolve(context.Background(), "acme.example.com", "/")
	require.ErrorIs(t, err, ErrNoTenant)
}

func TestResolveEmptyKey(t *testing.T) {
	r := newResolver(newFakeDirectory(), time.Minute, 16, clock.NewMock())
	_, err := r.Resolve(context.Background(), "example.com", "/")
	require.ErrorIs(t, err, ErrNoTenant)
}

func TestCacheSizeBound(t *testing.T) {
	tenants := []*model.TenantDescriptor{
		activeTenant("a"), activeTenant("b"), activeTenant("c"),
	}
	dir := newFakeDirectory(tenants...)
	mock := clock.NewMock()
	r := newResolver(dir, time.Hour, 2, mock)

	for _, sub := range []string{"a", "b", "c"} {
		mock.Add(time.Second) // distinct cache timestamps
		_, err := r.Resolve(context.Background(), sub+".example.com", "/")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, r.CacheSize(), "oldest entry evicted at the bound")

	// "a" was the oldest and must be re-resolved.
	before := dir.lookupCount()
	_, err := r.Resolve(context.Background(), "a.example.com", "/")
	require.NoError(t, err)
	assert.Equal(t, before+1, dir.lookupCount())
}

func TestClearCache(t *testing.T) {
	dir := newFakeDirectory(activeTenant("acme"))
	r := newResolver(dir, time.Hour, 16, clock.NewMock())

	_, err := r.Resolve(context.Background(), "acme.example.com", "/")
	require.NoError(t, err)
	require.Equal(t, 1, r.CacheSize())

	r.ClearCache()
	assert.Equal(t, 0, r.CacheSize())

	_, err = r.Resolve(context.Background(), "acme.example.com", "/")
	require.NoError(t, err)
	assert.Equal(t, 2, dir.lookupCount())
}

func TestConcurrentResolves(t *testing.T) {
	dir := newFakeDirectory(activeTenant("a"), activeTenant("b"))
	r := newResolver(dir, time.Minute, 16, clock.NewMock())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		sub := "a"
		if i%2 == 0 {
			sub = "b"
		}
		wg.Add(1)
		go func(sub string) {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), sub+".example.com", "/")
			assert.NoError(t, err)
		}(sub)
	}
	wg.Wait()
	assert.Equal(t, 2, r.CacheSize())
}
