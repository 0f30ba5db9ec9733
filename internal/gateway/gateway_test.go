package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenant-gateway/internal/auth"
	"tenant-gateway/internal/breaker"
	"tenant-gateway/internal/config"
	"tenant-gateway/internal/model"
	"tenant-gateway/internal/pool"
	"tenant-gateway/internal/ratelimit"
	"tenant-gateway/internal/tenant"
)

type mapDirectory struct {
	tenants map[string]*model.TenantDescriptor
}

func (d *mapDirectory) Lookup(_ context.Context, key string) (*model.TenantDescriptor, error) {
	if t, ok := d.tenants[key]; ok {
		return t, nil
	}
	return nil, errors.New("not found")
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []*model.RequestEvent
}

func (p *capturingPublisher) Publish(e *model.RequestEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fixture struct {
	gateway   *Gateway
	registry  *Registry
	verifier  *auth.JWTVerifier
	publisher *capturingPublisher
	tenantID  uuid.UUID
}

func newFixture(t *testing.T, mutate func(cfg *config.Config)) *fixture {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	tenantID := uuid.New()
	dir := &mapDirectory{tenants: map[string]*model.TenantDescriptor{
		"acme": {ID: tenantID, Subdomain: "acme", Status: model.TenantActive},
	}}

	verifier := auth.NewJWTVerifier("test-secret")
	publisher := &capturingPublisher{}
	registry := NewRegistry()

	gw := New(
		cfg,
		tenant.NewResolver(dir, cfg.Tenant.CacheTTL.D(), cfg.Tenant.CacheSize),
		auth.NewCache(auth.DefaultStrategies(), verifier, cfg.Auth.CacheTTL.D()),
		ratelimit.NewLimiter(ratelimit.NewMemoryStore()),
		breaker.New(),
		pool.NewManager(pool.Options{DSN: "postgres://unused@localhost/unused?sslmode=disable"}),
		registry,
		publisher,
	)
	return &fixture{gateway: gw, registry: registry, verifier: verifier, publisher: publisher, tenantID: tenantID}
}

func okHandler(body string) Handler {
	return func(ctx context.Context, rc *RequestContext) (*Response, error) {
		return &Response{Status: http.StatusOK, Body: []byte(body)}, nil
	}
}

func (f *fixture) do(r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.gateway.ServeHTTP(w, r)
	return w
}

func tenantRequest(method, path string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	r.Host = "acme.example.com"
	r.RemoteAddr = "10.1.2.3:55555"
	return r
}

func TestSuccessfulRequest(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register("GET /api/ping", okHandler("pong"))

	w := f.do(tenantRequest(http.MethodGet, "/api/ping"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
	assert.NotEmpty(t, w.Header().Get("X-Processing-Time-Ms"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, 1, f.publisher.count())
}

func TestUnknownTenantRedirectsToAuthEntry(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register("GET /api/ping", okHandler("pong"))

	r := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	r.Host = "ghost.example.com"
	r.RemoteAddr = "10.1.2.3:55555"
	w := f.do(r)

	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))
	assert.Equal(t, 0, f.publisher.count(), "no analytics for invalid tenants")
}

func TestUnknownRouteIs404(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(tenantRequest(http.MethodGet, "/nope"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthenticatedRouteRejectsAnonymous(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.RegisterAuthenticated("GET /api/orders", okHandler("orders"))

	w := f.do(tenantRequest(http.MethodGet, "/api/orders"))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotContains(t, w.Body.String(), "strategy", "no mechanism detail leaks")
}

func TestAuthenticatedRouteAcceptsToken(t *testing.T) {
	f := newFixture(t, nil)

	var seen *model.Identity
	f.registry.RegisterAuthenticated("GET /api/orders", func(ctx context.Context, rc *RequestContext) (*Response, error) {
		seen = rc.Identity
		return &Response{Status: http.StatusOK}, nil
	})

	tok, err := f.verifier.GenerateToken("user-9", f.tenantID.String(), time.Hour)
	require.NoError(t, err)

	r := tenantRequest(http.MethodGet, "/api/orders")
	r.Header.Set("Authorization", "Bearer "+tok)
	w := f.do(r)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "user-9", seen.Subject)
}

func TestRouteRateLimit(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.RateLimit.Routes = map[string]config.RouteLimit{
			"GET /api/ping": {Limit: 2, Window: config.Duration(time.Minute)},
		}
	})
	f.registry.Register("GET /api/ping", okHandler("pong"))

	for i := 0; i < 2; i++ {
		w := f.do(tenantRequest(http.MethodGet, "/api/ping"))
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}

	w := f.do(tenantRequest(http.MethodGet, "/api/ping"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retryAfter, 0)
	assert.LessOrEqual(t, retryAfter, 60)
}

func TestRateLimitIsPerClient(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.RateLimit.Routes = map[string]config.RouteLimit{
			"GET /api/ping": {Limit: 1, Window: config.Duration(time.Minute)},
		}
	})
	f.registry.Register("GET /api/ping", okHandler("pong"))

	w := f.do(tenantRequest(http.MethodGet, "/api/ping"))
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(tenantRequest(http.MethodGet, "/api/ping"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	other := tenantRequest(http.MethodGet, "/api/ping")
	other.RemoteAddr = "10.9.9.9:1234"
	w = f.do(other)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBreakerOpensAfterHandlerFaults(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Breaker.Routes = map[string]config.BreakerRoute{
			"GET /api/flaky": {Threshold: 2, ResetTimeout: config.Duration(30 * time.Second)},
		}
	})

	var calls int
	f.registry.Register("GET /api/flaky", func(ctx context.Context, rc *RequestContext) (*Response, error) {
		calls++
		return nil, errors.New("downstream is on fire")
	})

	for i := 0; i < 2; i++ {
		w := f.do(tenantRequest(http.MethodGet, "/api/flaky"))
		require.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "on fire", "no internal detail leaks")
	}
	require.Equal(t, 2, calls)

	// Breaker is now open: the handler is not invoked again.
	w := f.do(tenantRequest(http.MethodGet, "/api/flaky"))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, 2, calls)
	assert.Empty(t, w.Header().Get("X-RateLimit-Remaining"), "breaker denials carry no quota metadata")
}

func TestRateLimitDenialsDoNotTripBreaker(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.RateLimit.Routes = map[string]config.RouteLimit{
			"GET /api/ping": {Limit: 1, Window: config.Duration(time.Minute)},
		}
		cfg.Breaker.Routes = map[string]config.BreakerRoute{
			"GET /api/ping": {Threshold: 2, ResetTimeout: config.Duration(30 * time.Second)},
		}
	})
	f.registry.Register("GET /api/ping", okHandler("pong"))

	w := f.do(tenantRequest(http.MethodGet, "/api/ping"))
	require.Equal(t, http.StatusOK, w.Code)

	// Far more denials than the breaker threshold.
	for i := 0; i < 5; i++ {
		w = f.do(tenantRequest(http.MethodGet, "/api/ping"))
		require.Equal(t, http.StatusTooManyRequests, w.Code)
	}
	assert.Equal(t, "closed", f.gateway.Stats().Breakers["GET /api/ping"].State)
}

func TestPanickingHandlerIsGenericFault(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register("GET /api/boom", func(ctx context.Context, rc *RequestContext) (*Response, error) {
		panic("kaboom")
	})

	w := f.do(tenantRequest(http.MethodGet, "/api/boom"))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "kaboom")
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.CORS.AllowedOrigins = []string{"https://app.example.com"}
	})
	f.registry.Register("POST /api/orders", okHandler("created"))

	r := httptest.NewRequest(http.MethodOptions, "/api/orders", nil)
	r.Host = "acme.example.com"
	r.Header.Set("Origin", "https://app.example.com")
	w := f.do(r)

	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Methods"))
	assert.Empty(t, w.Body.String())
}

func TestHandlerReceivesTenantContext(t *testing.T) {
	f := newFixture(t, nil)

	var got *RequestContext
	f.registry.Register("GET /api/ping", func(ctx context.Context, rc *RequestContext) (*Response, error) {
		got = rc
		return &Response{Status: http.StatusOK}, nil
	})

	f.do(tenantRequest(http.MethodGet, "/api/ping"))
	require.NotNil(t, got)
	assert.Equal(t, f.tenantID, got.Tenant.ID)
	assert.NotNil(t, got.DB)
	assert.Nil(t, got.Identity, "anonymous route")
}

func TestHandlerResponseHeadersPropagate(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register("GET /api/ping", func(ctx context.Context, rc *RequestContext) (*Response, error) {
		h := http.Header{}
		h.Set("Content-Type", "application/json")
		h.Set("X-Custom", "yes")
		return &Response{Status: http.StatusCreated, Header: h, Body: []byte(`{}`)}, nil
	})

	w := f.do(tenantRequest(http.MethodGet, "/api/ping"))
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "yes", w.Header().Get("X-Custom"))
}

func TestStatsSnapshot(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Breaker.Routes = map[string]config.BreakerRoute{
			"GET /api/ping": {Threshold: 3, ResetTimeout: config.Duration(time.Minute)},
		}
	})
	f.registry.Register("GET /api/ping", okHandler("pong"))
	f.do(tenantRequest(http.MethodGet, "/api/ping"))

	stats := f.gateway.Stats()
	assert.Contains(t, stats.Breakers, "GET /api/ping")
	assert.GreaterOrEqual(t, stats.RateLimiterKeys, 1)
	assert.NotNil(t, stats.Pools)
}

func TestClearCaches(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.RateLimit.Routes = map[string]config.RouteLimit{
			"GET /api/ping": {Limit: 1, Window: config.Duration(time.Hour)},
		}
	})
	f.registry.Register("GET /api/ping", okHandler("pong"))

	w := f.do(tenantRequest(http.MethodGet, "/api/ping"))
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(tenantRequest(http.MethodGet, "/api/ping"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	f.gateway.ClearCaches()

	w = f.do(tenantRequest(http.MethodGet, "/api/ping"))
	assert.Equal(t, http.StatusOK, w.Code, "counters start fresh after the clear")
}

func TestAnalyticsEventShape(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Register("GET /api/ping", okHandler("pong"))

	f.do(tenantRequest(http.MethodGet, "/api/ping"))

	require.Equal(t, 1, f.publisher.count())
	e := f.publisher.events[0]
	assert.Equal(t, f.tenantID.String(), e.TenantID)
	assert.Equal(t, "GET /api/ping", e.Route)
	assert.Equal(t, http.StatusOK, e.Status)
	assert.NotEqual(t, uuid.Nil, e.RequestID)
}
