// internal/gateway/gateway.go
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"tenant-gateway/internal/auth"
	"tenant-gateway/internal/breaker"
	"tenant-gateway/internal/config"
	"tenant-gateway/internal/metrics"
	"tenant-gateway/internal/model"
	"tenant-gateway/internal/pool"
	"tenant-gateway/internal/ratelimit"
	"tenant-gateway/internal/tenant"
)

// EventPublisher receives one analytics event per completed request.
type EventPublisher interface {
	Publish(e *model.RequestEvent) error
}

// Stats is the administrative snapshot exposed by the gateway.
type Stats struct {
	Pools           map[string]pool.PoolStats     `json:"pools"`
	RateLimiterKeys int                           `json:"rate_limiter_keys"`
	Breakers        map[string]breaker.RouteStats `json:"breakers"`
	QueryCount      int64                         `json:"query_count"`
}

// Gateway runs the request pipeline: tenant resolution, authentication, rate
// limits, circuit breaker, downstream dispatch, response decoration,
// analytics. Every denial short-circuits before the downstream handler.
type Gateway struct {
	resolver  *tenant.Resolver
	authCache *auth.Cache
	limiter   *ratelimit.Limiter
	breaker   *breaker.Breaker
	pools     *pool.Manager
	registry  *Registry
	headers   *SecurityHeaders
	publisher EventPublisher
	clock     clock.Clock

	globalLimit   int
	globalWindow  time.Duration
	routeLimits   map[string]config.RouteLimit
	pipelineWarn  time.Duration
	authEntryPath string
}

func New(
	cfg *config.Config,
	resolver *tenant.Resolver,
	authCache *auth.Cache,
	limiter *ratelimit.Limiter,
	brk *breaker.Breaker,
	pools *pool.Manager,
	registry *Registry,
	publisher EventPublisher,
) *Gateway {
	for routeID, bc := range cfg.Breaker.Routes {
		brk.Register(routeID, bc.Threshold, bc.ResetTimeout.D())
	}
	return &Gateway{
		resolver:      resolver,
		authCache:     authCache,
		limiter:       limiter,
		breaker:       brk,
		pools:         pools,
		registry:      registry,
		headers:       NewSecurityHeaders(cfg.CORS.AllowedOrigins, cfg.CORS.AllowedMethods, cfg.CORS.AllowedHeaders),
		publisher:     publisher,
		clock:         clock.New(),
		globalLimit:   cfg.RateLimit.GlobalLimit,
		globalWindow:  cfg.RateLimit.GlobalWindow.D(),
		routeLimits:   cfg.RateLimit.Routes,
		pipelineWarn:  cfg.Server.PipelineWarn.D(),
		authEntryPath: cfg.Server.AuthEntryPath,
	}
}

// ServeHTTP is the single entry point for tenant traffic.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := g.clock.Now()
	requestID := uuid.New()
	routeID := RouteID(r.Method, r.URL.Path)

	// Preflight never reaches the handler registry.
	if r.Method == http.MethodOptions && r.Header.Get("Origin") != "" {
		g.headers.Apply(w.Header())
		g.headers.ApplyCORS(w.Header(), r.Header.Get("Origin"))
		w.Header().Set("X-Request-Id", requestID.String())
		w.WriteHeader(http.StatusNoContent)
		return
	}

	desc, err := g.resolver.Resolve(r.Context(), r.Host, r.URL.Path)
	if err != nil {
		// Security-observable: a request that maps to no tenant.
		log.Printf("[Gateway] Tenant resolution failed for host=%s path=%s: %v", r.Host, r.URL.Path, err)
		metrics.DenialsTotal.WithLabelValues("invalid_tenant").Inc()
		g.redirect(w, r, requestID, start)
		return
	}

	rt, ok := g.registry.lookup(routeID)
	if !ok {
		metrics.DenialsTotal.WithLabelValues("unknown_route").Inc()
		g.deny(w, r, desc, requestID, routeID, start, http.StatusNotFound, "not found")
		return
	}

	identity, authed := g.authCache.Authenticate(r)
	if rt.requireAuth && !authed {
		metrics.DenialsTotal.WithLabelValues("unauthorized").Inc()
		g.deny(w, r, desc, requestID, routeID, start, http.StatusUnauthorized, "unauthorized")
		return
	}

	clientIP := clientAddr(r)

	// Global limit first, then the route-scoped one; both must pass.
	res := g.limiter.Check("global:"+clientIP, g.globalLimit, g.globalWindow)
	if !res.Allowed {
		g.denyRateLimited(w, r, desc, requestID, routeID, start, res)
		return
	}
	limit, window := g.routeLimit(routeID)
	res = g.limiter.Check("route:"+routeID+":"+clientIP, limit, window)
	if !res.Allowed {
		g.denyRateLimited(w, r, desc, requestID, routeID, start, res)
		return
	}

	if !g.breaker.Allow(routeID) {
		metrics.DenialsTotal.WithLabelValues("breaker_open").Inc()
		g.deny(w, r, desc, requestID, routeID, start, http.StatusServiceUnavailable, "service temporarily unavailable")
		return
	}

	// Gateway overhead ends here; handler time is not ours.
	metrics.PipelineDuration.Observe(g.clock.Now().Sub(start).Seconds())

	rc := &RequestContext{
		Tenant:   desc,
		Identity: identity,
		Request:  r,
		DB:       &tenantExecutor{manager: g.pools, tenantID: desc.ID.String()},
	}

	resp, err := g.invoke(r.Context(), rt.handler, rc)
	if err != nil {
		g.breaker.RecordFailure(routeID)
		if errors.Is(err, pool.ErrPoolExhausted) {
			log.Printf("[Gateway] Pool exhausted on %s for tenant %s", routeID, desc.Subdomain)
			w.Header().Set("Retry-After", "1")
			metrics.DenialsTotal.WithLabelValues("pool_exhausted").Inc()
			g.deny(w, r, desc, requestID, routeID, start, http.StatusServiceUnavailable, "resource temporarily unavailable")
			return
		}
		log.Printf("[Gateway] Handler fault on %s for tenant %s: %v", routeID, desc.Subdomain, err)
		g.deny(w, r, desc, requestID, routeID, start, http.StatusInternalServerError, "internal server error")
		return
	}
	g.breaker.RecordSuccess(routeID)

	g.finish(w, r, desc, requestID, routeID, start, resp)
}

// invoke runs the handler with panic containment: a panicking handler is a
// fault like any other.
func (g *Gateway) invoke(ctx context.Context, h Handler, rc *RequestContext) (resp *Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			resp = nil
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, rc)
}

func (g *Gateway) routeLimit(routeID string) (int, time.Duration) {
	if rl, ok := g.routeLimits[routeID]; ok {
		return rl.Limit, rl.Window.D()
	}
	return g.globalLimit, g.globalWindow
}

func (g *Gateway) decorate(w http.ResponseWriter, r *http.Request, requestID uuid.UUID, start time.Time) time.Duration {
	elapsed := g.clock.Now().Sub(start)
	g.headers.Apply(w.Header())
	g.headers.ApplyCORS(w.Header(), r.Header.Get("Origin"))
	w.Header().Set("X-Request-Id", requestID.String())
	w.Header().Set("X-Processing-Time-Ms", strconv.FormatFloat(float64(elapsed.Microseconds())/1000.0, 'f', 3, 64))
	if elapsed > g.pipelineWarn {
		log.Printf("[Gateway] Slow pipeline: %s took %s (request %s)", r.URL.Path, elapsed, requestID)
	}
	return elapsed
}

func (g *Gateway) redirect(w http.ResponseWriter, r *http.Request, requestID uuid.UUID, start time.Time) {
	g.decorate(w, r, requestID, start)
	http.Redirect(w, r, g.authEntryPath, http.StatusFound)
}

func (g *Gateway) deny(w http.ResponseWriter, r *http.Request, desc *model.TenantDescriptor, requestID uuid.UUID, routeID string, start time.Time, status int, message string) {
	elapsed := g.decorate(w, r, requestID, start)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
	g.record(desc, requestID, routeID, r.Method, status, elapsed)
}

func (g *Gateway) denyRateLimited(w http.ResponseWriter, r *http.Request, desc *model.TenantDescriptor, requestID uuid.UUID, routeID string, start time.Time, res ratelimit.Result) {
	metrics.DenialsTotal.WithLabelValues("rate_limit").Inc()
	elapsed := g.decorate(w, r, requestID, start)

	retryAfter := int(res.ResetTime.Sub(g.clock.Now()).Seconds() + 0.5)
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})

	g.record(desc, requestID, routeID, r.Method, http.StatusTooManyRequests, elapsed)
}

func (g *Gateway) finish(w http.ResponseWriter, r *http.Request, desc *model.TenantDescriptor, requestID uuid.UUID, routeID string, start time.Time, resp *Response) {
	elapsed := g.decorate(w, r, requestID, start)

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}

	g.record(desc, requestID, routeID, r.Method, status, elapsed)
}

func (g *Gateway) record(desc *model.TenantDescriptor, requestID uuid.UUID, routeID, method string, status int, elapsed time.Duration) {
	tenantID := ""
	if desc != nil {
		tenantID = desc.ID.String()
	}
	metrics.RequestsTotal.WithLabelValues(tenantID, routeID, strconv.Itoa(status)).Inc()

	if g.publisher == nil {
		return
	}
	e := &model.RequestEvent{
		RequestID:  requestID,
		TenantID:   tenantID,
		Route:      routeID,
		Method:     method,
		Status:     status,
		DurationMS: float64(elapsed.Microseconds()) / 1000.0,
		CreatedAt:  g.clock.Now(),
	}
	if err := g.publisher.Publish(e); err != nil {
		log.Printf("[Gateway] Analytics publish failed: %v", err)
	}
}

// Stats returns the administrative monitoring snapshot.
func (g *Gateway) Stats() Stats {
	return Stats{
		Pools:           g.pools.Stats(),
		RateLimiterKeys: g.limiter.Keys(),
		Breakers:        g.breaker.Stats(),
		QueryCount:      g.pools.TotalQueries(),
	}
}

// ClearCaches drops tenant, auth and limiter state and every tracked pool.
// Next traffic re-resolves everything. Operational troubleshooting only.
func (g *Gateway) ClearCaches() {
	g.resolver.ClearCache()
	g.authCache.ClearCache()
	g.limiter.Reset()
	g.breaker.Reset()
	g.pools.CloseAll()
	log.Printf("[Gateway] All caches and pools cleared")
}

func clientAddr(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}
