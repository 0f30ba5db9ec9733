// internal/gateway/registry.go
package gateway

import (
	"context"
	"net/http"
	"sync"

	"tenant-gateway/internal/model"
	"tenant-gateway/internal/pool"
)

// RequestContext is what a downstream handler receives: the resolved tenant,
// the caller identity (nil when unauthenticated), the raw request, and a
// query executor already scoped to the tenant.
type RequestContext struct {
	Tenant   *model.TenantDescriptor
	Identity *model.Identity
	Request  *http.Request
	DB       TenantExecutor
}

// TenantExecutor runs store operations under the request's tenant.
type TenantExecutor interface {
	Query(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error)
	Batch(ctx context.Context, statements []pool.Statement) error
}

// Response is the status/headers/body triple a handler returns.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Handler is one downstream route handler. An error return is a handler
// fault: it feeds the route's circuit breaker.
type Handler func(ctx context.Context, rc *RequestContext) (*Response, error)

type route struct {
	handler     Handler
	requireAuth bool
}

// Registry maps route identifiers ("METHOD /path") to downstream handlers.
type Registry struct {
	mu     sync.RWMutex
	routes map[string]*route
}

func NewRegistry() *Registry {
	return &Registry{routes: make(map[string]*route)}
}

// Register binds a handler to a route identifier.
func (g *Registry) Register(routeID string, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.routes[routeID] = &route{handler: h}
}

// RegisterAuthenticated binds a handler that rejects unauthenticated callers.
func (g *Registry) RegisterAuthenticated(routeID string, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.routes[routeID] = &route{handler: h, requireAuth: true}
}

func (g *Registry) lookup(routeID string) (*route, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.routes[routeID]
	return r, ok
}

// RouteID builds the registry key for a request.
func RouteID(method, path string) string {
	return method + " " + path
}
