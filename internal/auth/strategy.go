// internal/auth/strategy.go
package auth

import (
	"net/http"
	"strings"
)

// Strategy extracts a raw credential from a request. Extraction is purely
// syntactic; validity is the verifier's concern.
type Strategy interface {
	Name() string
	Extract(r *http.Request) (string, bool)
}

// GatewayTokenStrategy reads the deployment-specific X-Gateway-Token header.
// Tried first: it is the most specific carrier.
type GatewayTokenStrategy struct{}

func (GatewayTokenStrategy) Name() string { return "gateway-token" }

func (GatewayTokenStrategy) Extract(r *http.Request) (string, bool) {
	tok := r.Header.Get("X-Gateway-Token")
	return tok, tok != ""
}

// BearerStrategy reads a standard Authorization: Bearer credential.
type BearerStrategy struct{}

func (BearerStrategy) Name() string { return "bearer" }

func (BearerStrategy) Extract(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	tok := strings.TrimPrefix(auth, "Bearer ")
	return tok, tok != ""
}

// CookieStrategy reads the session cookie set by the browser flows.
type CookieStrategy struct {
	CookieName string
}

func (s CookieStrategy) Name() string { return "cookie" }

func (s CookieStrategy) Extract(r *http.Request) (string, bool) {
	name := s.CookieName
	if name == "" {
		name = "gateway_session"
	}
	c, err := r.Cookie(name)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

// DefaultStrategies is the ordered carrier list, most specific first.
func DefaultStrategies() []Strategy {
	return []Strategy{
		GatewayTokenStrategy{},
		BearerStrategy{},
		CookieStrategy{},
	}
}
