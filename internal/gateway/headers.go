// internal/gateway/headers.go
package gateway

import (
	"net/http"
	"strings"
)

// SecurityHeaders is an immutable header set stamped onto every response.
// Built once at startup; Apply copies, never mutates.
type SecurityHeaders struct {
	static         map[string]string
	allowedOrigins []string
	allowedMethods string
	allowedHeaders string
}

// NewSecurityHeaders builds the header set. An empty origins list means CORS
// is answered with the request origin disallowed (no ACAO header).
func NewSecurityHeaders(origins, methods, headers []string) *SecurityHeaders {
	return &SecurityHeaders{
		static: map[string]string{
			"X-Content-Type-Options":    "nosniff",
			"X-Frame-Options":           "DENY",
			"X-XSS-Protection":          "1; mode=block",
			"Referrer-Policy":           "strict-origin-when-cross-origin",
			"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
			"Cache-Control":             "no-store",
		},
		allowedOrigins: origins,
		allowedMethods: strings.Join(methods, ", "),
		allowedHeaders: strings.Join(headers, ", "),
	}
}

// Apply stamps the static header set.
func (s *SecurityHeaders) Apply(h http.Header) {
	for k, v := range s.static {
		h.Set(k, v)
	}
}

// ApplyCORS stamps CORS response headers when origin is allowed.
func (s *SecurityHeaders) ApplyCORS(h http.Header, origin string) {
	if origin == "" || !s.originAllowed(origin) {
		return
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", s.allowedMethods)
	h.Set("Access-Control-Allow-Headers", s.allowedHeaders)
	h.Set("Access-Control-Max-Age", "600")
	h.Set("Vary", "Origin")
}

func (s *SecurityHeaders) originAllowed(origin string) bool {
	for _, o := range s.allowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
