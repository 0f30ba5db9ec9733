// internal/model/identity.go
package model

import "time"

// Identity is a decoded credential: who the caller is and which tenant they claim.
type Identity struct {
	Subject   string    `json:"subject"`
	TenantID  string    `json:"tenant_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
