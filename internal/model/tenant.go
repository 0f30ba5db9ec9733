// internal/model/tenant.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// TenantStatus is the lifecycle state of a tenant account.
type TenantStatus string

const (
	TenantActive   TenantStatus = "active"
	TenantPending  TenantStatus = "pending"
	TenantDisabled TenantStatus = "disabled"
)

// TenantDescriptor is the resolved identity of a tenant. Immutable once cached;
// re-resolved from the directory after the cache TTL lapses.
type TenantDescriptor struct {
	ID        uuid.UUID    `db:"id" json:"id"`
	Subdomain string       `db:"subdomain" json:"subdomain"`
	Status    TenantStatus `db:"status" json:"status"`
	Config    string       `db:"config" json:"config,omitempty"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}

// Active reports whether requests for this tenant should be served.
func (t *TenantDescriptor) Active() bool {
	return t.Status == TenantActive
}
