// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// RequestEvent is the analytics record emitted for every completed request.
type RequestEvent struct {
	RequestID  uuid.UUID `db:"request_id" json:"request_id"`
	TenantID   string    `db:"tenant_id" json:"tenant_id"`
	Route      string    `db:"route" json:"route"`
	Method     string    `db:"method" json:"method"`
	Status     int       `db:"status" json:"status"`
	DurationMS float64   `db:"duration_ms" json:"duration_ms"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
