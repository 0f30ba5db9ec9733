// internal/pool/pool.go
package pool

import (
	"database/sql"
	"sync/atomic"
	"time"
)

// TenantPool is one tenant's bounded set of connections to the store. The
// wrapped *sql.DB enforces the checkout bound; the pool adds the activity
// bookkeeping the sweeper and the global cap work from.
type TenantPool struct {
	tenantID  string
	db        *sql.DB
	tracked   int // connections counted against the global cap
	minConns  int
	maxConns  int
	createdAt time.Time

	lastActivity atomic.Int64 // unix nanos
	queryCount   atomic.Int64 // cumulative
	recentCount  atomic.Int64 // queries since the last sweep pass
	inFlight     atomic.Int64
}

func (p *TenantPool) touch(now time.Time) {
	p.lastActivity.Store(now.UnixNano())
}

func (p *TenantPool) lastActive() time.Time {
	return time.Unix(0, p.lastActivity.Load())
}

// TenantID returns the owning tenant.
func (p *TenantPool) TenantID() string { return p.tenantID }

// QueryCount returns the cumulative number of queries run through the pool.
func (p *TenantPool) QueryCount() int64 { return p.queryCount.Load() }

// Tracked returns the connection count charged against the global cap.
func (p *TenantPool) Tracked() int { return p.tracked }

// PoolStats is a read-only snapshot of one tenant pool.
type PoolStats struct {
	TenantID     string    `json:"tenant_id"`
	Tracked      int       `json:"tracked"`
	OpenConns    int       `json:"open_conns"`
	IdleConns    int       `json:"idle_conns"`
	QueryCount   int64     `json:"query_count"`
	InFlight     int64     `json:"in_flight"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

func (p *TenantPool) stats() PoolStats {
	dbStats := p.db.Stats()
	return PoolStats{
		TenantID:     p.tenantID,
		Tracked:      p.tracked,
		OpenConns:    dbStats.OpenConnections,
		IdleConns:    dbStats.Idle,
		QueryCount:   p.queryCount.Load(),
		InFlight:     p.inFlight.Load(),
		CreatedAt:    p.createdAt,
		LastActivity: p.lastActive(),
	}
}
