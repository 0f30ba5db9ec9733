// internal/pool/manager.go
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/lib/pq"

	"tenant-gateway/internal/metrics"
)

// ErrPoolExhausted means no connection could be acquired within the
// acquisition timeout. Retryable.
var ErrPoolExhausted = errors.New("tenant pool exhausted")

// ErrCapacityExhausted means the global connection cap is reached and no idle
// pool could be evicted to make room.
var ErrCapacityExhausted = errors.New("global connection capacity exhausted")

// Options configures the manager. Zero fields take the documented defaults.
type Options struct {
	DSN            string
	MinConns       int
	MaxConns       int
	StartSize      int
	IdleTimeout    time.Duration
	GlobalCap      int
	AcquireTimeout time.Duration
	SlowQuery      time.Duration
	SweepInterval  time.Duration
	IdleThreshold  time.Duration
}

func (o *Options) applyDefaults() {
	if o.MinConns == 0 {
		o.MinConns = 2
	}
	if o.MaxConns == 0 {
		o.MaxConns = 15
	}
	if o.StartSize == 0 {
		o.StartSize = 5
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = 30 * time.Second
	}
	if o.GlobalCap == 0 {
		o.GlobalCap = 1000
	}
	if o.AcquireTimeout == 0 {
		o.AcquireTimeout = 5 * time.Second
	}
	if o.SlowQuery == 0 {
		o.SlowQuery = time.Second
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = time.Minute
	}
	if o.IdleThreshold == 0 {
		o.IdleThreshold = 5 * time.Minute
	}
}

// Statement is one unit of a batch.
type Statement struct {
	Query string
	Args  []interface{}
}

// Health is the aggregated health-check report.
type Health struct {
	Healthy      bool     `json:"healthy"`
	Pools        int      `json:"pools"`
	OpenConns    int      `json:"open_conns"`
	IdleConns    int      `json:"idle_conns"`
	TotalQueries int64    `json:"total_queries"`
	Failures     int64    `json:"failures"`
	Issues       []string `json:"issues,omitempty"`
}

// Manager owns one bounded connection pool per tenant. Reads take a shared
// lock; pool creation is serialized so the global cap check and eviction see
// a consistent total (Open Question: creation race resolved by serializing
// the create path only).
type Manager struct {
	opts  Options
	clock clock.Clock

	// openDB is swappable for tests; sql.Open is lazy so no dial happens here.
	openDB func(dsn string) (*sql.DB, error)

	mu    sync.RWMutex
	pools map[string]*TenantPool

	failures atomic.Int64
}

func NewManager(opts Options) *Manager {
	return newManager(opts, clock.New())
}

func newManager(opts Options, clk clock.Clock) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:  opts,
		clock: clk,
		openDB: func(dsn string) (*sql.DB, error) {
			return sql.Open("postgres", dsn)
		},
		pools: make(map[string]*TenantPool),
	}
}

// GetPool returns the tenant's pool, constructing it lazily on first request.
func (m *Manager) GetPool(tenantID string) (*TenantPool, error) {
	m.mu.RLock()
	p, ok := m.pools[tenantID]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools[tenantID]; ok {
		return p, nil
	}

	if err := m.makeRoomLocked(m.opts.StartSize); err != nil {
		return nil, err
	}

	db, err := m.openDB(m.opts.DSN)
	if err != nil {
		m.failures.Add(1)
		return nil, fmt.Errorf("failed to open pool for tenant %s: %w", tenantID, err)
	}
	db.SetMaxOpenConns(m.opts.MaxConns)
	db.SetMaxIdleConns(m.opts.MinConns)
	db.SetConnMaxIdleTime(m.opts.IdleTimeout)

	now := m.clock.Now()
	p = &TenantPool{
		tenantID:  tenantID,
		db:        db,
		tracked:   m.opts.StartSize,
		minConns:  m.opts.MinConns,
		maxConns:  m.opts.MaxConns,
		createdAt: now,
	}
	p.touch(now)
	m.pools[tenantID] = p

	m.publishGaugesLocked()
	log.Printf("[Pool] Created pool for tenant %s (tracked %d)", tenantID, p.tracked)
	return p, nil
}

// capHighWater is the fraction of the global cap at which idle pools start
// being evicted ahead of new pool creation.
const capHighWater = 0.95

// makeRoomLocked evicts idle pools, least recently active first, once the
// requested tracked connections would push the total past the high-water
// mark. Eviction above the mark is best effort; the cap itself is hard.
func (m *Manager) makeRoomLocked(needed int) error {
	total := 0
	for _, p := range m.pools {
		total += p.tracked
	}
	highWater := int(float64(m.opts.GlobalCap) * capHighWater)
	if total+needed <= highWater {
		return nil
	}

	candidates := make([]*TenantPool, 0, len(m.pools))
	for _, p := range m.pools {
		if p.inFlight.Load() == 0 {
			candidates = append(candidates, p)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastActive().Before(candidates[j].lastActive())
	})

	for _, p := range candidates {
		if total+needed <= highWater {
			break
		}
		m.removeLocked(p.tenantID, "cap eviction")
		total -= p.tracked
	}

	if total+needed > m.opts.GlobalCap {
		return ErrCapacityExhausted
	}
	return nil
}

func (m *Manager) removeLocked(tenantID, reason string) {
	p, ok := m.pools[tenantID]
	if !ok {
		return
	}
	delete(m.pools, tenantID)
	if err := p.db.Close(); err != nil {
		log.Printf("[Pool] Close failed for tenant %s: %v", tenantID, err)
	}
	log.Printf("[Pool] Removed pool for tenant %s (%s)", tenantID, reason)
}

// ExecuteQuery runs one query on the tenant's pool. The connection is always
// released, error or not, and the session tenant variable is set before the
// query so row-level isolation applies.
func (m *Manager) ExecuteQuery(ctx context.Context, tenantID, query string, args ...interface{}) ([]map[string]interface{}, error) {
	p, err := m.GetPool(tenantID)
	if err != nil {
		return nil, err
	}

	conn, err := m.acquire(ctx, p)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	start := m.clock.Now()
	defer func() {
		elapsed := m.clock.Now().Sub(start)
		if elapsed > m.opts.SlowQuery {
			log.Printf("[Pool] Slow query for tenant %s (%s): %.60s", tenantID, elapsed, query)
		}
		p.queryCount.Add(1)
		p.recentCount.Add(1)
		p.touch(m.clock.Now())
	}()

	if err := setTenant(ctx, conn, tenantID); err != nil {
		m.failures.Add(1)
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		m.failures.Add(1)
		return nil, fmt.Errorf("query failed for tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	return scanRows(rows)
}

// BatchExecute runs the statements in one transaction on one connection. The
// connection is held for the full batch; any failure rolls everything back.
func (m *Manager) BatchExecute(ctx context.Context, tenantID string, statements []Statement) error {
	p, err := m.GetPool(tenantID)
	if err != nil {
		return err
	}

	conn, err := m.acquire(ctx, p)
	if err != nil {
		return err
	}
	defer conn.Close()

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	defer func() {
		p.queryCount.Add(int64(len(statements)))
		p.recentCount.Add(int64(len(statements)))
		p.touch(m.clock.Now())
	}()

	if err := setTenant(ctx, conn, tenantID); err != nil {
		m.failures.Add(1)
		return err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		m.failures.Add(1)
		return fmt.Errorf("begin failed for tenant %s: %w", tenantID, err)
	}

	for _, st := range statements {
		if _, err := tx.ExecContext(ctx, st.Query, st.Args...); err != nil {
			_ = tx.Rollback()
			m.failures.Add(1)
			return fmt.Errorf("batch statement failed for tenant %s: %w", tenantID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		m.failures.Add(1)
		return fmt.Errorf("commit failed for tenant %s: %w", tenantID, err)
	}
	return nil
}

func (m *Manager) acquire(ctx context.Context, p *TenantPool) (*sql.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, m.opts.AcquireTimeout)
	defer cancel()

	conn, err := p.db.Conn(acquireCtx)
	if err != nil {
		m.failures.Add(1)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: tenant %s", ErrPoolExhausted, p.tenantID)
		}
		return nil, fmt.Errorf("connection acquire failed for tenant %s: %w", p.tenantID, err)
	}
	return conn, nil
}

func setTenant(ctx context.Context, conn *sql.Conn, tenantID string) error {
	if _, err := conn.ExecContext(ctx, `SELECT set_config('app.current_tenant', $1, false)`, tenantID); err != nil {
		return fmt.Errorf("failed to set tenant session for %s: %w", tenantID, err)
	}
	return nil
}

func scanRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns failed: %w", err)
	}

	var out []map[string]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Sweep runs one idle-sweep pass: pools with no in-flight work, no queries
// since the previous pass, and idle duration past the threshold are closed.
func (m *Manager) Sweep() {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range m.pools {
		recent := p.recentCount.Swap(0)
		if recent != 0 || p.inFlight.Load() != 0 {
			continue
		}
		if now.Sub(p.lastActive()) > m.opts.IdleThreshold {
			m.removeLocked(id, "idle sweep")
		}
	}
	m.publishGaugesLocked()
}

// StartSweeper runs the idle sweep on the configured interval until ctx ends.
func (m *Manager) StartSweeper(ctx context.Context) {
	ticker := m.clock.Ticker(m.opts.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// HealthCheck samples one live pool with a trivial query and aggregates
// statistics. A failed sample becomes an issue in the report, not an error.
func (m *Manager) HealthCheck(ctx context.Context) Health {
	h := Health{Healthy: true}

	m.mu.RLock()
	var sample *TenantPool
	for _, p := range m.pools {
		dbStats := p.db.Stats()
		h.Pools++
		h.OpenConns += dbStats.OpenConnections
		h.IdleConns += dbStats.Idle
		h.TotalQueries += p.queryCount.Load()
		if sample == nil {
			sample = p
		}
	}
	m.mu.RUnlock()

	if sample != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := sample.db.PingContext(pingCtx); err != nil {
			m.failures.Add(1)
			h.Healthy = false
			h.Issues = append(h.Issues, fmt.Sprintf("liveness sample failed for tenant %s: %v", sample.tenantID, err))
		}
	}

	h.Failures = m.failures.Load()
	return h
}

// Stats snapshots every live pool plus manager-level counters.
func (m *Manager) Stats() map[string]PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]PoolStats, len(m.pools))
	for id, p := range m.pools {
		out[id] = p.stats()
	}
	return out
}

// TotalQueries sums cumulative query counts across live pools.
func (m *Manager) TotalQueries() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, p := range m.pools {
		total += p.queryCount.Load()
	}
	return total
}

// TrackedConnections sums tracked connections across live pools.
func (m *Manager) TrackedConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, p := range m.pools {
		total += p.tracked
	}
	return total
}

// PoolCount returns the number of live pools.
func (m *Manager) PoolCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pools)
}

// Failures returns the cumulative pool-level failure count.
func (m *Manager) Failures() int64 {
	return m.failures.Load()
}

// CloseAll closes and removes every pool. Used by the admin cache clear.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.pools {
		m.removeLocked(id, "close all")
	}
	m.publishGaugesLocked()
}

func (m *Manager) publishGaugesLocked() {
	metrics.ActivePools.Set(float64(len(m.pools)))
	total := 0
	for _, p := range m.pools {
		total += p.tracked
	}
	metrics.TrackedConnections.Set(float64(total))
}
