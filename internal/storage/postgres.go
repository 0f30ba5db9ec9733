// internal/storage/postgres.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"tenant-gateway/internal/model"
)

// ErrTenantNotFound is returned by Lookup when no tenant matches the key.
var ErrTenantNotFound = errors.New("tenant not found")

// Storage is the control-plane database: the tenant directory and the
// analytics event table. Per-tenant query traffic goes through the pool
// manager, not through here.
type Storage struct {
	DB *sql.DB
}

func NewStorage(dsn string) (*Storage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	return &Storage{DB: db}, nil
}

// Lookup resolves a subdomain key to a tenant descriptor. Only the directory
// row is consulted; status filtering is the caller's concern.
func (s *Storage) Lookup(ctx context.Context, key string) (*model.TenantDescriptor, error) {
	var t model.TenantDescriptor
	var cfg sql.NullString
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, subdomain, status, config, created_at
		FROM tenants
		WHERE subdomain = $1
	`, key).Scan(&t.ID, &t.Subdomain, &t.Status, &cfg, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tenant lookup failed: %w", err)
	}
	t.Config = cfg.String
	return &t, nil
}

func (s *Storage) CreateTenant(id uuid.UUID, subdomain string) error {
	_, err := s.DB.Exec(`
		INSERT INTO tenants (id, subdomain, status)
		VALUES ($1, $2, 'active')
		ON CONFLICT DO NOTHING
	`, id, subdomain)
	return err
}

func (s *Storage) DeleteTenant(id uuid.UUID) error {
	_, err := s.DB.Exec(`DELETE FROM tenants WHERE id = $1`, id)
	return err
}

func (s *Storage) ListTenants() ([]model.TenantDescriptor, error) {
	rows, err := s.DB.Query(`SELECT id, subdomain, status, created_at FROM tenants`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []model.TenantDescriptor
	for rows.Next() {
		var t model.TenantDescriptor
		if err := rows.Scan(&t.ID, &t.Subdomain, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// InsertRequestEvent stores one analytics record drained from the event queue.
func (s *Storage) InsertRequestEvent(e *model.RequestEvent) error {
	_, err := s.DB.Exec(`
		INSERT INTO request_events (request_id, tenant_id, route, method, status, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.RequestID, e.TenantID, e.Route, e.Method, e.Status, e.DurationMS, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert request event: %w", err)
	}
	return nil
}
