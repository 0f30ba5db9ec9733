// internal/gateway/executor.go
package gateway

import (
	"context"

	"tenant-gateway/internal/pool"
)

// tenantExecutor binds the pool manager to one tenant id for the lifetime of
// a request. No connection is held until the handler actually queries.
type tenantExecutor struct {
	manager  *pool.Manager
	tenantID string
}

func (e *tenantExecutor) Query(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	return e.manager.ExecuteQuery(ctx, e.tenantID, query, args...)
}

func (e *tenantExecutor) Batch(ctx context.Context, statements []pool.Statement) error {
	return e.manager.BatchExecute(ctx, e.tenantID, statements)
}
