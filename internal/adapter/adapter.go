// Package adapter defines the contract every storage backend implements.
//
// The client only ever talks to backends through Adapter; swapping Redis for
// SQLite or for the in-memory store changes nothing above this line.
package adapter

import (
	"context"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/query"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/record"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/value"
)

// Adapter is a tenant-scoped document store.
//
// Every method filters by tenant inside the store and checks the tenant of
// each record again before returning it. Native failures are translated into
// dberr kinds; a missing record is reported as dberr.ErrNotFound.
//
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Name identifies the adapter in errors, logs and spans.
	Name() string

	// Create stores a new record under id and returns it with its
	// timestamps. An empty id is replaced by a generated one. An id that is
	// already stored fails with a Validation error wrapping dberr.ErrExists.
	Create(ctx context.Context, collection string, tenant record.TenantScope, id string, fields value.Fields) (record.Record, error)

	// Get returns one record, or dberr.ErrNotFound.
	Get(ctx context.Context, collection string, tenant record.TenantScope, id string) (record.Record, error)

	// Update merges partial into an existing record and returns the result,
	// or dberr.ErrNotFound.
	Update(ctx context.Context, collection string, tenant record.TenantScope, id string, partial value.Fields) (record.Record, error)

	// Delete removes a record and reports whether it existed.
	Delete(ctx context.Context, collection string, tenant record.TenantScope, id string) (bool, error)

	// Query returns a lazy, finite, non-restartable cursor over matching
	// records. The caller must Close it.
	Query(ctx context.Context, collection string, tenant record.TenantScope, spec query.Spec) (record.Cursor, error)

	// Batch applies ops for one tenant, all or nothing where the store
	// allows it. An update or delete of a missing record fails the batch
	// with dberr.ErrNotFound.
	Batch(ctx context.Context, tenant record.TenantScope, ops []record.Operation) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

var _ query.Executor = Adapter(nil)
