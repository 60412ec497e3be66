package store

import (
	"context"

	"github.com/tbourn/go-reminder-worker/internal/domain"
)

// Backend is one storage engine behind the Durable Store.
//
// Implementations return ErrNotFound from Get when the id is absent and
// treat Delete of a missing id as success. Any other error means the
// backend could not serve the call.
type Backend interface {
	// Name identifies the backend in logs, errors and metrics.
	Name() string
	// Open prepares the backend (create files/tables). It may be called
	// again after Close.
	Open(ctx context.Context) error
	// Close releases resources held by the backend.
	Close() error

	Put(ctx context.Context, rec domain.ScheduledNotification) error
	Get(ctx context.Context, id string) (*domain.ScheduledNotification, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]domain.ScheduledNotification, error)
}

// Tombstoner is implemented by fallback backends that can remember ids whose
// delete did not reach the primary. The store replays them against the
// primary on the next healthy Open and hides primary copies until then.
type Tombstoner interface {
	AddTombstone(ctx context.Context, id string) error
	ClearTombstones(ctx context.Context, ids ...string) error
	Tombstones(ctx context.Context) ([]string, error)
}
