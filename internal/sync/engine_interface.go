// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"

	"github.com/kimhsiao/bizsync/internal/models"
	"github.com/kimhsiao/bizsync/internal/sync/bootstrap"
	"github.com/kimhsiao/bizsync/internal/sync/processor"
	"github.com/kimhsiao/bizsync/internal/sync/stats"
)

// EngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type EngineInterface interface {
	// Init recovers interrupted work and starts background syncing.
	Init(ctx context.Context) error

	// Shutdown stops background syncing and waits for an in-flight run.
	Shutdown()

	// Apply changes local state optimistically and queues the change for the remote store.
	Apply(ctx context.Context, m Mutation) (*models.ActionRecord, error)

	// SyncNow drains the queue once and returns the run summary.
	SyncNow(ctx context.Context) (processor.RunResult, error)

	// Status returns a snapshot of the engine.
	Status(ctx context.Context) (*Status, error)

	// Bootstrap performs the initial sync of a session.
	Bootstrap(ctx context.Context, sessionID string) (*bootstrap.Result, error)

	// Subscribe registers a queue stats observer.
	Subscribe(cb stats.Callback) func()

	// Stats returns the latest published queue stats.
	Stats() models.QueueStats

	// ListFailed returns the records that need manual attention.
	ListFailed(ctx context.Context) ([]*models.ActionRecord, error)

	// Retry re-queues one failed record.
	Retry(ctx context.Context, id string) (*models.ActionRecord, error)

	// RetryAll re-queues every failed record.
	RetryAll(ctx context.Context) (int, error)

	// Discard removes a failed record without replaying it.
	Discard(ctx context.Context, id string) error
}

// Ensure *Engine implements EngineInterface at compile time.
var _ EngineInterface = (*Engine)(nil)
