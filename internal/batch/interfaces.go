package batch

import (
	"context"
	"time"
)

// StateStore persists batch records. Implementations must be safe for use by
// several processes at once; individual writes are atomic, multi-field writes
// are not transactional.
type StateStore interface {
	Create(ctx context.Context, b Batch) error
	Update(ctx context.Context, id string, fields Fields) error
	Get(ctx context.Context, id string) (Batch, error)
	ListRecent(ctx context.Context, n int) ([]string, error)
}

// CancelFlags tracks advisory cancellation requests.
type CancelFlags interface {
	SetCancel(ctx context.Context, id string) error
	IsCancelled(ctx context.Context, id string) (bool, error)
}

// ErrorLog is the side channel for per-cell pipeline failures.
type ErrorLog interface {
	AppendErrors(ctx context.Context, id string, errs []CellError) error
	ListErrors(ctx context.Context, id string) ([]CellError, error)
}

// Enqueuer schedules a batch for processing by a worker.
type Enqueuer interface {
	EnqueueBatch(ctx context.Context, id string) error
}

// PurgeRequester signals that a purge pass should run.
type PurgeRequester interface {
	RequestPurge(ctx context.Context, reason string) error
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Ledger records the outcome of every processed cell.
type Ledger interface {
	RecordImages(ctx context.Context, id string, rows []LedgerRow) error
}

// LedgerRow is one processed cell. ContentHash is the digest of the stored
// JPEG and is empty on failure.
type LedgerRow struct {
	Cell        CellRef
	SourceURL   string
	ServedURL   string
	Error       string
	ContentHash string
	At          time.Time
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces batch IDs.
type IDGenerator interface {
	NewID() (string, error)
}
