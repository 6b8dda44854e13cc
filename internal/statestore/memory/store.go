// Package memory is an in-process implementation of the batch state store,
// runtime settings and purge request queue, used by tests and single-process runs.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/sheet-image-republisher/internal/batch"
	"github.com/JakeFAU/sheet-image-republisher/internal/settings"
)

const maxErrorsPerBatch = 1000

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	mu        sync.RWMutex
	defaults  settings.Defaults
	records   map[string]batch.Batch
	index     []string
	cancelled map[string]bool
	errs      map[string][]batch.CellError
	values    map[string]string

	purge chan string
}

// New creates an empty Store.
func New(defaults settings.Defaults) *Store {
	return &Store{
		defaults:  defaults,
		records:   make(map[string]batch.Batch),
		cancelled: make(map[string]bool),
		errs:      make(map[string][]batch.CellError),
		values:    make(map[string]string),
		purge:     make(chan string, 64),
	}
}

// Create stores the record and prepends it to the recent index.
func (s *Store) Create(_ context.Context, b batch.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[b.ID] = b
	s.index = append([]string{b.ID}, s.index...)
	return nil
}

// Update merges fields into an existing record.
func (s *Store) Update(_ context.Context, id string, fields batch.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.records[id]
	if !ok {
		return batch.ErrNotFound
	}
	s.records[id] = fields.Apply(b)
	return nil
}

// Get returns a record.
func (s *Store) Get(_ context.Context, id string) (batch.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.records[id]
	if !ok {
		return batch.Batch{}, batch.ErrNotFound
	}
	return b, nil
}

// ListRecent returns up to n ids, newest first.
func (s *Store) ListRecent(_ context.Context, n int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 {
		return nil, nil
	}
	return slices.Clone(s.index[:min(n, len(s.index))]), nil
}

// SetCancel raises the cancel flag.
func (s *Store) SetCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[id] = true
	return nil
}

// IsCancelled reports the cancel flag.
func (s *Store) IsCancelled(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancelled[id], nil
}

// AppendErrors records per-cell failures.
func (s *Store) AppendErrors(_ context.Context, id string, errs []batch.CellError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.errs[id], errs...)
	if len(list) > maxErrorsPerBatch {
		list = list[:maxErrorsPerBatch]
	}
	s.errs[id] = list
	return nil
}

// ListErrors returns the recorded failures.
func (s *Store) ListErrors(_ context.Context, id string) ([]batch.CellError, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.errs[id]), nil
}

// ClearErrors drops the error list and cancel flag.
func (s *Store) ClearErrors(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.errs, id)
	delete(s.cancelled, id)
	return nil
}

// RequestPurge queues a request; a full queue already guarantees a pending pass.
func (s *Store) RequestPurge(_ context.Context, reason string) error {
	select {
	case s.purge <- reason:
	default:
	}
	return nil
}

// WaitPurgeRequest blocks up to timeout for a request.
func (s *Store) WaitPurgeRequest(ctx context.Context, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.purge:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// DrainPurgeRequests discards queued requests.
func (s *Store) DrainPurgeRequests(context.Context) (int, error) {
	n := 0
	for {
		select {
		case <-s.purge:
			n++
		default:
			return n, nil
		}
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }
