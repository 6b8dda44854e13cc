package batch

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change violates the lifecycle.
var ErrInvalidTransition = errors.New("invalid status transition")

// Transition reads the current record, checks the move to the target status
// and writes the status together with any extra fields. The read and the write
// are separate store operations.
func Transition(ctx context.Context, store StateStore, id string, to Status, extra Fields) (Batch, error) {
	current, err := store.Get(ctx, id)
	if err != nil {
		return Batch{}, err
	}
	if !CanTransition(current.Status, to) {
		return current, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
	}
	extra.Status = &to
	if err := store.Update(ctx, id, extra); err != nil {
		return current, fmt.Errorf("update %s: %w", id, err)
	}
	return extra.Apply(current), nil
}
