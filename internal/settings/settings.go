// Package settings exposes the runtime-tunable values shared by the API,
// supervisor, workers and purge listener. Values are read on every use.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Redis keys holding the runtime values.
const (
	KeyDesiredWorkers  = "workers:desired"
	KeyThreadsPerBatch = "threads:per_worker"
	KeyRetentionDays   = "retention_days"
	KeyAutoPurge       = "auto_purge_enabled"
)

// ErrInvalidValue is returned by setters for out-of-range values.
var ErrInvalidValue = errors.New("invalid setting value")

// Defaults are used whenever a value has never been set.
type Defaults struct {
	Workers       int
	Threads       int
	RetentionDays int
	AutoPurge     bool
}

// Store reads and writes runtime settings.
type Store interface {
	DesiredWorkers(ctx context.Context) (int, error)
	SetDesiredWorkers(ctx context.Context, n int) error
	// SeedDesiredWorkers stores n only when no value exists yet.
	SeedDesiredWorkers(ctx context.Context, n int) (bool, error)
	ThreadsPerBatch(ctx context.Context) (int, error)
	SetThreadsPerBatch(ctx context.Context, n int) error
	RetentionDays(ctx context.Context) (int, error)
	SetRetentionDays(ctx context.Context, days int) error
	AutoPurge(ctx context.Context) (bool, error)
	SetAutoPurge(ctx context.Context, enabled bool) error
}

// Snapshot is a point-in-time copy of every setting.
type Snapshot struct {
	DesiredWorkers  int  `json:"workers_desired"`
	ThreadsPerBatch int  `json:"threads_per_worker"`
	RetentionDays   int  `json:"retention_days"`
	AutoPurge       bool `json:"auto_purge_enabled"`
}

// Read collects a Snapshot from s.
func Read(ctx context.Context, s Store) (Snapshot, error) {
	var (
		snap Snapshot
		err  error
	)
	if snap.DesiredWorkers, err = s.DesiredWorkers(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.ThreadsPerBatch, err = s.ThreadsPerBatch(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.RetentionDays, err = s.RetentionDays(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.AutoPurge, err = s.AutoPurge(ctx); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// ParseBoolFlag reports whether raw is one of 1, true, yes or on (any case).
func ParseBoolFlag(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// FormatBool is the stored representation of a flag.
func FormatBool(v bool) string {
	return strconv.FormatBool(v)
}

// ParseInt parses a stored count, falling back to def for empty or malformed values.
func ParseInt(raw string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return n
}

// ValidateWorkers rejects negative worker counts. Zero parks the pool.
func ValidateWorkers(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: workers must be >= 0, got %d", ErrInvalidValue, n)
	}
	return nil
}

// ValidateThreads rejects thread counts below one.
func ValidateThreads(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: threads must be >= 1, got %d", ErrInvalidValue, n)
	}
	return nil
}

// ValidateRetention rejects retention windows below one day.
func ValidateRetention(days int) error {
	if days < 1 {
		return fmt.Errorf("%w: retention must be >= 1 day, got %d", ErrInvalidValue, days)
	}
	return nil
}
