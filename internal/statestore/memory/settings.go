package memory

import (
	"context"
	"strconv"

	"github.com/JakeFAU/sheet-image-republisher/internal/settings"
)

// DesiredWorkers returns the target worker-process count.
func (s *Store) DesiredWorkers(context.Context) (int, error) {
	return s.getInt(settings.KeyDesiredWorkers, s.defaults.Workers), nil
}

// SetDesiredWorkers stores the target worker-process count.
func (s *Store) SetDesiredWorkers(_ context.Context, n int) error {
	if err := settings.ValidateWorkers(n); err != nil {
		return err
	}
	s.set(settings.KeyDesiredWorkers, strconv.Itoa(n))
	return nil
}

// SeedDesiredWorkers writes n only when unset.
func (s *Store) SeedDesiredWorkers(_ context.Context, n int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[settings.KeyDesiredWorkers]; ok {
		return false, nil
	}
	s.values[settings.KeyDesiredWorkers] = strconv.Itoa(n)
	return true, nil
}

// ThreadsPerBatch returns the per-batch fetch concurrency.
func (s *Store) ThreadsPerBatch(context.Context) (int, error) {
	return s.getInt(settings.KeyThreadsPerBatch, s.defaults.Threads), nil
}

// SetThreadsPerBatch stores the per-batch fetch concurrency.
func (s *Store) SetThreadsPerBatch(_ context.Context, n int) error {
	if err := settings.ValidateThreads(n); err != nil {
		return err
	}
	s.set(settings.KeyThreadsPerBatch, strconv.Itoa(n))
	return nil
}

// RetentionDays returns the purge retention window.
func (s *Store) RetentionDays(context.Context) (int, error) {
	return s.getInt(settings.KeyRetentionDays, s.defaults.RetentionDays), nil
}

// SetRetentionDays stores the purge retention window.
func (s *Store) SetRetentionDays(_ context.Context, days int) error {
	if err := settings.ValidateRetention(days); err != nil {
		return err
	}
	s.set(settings.KeyRetentionDays, strconv.Itoa(days))
	return nil
}

// AutoPurge reports the auto-purge flag.
func (s *Store) AutoPurge(context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.values[settings.KeyAutoPurge]
	if !ok {
		return s.defaults.AutoPurge, nil
	}
	return settings.ParseBoolFlag(raw), nil
}

// SetAutoPurge toggles the auto-purge flag.
func (s *Store) SetAutoPurge(_ context.Context, enabled bool) error {
	s.set(settings.KeyAutoPurge, settings.FormatBool(enabled))
	return nil
}

func (s *Store) getInt(key string, def int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.values[key]
	if !ok {
		return def
	}
	return settings.ParseInt(raw, def)
}

func (s *Store) set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}
