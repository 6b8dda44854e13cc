package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/sheet-image-republisher/internal/settings"
)

// DesiredWorkers returns the target worker-process count.
func (s *Store) DesiredWorkers(ctx context.Context) (int, error) {
	return s.getInt(ctx, settings.KeyDesiredWorkers, s.defaults.Workers)
}

// SetDesiredWorkers stores the target worker-process count.
func (s *Store) SetDesiredWorkers(ctx context.Context, n int) error {
	if err := settings.ValidateWorkers(n); err != nil {
		return err
	}
	return s.set(ctx, settings.KeyDesiredWorkers, strconv.Itoa(n))
}

// SeedDesiredWorkers writes n only when the key is unset.
func (s *Store) SeedDesiredWorkers(ctx context.Context, n int) (bool, error) {
	ok, err := s.client.SetNX(ctx, settings.KeyDesiredWorkers, strconv.Itoa(n), 0).Result()
	if err != nil {
		return false, fmt.Errorf("seed %s: %w", settings.KeyDesiredWorkers, err)
	}
	return ok, nil
}

// ThreadsPerBatch returns the per-batch fetch concurrency.
func (s *Store) ThreadsPerBatch(ctx context.Context) (int, error) {
	return s.getInt(ctx, settings.KeyThreadsPerBatch, s.defaults.Threads)
}

// SetThreadsPerBatch stores the per-batch fetch concurrency.
func (s *Store) SetThreadsPerBatch(ctx context.Context, n int) error {
	if err := settings.ValidateThreads(n); err != nil {
		return err
	}
	return s.set(ctx, settings.KeyThreadsPerBatch, strconv.Itoa(n))
}

// RetentionDays returns the purge retention window.
func (s *Store) RetentionDays(ctx context.Context) (int, error) {
	return s.getInt(ctx, settings.KeyRetentionDays, s.defaults.RetentionDays)
}

// SetRetentionDays stores the purge retention window.
func (s *Store) SetRetentionDays(ctx context.Context, days int) error {
	if err := settings.ValidateRetention(days); err != nil {
		return err
	}
	return s.set(ctx, settings.KeyRetentionDays, strconv.Itoa(days))
}

// AutoPurge reports whether the supervisor should request purges each tick.
func (s *Store) AutoPurge(ctx context.Context) (bool, error) {
	raw, ok, err := s.get(ctx, settings.KeyAutoPurge)
	if err != nil || !ok {
		return s.defaults.AutoPurge, err
	}
	return settings.ParseBoolFlag(raw), nil
}

// SetAutoPurge toggles automatic purge requests.
func (s *Store) SetAutoPurge(ctx context.Context, enabled bool) error {
	return s.set(ctx, settings.KeyAutoPurge, settings.FormatBool(enabled))
}

func (s *Store) getInt(ctx context.Context, key string, def int) (int, error) {
	raw, ok, err := s.get(ctx, key)
	if err != nil || !ok {
		return def, err
	}
	return settings.ParseInt(raw, def), nil
}

func (s *Store) get(ctx context.Context, key string) (string, bool, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return raw, true, nil
}

func (s *Store) set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
