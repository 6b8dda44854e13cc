// Package redisstore keeps batch records, runtime settings, cancel flags, the
// per-batch error list and purge requests in Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/sheet-image-republisher/internal/batch"
	"github.com/JakeFAU/sheet-image-republisher/internal/settings"
)

const (
	indexKey        = "batches:index"
	purgeRequestKey = "purge:requests"

	// MaxErrorsPerBatch caps the per-batch error list.
	MaxErrorsPerBatch = 1000
)

// Store implements batch.StateStore, batch.CancelFlags, batch.ErrorLog,
// batch.PurgeRequester and settings.Store on a single Redis client.
type Store struct {
	client   redis.UniversalClient
	defaults settings.Defaults
}

var (
	_ batch.StateStore     = (*Store)(nil)
	_ batch.CancelFlags    = (*Store)(nil)
	_ batch.ErrorLog       = (*Store)(nil)
	_ batch.PurgeRequester = (*Store)(nil)
	_ settings.Store       = (*Store)(nil)
)

// New wraps an existing client.
func New(client redis.UniversalClient, defaults settings.Defaults) *Store {
	return &Store{client: client, defaults: defaults}
}

func batchKey(id string) string  { return "batch:" + id }
func cancelKey(id string) string { return "batch:" + id + ":cancel" }
func errorsKey(id string) string { return "batch:" + id + ":errors" }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Create writes the initial record and pushes the id onto the recent index.
func (s *Store) Create(ctx context.Context, b batch.Batch) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, batchKey(b.ID), encode(b))
		pipe.LPush(ctx, indexKey, b.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create batch %s: %w", b.ID, err)
	}
	return nil
}

// Update merges the non-nil fields into the record.
func (s *Store) Update(ctx context.Context, id string, fields batch.Fields) error {
	if fields.Empty() {
		return nil
	}
	n, err := s.client.Exists(ctx, batchKey(id)).Result()
	if err != nil {
		return fmt.Errorf("update batch %s: %w", id, err)
	}
	if n == 0 {
		return batch.ErrNotFound
	}
	if err := s.client.HSet(ctx, batchKey(id), encodeFields(fields)).Err(); err != nil {
		return fmt.Errorf("update batch %s: %w", id, err)
	}
	return nil
}

// Get loads one record.
func (s *Store) Get(ctx context.Context, id string) (batch.Batch, error) {
	values, err := s.client.HGetAll(ctx, batchKey(id)).Result()
	if err != nil {
		return batch.Batch{}, fmt.Errorf("get batch %s: %w", id, err)
	}
	if len(values) == 0 {
		return batch.Batch{}, batch.ErrNotFound
	}
	b := decode(values)
	if b.ID == "" {
		b.ID = id
	}
	return b, nil
}

// ListRecent returns up to n ids, most recently created first.
func (s *Store) ListRecent(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	ids, err := s.client.LRange(ctx, indexKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return ids, nil
}

// SetCancel raises the cancel flag for a batch.
func (s *Store) SetCancel(ctx context.Context, id string) error {
	if err := s.client.Set(ctx, cancelKey(id), "1", 0).Err(); err != nil {
		return fmt.Errorf("set cancel %s: %w", id, err)
	}
	return nil
}

// IsCancelled reports whether the cancel flag is raised.
func (s *Store) IsCancelled(ctx context.Context, id string) (bool, error) {
	v, err := s.client.Get(ctx, cancelKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get cancel %s: %w", id, err)
	}
	return v == "1", nil
}

// AppendErrors appends per-cell failures, keeping at most MaxErrorsPerBatch.
func (s *Store) AppendErrors(ctx context.Context, id string, errs []batch.CellError) error {
	if len(errs) == 0 {
		return nil
	}
	values := make([]any, 0, len(errs))
	for _, e := range errs {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal cell error: %w", err)
		}
		values = append(values, raw)
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, errorsKey(id), values...)
		pipe.LTrim(ctx, errorsKey(id), 0, MaxErrorsPerBatch-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append errors %s: %w", id, err)
	}
	return nil
}

// ListErrors returns the recorded per-cell failures.
func (s *Store) ListErrors(ctx context.Context, id string) ([]batch.CellError, error) {
	raw, err := s.client.LRange(ctx, errorsKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list errors %s: %w", id, err)
	}
	out := make([]batch.CellError, 0, len(raw))
	for _, item := range raw {
		var e batch.CellError
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ClearErrors drops the error list, used when a batch is deleted.
func (s *Store) ClearErrors(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, errorsKey(id), cancelKey(id)).Err(); err != nil {
		return fmt.Errorf("clear errors %s: %w", id, err)
	}
	return nil
}

// RequestPurge queues a purge request.
func (s *Store) RequestPurge(ctx context.Context, reason string) error {
	if err := s.client.RPush(ctx, purgeRequestKey, reason).Err(); err != nil {
		return fmt.Errorf("request purge: %w", err)
	}
	return nil
}

// WaitPurgeRequest blocks up to timeout for a purge request.
func (s *Store) WaitPurgeRequest(ctx context.Context, timeout time.Duration) (bool, error) {
	_, err := s.client.BLPop(ctx, timeout, purgeRequestKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("wait purge request: %w", err)
	}
	return true, nil
}

// DrainPurgeRequests discards queued requests and reports how many there were.
func (s *Store) DrainPurgeRequests(ctx context.Context) (int, error) {
	var llen *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		llen = pipe.LLen(ctx, purgeRequestKey)
		pipe.Del(ctx, purgeRequestKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("drain purge requests: %w", err)
	}
	return int(llen.Val()), nil
}

func encode(b batch.Batch) map[string]any {
	return map[string]any{
		"id":                b.ID,
		"status":            string(b.Status),
		"processed":         strconv.Itoa(b.Processed),
		"total":             strconv.Itoa(b.Total),
		"created_at":        b.CreatedAt.UTC().Format(time.RFC3339Nano),
		"original_filename": b.OriginalFilename,
		"mode":              string(b.Mode),
		"deleted":           flag(b.Deleted),
		"result_zip":        flag(b.ResultReady),
	}
}

func encodeFields(f batch.Fields) map[string]any {
	out := make(map[string]any, 5)
	if f.Status != nil {
		out["status"] = string(*f.Status)
	}
	if f.Processed != nil {
		out["processed"] = strconv.Itoa(*f.Processed)
	}
	if f.Total != nil {
		out["total"] = strconv.Itoa(*f.Total)
	}
	if f.Deleted != nil {
		out["deleted"] = flag(*f.Deleted)
	}
	if f.ResultReady != nil {
		out["result_zip"] = flag(*f.ResultReady)
	}
	return out
}

func decode(values map[string]string) batch.Batch {
	b := batch.Batch{
		ID:               values["id"],
		Status:           batch.Status(values["status"]),
		Processed:        settings.ParseInt(values["processed"], 0),
		Total:            settings.ParseInt(values["total"], 0),
		OriginalFilename: values["original_filename"],
		Mode:             batch.Mode(values["mode"]),
		Deleted:          values["deleted"] == "1",
		ResultReady:      values["result_zip"] == "1",
	}
	// An unparseable timestamp is left zero; purge treats that as ineligible.
	if ts, err := time.Parse(time.RFC3339Nano, values["created_at"]); err == nil {
		b.CreatedAt = ts
	}
	return b
}

func flag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
