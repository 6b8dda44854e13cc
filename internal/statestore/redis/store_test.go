package redisstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sheet-image-republisher/internal/batch"
	"github.com/JakeFAU/sheet-image-republisher/internal/settings"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, settings.Defaults{Workers: 2, Threads: 8, RetentionDays: 30}), mr
}

func TestCreateGetUpdate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, mr := newTestStore(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, batch.Batch{
		ID:               "aaaaaaaaaaaa",
		Status:           batch.StatusQueued,
		CreatedAt:        created,
		OriginalFilename: "pics.xlsx",
		Mode:             batch.ModeA,
	}))

	assert.Equal(t, "queued", mr.HGet("batch:aaaaaaaaaaaa", "status"))
	assert.Equal(t, "0", mr.HGet("batch:aaaaaaaaaaaa", "deleted"))
	assert.Equal(t, "0", mr.HGet("batch:aaaaaaaaaaaa", "result_zip"))

	total, processed := 5, 2
	require.NoError(t, store.Update(ctx, "aaaaaaaaaaaa", batch.Fields{Total: &total, Processed: &processed}))

	got, err := store.Get(ctx, "aaaaaaaaaaaa")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusQueued, got.Status)
	assert.Equal(t, 5, got.Total)
	assert.Equal(t, 2, got.Processed)
	assert.Equal(t, "pics.xlsx", got.OriginalFilename)
	assert.Equal(t, batch.ModeA, got.Mode)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.False(t, got.Deleted)
}

func TestGetMissing(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, batch.ErrNotFound)
	require.ErrorIs(t, store.Update(context.Background(), "nope", batch.WithStatus(batch.StatusDone)), batch.ErrNotFound)
}

func TestDecodeToleratesBadValues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, mr := newTestStore(t)
	mr.HSet("batch:legacy", "status", "done", "created_at", "yesterday", "processed", "x", "deleted", "true")

	got, err := store.Get(ctx, "legacy")
	require.NoError(t, err)
	assert.Equal(t, "legacy", got.ID)
	assert.True(t, got.CreatedAt.IsZero())
	assert.Equal(t, 0, got.Processed)
	assert.False(t, got.Deleted, "only the literal 1 means deleted")
}

func TestListRecentOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t)
	for i := range 3 {
		require.NoError(t, store.Create(ctx, batch.Batch{ID: fmt.Sprintf("b%d", i), Status: batch.StatusQueued}))
	}

	ids, err := store.ListRecent(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b2", "b1"}, ids)

	ids, err = store.ListRecent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCancelFlag(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, mr := newTestStore(t)

	cancelled, err := store.IsCancelled(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, store.SetCancel(ctx, "b1"))
	cancelled, err = store.IsCancelled(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.True(t, mr.Exists("batch:b1:cancel"))
}

func TestErrorLogCapped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t)

	first := []batch.CellError{{Cell: batch.CellRef{Row: 2, Column: 1}, URL: "http://x", Error: "boom"}}
	require.NoError(t, store.AppendErrors(ctx, "b1", first))

	many := make([]batch.CellError, MaxErrorsPerBatch+10)
	for i := range many {
		many[i] = batch.CellError{Cell: batch.CellRef{Row: i + 3, Column: 1}, Error: "e"}
	}
	require.NoError(t, store.AppendErrors(ctx, "b1", many))

	got, err := store.ListErrors(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, got, MaxErrorsPerBatch)
	assert.Equal(t, first[0], got[0])

	require.NoError(t, store.ClearErrors(ctx, "b1"))
	got, err = store.ListErrors(ctx, "b1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPurgeRequests(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t)

	woke, err := store.WaitPurgeRequest(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, woke)

	require.NoError(t, store.RequestPurge(ctx, "auto"))
	require.NoError(t, store.RequestPurge(ctx, "auto"))
	require.NoError(t, store.RequestPurge(ctx, "admin"))

	woke, err = store.WaitPurgeRequest(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, woke)

	n, err := store.DrainPurgeRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.DrainPurgeRequests(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
