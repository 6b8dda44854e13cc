package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sheet-image-republisher/internal/batch"
	"github.com/JakeFAU/sheet-image-republisher/internal/settings"
)

func TestStoreLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New(settings.Defaults{Workers: 2, Threads: 8, RetentionDays: 30})

	require.NoError(t, store.Create(ctx, batch.Batch{ID: "b1", Status: batch.StatusQueued}))
	require.NoError(t, store.Create(ctx, batch.Batch{ID: "b2", Status: batch.StatusQueued}))
	require.NoError(t, store.Update(ctx, "b1", batch.WithStatus(batch.StatusProcessing)))

	got, err := store.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusProcessing, got.Status)

	ids, err := store.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b2", "b1"}, ids)

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, batch.ErrNotFound)
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New(settings.Defaults{Workers: 2, Threads: 8, RetentionDays: 30})

	seeded, err := store.SeedDesiredWorkers(ctx, 3)
	require.NoError(t, err)
	assert.True(t, seeded)
	require.NoError(t, store.SetThreadsPerBatch(ctx, 4))

	snap, err := settings.Read(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, settings.Snapshot{DesiredWorkers: 3, ThreadsPerBatch: 4, RetentionDays: 30}, snap)
}

func TestPurgeRequestsCoalesce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New(settings.Defaults{})
	for range 5 {
		require.NoError(t, store.RequestPurge(ctx, "auto"))
	}

	woke, err := store.WaitPurgeRequest(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, woke)

	n, err := store.DrainPurgeRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	woke, err = store.WaitPurgeRequest(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, woke)
}
