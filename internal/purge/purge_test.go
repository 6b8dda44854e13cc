package purge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sheet-image-republisher/internal/batch"
	"github.com/JakeFAU/sheet-image-republisher/internal/settings"
	statememory "github.com/JakeFAU/sheet-image-republisher/internal/statestore/memory"
	"github.com/JakeFAU/sheet-image-republisher/internal/storage"
	blobmemory "github.com/JakeFAU/sheet-image-republisher/internal/storage/memory"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

var now = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Purger, *statememory.Store, *storage.Artifacts) {
	t.Helper()
	store := statememory.New(settings.Defaults{RetentionDays: 30})
	artifacts := storage.NewArtifacts(blobmemory.NewBlobStore())
	return New(store, artifacts, store, fakeClock{now: now}, zap.NewNop()), store, artifacts
}

func seed(t *testing.T, store *statememory.Store, artifacts *storage.Artifacts, b batch.Batch) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, b))
	require.NoError(t, artifacts.SaveInput(ctx, b.ID, []byte("in")))
	require.NoError(t, artifacts.SaveOutput(ctx, b.ID, []byte("out")))
	_, err := artifacts.PutImage(ctx, b.ID, "img", []byte("jpeg"))
	require.NoError(t, err)
}

func TestPurgeRetentionWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, store, artifacts := setup(t)
	seed(t, store, artifacts, batch.Batch{ID: "old", Status: batch.StatusDone, CreatedAt: now.AddDate(0, 0, -40), ResultReady: true})
	seed(t, store, artifacts, batch.Batch{ID: "young", Status: batch.StatusDone, CreatedAt: now.AddDate(0, 0, -10)})

	report, err := p.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, report.Purged)
	assert.Equal(t, 2, report.Scanned)

	old, err := store.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusDeleted, old.Status)
	assert.True(t, old.Deleted)
	assert.False(t, old.ResultReady)
	_, err = artifacts.OpenInput(ctx, "old")
	require.ErrorIs(t, err, storage.ErrNotFound)

	young, err := store.Get(ctx, "young")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusDone, young.Status)
	_, err = artifacts.OpenOutput(ctx, "young")
	require.NoError(t, err)
}

func TestPurgeSkipsIneligible(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, store, artifacts := setup(t)
	seed(t, store, artifacts, batch.Batch{ID: "running", Status: batch.StatusProcessing, CreatedAt: now.AddDate(0, 0, -90)})
	seed(t, store, artifacts, batch.Batch{ID: "notime", Status: batch.StatusFailed})

	report, err := p.Purge(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Purged)

	_, err = artifacts.OpenInput(ctx, "notime")
	require.NoError(t, err)
}

func TestPurgeUsesLiveRetention(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, store, artifacts := setup(t)
	seed(t, store, artifacts, batch.Batch{ID: "b", Status: batch.StatusCancelled, CreatedAt: now.AddDate(0, 0, -10)})
	require.NoError(t, store.SetRetentionDays(ctx, 7))

	report, err := p.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, report.Purged)
}

func TestEligible(t *testing.T) {
	t.Parallel()

	cutoff := now.AddDate(0, 0, -30)
	for _, status := range []batch.Status{batch.StatusDone, batch.StatusFailed, batch.StatusCancelled, batch.StatusDeleted} {
		assert.True(t, Eligible(batch.Batch{Status: status, CreatedAt: cutoff.Add(-time.Second)}, cutoff), status)
	}
	assert.False(t, Eligible(batch.Batch{Status: batch.StatusQueued, CreatedAt: cutoff.Add(-time.Hour)}, cutoff))
	assert.False(t, Eligible(batch.Batch{Status: batch.StatusDone, CreatedAt: cutoff}, cutoff))
	assert.False(t, Eligible(batch.Batch{Status: batch.StatusDone}, cutoff))
}

type failingDeleter struct{}

func (failingDeleter) DeleteBatch(context.Context, string) error { return errors.New("disk gone") }

func TestPurgeFileFailureIsBestEffort(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := statememory.New(settings.Defaults{RetentionDays: 30})
	require.NoError(t, store.Create(ctx, batch.Batch{ID: "old", Status: batch.StatusDone, CreatedAt: now.AddDate(0, 0, -40)}))
	p := New(store, failingDeleter{}, store, fakeClock{now: now}, nil)

	report, err := p.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.FileFailures)
	got, err := store.Get(ctx, "old")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, store, artifacts := setup(t)
	seed(t, store, artifacts, batch.Batch{ID: "fresh", Status: batch.StatusQueued, CreatedAt: now})

	require.NoError(t, p.Delete(ctx, "fresh"))
	got, err := store.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, batch.StatusDeleted, got.Status)
	_, err = artifacts.OpenOutput(ctx, "fresh")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.ErrorIs(t, p.Delete(ctx, "missing"), batch.ErrNotFound)
}

type countingRunner struct {
	mu    sync.Mutex
	count int
}

func (c *countingRunner) Purge(context.Context) (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return Report{}, nil
}

func (c *countingRunner) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func TestListenerCoalescesRequests(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := statememory.New(settings.Defaults{})
	for range 5 {
		require.NoError(t, store.RequestPurge(ctx, "auto"))
	}
	runner := &countingRunner{}
	done := make(chan struct{})
	go func() {
		NewListener(store, runner, 20*time.Millisecond, zap.NewNop()).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return runner.calls() == 1 }, time.Second, 5*time.Millisecond)
	// A burst queued before the pass is folded into that single pass.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, runner.calls())

	require.NoError(t, store.RequestPurge(ctx, "admin"))
	require.Eventually(t, func() bool { return runner.calls() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
}
