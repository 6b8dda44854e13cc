package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sheet-image-republisher/internal/batch"
	"github.com/JakeFAU/sheet-image-republisher/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Redis.Addr = mr.Addr()
	cfg.Storage.Root = t.TempDir()
	return &cfg
}

func TestBuildServeRole(t *testing.T) {
	cfg := testConfig(t)
	app, err := Build(context.Background(), cfg, RoleServe)
	require.NoError(t, err)

	handler, err := app.APIHandler()
	require.NoError(t, err)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	assert.ErrorIs(t, app.Work(context.Background()), errWrongRole)
	require.NoError(t, app.Close(context.Background()))
}

func TestServeInlineWorkersProcessQueuedBatches(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.InlineWorkers = 2
	app, err := Build(context.Background(), cfg, RoleServe)
	require.NoError(t, err)
	assert.Nil(t, app.asynqClient)
	require.NotNil(t, app.inline)
	assert.Same(t, app.inline, app.enqueuer())

	ctx, cancel := context.WithCancel(context.Background())
	runners := app.startInlineWorkers(ctx)

	// No input workbook was stored, so the worker settles the batch as failed.
	require.NoError(t, app.store.Create(ctx, batch.Batch{
		ID:        "inline000001",
		Status:    batch.StatusQueued,
		CreatedAt: time.Now().UTC(),
		Mode:      batch.ModeA,
	}))
	require.NoError(t, app.enqueuer().EnqueueBatch(ctx, "inline000001"))

	require.Eventually(t, func() bool {
		b, err := app.store.Get(context.Background(), "inline000001")
		return err == nil && b.Status == batch.StatusFailed
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	runners.Wait()
	require.NoError(t, app.Close(context.Background()))
}

func TestBuildUnknownRole(t *testing.T) {
	cfg := testConfig(t)
	_, err := Build(context.Background(), cfg, "crawl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown role")
}

func TestBuildSuperviseSkipsStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "gcs"
	cfg.Storage.GCSBucket = "unused"

	app, err := Build(context.Background(), cfg, RoleSupervise)
	require.NoError(t, err)
	assert.Nil(t, app.artifacts)
	assert.Nil(t, app.purger)

	_, err = app.PurgeOnce(context.Background())
	assert.ErrorIs(t, err, errWrongRole)
	_, err = app.APIHandler()
	assert.ErrorIs(t, err, errWrongRole)
	require.NoError(t, app.Close(context.Background()))
}

func TestBuildWorkerBadLedgerDSN(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.DSN = "postgres://%zz"

	var app *App
	var err error
	require.NotPanics(t, func() {
		app, err = Build(context.Background(), cfg, RoleWorker)
	})
	require.Error(t, err)
	assert.Nil(t, app)
	assert.Contains(t, err.Error(), "ledger init failed")
}

func TestBuildStorageFailureReturnsError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "ftp"

	var app *App
	var err error
	require.NotPanics(t, func() {
		app, err = Build(context.Background(), cfg, RolePurge)
	})
	require.Error(t, err)
	assert.Nil(t, app)
	assert.Contains(t, err.Error(), `unknown storage backend "ftp"`)
}

func TestBuildWorkerOptionalIntegrationsDisabled(t *testing.T) {
	cfg := testConfig(t)
	app, err := Build(context.Background(), cfg, RoleWorker)
	require.NoError(t, err)

	assert.Nil(t, app.batchLedger())
	assert.Nil(t, app.batchPublisher())
	assert.NotNil(t, app.newProcessor())
	require.NoError(t, app.Close(context.Background()))
}

func TestPurgeOnce(t *testing.T) {
	cfg := testConfig(t)
	app, err := Build(context.Background(), cfg, RolePurge)
	require.NoError(t, err)
	defer func() { _ = app.Close(context.Background()) }()

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, app.store.Create(ctx, batch.Batch{
		ID:        "old000000001",
		Status:    batch.StatusDone,
		CreatedAt: now.Add(-40 * 24 * time.Hour),
	}))
	require.NoError(t, app.store.Create(ctx, batch.Batch{
		ID:        "new000000001",
		Status:    batch.StatusDone,
		CreatedAt: now.Add(-time.Hour),
	}))

	report, err := app.PurgeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, []string{"old000000001"}, report.Purged)

	old, err := app.store.Get(ctx, "old000000001")
	require.NoError(t, err)
	assert.True(t, old.Deleted)
}
