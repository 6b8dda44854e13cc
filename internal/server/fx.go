// Package server wires the republisher's dependencies for each process role.
package server

import (
	"context"
	"errors"
	"fmt"

	gcstorage "cloud.google.com/go/storage"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/sheet-image-republisher/internal/batch"
	"github.com/JakeFAU/sheet-image-republisher/internal/clock/system"
	"github.com/JakeFAU/sheet-image-republisher/internal/config"
	"github.com/JakeFAU/sheet-image-republisher/internal/logging"
	"github.com/JakeFAU/sheet-image-republisher/internal/metrics"
	gcppublisher "github.com/JakeFAU/sheet-image-republisher/internal/publisher/pubsub"
	"github.com/JakeFAU/sheet-image-republisher/internal/purge"
	queuememory "github.com/JakeFAU/sheet-image-republisher/internal/queue/memory"
	"github.com/JakeFAU/sheet-image-republisher/internal/settings"
	redisstore "github.com/JakeFAU/sheet-image-republisher/internal/statestore/redis"
	"github.com/JakeFAU/sheet-image-republisher/internal/storage"
	gcsstorage "github.com/JakeFAU/sheet-image-republisher/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sheet-image-republisher/internal/storage/local"
	pgstore "github.com/JakeFAU/sheet-image-republisher/internal/storage/postgres"
	"github.com/JakeFAU/sheet-image-republisher/internal/telemetry"
)

// Process roles. Every role shares one binary and one configuration file.
const (
	RoleServe     = "serve"
	RoleWorker    = "worker"
	RoleSupervise = "supervise"
	RolePurge     = "purge"
)

// Version is reported as the tracing service version.
var Version = "dev"

// inlineQueueCapacity bounds the in-memory queue of the inline serve mode.
const inlineQueueCapacity = 256

// App contains the dependencies of one process role.
type App struct {
	cfg    *config.Config
	role   string
	logger *zap.Logger
	clock  batch.Clock

	redis     *redis.Client
	store     *redisstore.Store
	gcs       *gcstorage.Client
	artifacts *storage.Artifacts
	purger    *purge.Purger

	// Only built for the roles that need them. inline replaces asynqClient
	// when the serve role runs its own workers.
	asynqClient *asynq.Client
	inline      *queuememory.Queue
	ledger      *pgstore.Ledger
	publisher   *gcppublisher.Publisher

	tracerShutdown func(context.Context) error
}

// NewApp creates an App for role with the given configuration.
func NewApp(cfg *config.Config, role string, logger *zap.Logger) (*App, error) {
	switch role {
	case RoleServe, RoleWorker, RoleSupervise, RolePurge:
	default:
		return nil, fmt.Errorf("unknown role %q", role)
	}
	// Only non-sensitive fields are logged.
	logger.Info("creating application",
		zap.String("role", role),
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("queue", cfg.Queue.Name),
	)
	return &App{cfg: cfg, role: role, logger: logger, clock: system.New()}, nil
}

// Logger returns the role-scoped logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Build creates the dependencies role needs. On error everything built so far
// is released.
func Build(ctx context.Context, cfg *config.Config, role string) (_ *App, err error) {
	base, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	logger := logging.ForRole(base, role)
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, role, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()

	metrics.Init()

	if cfg.Tracing.Enabled {
		app.tracerShutdown, err = telemetry.Init(ctx, telemetry.Config{
			ServiceName: "republisher-" + role,
			Version:     Version,
			ProjectID:   cfg.Tracing.ProjectID,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		logger.Info("tracing enabled", zap.Bool("cloud_trace", cfg.Tracing.ProjectID != ""))
	}

	app.logger.Info("building application dependencies")
	setupState(app)

	if role == RoleSupervise {
		// The supervisor only touches settings and the purge request queue.
		return app, nil
	}

	if err = setupStorage(ctx, app); err != nil {
		return nil, err
	}
	app.purger = purge.New(app.store, app.artifacts, app.store, app.clock, logger.Named("purge"))

	switch role {
	case RoleServe:
		if cfg.Server.InlineWorkers == 0 {
			app.asynqClient = asynq.NewClient(app.redisConnOpt())
			break
		}
		app.inline = queuememory.NewQueue(inlineQueueCapacity)
		logger.Info("inline workers enabled", zap.Int("workers", cfg.Server.InlineWorkers))
		if err = setupLedger(ctx, app); err != nil {
			return nil, err
		}
		if err = setupPublisher(ctx, app); err != nil {
			return nil, err
		}
	case RoleWorker:
		if err = setupLedger(ctx, app); err != nil {
			return nil, err
		}
		if err = setupPublisher(ctx, app); err != nil {
			return nil, err
		}
	}
	return app, nil
}

func (a *App) redisConnOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	}
}

func (a *App) defaults() settings.Defaults {
	return settings.Defaults{
		Workers:       a.cfg.Defaults.Workers,
		Threads:       a.cfg.Defaults.Threads,
		RetentionDays: a.cfg.Defaults.RetentionDays,
		AutoPurge:     a.cfg.Defaults.AutoPurge,
	}
}

func setupState(app *App) {
	app.redis = redis.NewClient(&redis.Options{
		Addr:     app.cfg.Redis.Addr,
		Password: app.cfg.Redis.Password,
		DB:       app.cfg.Redis.DB,
	})
	app.store = redisstore.New(app.redis, app.defaults())
	app.logger.Debug("redis state store", zap.String("addr", app.cfg.Redis.Addr), zap.Int("db", app.cfg.Redis.DB))
}

func setupStorage(ctx context.Context, app *App) error {
	var blobs storage.BlobStore
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend")
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcs = client
		blobs, err = gcsstorage.New(client, gcsstorage.Config{
			Bucket: app.cfg.Storage.GCSBucket,
			Prefix: app.cfg.Storage.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
	case "local":
		app.logger.Info("using local storage backend")
		local, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.Root})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = local
		app.logger.Debug("local storage backend", zap.String("path", app.cfg.Storage.Root))
	default:
		return fmt.Errorf("unknown storage backend %q", app.cfg.Storage.Backend)
	}
	app.artifacts = storage.NewArtifacts(blobs)
	return nil
}

func setupLedger(ctx context.Context, app *App) error {
	if app.cfg.Ledger.DSN == "" {
		app.logger.Info("no ledger DSN configured, image ledger disabled")
		return nil
	}
	ledger, err := pgstore.NewLedger(ctx, pgstore.LedgerConfig{
		DSN:             app.cfg.Ledger.DSN,
		Table:           app.cfg.Ledger.Table,
		MaxConns:        app.cfg.Ledger.MaxConns,
		MaxConnLifetime: app.cfg.Ledger.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("ledger init failed: %w", err)
	}
	app.ledger = ledger
	app.logger.Info("image ledger initialized", zap.String("table", app.cfg.Ledger.Table))
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	if app.cfg.PubSub.Topic == "" {
		app.logger.Info("no Pub/Sub topic configured, completion notifications disabled")
		return nil
	}
	publisher, err := gcppublisher.New(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.publisher = publisher
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.Topic),
	)
	return nil
}

// batchLedger and batchPublisher return untyped nils when the optional
// integrations are disabled.
func (a *App) batchLedger() batch.Ledger {
	if a.ledger == nil {
		return nil
	}
	return a.ledger
}

func (a *App) batchPublisher() batch.Publisher {
	if a.publisher == nil {
		return nil
	}
	return a.publisher
}

// Close releases every client the App opened. It is safe to call on a
// partially built App.
func (a *App) Close(ctx context.Context) error {
	err := a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeInfrastructure() error {
	var errs []error
	if a.inline != nil {
		a.inline.Close()
	}
	if a.asynqClient != nil {
		if err := a.asynqClient.Close(); err != nil {
			a.logger.Warn("asynq client close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.ledger != nil {
		a.ledger.Close()
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
