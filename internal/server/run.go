package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sheet-image-republisher/internal/api"
	"github.com/JakeFAU/sheet-image-republisher/internal/batch"
	collyfetcher "github.com/JakeFAU/sheet-image-republisher/internal/fetcher/colly"
	"github.com/JakeFAU/sheet-image-republisher/internal/hash/sha256"
	"github.com/JakeFAU/sheet-image-republisher/internal/id/uuid"
	"github.com/JakeFAU/sheet-image-republisher/internal/imaging"
	"github.com/JakeFAU/sheet-image-republisher/internal/pipeline"
	"github.com/JakeFAU/sheet-image-republisher/internal/policy/ratelimit"
	"github.com/JakeFAU/sheet-image-republisher/internal/purge"
	"github.com/JakeFAU/sheet-image-republisher/internal/queue"
	"github.com/JakeFAU/sheet-image-republisher/internal/supervisor"
	"github.com/JakeFAU/sheet-image-republisher/internal/worker"
)

var errWrongRole = errors.New("operation not available for this role")

func (a *App) queueConfig() queue.Config {
	return queue.Config{
		Name:            a.cfg.Queue.Name,
		JobTimeout:      a.cfg.Queue.JobTimeout,
		ShutdownTimeout: a.cfg.Queue.ShutdownTimeout,
	}
}

// enqueuer hands accepted batches to the inline workers when they run in this
// process and to the Redis-backed queue otherwise.
func (a *App) enqueuer() batch.Enqueuer {
	if a.inline != nil {
		return a.inline
	}
	return queue.NewEnqueuer(a.asynqClient, a.queueConfig(), a.logger.Named("queue"))
}

// APIHandler builds the HTTP API on top of the serve role's dependencies.
func (a *App) APIHandler() (http.Handler, error) {
	if a.role != RoleServe {
		return nil, fmt.Errorf("api handler: %w", errWrongRole)
	}
	srv := api.NewServer(api.Dependencies{
		Store:     a.store,
		Settings:  a.store,
		Artifacts: a.artifacts,
		Queue:     a.enqueuer(),
		Purger:    a.purger,
		IDs:       uuid.New(),
		Clock:     a.clock,
		Ready:     a.store,
	}, api.Config{
		AdminPassword:  a.cfg.Auth.AdminPassword,
		UploadLimit:    a.cfg.Server.UploadLimit,
		RequestTimeout: a.cfg.Server.RequestTimeout,
		SecureCookies:  a.cfg.Auth.SecureCookies,
	}, a.logger.Named("api"))
	return srv.Handler(), nil
}

// Serve runs the HTTP API, plus the purge listener and any inline workers,
// until ctx ends or the process is signalled.
func (a *App) Serve(ctx context.Context) error {
	handler, err := a.APIHandler()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Purge.ListenerEnabled {
		listener := purge.NewListener(a.store, a.purger, a.cfg.Purge.WaitTimeout, a.logger.Named("purge_listener"))
		go func() {
			a.logger.Info("purge listener started")
			listener.Run(ctx)
		}()
	}

	runners := a.startInlineWorkers(ctx)

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	runners.Wait()

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return err
	default:
		return closeErr
	}
}

// startInlineWorkers runs the configured number of in-process workers on the
// inline queue. A batch still running when ctx ends is interrupted and stays
// processing.
func (a *App) startInlineWorkers(ctx context.Context) *sync.WaitGroup {
	var wg sync.WaitGroup
	if a.inline == nil {
		return &wg
	}
	proc := a.newProcessor()
	for i := range a.cfg.Server.InlineWorkers {
		runner := worker.NewRunner(a.inline, proc, a.logger.Named("inline_worker").With(zap.Int("slot", i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner.Run(ctx)
		}()
	}
	a.logger.Info("inline workers started", zap.Int("workers", a.cfg.Server.InlineWorkers))
	return &wg
}

// newProcessor assembles the batch processor of the worker role.
func (a *App) newProcessor() *worker.Processor {
	fetcher := ratelimit.Wrap(
		collyfetcher.New(collyfetcher.Config{
			UserAgent:   a.cfg.Fetch.UserAgent,
			Timeout:     a.cfg.Fetch.Timeout,
			MaxBodySize: a.cfg.Fetch.MaxBytes,
		}),
		ratelimit.New(ratelimit.Config{HostRPS: a.cfg.Fetch.HostRPS, HostBurst: a.cfg.Fetch.HostBurst}),
	)
	transformer := imaging.NewTransformer(fetcher, imaging.Config{
		MinSide:      a.cfg.Imaging.MinSide,
		Quality:      a.cfg.Imaging.Quality,
		FetchTimeout: a.cfg.Fetch.Timeout,
	})
	runner := pipeline.New(transformer, a.artifacts, a.cfg.Server.PublicBaseURL,
		pipeline.WithClock(a.clock),
		pipeline.WithHasher(sha256.New()),
		pipeline.WithLogger(a.logger.Named("pipeline")),
	)
	a.logger.Info("worker config",
		zap.String("user_agent", a.cfg.Fetch.UserAgent),
		zap.Duration("fetch_timeout", a.cfg.Fetch.Timeout),
		zap.Int("min_side", a.cfg.Imaging.MinSide),
		zap.Int("quality", a.cfg.Imaging.Quality),
		zap.Float64("host_rps", a.cfg.Fetch.HostRPS),
		zap.Bool("ledger", a.ledger != nil),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return worker.New(
		a.store,
		a.artifacts,
		a.store,
		runner,
		a.batchLedger(),
		a.batchPublisher(),
		a.clock,
		worker.Config{Topic: a.cfg.PubSub.Topic},
		a.logger.Named("processor"),
	)
}

// Work consumes batch jobs one at a time until ctx ends or the process is
// signalled. A job still running at shutdown is interrupted.
func (a *App) Work(ctx context.Context) error {
	if a.role != RoleWorker {
		return fmt.Errorf("work: %w", errWrongRole)
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := queue.NewHandler(a.newProcessor(), a.logger.Named("queue"))
	srv := queue.NewServer(a.redisConnOpt(), a.queueConfig(), a.logger.Named("asynq"))
	if err := srv.Start(queue.NewServeMux(handler)); err != nil {
		_ = a.Close(context.Background())
		return fmt.Errorf("start queue server: %w", err)
	}
	a.logger.Info("worker started", zap.String("queue", a.cfg.Queue.Name))

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	srv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return a.Close(shutdownCtx)
}

// Supervise keeps the configured number of worker processes alive until ctx
// ends or the process is signalled. configPath is handed to every worker.
func (a *App) Supervise(ctx context.Context, configPath string) error {
	if a.role != RoleSupervise {
		return fmt.Errorf("supervise: %w", errWrongRole)
	}
	launcher, err := supervisor.NewExecLauncher(supervisor.ExecOptions{
		Executable: a.cfg.Supervisor.Executable,
		ConfigPath: configPath,
	})
	if err != nil {
		_ = a.Close(context.Background())
		return fmt.Errorf("worker launcher init failed: %w", err)
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(launcher, a.store, a.store, a.clock, supervisor.Config{
		Tick:              a.cfg.Supervisor.Tick,
		StopGrace:         a.cfg.Supervisor.StopGrace,
		DefaultWorkers:    a.cfg.Defaults.Workers,
		RespawnBackoffMax: a.cfg.Supervisor.RespawnBackoffMax,
	}, a.logger.Named("supervisor"))
	a.logger.Info("supervisor started", zap.Duration("tick", a.cfg.Supervisor.Tick))
	runErr := sup.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(shutdownCtx))
}

// PurgeOnce runs a single retention pass.
func (a *App) PurgeOnce(ctx context.Context) (purge.Report, error) {
	if a.purger == nil {
		return purge.Report{}, fmt.Errorf("purge: %w", errWrongRole)
	}
	report, err := a.purger.Purge(ctx)
	if err != nil {
		return report, fmt.Errorf("purge: %w", err)
	}
	a.logger.Info("purge finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("purged", len(report.Purged)),
		zap.Int("file_failures", report.FileFailures),
		zap.Time("cutoff", report.Cutoff),
	)
	return report, nil
}
