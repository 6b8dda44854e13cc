// Package worker runs one batch job end to end: load the workbook, fan the
// URLs through the pipeline, write the output and settle the batch status.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sheet-image-republisher/internal/batch"
	"github.com/JakeFAU/sheet-image-republisher/internal/metrics"
	"github.com/JakeFAU/sheet-image-republisher/internal/pipeline"
	"github.com/JakeFAU/sheet-image-republisher/internal/sheet"
	"github.com/JakeFAU/sheet-image-republisher/internal/storage"
)

// MissingInputError is recorded when a batch's input workbook is gone.
type MissingInputError struct {
	BatchID string
	Err     error
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("input workbook for batch %s missing: %v", e.BatchID, e.Err)
}

func (e *MissingInputError) Unwrap() error { return e.Err }

// Artifacts is the subset of storage the worker needs.
type Artifacts interface {
	OpenInput(ctx context.Context, id string) ([]byte, error)
	LoadMeta(ctx context.Context, id string) (batch.Meta, error)
	SaveOutput(ctx context.Context, id string, data []byte) error
	DeleteBatch(ctx context.Context, id string) error
}

// ThreadSource provides the live per-batch concurrency.
type ThreadSource interface {
	ThreadsPerBatch(ctx context.Context) (int, error)
}

// PipelineRunner executes the pipeline.
type PipelineRunner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error)
}

// Store groups the state-store capabilities the worker writes to.
type Store interface {
	batch.StateStore
	batch.CancelFlags
	batch.ErrorLog
}

// Config controls Processor behavior.
type Config struct {
	// Topic receives a completion notification per batch; empty disables publishing.
	Topic string
}

var tracer = otel.Tracer("github.com/JakeFAU/sheet-image-republisher/internal/worker")

// Completion is the notification published when a batch finishes.
type Completion struct {
	BatchID   string       `json:"batch_id"`
	Status    batch.Status `json:"status"`
	Total     int          `json:"total"`
	Mapped    int          `json:"mapped"`
	Errors    int          `json:"errors"`
	Timestamp string       `json:"timestamp"`
}

// Processor handles one batch job.
type Processor struct {
	store     Store
	artifacts Artifacts
	threads   ThreadSource
	pipeline  PipelineRunner
	ledger    batch.Ledger
	publisher batch.Publisher
	clock     batch.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Processor. ledger and publisher may be nil.
func New(
	store Store,
	artifacts Artifacts,
	threads ThreadSource,
	runner PipelineRunner,
	ledger batch.Ledger,
	publisher batch.Publisher,
	clock batch.Clock,
	cfg Config,
	logger *zap.Logger,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:     store,
		artifacts: artifacts,
		threads:   threads,
		pipeline:  runner,
		ledger:    ledger,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Process runs the batch. Batch-level failures are recorded as status=failed
// and reported as nil so the queue does not retry them; only infrastructure
// errors and interruptions are returned.
func (p *Processor) Process(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "batch.process", trace.WithAttributes(attribute.String("batch.id", id)))
	defer span.End()
	logger := p.logger.With(zap.String("batch_id", id))

	current, err := p.store.Get(ctx, id)
	if errors.Is(err, batch.ErrNotFound) {
		logger.Warn("batch record missing, dropping job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}
	if current.Status.Terminal() {
		logger.Info("batch already terminal, skipping", zap.String("status", string(current.Status)))
		return nil
	}

	mode := current.Mode
	if meta, err := p.artifacts.LoadMeta(ctx, id); err == nil && meta.Mode != "" {
		mode = meta.Mode
	}
	if mode == "" {
		mode = batch.ModeA
	}

	input, err := p.artifacts.OpenInput(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return p.fail(ctx, logger, id, &MissingInputError{BatchID: id, Err: err})
	}
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}

	wb, err := sheet.Load(bytes.NewReader(input))
	if err != nil {
		return p.fail(ctx, logger, id, err)
	}
	defer func() {
		if cerr := wb.Close(); cerr != nil {
			logger.Debug("close workbook", zap.Error(cerr))
		}
	}()

	targets, err := wb.Extract(mode)
	if err != nil {
		return p.fail(ctx, logger, id, err)
	}

	total, zero := len(targets), 0
	if _, err := batch.Transition(ctx, p.store, id, batch.StatusProcessing, batch.Fields{Total: &total, Processed: &zero}); err != nil {
		if errors.Is(err, batch.ErrInvalidTransition) {
			logger.Info("batch changed state before start, skipping", zap.Error(err))
			return nil
		}
		return fmt.Errorf("mark processing: %w", err)
	}
	logger.Info("batch processing started", zap.String("mode", string(mode)), zap.Int("total", total))

	outcome, err := p.pipeline.Run(ctx, pipeline.Request{
		BatchID:  id,
		Targets:  targets,
		Limit:    p.threadLimit(ctx, logger),
		Progress: p.progress(ctx, logger, id),
		Cancel:   p.store,
	})
	if err != nil {
		// Status stays processing; a redelivered task resumes from the start.
		return fmt.Errorf("pipeline: %w", err)
	}

	p.recordSideChannels(ctx, logger, id, outcome)

	latest, err := p.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("reload batch: %w", err)
	}
	if latest.Status == batch.StatusDeleted {
		p.discardDeleted(ctx, logger, id)
		return nil
	}

	if err := wb.Apply(outcome.Mapping); err != nil {
		return p.fail(ctx, logger, id, err)
	}
	out, err := wb.Bytes()
	if err != nil {
		return p.fail(ctx, logger, id, err)
	}
	if err := p.artifacts.SaveOutput(ctx, id, out); err != nil {
		return fmt.Errorf("save output: %w", err)
	}

	final := batch.StatusDone
	if outcome.Cancelled || latest.Status == batch.StatusCancelled {
		final = batch.StatusCancelled
	}
	ready := true
	processed := outcome.Completed
	if settled, err := batch.Transition(ctx, p.store, id, final, batch.Fields{ResultReady: &ready, Processed: &processed}); err != nil {
		if settled.Status == batch.StatusDeleted {
			p.discardDeleted(ctx, logger, id)
			return nil
		}
		return fmt.Errorf("mark %s: %w", final, err)
	}

	metrics.ObserveBatch(string(final))
	logger.Info("batch finished",
		zap.String("status", string(final)),
		zap.Int("mapped", len(outcome.Mapping)),
		zap.Int("errors", len(outcome.Errors)),
	)
	p.publish(ctx, logger, id, final, total, outcome)
	return nil
}

// discardDeleted removes whatever the run stored after the batch was deleted,
// so a deleted batch keeps no backing files.
func (p *Processor) discardDeleted(ctx context.Context, logger *zap.Logger, id string) {
	logger.Info("batch deleted while processing, discarding output")
	if err := p.artifacts.DeleteBatch(ctx, id); err != nil {
		logger.Warn("discard artifacts of deleted batch failed", zap.Error(err))
	}
}

func (p *Processor) fail(ctx context.Context, logger *zap.Logger, id string, cause error) error {
	logger.Error("batch failed", zap.Error(cause))
	if _, err := batch.Transition(ctx, p.store, id, batch.StatusFailed, batch.Fields{}); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	metrics.ObserveBatch(string(batch.StatusFailed))
	return nil
}

func (p *Processor) threadLimit(ctx context.Context, logger *zap.Logger) int {
	if p.threads == nil {
		return 1
	}
	n, err := p.threads.ThreadsPerBatch(ctx)
	if err != nil {
		logger.Warn("read threads setting failed, running single-threaded", zap.Error(err))
		return 1
	}
	return n
}

func (p *Processor) progress(ctx context.Context, logger *zap.Logger, id string) pipeline.ProgressFunc {
	return func(completed, _ int) {
		if err := p.store.Update(ctx, id, batch.Fields{Processed: &completed}); err != nil {
			logger.Warn("progress update failed", zap.Int("processed", completed), zap.Error(err))
		}
	}
}

func (p *Processor) recordSideChannels(ctx context.Context, logger *zap.Logger, id string, outcome pipeline.Outcome) {
	if err := p.store.AppendErrors(ctx, id, outcome.Errors); err != nil {
		logger.Warn("append cell errors failed", zap.Error(err))
	}
	if p.ledger == nil || len(outcome.Rows) == 0 {
		return
	}
	if err := p.ledger.RecordImages(ctx, id, outcome.Rows); err != nil {
		logger.Warn("ledger write failed", zap.Error(err))
	}
}

func (p *Processor) publish(
	ctx context.Context,
	logger *zap.Logger,
	id string,
	status batch.Status,
	total int,
	outcome pipeline.Outcome,
) {
	if p.cfg.Topic == "" || p.publisher == nil {
		return
	}
	payload := Completion{
		BatchID:   id,
		Status:    status,
		Total:     total,
		Mapped:    len(outcome.Mapping),
		Errors:    len(outcome.Errors),
		Timestamp: p.clock.Now().UTC().Format(time.RFC3339),
	}
	msgID, err := p.publisher.Publish(ctx, p.cfg.Topic, payload)
	if err != nil {
		logger.Warn("publish completion failed", zap.Error(err))
		return
	}
	logger.Debug("completion published", zap.String("message_id", msgID))
}
