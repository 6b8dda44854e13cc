// Package queue schedules batch jobs on asynq and serves them to workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TaskTypeProcessBatch is the asynq task type of one batch job.
const TaskTypeProcessBatch = "batch:process"

// Defaults applied when Config leaves a field zero.
const (
	DefaultQueueName       = "batches"
	DefaultJobTimeout      = 12 * time.Hour
	DefaultShutdownTimeout = 8 * time.Second
)

// Config controls queue naming and job limits. ShutdownTimeout bounds how long
// a stopping worker waits for its running batch before asynq requeues it; it
// must stay below the supervisor's stop grace or the task is lost to SIGKILL.
type Config struct {
	Name            string
	JobTimeout      time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = DefaultQueueName
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Payload is the JSON body of a batch task.
type Payload struct {
	BatchID string `json:"batch_id"`
}

type taskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer implements batch.Enqueuer on an asynq client.
type Enqueuer struct {
	client taskClient
	cfg    Config
	logger *zap.Logger
}

// NewEnqueuer wraps an asynq client.
func NewEnqueuer(client *asynq.Client, cfg Config, logger *zap.Logger) *Enqueuer {
	return newEnqueuer(client, cfg, logger)
}

func newEnqueuer(client taskClient, cfg Config, logger *zap.Logger) *Enqueuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enqueuer{client: client, cfg: cfg.withDefaults(), logger: logger}
}

// NewBatchTask builds the task for one batch.
func NewBatchTask(id string) (*asynq.Task, error) {
	body, err := json.Marshal(Payload{BatchID: id})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(TaskTypeProcessBatch, body), nil
}

// EnqueueBatch schedules one job for the batch. A second enqueue of the same
// batch while the first task is still known to asynq is a no-op.
func (e *Enqueuer) EnqueueBatch(ctx context.Context, id string) error {
	task, err := NewBatchTask(id)
	if err != nil {
		return err
	}
	info, err := e.client.EnqueueContext(ctx, task, e.options(id)...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		e.logger.Info("batch already enqueued", zap.String("batch_id", id))
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue batch %s: %w", id, err)
	}
	e.logger.Debug("batch enqueued",
		zap.String("batch_id", id),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
	)
	return nil
}

func (e *Enqueuer) options(id string) []asynq.Option {
	return []asynq.Option{
		asynq.Queue(e.cfg.Name),
		asynq.TaskID(id),
		asynq.MaxRetry(0),
		asynq.Timeout(e.cfg.JobTimeout),
	}
}

// Processor runs one batch job end to end.
type Processor interface {
	Process(ctx context.Context, id string) error
}

// Handler adapts a Processor to asynq.
type Handler struct {
	processor Processor
	logger    *zap.Logger
}

// NewHandler builds a Handler.
func NewHandler(p Processor, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{processor: p, logger: logger}
}

// ProcessTask implements asynq.Handler.
func (h *Handler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload Payload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.BatchID == "" {
		h.logger.Error("malformed batch task", zap.ByteString("payload", t.Payload()), zap.Error(err))
		return fmt.Errorf("malformed batch payload: %w", asynq.SkipRetry)
	}
	h.logger.Info("batch task received", zap.String("batch_id", payload.BatchID))
	if err := h.processor.Process(ctx, payload.BatchID); err != nil {
		return fmt.Errorf("process batch %s: %w", payload.BatchID, err)
	}
	return nil
}

// NewServeMux registers h for batch tasks.
func NewServeMux(h *Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TaskTypeProcessBatch, h)
	return mux
}

// NewServer builds a single-concurrency asynq server so each worker process
// runs at most one batch at a time.
func NewServer(opt asynq.RedisConnOpt, cfg Config, logger *zap.Logger) *asynq.Server {
	return asynq.NewServer(opt, serverConfig(cfg, logger))
}

func serverConfig(cfg Config, logger *zap.Logger) asynq.Config {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return asynq.Config{
		Concurrency:     1,
		Queues:          map[string]int{cfg.Name: 1},
		Logger:          logger.Sugar(),
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
}
