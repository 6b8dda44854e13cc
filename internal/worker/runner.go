package worker

import (
	"context"

	"go.uber.org/zap"
)

// Queue yields batch ids to process.
type Queue interface {
	Dequeue(ctx context.Context) (string, error)
}

// BatchProcessor processes one batch.
type BatchProcessor interface {
	Process(ctx context.Context, id string) error
}

// Runner consumes an in-process queue, one batch at a time.
type Runner struct {
	queue     Queue
	processor BatchProcessor
	logger    *zap.Logger
}

// NewRunner constructs a Runner.
func NewRunner(queue Queue, processor BatchProcessor, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{queue: queue, processor: processor, logger: logger}
}

// Run blocks, consuming queue items until the context finishes or the queue closes.
func (r *Runner) Run(ctx context.Context) {
	for {
		id, err := r.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Info("queue dequeue stopped", zap.Error(err))
			return
		}
		r.logger.Debug("dequeued batch", zap.String("batch_id", id))
		if err := r.processor.Process(ctx, id); err != nil {
			r.logger.Error("batch job failed", zap.String("batch_id", id), zap.Error(err))
		}
	}
}
