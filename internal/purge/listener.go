package purge

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultWaitTimeout bounds each blocking wait so shutdown is noticed promptly.
const DefaultWaitTimeout = 5 * time.Second

// RequestQueue delivers purge requests.
type RequestQueue interface {
	WaitPurgeRequest(ctx context.Context, timeout time.Duration) (bool, error)
	DrainPurgeRequests(ctx context.Context) (int, error)
}

// Runner is the purge operation a Listener triggers.
type Runner interface {
	Purge(ctx context.Context) (Report, error)
}

// Listener turns queued purge requests into purge passes. Requests that pile
// up while a pass is running are coalesced into the next one.
type Listener struct {
	requests RequestQueue
	purger   Runner
	timeout  time.Duration
	logger   *zap.Logger
}

// NewListener constructs a Listener.
func NewListener(requests RequestQueue, purger Runner, timeout time.Duration, logger *zap.Logger) *Listener {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{requests: requests, purger: purger, timeout: timeout, logger: logger}
}

// Run blocks until ctx ends.
func (l *Listener) Run(ctx context.Context) {
	for ctx.Err() == nil {
		woke, err := l.requests.WaitPurgeRequest(ctx, l.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("wait for purge request failed", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}
		if !woke {
			continue
		}
		dropped, err := l.requests.DrainPurgeRequests(ctx)
		if err != nil {
			l.logger.Warn("drain purge requests failed", zap.Error(err))
		}
		if _, err := l.purger.Purge(ctx); err != nil {
			l.logger.Error("purge pass failed", zap.Error(err))
			continue
		}
		l.logger.Debug("purge request handled", zap.Int("coalesced", dropped))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
