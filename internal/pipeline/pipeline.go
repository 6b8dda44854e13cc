// Package pipeline runs the image transform over every URL of a batch with
// bounded parallelism and collects the served-URL mapping.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sheet-image-republisher/internal/batch"
	"github.com/JakeFAU/sheet-image-republisher/internal/clock/system"
	"github.com/JakeFAU/sheet-image-republisher/internal/imaging"
	"github.com/JakeFAU/sheet-image-republisher/internal/metrics"
	"github.com/JakeFAU/sheet-image-republisher/internal/storage"
)

// Transformer turns a URL into a normalized image.
type Transformer interface {
	Transform(ctx context.Context, rawURL string) (imaging.Result, error)
}

// ImageStore persists transformed images and returns their generated name.
type ImageStore interface {
	PutImage(ctx context.Context, id, slug string, data []byte) (string, error)
}

// Hasher digests stored image bytes for the ledger.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// CancelChecker reports whether a batch has been asked to stop.
type CancelChecker interface {
	IsCancelled(ctx context.Context, id string) (bool, error)
}

// ProgressFunc receives the running tally after every finished task. Calls are
// serialized and completed strictly increases.
type ProgressFunc func(completed, total int)

// Request describes one pipeline run.
type Request struct {
	BatchID  string
	Targets  []batch.Target
	Limit    int
	Progress ProgressFunc
	Cancel   CancelChecker
}

// Outcome is the aggregated result of a run.
type Outcome struct {
	Mapping   map[batch.CellRef]string
	Errors    []batch.CellError
	Rows      []batch.LedgerRow
	Completed int
	Cancelled bool
}

// Pipeline is stateless between runs and safe for concurrent use.
type Pipeline struct {
	transformer Transformer
	images      ImageStore
	baseURL     string
	hasher      Hasher
	clock       batch.Clock
	logger      *zap.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the clock used for ledger timestamps.
func WithClock(c batch.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithHasher records a content digest of every stored image.
func WithHasher(h Hasher) Option {
	return func(p *Pipeline) { p.hasher = h }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// New builds a Pipeline publishing images under baseURL.
func New(t Transformer, images ImageStore, baseURL string, opts ...Option) *Pipeline {
	p := &Pipeline{
		transformer: t,
		images:      images,
		baseURL:     baseURL,
		clock:       system.New(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type taskResult struct {
	target    batch.Target
	servedURL string
	digest    string
	err       error
}

// Run processes every target and blocks until all started tasks finish.
// Per-cell failures never fail the run; the returned error is only set when
// ctx ends before all targets were submitted.
func (p *Pipeline) Run(ctx context.Context, req Request) (Outcome, error) {
	limit := max(req.Limit, 1)
	total := len(req.Targets)
	out := Outcome{Mapping: make(map[batch.CellRef]string, total)}
	logger := p.logger.With(zap.String("batch_id", req.BatchID), zap.Int("total", total), zap.Int("threads", limit))

	var (
		mu      sync.Mutex
		stopped atomic.Bool
		g       errgroup.Group
	)
	g.SetLimit(limit)

	if p.cancelled(ctx, req, logger) {
		stopped.Store(true)
	}

	record := func(res taskResult) {
		mu.Lock()
		defer mu.Unlock()

		row := batch.LedgerRow{Cell: res.target.Cell, SourceURL: res.target.URL, At: p.clock.Now()}
		if res.err != nil {
			out.Errors = append(out.Errors, batch.CellError{
				Cell:  res.target.Cell,
				URL:   res.target.URL,
				Error: res.err.Error(),
			})
			row.Error = res.err.Error()
		} else {
			out.Mapping[res.target.Cell] = res.servedURL
			row.ServedURL = res.servedURL
			row.ContentHash = res.digest
		}
		out.Rows = append(out.Rows, row)
		out.Completed++
		if req.Progress != nil {
			req.Progress(out.Completed, total)
		}
		if !stopped.Load() && p.cancelled(ctx, req, logger) {
			logger.Info("cancel requested, draining in-flight tasks", zap.Int("completed", out.Completed))
			stopped.Store(true)
		}
	}

	var runErr error
	for _, target := range req.Targets {
		if stopped.Load() {
			break
		}
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("pipeline interrupted: %w", err)
			break
		}
		g.Go(func() error {
			// Go may have blocked on the limit while a completion raised the cancel flag.
			if stopped.Load() {
				return nil
			}
			record(p.process(ctx, req.BatchID, target))
			return nil
		})
	}
	_ = g.Wait()

	out.Cancelled = stopped.Load()
	logger.Info("pipeline finished",
		zap.Int("completed", out.Completed),
		zap.Int("mapped", len(out.Mapping)),
		zap.Int("errors", len(out.Errors)),
		zap.Bool("cancelled", out.Cancelled),
	)
	return out, runErr
}

func (p *Pipeline) process(ctx context.Context, id string, target batch.Target) taskResult {
	start := time.Now()
	res, err := p.transformer.Transform(ctx, target.URL)
	if err != nil {
		metrics.ObserveImage(classify(err), time.Since(start))
		p.logger.Debug("image transform failed",
			zap.String("batch_id", id), zap.String("url", target.URL), zap.Error(err))
		return taskResult{target: target, err: err}
	}
	niceID, err := p.images.PutImage(ctx, id, res.Slug, res.Data)
	if err != nil {
		metrics.ObserveImage(metrics.ImageStoreError, time.Since(start))
		p.logger.Warn("image store failed",
			zap.String("batch_id", id), zap.String("url", target.URL), zap.Error(err))
		return taskResult{target: target, err: fmt.Errorf("store image: %w", err)}
	}
	metrics.ObserveImage(metrics.ImageOK, time.Since(start))
	return taskResult{
		target:    target,
		servedURL: storage.ServedURL(p.baseURL, id, niceID),
		digest:    p.digest(res.Data),
	}
}

// digest is best-effort; a failed hash only leaves the ledger column empty.
func (p *Pipeline) digest(data []byte) string {
	if p.hasher == nil {
		return ""
	}
	sum, err := p.hasher.Hash(data)
	if err != nil {
		p.logger.Debug("content hash failed", zap.Error(err))
		return ""
	}
	return sum
}

func (p *Pipeline) cancelled(ctx context.Context, req Request, logger *zap.Logger) bool {
	if req.Cancel == nil {
		return false
	}
	ok, err := req.Cancel.IsCancelled(ctx, req.BatchID)
	if err != nil {
		logger.Warn("cancel check failed", zap.Error(err))
		return false
	}
	return ok
}

func classify(err error) string {
	var decodeErr *imaging.DecodeError
	if errors.As(err, &decodeErr) {
		return metrics.ImageDecodeError
	}
	return metrics.ImageFetchError
}
