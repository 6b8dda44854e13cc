// Package purge removes the artifacts of terminal batches older than the
// retention window, and deletes individual batches on request.
package purge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sheet-image-republisher/internal/batch"
	"github.com/JakeFAU/sheet-image-republisher/internal/clock/system"
	"github.com/JakeFAU/sheet-image-republisher/internal/metrics"
)

// ScanLimit is how many recent batches one pass inspects.
const ScanLimit = 1000

// Store is the state-store surface the purger touches.
type Store interface {
	batch.StateStore
	ClearErrors(ctx context.Context, id string) error
}

// ArtifactDeleter removes every stored file of a batch.
type ArtifactDeleter interface {
	DeleteBatch(ctx context.Context, id string) error
}

// RetentionSource provides the live retention window.
type RetentionSource interface {
	RetentionDays(ctx context.Context) (int, error)
}

// Report summarizes one purge pass.
type Report struct {
	Scanned      int       `json:"scanned"`
	Purged       []string  `json:"purged"`
	FileFailures int       `json:"file_failures"`
	Cutoff       time.Time `json:"cutoff"`
}

// Purger runs retention passes.
type Purger struct {
	store     Store
	artifacts ArtifactDeleter
	retention RetentionSource
	clock     batch.Clock
	logger    *zap.Logger
}

// New constructs a Purger.
func New(store Store, artifacts ArtifactDeleter, retention RetentionSource, clock batch.Clock, logger *zap.Logger) *Purger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Purger{store: store, artifacts: artifacts, retention: retention, clock: clock, logger: logger}
}

// Purge deletes every terminal batch created before now minus the retention
// window. Records with a missing or unparseable creation time are never purged.
func (p *Purger) Purge(ctx context.Context) (Report, error) {
	days, err := p.retention.RetentionDays(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("read retention: %w", err)
	}
	report := Report{Cutoff: system.RetentionCutoff(p.clock, days)}

	ids, err := p.store.ListRecent(ctx, ScanLimit)
	if err != nil {
		return report, fmt.Errorf("list batches: %w", err)
	}
	report.Scanned = len(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("purge interrupted: %w", err)
		}
		b, err := p.store.Get(ctx, id)
		if err != nil {
			p.logger.Debug("skip unreadable batch", zap.String("batch_id", id), zap.Error(err))
			continue
		}
		if !Eligible(b, report.Cutoff) {
			continue
		}
		if b.Deleted {
			// Already purged; nothing left to remove.
			continue
		}
		if !p.deleteEverything(ctx, id) {
			report.FileFailures++
		}
		report.Purged = append(report.Purged, id)
		metrics.ObservePurge("retention")
	}

	p.logger.Info("purge pass finished",
		zap.Int("days", days),
		zap.Int("scanned", report.Scanned),
		zap.Int("purged", len(report.Purged)),
		zap.Int("file_failures", report.FileFailures),
	)
	return report, nil
}

// Delete removes one batch immediately, regardless of age or status.
func (p *Purger) Delete(ctx context.Context, id string) error {
	if _, err := p.store.Get(ctx, id); err != nil {
		return err
	}
	p.deleteEverything(ctx, id)
	metrics.ObservePurge("explicit")
	return nil
}

// Eligible reports whether b qualifies for purge at cutoff.
func Eligible(b batch.Batch, cutoff time.Time) bool {
	if !b.Status.Terminal() || b.CreatedAt.IsZero() {
		return false
	}
	return b.CreatedAt.Before(cutoff)
}

// deleteEverything removes files best-effort and then marks the record
// deleted. It reports whether the file removal succeeded.
func (p *Purger) deleteEverything(ctx context.Context, id string) bool {
	logger := p.logger.With(zap.String("batch_id", id))
	filesOK := true
	if err := p.artifacts.DeleteBatch(ctx, id); err != nil {
		filesOK = false
		logger.Warn("artifact removal incomplete", zap.Error(err))
	}
	if err := p.store.ClearErrors(ctx, id); err != nil {
		logger.Warn("clear error list failed", zap.Error(err))
	}
	status, deleted, ready := batch.StatusDeleted, true, false
	if err := p.store.Update(ctx, id, batch.Fields{Status: &status, Deleted: &deleted, ResultReady: &ready}); err != nil {
		logger.Warn("mark deleted failed", zap.Error(err))
	}
	return filesOK
}
