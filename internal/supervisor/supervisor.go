// Package supervisor keeps the desired number of local worker processes alive.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sheet-image-republisher/internal/batch"
	"github.com/JakeFAU/sheet-image-republisher/internal/metrics"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultTick      = 5 * time.Second
	DefaultStopGrace = 10 * time.Second

	backoffBase = time.Second
)

// SpawnError wraps a failed launch.
type SpawnError struct {
	Slot int
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker slot %d: %v", e.Slot, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Settings is the live configuration the supervisor reads every tick.
type Settings interface {
	DesiredWorkers(ctx context.Context) (int, error)
	SeedDesiredWorkers(ctx context.Context, n int) (bool, error)
	AutoPurge(ctx context.Context) (bool, error)
}

// Config controls the reconcile loop.
type Config struct {
	Tick      time.Duration
	StopGrace time.Duration
	// DefaultWorkers seeds the desired count and is the fallback when it cannot be read.
	DefaultWorkers int
	// RespawnBackoffMax caps the delay before replacing a crash-looping worker; 0 disables backoff.
	RespawnBackoffMax time.Duration
}

type slot struct {
	proc        Process
	startedAt   time.Time
	failures    int
	nextAttempt time.Time
}

// Supervisor reconciles tracked processes against the desired count. Slots are
// ordered by spawn time; scale-down always removes from the tail.
type Supervisor struct {
	launcher Launcher
	settings Settings
	purge    batch.PurgeRequester
	clock    batch.Clock
	cfg      Config
	logger   *zap.Logger

	mu    sync.Mutex
	slots []*slot
}

// New constructs a Supervisor. purge may be nil.
func New(launcher Launcher, settings Settings, purge batch.PurgeRequester, clock batch.Clock, cfg Config, logger *zap.Logger) *Supervisor {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		launcher: launcher,
		settings: settings,
		purge:    purge,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run reconciles until ctx ends, then terminates every tracked process.
func (s *Supervisor) Run(ctx context.Context) error {
	if seeded, err := s.settings.SeedDesiredWorkers(ctx, s.cfg.DefaultWorkers); err != nil {
		s.logger.Warn("seed desired workers failed", zap.Error(err))
	} else if seeded {
		s.logger.Info("seeded desired workers", zap.Int("workers", s.cfg.DefaultWorkers))
	}

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return nil
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

// Snapshot returns the PIDs of tracked processes in slot order.
func (s *Supervisor) Snapshot() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pids := make([]int, 0, len(s.slots))
	for _, sl := range s.slots {
		if sl.proc != nil {
			pids = append(pids, sl.proc.PID())
		}
	}
	return pids
}

// Shutdown terminates every tracked process, newest first.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.slots) > 0 {
		s.popLocked()
	}
	metrics.SetSupervisedWorkers(0)
}

func (s *Supervisor) reconcile(ctx context.Context) {
	desired := s.desired(ctx)

	s.mu.Lock()
	for len(s.slots) > desired {
		s.popLocked()
	}
	for i, sl := range s.slots {
		s.reviveLocked(ctx, i, sl)
	}
	for len(s.slots) < desired {
		sl := &slot{}
		if !s.startLocked(ctx, len(s.slots), sl) {
			break
		}
		s.slots = append(s.slots, sl)
	}
	alive := 0
	for _, sl := range s.slots {
		if sl.proc != nil {
			alive++
		}
	}
	s.mu.Unlock()

	metrics.SetSupervisedWorkers(alive)
	s.maybeRequestPurge(ctx)
}

func (s *Supervisor) desired(ctx context.Context) int {
	n, err := s.settings.DesiredWorkers(ctx)
	if err != nil {
		s.logger.Warn("read desired workers failed, using default", zap.Error(err))
		n = s.cfg.DefaultWorkers
	}
	return max(n, 0)
}

// reviveLocked replaces an exited process in place, honoring crash backoff.
func (s *Supervisor) reviveLocked(ctx context.Context, i int, sl *slot) {
	now := s.clock.Now()
	if sl.proc != nil {
		if !sl.proc.Exited() {
			return
		}
		ranFor := now.Sub(sl.startedAt)
		s.logger.Warn("worker exited unexpectedly",
			zap.Int("slot", i), zap.Int("pid", sl.proc.PID()), zap.Duration("ran_for", ranFor))
		sl.proc = nil
		s.scheduleRetry(sl, now, ranFor)
	}
	if now.Before(sl.nextAttempt) {
		return
	}
	if s.startLocked(ctx, i, sl) {
		metrics.ObserveRespawn()
	} else {
		s.scheduleRetry(sl, now, 0)
	}
}

func (s *Supervisor) scheduleRetry(sl *slot, now time.Time, ranFor time.Duration) {
	if s.cfg.RespawnBackoffMax <= 0 {
		return
	}
	if ranFor > s.cfg.RespawnBackoffMax {
		sl.failures = 0
		return
	}
	sl.failures++
	delay := min(backoffBase<<min(sl.failures-1, 20), s.cfg.RespawnBackoffMax)
	sl.nextAttempt = now.Add(delay)
}

func (s *Supervisor) startLocked(ctx context.Context, i int, sl *slot) bool {
	proc, err := s.launcher.Launch(ctx)
	if err != nil {
		s.logger.Error("worker spawn failed", zap.Error(&SpawnError{Slot: i, Err: err}))
		return false
	}
	sl.proc = proc
	sl.startedAt = s.clock.Now()
	s.logger.Info("worker started", zap.Int("slot", i), zap.Int("pid", proc.PID()))
	return true
}

func (s *Supervisor) popLocked() {
	last := len(s.slots) - 1
	sl := s.slots[last]
	s.slots = s.slots[:last]
	if sl.proc == nil {
		return
	}
	pid := sl.proc.PID()
	if err := sl.proc.Terminate(s.cfg.StopGrace); err != nil {
		s.logger.Warn("worker terminate failed", zap.Int("pid", pid), zap.Error(err))
		return
	}
	s.logger.Info("worker stopped", zap.Int("slot", last), zap.Int("pid", pid))
}

func (s *Supervisor) maybeRequestPurge(ctx context.Context) {
	if s.purge == nil {
		return
	}
	enabled, err := s.settings.AutoPurge(ctx)
	if err != nil {
		s.logger.Warn("read auto-purge flag failed", zap.Error(err))
		return
	}
	if !enabled {
		return
	}
	if err := s.purge.RequestPurge(ctx, "auto"); err != nil {
		s.logger.Warn("auto purge request failed", zap.Error(err))
	}
}
