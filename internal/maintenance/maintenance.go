// Package maintenance runs periodic housekeeping for a workspace on a cron
// schedule: expired idempotency keys, resolved approvals past retention and
// stale workspace locks.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/th317erd/hero/internal/config"
	heroErrors "github.com/th317erd/hero/internal/errors"
	"github.com/th317erd/hero/internal/store"

	"github.com/robfig/cron/v3"
)

type KeyPruner interface {
	PruneKeys(ctx context.Context) (int, error)
}

type ApprovalPruner interface {
	PruneApprovals(retention time.Duration) int
}

type Report struct {
	KeysPruned      int
	ApprovalsPruned int
	StaleLock       bool
	Errors          []error
}

type Sweeper struct {
	keys      KeyPruner
	approvals ApprovalPruner
	lockDir   string

	schedule  string
	retention time.Duration
	lockTTL   time.Duration

	mu       sync.RWMutex
	cron     *cron.Cron
	running  bool
	lastRun  time.Time
	lastErrs int
}

type Option func(*Sweeper)

// WithLockDir reports lock files in dir older than the stale lock ttl.
func WithLockDir(dir string) Option {
	return func(s *Sweeper) { s.lockDir = dir }
}

func NewSweeper(keys KeyPruner, approvals ApprovalPruner, cfg *config.Config, opts ...Option) (*Sweeper, error) {
	if cfg == nil {
		return nil, heroErrors.Validation("maintenance config is required")
	}

	retention, err := config.DurationOrDefault(cfg.Approval.Retention, config.DefaultApprovalRetention)
	if err != nil {
		return nil, fmt.Errorf("parse approval retention: %w", err)
	}
	lockTTL, err := config.DurationOrDefault(cfg.Daemon.StaleLockTTL, config.DefaultDaemonStaleLockTTL)
	if err != nil {
		return nil, fmt.Errorf("parse stale lock ttl: %w", err)
	}

	schedule := strings.TrimSpace(cfg.Maintenance.Schedule)
	if schedule == "" {
		schedule = config.DefaultMaintenanceSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, heroErrors.Validation(fmt.Sprintf("invalid maintenance schedule %q: %v", schedule, err))
	}

	s := &Sweeper{
		keys:      keys,
		approvals: approvals,
		schedule:  schedule,
		retention: retention,
		lockTTL:   lockTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sweep runs every job once. A failing job does not stop the others.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	var report Report

	if s.keys != nil {
		n, err := s.keys.PruneKeys(ctx)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("prune idempotency keys: %w", err))
		}
		report.KeysPruned = n
	}

	if s.approvals != nil {
		report.ApprovalsPruned = s.approvals.PruneApprovals(s.retention)
	}

	if s.lockDir != "" {
		// Report only; the running process may hold the lock itself.
		age, exists, err := store.LockAge(s.lockDir)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("check stale lock: %w", err))
		}
		if exists && age > s.lockTTL {
			report.StaleLock = true
			slog.Warn("Workspace lock older than stale ttl", "dir", s.lockDir, "age", age, "ttl", s.lockTTL)
		}
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastErrs = len(report.Errors)
	s.mu.Unlock()

	for _, err := range report.Errors {
		slog.Warn("Maintenance job failed", "error", err)
	}
	slog.Debug("Maintenance sweep finished",
		"keys_pruned", report.KeysPruned,
		"approvals_pruned", report.ApprovalsPruned,
		"stale_lock", report.StaleLock,
	)
	return report
}

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	c.Start()

	s.cron = c
	s.running = true
	slog.Info("Maintenance scheduled", "schedule", s.schedule, "approval_retention", s.retention)
	return nil
}

// Stop waits for a running sweep or for ctx, whichever ends first.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
		slog.Info("Maintenance stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) Health(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return heroErrors.Transient("maintenance not running")
	}
	if s.lastErrs > 0 {
		return heroErrors.Transient(fmt.Sprintf("last sweep had %d failed jobs", s.lastErrs))
	}
	return nil
}

func (s *Sweeper) LastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

func (s *Sweeper) Schedule() string {
	return s.schedule
}
