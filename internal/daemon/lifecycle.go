package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/th317erd/hero/internal/config"
	"github.com/th317erd/hero/internal/store"
)

func (d *Daemon) validateConfig() error {
	switch d.cfg.Store.Backend {
	case "", config.BackendJSONL, config.BackendSQLite:
	default:
		return fmt.Errorf("unknown store backend %q (want %s or %s)", d.cfg.Store.Backend, config.BackendJSONL, config.BackendSQLite)
	}
	if d.cfg.Delegation.MaxDepth < 0 {
		return fmt.Errorf("invalid delegation max depth: %d", d.cfg.Delegation.MaxDepth)
	}

	workspacePath, err := store.GetWorkspacePath(d.workspaceID, d.cfg.Store.WorkspacePath)
	if err != nil {
		return fmt.Errorf("resolve workspace path: %w", err)
	}
	if err := os.MkdirAll(workspacePath, 0755); err != nil {
		return fmt.Errorf("create workspace directory: %w", err)
	}

	slog.Debug("Configuration validated", "workspace", d.workspaceID, "path", workspacePath, "backend", d.cfg.Store.Backend)
	return nil
}

// preInitChecks clears a stale workspace lock. Without force an old lock is
// only reported; the store then decides whether it can take the lock.
func (d *Daemon) preInitChecks(ctx context.Context, force bool) error {
	workspacePath, err := store.GetWorkspacePath(d.workspaceID, d.cfg.Store.WorkspacePath)
	if err != nil {
		return fmt.Errorf("resolve workspace path: %w", err)
	}
	staleLockTTL, err := config.DurationOrDefault(d.cfg.Daemon.StaleLockTTL, config.DefaultDaemonStaleLockTTL)
	if err != nil {
		return fmt.Errorf("parse daemon stale lock ttl: %w", err)
	}

	if _, err := store.CleanupStaleLock(workspacePath, staleLockTTL, force); err != nil {
		slog.Warn("Failed to cleanup stale lock", "workspace", d.workspaceID, "error", err)
	}
	return ctx.Err()
}

// initializeComponents resolves the plan and runs Init along it. Components
// that initialized are kept for teardown even when a later one fails.
func (d *Daemon) initializeComponents(ctx context.Context) error {
	ordered, err := plan(d.components())
	if err != nil {
		return err
	}
	slog.Info("Component plan resolved", "order", names(ordered))

	d.running = d.running[:0]
	for _, comp := range ordered {
		if err := comp.Init(ctx); err != nil {
			slog.Error("Component initialization failed", "component", comp.Name(), "error", err)
			return fmt.Errorf("init %s: %w", comp.Name(), err)
		}
		d.running = append(d.running, comp)
		slog.Debug("Component initialized", "component", comp.Name())
	}
	return nil
}

func (d *Daemon) startComponents(ctx context.Context) error {
	for _, comp := range d.running {
		if err := comp.Start(ctx); err != nil {
			slog.Error("Component startup failed", "component", comp.Name(), "error", err)
			return fmt.Errorf("start %s: %w", comp.Name(), err)
		}
		slog.Debug("Component started", "component", comp.Name())
	}
	return nil
}

// shutdown stops the running components under a deadline. Components get
// ctx so a slow Stop can give up; the call itself never outlives timeout.
func (d *Daemon) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.shutdownComponents(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			slog.Error("Shutdown finished with errors", "workspace", d.workspaceID, "error", err)
			return err
		}
		slog.Info("Shutdown complete", "workspace", d.workspaceID)
		return nil
	case <-ctx.Done():
		slog.Error("Shutdown timed out", "workspace", d.workspaceID, "timeout", timeout)
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}

// shutdownComponents stops the running components in reverse plan order.
// Every component is asked even when an earlier Stop fails.
func (d *Daemon) shutdownComponents(ctx context.Context) error {
	var errs []error
	for i := len(d.running) - 1; i >= 0; i-- {
		comp := d.running[i]
		if err := comp.Stop(ctx); err != nil {
			slog.Error("Component stop failed", "component", comp.Name(), "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", comp.Name(), err))
			continue
		}
		slog.Debug("Component stopped", "component", comp.Name())
	}
	d.running = nil
	d.setStatus(StatusStopped)
	return errors.Join(errs...)
}

// rollback undoes a failed initialization. Components that never
// initialized are left alone.
func (d *Daemon) rollback(ctx context.Context) {
	slog.Warn("Rolling back initialized components", "workspace", d.workspaceID, "components", names(d.running))
	if err := d.shutdownComponents(ctx); err != nil {
		slog.Error("Rollback incomplete", "error", err)
	}
}
