// Package daemon runs the workspace components as one long-lived process.
//
// Components come up in dependency order and go down in the reverse of that
// order, so the session core stops while the store it writes to is still
// open.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/th317erd/hero/internal/concurrency"
	"github.com/th317erd/hero/internal/config"
)

type Daemon struct {
	cfg         *config.Config
	workspaceID string

	mu           sync.RWMutex
	registered   []Component
	status       Status
	startedAt    time.Time
	forceCleanup bool

	// running holds the components whose Init succeeded, in plan order.
	// Only the lifecycle goroutine touches it.
	running []Component
}

func NewDaemon(workspaceID string, cfg *config.Config) (*Daemon, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("workspace ID cannot be empty")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	return &Daemon{
		cfg:         cfg,
		workspaceID: workspaceID,
		status:      StatusStarting,
		startedAt:   time.Now(),
	}, nil
}

// AddComponent registers comp. Order of registration only breaks ties
// between components with no dependency path between them.
func (d *Daemon) AddComponent(comp Component) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registered = append(d.registered, comp)
	slog.Debug("Component registered", "component", comp.Name(), "dependencies", comp.Dependencies())
}

// Start brings every component up and blocks until ctx ends or the process
// receives SIGINT or SIGTERM, then tears them down within the shutdown
// timeout. A cancelled ctx is reported as its error.
func (d *Daemon) Start(ctx context.Context) error {
	slog.Info("Hero daemon starting...", "workspace", d.workspaceID)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTimeout, err := config.DurationOrDefault(d.cfg.Daemon.ShutdownTimeout, config.DefaultDaemonShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse daemon shutdown timeout: %w", err)
	}
	healthInterval, err := config.DurationOrDefault(d.cfg.Daemon.HealthCheckInterval, config.DefaultDaemonHealthInterval)
	if err != nil {
		return fmt.Errorf("parse daemon health check interval: %w", err)
	}

	if err := d.validateConfig(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := d.preInitChecks(ctx, d.force()); err != nil {
		return fmt.Errorf("pre-init checks failed: %w", err)
	}

	if err := d.initializeComponents(ctx); err != nil {
		d.rollback(context.Background())
		return fmt.Errorf("component initialization failed: %w", err)
	}
	if err := d.startComponents(ctx); err != nil {
		_ = d.shutdown(shutdownTimeout)
		return fmt.Errorf("component startup failed: %w", err)
	}

	d.mu.Lock()
	d.status = StatusRunning
	d.startedAt = time.Now()
	d.mu.Unlock()
	slog.Info("Hero daemon is running", "workspace", d.workspaceID, "components", len(d.running))

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	monitorDone := make(chan struct{})
	concurrency.SafeGo(func() {
		defer close(monitorDone)
		d.monitorHealth(monitorCtx, healthInterval)
	}, func(r interface{}) {
		slog.Error("Health monitor panicked", "panic", r)
	})

	<-ctx.Done()
	stopMonitor()
	<-monitorDone

	slog.Info("Shutting down", "workspace", d.workspaceID, "reason", ctx.Err())
	d.setStatus(StatusStopping)
	if err := d.shutdown(shutdownTimeout); err != nil {
		return err
	}
	return ctx.Err()
}

func (d *Daemon) Health() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// Uptime counts from the moment every component was running.
func (d *Daemon) Uptime() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return time.Since(d.startedAt)
}

func (d *Daemon) WorkspaceID() string {
	return d.workspaceID
}

// SetForceCleanup lets pre-init checks remove a stale workspace lock.
func (d *Daemon) SetForceCleanup(force bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forceCleanup = force
}

func (d *Daemon) force() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.forceCleanup
}

func (d *Daemon) Component(name string) Component {
	for _, comp := range d.components() {
		if comp.Name() == name {
			return comp
		}
	}
	return nil
}

// ComponentHealth asks every registered component. A component that errors
// or returns nothing counts as unhealthy.
func (d *Daemon) ComponentHealth() map[string]*ComponentHealth {
	comps := d.components()
	result := make(map[string]*ComponentHealth, len(comps))
	for _, comp := range comps {
		health, err := comp.Health(context.Background())
		if health == nil {
			health = &ComponentHealth{Name: comp.Name()}
		}
		if err != nil {
			health.Healthy = false
			health.Error = err
		}
		result[comp.Name()] = health
	}
	return result
}

func (d *Daemon) components() []Component {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Component(nil), d.registered...)
}

func (d *Daemon) setStatus(s Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = s
}
