package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/th317erd/hero/internal/broadcast"
	"github.com/th317erd/hero/internal/config"
	"github.com/th317erd/hero/internal/daemon"
	"github.com/th317erd/hero/internal/daemon/components"
	"github.com/th317erd/hero/internal/orchestrator"
	"github.com/th317erd/hero/internal/permission"
)

// RuntimeComponents is the in-process core for one-shot commands: the daemon
// component set without maintenance or the health monitor.
type RuntimeComponents struct {
	Ctx    context.Context
	Cancel context.CancelFunc

	Config      *config.Config
	WorkspaceID string

	Set    *components.Set
	Kernel *orchestrator.DefaultKernel
	Engine *permission.Engine

	initialized []daemon.Component
}

func NewRuntimeComponents(ctx context.Context, cfg *config.Config, workspaceID string, sinks ...broadcast.Sink) (*RuntimeComponents, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	r := &RuntimeComponents{
		Ctx:         ctx,
		Cancel:      cancel,
		Config:      cfg,
		WorkspaceID: workspaceID,
		Set:         components.NewSet(cfg, workspaceID, sinks...),
	}

	for _, comp := range r.core() {
		if err := comp.Init(ctx); err != nil {
			r.cleanup()
			return nil, fmt.Errorf("init %s: %w", comp.Name(), err)
		}
		r.initialized = append(r.initialized, comp)
	}

	r.Kernel = r.Set.Core.Kernel()
	r.Engine = r.Set.Governance.Engine()

	slog.Debug("Runtime components initialized", "workspace", workspaceID)
	return r, nil
}

func (r *RuntimeComponents) core() []daemon.Component {
	return []daemon.Component{r.Set.Store, r.Set.Governance, r.Set.Broadcast, r.Set.Core}
}

func (r *RuntimeComponents) Start() error {
	for _, comp := range r.initialized {
		if err := comp.Start(r.Ctx); err != nil {
			r.cleanup()
			return fmt.Errorf("start %s: %w", comp.Name(), err)
		}
	}
	return nil
}

// Stop stops components in reverse order. It is safe to call more than once.
func (r *RuntimeComponents) Stop() {
	slog.Debug("Stopping runtime components...")

	r.Cancel()

	stopCtx := context.Background()
	for i := len(r.initialized) - 1; i >= 0; i-- {
		comp := r.initialized[i]
		if err := comp.Stop(stopCtx); err != nil {
			slog.Warn("Failed to stop component", "component", comp.Name(), "error", err)
		}
	}
	r.initialized = nil

	slog.Debug("Runtime components stopped")
}

func (r *RuntimeComponents) cleanup() {
	slog.Debug("Cleaning up runtime components...")
	r.Stop()
}
