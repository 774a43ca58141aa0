package components

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/th317erd/hero/internal/config"
	"github.com/th317erd/hero/internal/credential"
	"github.com/th317erd/hero/internal/daemon"
	"github.com/th317erd/hero/internal/orchestrator"
	"github.com/th317erd/hero/internal/store"
)

// CoreComponent builds the session kernel on top of the store, the permission
// engine and the event hub.
type CoreComponent struct {
	kernel        *orchestrator.DefaultKernel
	cfg           *config.Config
	workspaceID   string
	storeComp     *StoreComponent
	governComp    *GovernanceComponent
	broadcastComp *BroadcastComponent
}

func NewCoreComponent(cfg *config.Config, workspaceID string, storeComp *StoreComponent, governComp *GovernanceComponent, broadcastComp *BroadcastComponent) *CoreComponent {
	return &CoreComponent{
		cfg:           cfg,
		workspaceID:   workspaceID,
		storeComp:     storeComp,
		governComp:    governComp,
		broadcastComp: broadcastComp,
	}
}

func (c *CoreComponent) Name() string {
	return "Core"
}

func (c *CoreComponent) Dependencies() []string {
	return []string{"Store", "Governance", "Broadcast"}
}

func (c *CoreComponent) Init(ctx context.Context) error {
	if c.storeComp == nil || c.governComp == nil || c.broadcastComp == nil {
		return fmt.Errorf("required component dependencies not provided")
	}

	repo := c.storeComp.Repository()
	engine := c.governComp.Engine()
	hub := c.broadcastComp.Hub()
	if repo == nil || engine == nil || hub == nil {
		return fmt.Errorf("required dependencies not initialized")
	}

	identityPath, err := store.GetIdentityPath(c.workspaceID, c.cfg.Store.WorkspacePath)
	if err != nil {
		return fmt.Errorf("resolve identity path: %w", err)
	}
	identity, err := credential.LoadOrCreateIdentity(identityPath)
	if err != nil {
		return fmt.Errorf("load workspace identity: %w", err)
	}

	deps := orchestrator.Deps{
		Repo:      repo,
		Engine:    engine,
		Publisher: hub,
		Identity:  identity,
	}
	if keys := c.storeComp.Keys(); keys != nil {
		deps.Keys = keys
	}

	kernel, err := orchestrator.NewKernel(*c.cfg, deps)
	if err != nil {
		return fmt.Errorf("failed to create kernel: %w", err)
	}
	if err := kernel.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize kernel: %w", err)
	}
	c.kernel = kernel

	slog.Info("Core kernel initialized", "component", c.Name(), "workspace", c.workspaceID)
	return nil
}

func (c *CoreComponent) Start(ctx context.Context) error {
	if c.kernel == nil {
		return fmt.Errorf("kernel not initialized")
	}

	if err := c.kernel.Start(ctx); err != nil {
		return fmt.Errorf("failed to start kernel: %w", err)
	}

	slog.Info("Core started", "component", c.Name())
	return nil
}

func (c *CoreComponent) Stop(ctx context.Context) error {
	if c.kernel == nil {
		slog.Info("Kernel not initialized, skipping stop", "component", c.Name())
		return nil
	}

	if err := c.kernel.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop kernel: %w", err)
	}

	slog.Info("Core stopped", "component", c.Name())
	return nil
}

func (c *CoreComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if c.kernel == nil {
		return &daemon.ComponentHealth{
			Name:    c.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not initialized"),
		}, nil
	}

	health, err := c.kernel.Health(ctx)
	if err != nil {
		return nil, err
	}

	return &daemon.ComponentHealth{
		Name:    c.Name(),
		Healthy: health.Healthy,
		Error:   health.Error,
	}, nil
}

func (c *CoreComponent) Kernel() *orchestrator.DefaultKernel {
	return c.kernel
}
