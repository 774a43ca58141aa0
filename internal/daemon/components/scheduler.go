package components

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/th317erd/hero/internal/config"
	"github.com/th317erd/hero/internal/daemon"
	"github.com/th317erd/hero/internal/maintenance"
)

// MaintenanceComponent runs the housekeeping sweeper. With maintenance
// disabled it stays idle and reports healthy.
type MaintenanceComponent struct {
	sweeper   *maintenance.Sweeper
	cfg       *config.Config
	storeComp *StoreComponent
	coreComp  *CoreComponent
}

func NewMaintenanceComponent(cfg *config.Config, storeComp *StoreComponent, coreComp *CoreComponent) *MaintenanceComponent {
	return &MaintenanceComponent{
		cfg:       cfg,
		storeComp: storeComp,
		coreComp:  coreComp,
	}
}

func (m *MaintenanceComponent) Name() string {
	return "Maintenance"
}

func (m *MaintenanceComponent) Dependencies() []string {
	return []string{"Store", "Core"}
}

func (m *MaintenanceComponent) Init(ctx context.Context) error {
	if !m.cfg.Maintenance.Enabled {
		slog.Info("Maintenance disabled", "component", m.Name())
		return nil
	}
	if m.storeComp == nil || m.coreComp == nil {
		return fmt.Errorf("required component dependencies not provided")
	}
	kernel := m.coreComp.Kernel()
	if kernel == nil {
		return fmt.Errorf("kernel not initialized")
	}

	var keys maintenance.KeyPruner
	if k := m.storeComp.Keys(); k != nil {
		keys = k
	}
	sweeper, err := maintenance.NewSweeper(keys, kernel.Workflow, m.cfg, maintenance.WithLockDir(m.storeComp.BasePath()))
	if err != nil {
		return fmt.Errorf("failed to create sweeper: %w", err)
	}
	m.sweeper = sweeper

	slog.Info("Maintenance initialized", "component", m.Name(), "schedule", sweeper.Schedule())
	return nil
}

func (m *MaintenanceComponent) Start(ctx context.Context) error {
	if m.sweeper == nil {
		return nil
	}

	if err := m.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	slog.Info("Maintenance started", "component", m.Name())
	return nil
}

func (m *MaintenanceComponent) Stop(ctx context.Context) error {
	if m.sweeper == nil {
		slog.Info("Maintenance not running, skipping stop", "component", m.Name())
		return nil
	}

	if err := m.sweeper.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop sweeper: %w", err)
	}

	slog.Info("Maintenance stopped", "component", m.Name())
	return nil
}

func (m *MaintenanceComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if !m.cfg.Maintenance.Enabled {
		return &daemon.ComponentHealth{Name: m.Name(), Healthy: true}, nil
	}
	if m.sweeper == nil {
		return &daemon.ComponentHealth{
			Name:    m.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not initialized"),
		}, nil
	}

	if err := m.sweeper.Health(ctx); err != nil {
		return &daemon.ComponentHealth{
			Name:    m.Name(),
			Healthy: false,
			Error:   err,
		}, nil
	}

	return &daemon.ComponentHealth{
		Name:    m.Name(),
		Healthy: true,
	}, nil
}

func (m *MaintenanceComponent) Sweeper() *maintenance.Sweeper {
	return m.sweeper
}
