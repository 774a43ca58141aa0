package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/th317erd/hero/internal/config"
	"github.com/th317erd/hero/internal/daemon"
	"github.com/th317erd/hero/internal/permission"
	"github.com/th317erd/hero/internal/store"
)

// GovernanceComponent owns the permission engine and its audit log.
type GovernanceComponent struct {
	cfg         *config.Config
	workspaceID string
	storeComp   *StoreComponent
	engine      *permission.Engine
	audit       *permission.FileAuditLogger
	initialized bool
	started     bool
	mu          sync.RWMutex
	startTime   time.Time
}

func NewGovernanceComponent(cfg *config.Config, workspaceID string, storeComp *StoreComponent) *GovernanceComponent {
	return &GovernanceComponent{
		cfg:         cfg,
		workspaceID: workspaceID,
		storeComp:   storeComp,
	}
}

func (g *GovernanceComponent) Name() string {
	return "Governance"
}

func (g *GovernanceComponent) Dependencies() []string {
	return []string{"Store"}
}

func (g *GovernanceComponent) Init(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("Governance init cancelled: %w", ctx.Err())
	default:
	}

	if g.storeComp == nil || g.storeComp.Rules() == nil {
		return fmt.Errorf("rule store not initialized")
	}

	auditPath, err := store.GetAuditPath(g.workspaceID, g.cfg.Store.WorkspacePath)
	if err != nil {
		return fmt.Errorf("resolve audit path: %w", err)
	}
	audit, err := permission.NewAuditLogger(auditPath, g.cfg.Permission.AuditEnabled, g.cfg.Permission.RedactPatterns)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	g.audit = audit
	g.engine = permission.NewEngine(g.storeComp.Rules(), audit)
	g.initialized = true
	slog.Info("Governance initialized", "component", g.Name(), "workspace", g.workspaceID, "audit", g.cfg.Permission.AuditEnabled)
	return nil
}

func (g *GovernanceComponent) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.initialized {
		return fmt.Errorf("Governance not initialized")
	}

	g.started = true
	g.startTime = time.Now()
	slog.Info("Governance started", "component", g.Name())
	return nil
}

func (g *GovernanceComponent) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.started {
		slog.Info("Governance not started, skipping stop", "component", g.Name())
		return nil
	}

	g.started = false
	slog.Info("Governance stopped", "component", g.Name())
	return nil
}

func (g *GovernanceComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.initialized {
		return &daemon.ComponentHealth{Name: g.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if !g.started {
		return &daemon.ComponentHealth{Name: g.Name(), Healthy: false, Error: fmt.Errorf("not started")}, nil
	}
	if _, err := g.engine.ListRules(ctx, permission.Query{}); err != nil {
		return &daemon.ComponentHealth{Name: g.Name(), Healthy: false, Error: fmt.Errorf("list rules: %w", err)}, nil
	}
	return &daemon.ComponentHealth{Name: g.Name(), Healthy: true}, nil
}

func (g *GovernanceComponent) Engine() *permission.Engine {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.engine
}

func (g *GovernanceComponent) Audit() permission.AuditLogger {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.audit
}
