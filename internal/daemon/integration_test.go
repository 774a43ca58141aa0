package daemon_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/th317erd/hero/internal/ability"
	"github.com/th317erd/hero/internal/config"
	"github.com/th317erd/hero/internal/daemon"
	"github.com/th317erd/hero/internal/daemon/components"
	heroErrors "github.com/th317erd/hero/internal/errors"
	"github.com/th317erd/hero/internal/frame"
	"github.com/th317erd/hero/internal/orchestrator"
	"github.com/th317erd/hero/internal/permission"
	"github.com/th317erd/hero/internal/session"
)

func integrationConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Store.Backend = backend
	cfg.Store.WorkspacePath = t.TempDir()
	cfg.Maintenance.Enabled = true
	cfg.Maintenance.Schedule = "@every 1h"
	cfg.Daemon.ShutdownTimeout = "5s"
	cfg.Daemon.HealthCheckInterval = "100ms"
	return cfg
}

type runningDaemon struct {
	d      *daemon.Daemon
	set    *components.Set
	cancel context.CancelFunc
	done   chan error
}

func startDaemon(t *testing.T, cfg *config.Config, workspaceID string) *runningDaemon {
	t.Helper()

	d, err := daemon.NewDaemon(workspaceID, cfg)
	if err != nil {
		t.Fatalf("Failed to create daemon: %v", err)
	}
	set := components.NewSet(cfg, workspaceID)
	set.Register(d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.Start(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for d.Health() != daemon.StatusRunning {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("Daemon did not reach running, status %v", d.Health())
		}
		select {
		case err := <-done:
			cancel()
			t.Fatalf("Daemon.Start() returned early: %v", err)
		case <-time.After(10 * time.Millisecond):
		}
	}
	return &runningDaemon{d: d, set: set, cancel: cancel, done: done}
}

func (r *runningDaemon) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Daemon.Start() returned unexpected error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Daemon did not shut down within timeout")
	}
	if r.d.Health() != daemon.StatusStopped {
		t.Errorf("Expected StatusStopped after shutdown, got %v", r.d.Health())
	}
}

func TestDaemonFullLifecycle(t *testing.T) {
	for _, backend := range []string{config.BackendJSONL, config.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			cfg := integrationConfig(t, backend)
			workspaceID := fmt.Sprintf("it-%s-%d", backend, time.Now().UnixNano())
			ctx := context.Background()

			r := startDaemon(t, cfg, workspaceID)

			healths := r.d.ComponentHealth()
			if len(healths) != 5 {
				t.Errorf("Expected 5 components, got %d", len(healths))
			}
			for name, h := range healths {
				if !h.Healthy {
					t.Errorf("Component %s unhealthy: %v", name, h.Error)
				}
			}

			kernel := r.set.Core.Kernel()
			if _, err := kernel.RegisterAgent(ctx, session.AgentParams{ID: "agent-A", Name: "A", Credential: []byte("secret")}); err != nil {
				t.Fatalf("RegisterAgent: %v", err)
			}
			meta, err := kernel.Sessions.Create(ctx, session.CreateParams{ID: "s1", Title: "it", OwnerID: "user-1", Agents: []string{"agent-A"}})
			if err != nil {
				t.Fatalf("Create session: %v", err)
			}

			user := permission.Subject{Type: permission.SubjectUser, ID: "user-1"}
			if _, err := kernel.Submit(ctx, orchestrator.Input{SessionID: meta.ID, Subject: user, Content: "hello", IdempotencyKey: "msg-1"}); err != nil {
				t.Fatalf("Submit: %v", err)
			}

			r.stop(t)

			// A restarted daemon sees the same log and remembers processed keys.
			r = startDaemon(t, cfg, workspaceID)
			defer r.stop(t)
			kernel = r.set.Core.Kernel()

			frames, err := kernel.Sessions.Frames(ctx, meta.ID, frame.Filter{Types: []frame.Type{frame.TypeMessage}})
			if err != nil {
				t.Fatalf("Frames: %v", err)
			}
			if len(frames) != 1 {
				t.Fatalf("Expected 1 message frame after restart, got %d", len(frames))
			}

			_, err = kernel.Submit(ctx, orchestrator.Input{SessionID: meta.ID, Subject: user, Content: "hello", IdempotencyKey: "msg-1"})
			if !errors.Is(err, heroErrors.ErrDuplicateEvent) {
				t.Errorf("Expected duplicate event after restart, got %v", err)
			}

			if r.set.Maintenance.Sweeper() == nil {
				t.Fatal("Expected maintenance sweeper to be running")
			}
			report := r.set.Maintenance.Sweeper().Sweep(ctx)
			if len(report.Errors) != 0 {
				t.Errorf("Maintenance sweep failed: %v", report.Errors)
			}
		})
	}
}

func TestDaemonRejectsSecondInstance(t *testing.T) {
	cfg := integrationConfig(t, config.BackendJSONL)
	cfg.Store.LockTimeout = "100ms"
	cfg.Store.LockMaxRetry = 1
	workspaceID := fmt.Sprintf("it-lock-%d", time.Now().UnixNano())

	r := startDaemon(t, cfg, workspaceID)
	defer r.stop(t)

	d2, err := daemon.NewDaemon(workspaceID, cfg)
	if err != nil {
		t.Fatalf("Failed to create daemon: %v", err)
	}
	components.NewSet(cfg, workspaceID).Register(d2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d2.Start(ctx); err == nil {
		t.Fatal("Expected second daemon on the same workspace to fail")
	}
}

func TestDaemonShutdownSettlesPendingApprovals(t *testing.T) {
	cfg := integrationConfig(t, config.BackendJSONL)
	cfg.Approval.Timeout = "1m"
	workspaceID := fmt.Sprintf("it-approval-%d", time.Now().UnixNano())
	ctx := context.Background()

	r := startDaemon(t, cfg, workspaceID)
	kernel := r.set.Core.Kernel()
	if _, err := kernel.RegisterAgent(ctx, session.AgentParams{ID: "agent-A", Name: "A"}); err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	meta, err := kernel.Sessions.Create(ctx, session.CreateParams{ID: "s1", OwnerID: "user-1", Agents: []string{"agent-A"}})
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := kernel.RunAbility(ctx, "exec_command", json.RawMessage(`{"command":"true"}`), ability.Context{SessionID: meta.ID, AgentID: "agent-A"})
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(kernel.Workflow.Approvals(meta.ID, ability.ApprovalPending)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("approval never became pending")
		}
		time.Sleep(10 * time.Millisecond)
	}

	r.stop(t)

	select {
	case err := <-done:
		if !errors.Is(err, heroErrors.ErrPermissionDenied) {
			t.Errorf("Expected permission denied after shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Ability still waiting after the daemon stopped")
	}

	// Core stopped before Store, so the denial made it into the log.
	r = startDaemon(t, cfg, workspaceID)
	defer r.stop(t)
	frames, err := r.set.Core.Kernel().Sessions.Frames(ctx, meta.ID, frame.Filter{Types: []frame.Type{frame.TypeResult}})
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("Expected 1 result frame after restart, got %d", len(frames))
	}
}
