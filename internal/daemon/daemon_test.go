package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/th317erd/hero/internal/config"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeComponent struct {
	name      string
	deps      []string
	log       *callLog
	initErr   error
	startErr  error
	stopErr   error
	stopDelay time.Duration

	mu      sync.Mutex
	stopped bool
	health  *ComponentHealth
	hErr    error
}

func newFake(name string, log *callLog, deps ...string) *fakeComponent {
	return &fakeComponent{name: name, deps: deps, log: log, health: &ComponentHealth{Name: name, Healthy: true}}
}

func (f *fakeComponent) Name() string           { return f.name }
func (f *fakeComponent) Dependencies() []string { return f.deps }

func (f *fakeComponent) Init(context.Context) error {
	f.record("init")
	return f.initErr
}

func (f *fakeComponent) Start(context.Context) error {
	f.record("start")
	return f.startErr
}

func (f *fakeComponent) Stop(context.Context) error {
	if f.stopDelay > 0 {
		time.Sleep(f.stopDelay)
	}
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	f.record("stop")
	return f.stopErr
}

func (f *fakeComponent) Health(context.Context) (*ComponentHealth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.health == nil {
		return nil, f.hErr
	}
	h := *f.health
	return &h, f.hErr
}

func (f *fakeComponent) setHealthy(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health = &ComponentHealth{Name: f.name, Healthy: ok}
}

func (f *fakeComponent) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeComponent) record(phase string) {
	if f.log != nil {
		f.log.add(phase + ":" + f.name)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store:  config.StoreConfig{Backend: config.BackendJSONL, WorkspacePath: t.TempDir()},
		Daemon: config.DaemonConfig{ShutdownTimeout: "2s", HealthCheckInterval: "50ms"},
	}
}

func sameCalls(t *testing.T, got, want []string) {
	t.Helper()
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestNewDaemon(t *testing.T) {
	if _, err := NewDaemon("", &config.Config{}); err == nil {
		t.Fatal("expected error for empty workspace id")
	}
	if _, err := NewDaemon("ws", nil); err == nil {
		t.Fatal("expected error for nil config")
	}

	d, err := NewDaemon("ws", &config.Config{})
	if err != nil {
		t.Fatalf("NewDaemon() error = %v", err)
	}
	if d.WorkspaceID() != "ws" {
		t.Errorf("WorkspaceID() = %q, want ws", d.WorkspaceID())
	}
	if d.Health() != StatusStarting {
		t.Errorf("Health() = %v, want %v", d.Health(), StatusStarting)
	}
}

func TestValidateConfig_ResolvesDefaultWorkspaceRoot(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	workspaceID := fmt.Sprintf("test-%d", time.Now().UnixNano())
	d, _ := NewDaemon(workspaceID, &config.Config{})
	if err := d.validateConfig(); err != nil {
		t.Fatalf("validateConfig() failed: %v", err)
	}

	expected := filepath.Join(tmpHome, ".hero", "workspaces", workspaceID)
	if _, err := os.Stat(expected); err != nil {
		t.Fatalf("expected workspace path to exist at %s: %v", expected, err)
	}
}

func TestValidateConfig_RejectsBadValues(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = "postgres"
	d, _ := NewDaemon("ws", cfg)
	if err := d.validateConfig(); err == nil {
		t.Error("expected error for unknown backend")
	}

	cfg = testConfig(t)
	cfg.Delegation.MaxDepth = -1
	d, _ = NewDaemon("ws", cfg)
	if err := d.validateConfig(); err == nil {
		t.Error("expected error for negative delegation depth")
	}
}

func TestPreInitChecks_ForceRemovesStaleLock(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.StaleLockTTL = "1m"
	d, _ := NewDaemon("ws", cfg)
	if err := d.validateConfig(); err != nil {
		t.Fatalf("validateConfig() failed: %v", err)
	}

	lockPath := filepath.Join(cfg.Store.WorkspacePath, "ws", "workspace.lock")
	if err := os.WriteFile(lockPath, nil, 0644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatal(err)
	}

	if err := d.preInitChecks(context.Background(), d.force()); err != nil {
		t.Fatalf("preInitChecks() error = %v", err)
	}
	if _, err := os.Stat(lockPath); err != nil {
		t.Fatalf("lock removed without force: %v", err)
	}

	d.SetForceCleanup(true)
	if err := d.preInitChecks(context.Background(), d.force()); err != nil {
		t.Fatalf("preInitChecks() error = %v", err)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Fatalf("stale lock still present: %v", err)
	}
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name    string
		comps   []Component
		want    []string
		wantErr string
	}{
		{
			name:  "dependencies first",
			comps: []Component{newFake("Core", nil, "Store", "Governance"), newFake("Governance", nil, "Store"), newFake("Store", nil)},
			want:  []string{"Store", "Governance", "Core"},
		},
		{
			name:  "independent keep registration order",
			comps: []Component{newFake("B", nil), newFake("A", nil), newFake("C", nil, "A")},
			want:  []string{"B", "A", "C"},
		},
		{
			name:    "missing dependency",
			comps:   []Component{newFake("Core", nil, "Store")},
			wantErr: "not registered",
		},
		{
			name:    "cycle",
			comps:   []Component{newFake("A", nil, "B"), newFake("B", nil, "A"), newFake("C", nil)},
			wantErr: "circular dependency among A, B",
		},
		{
			name:    "self",
			comps:   []Component{newFake("A", nil, "A")},
			wantErr: "circular",
		},
		{
			name:    "duplicate name",
			comps:   []Component{newFake("A", nil), newFake("A", nil)},
			wantErr: "registered twice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := plan(tt.comps)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("plan() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("plan() error = %v", err)
			}
			sameCalls(t, names(got), tt.want)
		})
	}
}

func TestAddComponent(t *testing.T) {
	d, _ := NewDaemon("test", &config.Config{})
	d.AddComponent(newFake("Comp1", nil))
	d.AddComponent(newFake("Comp2", nil, "Comp1"))

	if got := len(d.components()); got != 2 {
		t.Errorf("components = %d, want 2", got)
	}
	if d.Component("Comp2") == nil || d.Component("Missing") != nil {
		t.Error("Component() lookup mismatch")
	}
}

func TestShutdownComponents_ReverseOfPlan(t *testing.T) {
	log := &callLog{}
	d, _ := NewDaemon("test", &config.Config{})
	// Core is registered first but depends on Store, so it must stop first.
	d.AddComponent(newFake("Core", log, "Store"))
	d.AddComponent(newFake("Store", log))

	if err := d.initializeComponents(context.Background()); err != nil {
		t.Fatalf("initializeComponents() error = %v", err)
	}
	if err := d.shutdownComponents(context.Background()); err != nil {
		t.Fatalf("shutdownComponents() error = %v", err)
	}

	sameCalls(t, log.snapshot(), []string{"init:Store", "init:Core", "stop:Core", "stop:Store"})
	if d.Health() != StatusStopped {
		t.Errorf("Health = %v, want %v", d.Health(), StatusStopped)
	}
}

func TestShutdownComponents_StopsAllDespiteErrors(t *testing.T) {
	log := &callLog{}
	d, _ := NewDaemon("test", &config.Config{})
	store := newFake("Store", log)
	core := newFake("Core", log, "Store")
	core.stopErr = fmt.Errorf("flush failed")
	d.AddComponent(store)
	d.AddComponent(core)

	if err := d.initializeComponents(context.Background()); err != nil {
		t.Fatalf("initializeComponents() error = %v", err)
	}
	err := d.shutdownComponents(context.Background())
	if err == nil || !strings.Contains(err.Error(), "stop Core: flush failed") {
		t.Fatalf("shutdownComponents() error = %v", err)
	}
	if !store.wasStopped() {
		t.Error("Store must still be stopped after Core failed")
	}
}

func TestShutdown_Timeout(t *testing.T) {
	d, _ := NewDaemon("test", &config.Config{})
	slow := newFake("Slow", nil)
	slow.stopDelay = 500 * time.Millisecond
	d.AddComponent(slow)
	if err := d.initializeComponents(context.Background()); err != nil {
		t.Fatalf("initializeComponents() error = %v", err)
	}

	start := time.Now()
	err := d.shutdown(20 * time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("shutdown() error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("shutdown() waited %v past its timeout", elapsed)
	}
}

func TestRollback_OnlyInitializedComponents(t *testing.T) {
	log := &callLog{}
	d, _ := NewDaemon("test", &config.Config{})
	store := newFake("Store", log)
	core := newFake("Core", log, "Store")
	core.initErr = fmt.Errorf("no identity")
	maint := newFake("Maintenance", log, "Core")
	d.AddComponent(store)
	d.AddComponent(core)
	d.AddComponent(maint)

	if err := d.initializeComponents(context.Background()); err == nil {
		t.Fatal("expected init failure")
	}
	d.rollback(context.Background())

	sameCalls(t, log.snapshot(), []string{"init:Store", "init:Core", "stop:Store"})
	if core.wasStopped() || maint.wasStopped() {
		t.Error("components that never initialized must not be stopped")
	}
	if d.Health() != StatusStopped {
		t.Errorf("Health = %v, want %v", d.Health(), StatusStopped)
	}
}

func TestComponentHealth(t *testing.T) {
	d, _ := NewDaemon("test", &config.Config{})
	healthy := newFake("Comp1", nil)
	broken := newFake("Comp2", nil)
	broken.health = nil
	broken.hErr = fmt.Errorf("mock error")
	d.AddComponent(healthy)
	d.AddComponent(broken)

	healths := d.ComponentHealth()
	if len(healths) != 2 {
		t.Fatalf("ComponentHealth() returned %d entries, want 2", len(healths))
	}
	if !healths["Comp1"].Healthy {
		t.Error("Comp1 should be healthy")
	}
	if healths["Comp2"].Healthy || healths["Comp2"].Error == nil {
		t.Errorf("Comp2 should be unhealthy with an error, got %+v", healths["Comp2"])
	}
}

func TestCheckComponentHealth_ReportsTransitions(t *testing.T) {
	d, _ := NewDaemon("test", &config.Config{})
	store := newFake("Store", nil)
	core := newFake("Core", nil)
	d.AddComponent(store)
	d.AddComponent(core)

	last := make(map[string]bool)
	if changed := d.checkComponentHealth(last); len(changed) != 0 {
		t.Errorf("healthy first check reported %v", changed)
	}

	core.setHealthy(false)
	sameCalls(t, d.checkComponentHealth(last), []string{"Core"})
	if changed := d.checkComponentHealth(last); len(changed) != 0 {
		t.Errorf("unchanged unhealthy component reported again: %v", changed)
	}

	core.setHealthy(true)
	store.setHealthy(false)
	sameCalls(t, d.checkComponentHealth(last), []string{"Core", "Store"})
}

func TestStart_RunsUntilCancelled(t *testing.T) {
	log := &callLog{}
	d, _ := NewDaemon("ws", testConfig(t))
	d.AddComponent(newFake("Core", log, "Store"))
	d.AddComponent(newFake("Store", log))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for d.Health() != StatusRunning {
		if time.Now().After(deadline) {
			t.Fatal("daemon never reached running state")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if d.Uptime() < 0 {
		t.Error("Uptime() must not be negative")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Start() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after cancel")
	}

	want := []string{"init:Store", "init:Core", "start:Store", "start:Core", "stop:Core", "stop:Store"}
	sameCalls(t, log.snapshot(), want)
	if d.Health() != StatusStopped {
		t.Errorf("Health = %v, want %v", d.Health(), StatusStopped)
	}
}

func TestStart_StartFailureShutsDown(t *testing.T) {
	d, _ := NewDaemon("ws", testConfig(t))
	store := newFake("Store", nil)
	core := newFake("Core", nil, "Store")
	core.startErr = fmt.Errorf("boom")
	d.AddComponent(store)
	d.AddComponent(core)

	if err := d.Start(context.Background()); err == nil {
		t.Fatal("expected start failure")
	}
	if !store.wasStopped() || !core.wasStopped() {
		t.Error("initialized components must be stopped after a failed start")
	}
}

func TestStart_InitFailureRollsBack(t *testing.T) {
	d, _ := NewDaemon("ws", testConfig(t))
	store := newFake("Store", nil)
	core := newFake("Core", nil, "Store")
	core.initErr = fmt.Errorf("boom")
	d.AddComponent(store)
	d.AddComponent(core)

	err := d.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "init Core") {
		t.Fatalf("Start() error = %v", err)
	}
	if !store.wasStopped() || core.wasStopped() {
		t.Error("only the initialized Store should be stopped")
	}
}
