package runtime

import (
	"context"
	"testing"

	"github.com/th317erd/hero/internal/broadcast"
	"github.com/th317erd/hero/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Store.WorkspacePath = t.TempDir()
	cfg.Store.LockTimeout = "500ms"
	return cfg
}

func TestNewRuntimeBuilder(t *testing.T) {
	builder := NewRuntimeBuilder()
	if builder == nil {
		t.Error("NewRuntimeBuilder() returned nil")
	}
}

func TestBuilder_WithMethods(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{}
	workspaceID := "test-workspace-" + t.Name()
	sink := broadcast.NewChannelSink("test", "", 1)

	builder := NewRuntimeBuilder().
		WithContext(ctx).
		WithConfig(cfg).
		WithWorkspace(workspaceID).
		WithSinks(sink)

	impl, ok := builder.(*DefaultRuntimeBuilder)
	if !ok {
		t.Fatal("Builder is not DefaultRuntimeBuilder")
	}

	if impl.ctx != ctx {
		t.Error("WithContext did not set context")
	}
	if impl.cfg != cfg {
		t.Error("WithConfig did not set config")
	}
	if impl.workspaceID != workspaceID {
		t.Error("WithWorkspace did not set workspaceID")
	}
	if len(impl.sinks) != 1 {
		t.Errorf("WithSinks kept %d sinks, want 1", len(impl.sinks))
	}
}

func TestBuilder_Build_MissingConfig(t *testing.T) {
	builder := NewRuntimeBuilder().
		WithContext(context.Background())

	_, err := builder.Build()
	if err == nil {
		t.Error("Build() should return error when config is missing")
	}
}

func TestBuilder_Build_DefaultWorkspace(t *testing.T) {
	components, err := NewRuntimeBuilder().
		WithContext(context.Background()).
		WithConfig(testConfig(t)).
		Build()
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	defer components.Stop()

	if components.WorkspaceID != DefaultWorkspaceID {
		t.Errorf("WorkspaceID = %v, want %v", components.WorkspaceID, DefaultWorkspaceID)
	}
	if components.Kernel == nil || components.Engine == nil {
		t.Fatal("Build() left the kernel or engine nil")
	}
	if err := components.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	// Stop is idempotent.
	components.Stop()
	components.Stop()
}

func TestBuilder_Build_LockedWorkspace(t *testing.T) {
	cfg := testConfig(t)

	first, err := NewRuntimeBuilder().WithConfig(cfg).WithWorkspace("shared").Build()
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	defer first.Stop()

	if _, err := NewRuntimeBuilder().WithConfig(cfg).WithWorkspace("shared").Build(); err == nil {
		t.Error("Build() should fail while another runtime holds the workspace lock")
	}
}
