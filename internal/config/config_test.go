package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultServerLogLevel, cfg.Server.LogLevel)
	assert.Equal(t, DefaultWorkspaceID, cfg.Server.WorkspaceID)
	assert.Equal(t, BackendJSONL, cfg.Store.Backend)
	assert.Equal(t, filepath.Join(home, ".hero", "workspaces"), cfg.Store.WorkspacePath)
	assert.Equal(t, DefaultMaxDelegationDepth, cfg.Delegation.MaxDepth)
	assert.Equal(t, DefaultApprovalTimeout, cfg.Approval.Timeout)
	assert.Equal(t, DefaultApprovalTarget, cfg.Approval.Target)
	assert.Equal(t, DefaultInteractionTimeout, cfg.Interaction.Timeout)
	assert.Equal(t, DefaultAbilityRetryMax, cfg.Ability.RetryMax)
	assert.True(t, cfg.Permission.AuditEnabled)
	assert.True(t, cfg.Maintenance.Enabled)
	assert.Equal(t, DefaultMaintenanceSchedule, cfg.Maintenance.Schedule)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path := filepath.Join(home, "hero.yaml")
	content := []byte("delegation:\n  max_depth: 4\napproval:\n  timeout: 30s\nstore:\n  backend: SQLite\n  sqlite_path: ~/hero.db\n")
	require.NoError(t, os.WriteFile(path, content, 0644))

	t.Setenv("HERO_INTERACTION__TIMEOUT", "45s")

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", "", "")
	require.NoError(t, cmd.Flags().Set("config", path))

	cfg, err := Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Delegation.MaxDepth)
	assert.Equal(t, "30s", cfg.Approval.Timeout)
	assert.Equal(t, "45s", cfg.Interaction.Timeout)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, filepath.Join(home, "hero.db"), cfg.Store.SQLitePath)
}

func TestLoadFlagsOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", "", "")
	cmd.Flags().Int("delegation.max_depth", DefaultMaxDelegationDepth, "")
	require.NoError(t, cmd.Flags().Set("delegation.max_depth", "3"))

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Delegation.MaxDepth)
}

func TestDurationOrDefault(t *testing.T) {
	d, err := DurationOrDefault("", "2s")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	d, err = DurationOrDefault("150ms", "2s")
	require.NoError(t, err)
	assert.Equal(t, 150*time.Millisecond, d)

	_, err = DurationOrDefault("", "")
	require.Error(t, err)

	_, err = DurationOrDefault("soon", "")
	require.Error(t, err)
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("HERO_TEST_DIR", "data")

	got, err := ExpandPath("~/$HERO_TEST_DIR/hero.db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "data", "hero.db"), got)

	got, err = ExpandPath("  ")
	require.NoError(t, err)
	assert.Empty(t, got)
}
