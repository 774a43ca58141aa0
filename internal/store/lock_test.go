package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortLockConfig() LockConfig {
	return LockConfig{Timeout: 150 * time.Millisecond, Retry: 10 * time.Millisecond, MaxRetry: 15}
}

func TestWorkspaceLock_ExclusiveUntilReleased(t *testing.T) {
	dir := t.TempDir()

	first, err := AcquireWorkspaceLock("ws", dir, shortLockConfig())
	require.NoError(t, err)
	assert.True(t, first.Held())

	_, err = AcquireWorkspaceLock("ws", dir, shortLockConfig())
	require.Error(t, err)

	first.Release()
	assert.False(t, first.Held())
	first.Release()

	second, err := AcquireWorkspaceLock("ws", dir, shortLockConfig())
	require.NoError(t, err)
	second.Release()
}

func TestCleanupStaleLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, lockFileName)
	require.NoError(t, os.WriteFile(path, nil, 0644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	removed, err := CleanupStaleLock(dir, time.Minute, false)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.FileExists(t, path)

	removed, err = CleanupStaleLock(dir, time.Minute, true)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NoFileExists(t, path)

	removed, err = CleanupStaleLock(dir, time.Minute, true)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestResolveWorkspaceRootPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := ResolveWorkspaceRootPath("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".hero", "workspaces"), got)

	got, err = ResolveWorkspaceRootPath("~/elsewhere")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "elsewhere"), got)
}
