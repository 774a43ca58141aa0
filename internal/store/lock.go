package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/th317erd/hero/internal/config"

	"github.com/gofrs/flock"
)

const lockFileName = "workspace.lock"

// WorkspaceLock keeps a second hero process from opening the same workspace.
type WorkspaceLock struct {
	mu          sync.RWMutex
	flock       *flock.Flock
	path        string
	workspaceID string
	acquiredAt  time.Time
}

type LockConfig struct {
	Timeout  time.Duration
	Retry    time.Duration
	MaxRetry int
}

func DefaultLockConfig() LockConfig {
	timeout, _ := config.DurationOrDefault("", config.DefaultStoreLockTimeout)
	retry, _ := config.DurationOrDefault("", config.DefaultStoreLockRetry)
	return LockConfig{
		Timeout:  timeout,
		Retry:    retry,
		MaxRetry: config.DefaultStoreLockMaxRetry,
	}
}

// AcquireWorkspaceLock polls for the flock until it is free, the retry budget
// runs out or cfg.Timeout passes.
func AcquireWorkspaceLock(workspaceID, basePath string, cfg LockConfig) (*WorkspaceLock, error) {
	defaults := DefaultLockConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.Retry <= 0 {
		cfg.Retry = defaults.Retry
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = defaults.MaxRetry
	}

	path := filepath.Join(basePath, lockFileName)
	l := &WorkspaceLock{
		flock:       flock.New(path),
		path:        path,
		workspaceID: workspaceID,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	locked, err := l.flock.TryLockContext(ctx, cfg.Retry)
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("attempt workspace lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("workspace %s is locked by another instance (timeout after %v)", workspaceID, cfg.Timeout)
	}

	l.acquiredAt = time.Now()
	slog.Info("Workspace lock acquired", "workspace", workspaceID, "path", path)
	return l, nil
}

func (l *WorkspaceLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.flock == nil {
		slog.Warn("Workspace lock already released", "workspace", l.workspaceID)
		return
	}

	held := time.Since(l.acquiredAt)
	if err := l.flock.Unlock(); err != nil {
		slog.Error("Failed to release workspace lock", "workspace", l.workspaceID, "path", l.path, "error", err)
	} else {
		slog.Info("Workspace lock released", "workspace", l.workspaceID, "held_ms", held.Milliseconds())
	}
	l.flock = nil
}

func (l *WorkspaceLock) Held() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.flock != nil
}

// LockAge reports how long ago the workspace lock file was last touched.
func LockAge(basePath string) (time.Duration, bool, error) {
	info, err := os.Stat(filepath.Join(basePath, lockFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return time.Since(info.ModTime()), true, nil
}

// CleanupStaleLock removes a lock file older than maxAge when force is set.
// Without force it only reports the stale file.
func CleanupStaleLock(basePath string, maxAge time.Duration, force bool) (bool, error) {
	path := filepath.Join(basePath, lockFileName)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	age := time.Since(info.ModTime())
	if age <= maxAge {
		return false, nil
	}

	slog.Warn("Found stale workspace lock", "path", path, "age", age, "max_age", maxAge)
	if !force {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, err
	}
	slog.Info("Stale workspace lock removed", "path", path)
	return true, nil
}
