package components

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/th317erd/hero/internal/config"
	"github.com/th317erd/hero/internal/daemon"
	"github.com/th317erd/hero/internal/permission"
	"github.com/th317erd/hero/internal/store"
	"github.com/th317erd/hero/internal/store/sqlite"
)

// KeyStore is the idempotency key surface the session manager and the
// maintenance sweeper share.
type KeyStore interface {
	CheckAndMark(key string, ttl time.Duration) bool
	Forget(key string)
	PruneKeys(ctx context.Context) (int, error)
}

// StoreComponent opens the configured backend: the JSONL worker or a SQLite
// database guarded by the same workspace lock.
type StoreComponent struct {
	workspaceID string
	storeCfg    *config.StoreConfig
	basePath    string

	worker *store.Worker

	db    *sql.DB
	lock  *store.WorkspaceLock
	keys  *savingKeys
	frame *sqlite.FrameRepository
	rules permission.RuleStore

	initialized bool
	started     bool
	mu          sync.RWMutex
	startTime   time.Time
}

func NewStoreComponent(workspaceID string, storeCfg *config.StoreConfig) *StoreComponent {
	return &StoreComponent{
		workspaceID: workspaceID,
		storeCfg:    storeCfg,
	}
}

func (s *StoreComponent) Name() string {
	return "Store"
}

func (s *StoreComponent) Dependencies() []string {
	return []string{}
}

func (s *StoreComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("Store init cancelled: %w", ctx.Err())
	default:
	}

	cfg := config.StoreConfig{}
	if s.storeCfg != nil {
		cfg = *s.storeCfg
	}

	lockTimeout, err := config.DurationOrDefault(cfg.LockTimeout, config.DefaultStoreLockTimeout)
	if err != nil {
		return fmt.Errorf("parse store lock timeout: %w", err)
	}
	lockRetry, err := config.DurationOrDefault(cfg.LockRetry, config.DefaultStoreLockRetry)
	if err != nil {
		return fmt.Errorf("parse store lock retry: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", config.BackendJSONL:
		err = s.initJSONL(cfg, lockTimeout, lockRetry)
	case config.BackendSQLite:
		err = s.initSQLite(cfg, lockTimeout, lockRetry)
	default:
		err = fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return err
	}

	s.initialized = true
	slog.Info("Store initialized", "component", s.Name(), "workspace", s.workspaceID, "backend", s.backend(), "path", s.basePath)
	return nil
}

func (s *StoreComponent) initJSONL(cfg config.StoreConfig, lockTimeout, lockRetry time.Duration) error {
	worker, err := store.NewWorker(s.workspaceID, cfg.WorkspacePath, store.RuntimeConfig{
		LockTimeout:  lockTimeout,
		LockRetry:    lockRetry,
		LockMaxRetry: cfg.LockMaxRetry,
		InboxSize:    cfg.InboxSize,
	})
	if err != nil {
		return fmt.Errorf("failed to init store worker: %w", err)
	}

	rulesPath, err := store.GetRulesPath(s.workspaceID, cfg.WorkspacePath)
	if err != nil {
		worker.Stop()
		return err
	}
	rules, err := permission.NewFileRuleStore(rulesPath)
	if err != nil {
		worker.Stop()
		return fmt.Errorf("load rules: %w", err)
	}

	s.worker = worker
	s.rules = rules
	s.basePath = worker.BasePath()
	return nil
}

func (s *StoreComponent) initSQLite(cfg config.StoreConfig, lockTimeout, lockRetry time.Duration) error {
	basePath, err := store.GetWorkspacePath(s.workspaceID, cfg.WorkspacePath)
	if err != nil {
		return err
	}
	governance := filepath.Join(basePath, "governance")
	if err := os.MkdirAll(governance, 0755); err != nil {
		return fmt.Errorf("failed to create dir %s: %w", governance, err)
	}

	lock, err := store.AcquireWorkspaceLock(s.workspaceID, basePath, store.LockConfig{
		Timeout:  lockTimeout,
		Retry:    lockRetry,
		MaxRetry: cfg.LockMaxRetry,
	})
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	dbPath := cfg.SQLitePath
	if dbPath == "" {
		dbPath = filepath.Join(basePath, "hero.db")
	}
	db, err := sqlite.Open(dbPath)
	if err != nil {
		lock.Release()
		return err
	}

	keysPath, err := store.GetKeysPath(s.workspaceID, cfg.WorkspacePath)
	if err != nil {
		db.Close()
		lock.Release()
		return err
	}
	keys, err := store.NewKeyStore(keysPath)
	if err != nil {
		db.Close()
		lock.Release()
		return fmt.Errorf("failed to load idempotency store: %w", err)
	}

	s.db = db
	s.lock = lock
	s.keys = &savingKeys{KeyStore: keys}
	s.frame = sqlite.NewFrameRepository(db)
	s.rules = sqlite.NewRuleRepository(db)
	s.basePath = basePath
	return nil
}

func (s *StoreComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return fmt.Errorf("Store not initialized")
	}

	if s.worker != nil {
		s.worker.Start()
	}
	s.started = true
	s.startTime = time.Now()
	slog.Info("Store started", "component", s.Name(), "backend", s.backend())
	return nil
}

func (s *StoreComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		slog.Info("Store not initialized, skipping stop", "component", s.Name())
		return nil
	}

	slog.Info("Stopping Store...", "component", s.Name())
	if s.worker != nil {
		s.worker.Stop()
	}
	if s.db != nil {
		if err := s.keys.Save(); err != nil {
			slog.Error("Failed to save idempotency keys on stop", "error", err)
		}
		if err := s.db.Close(); err != nil {
			slog.Error("Failed to close database", "error", err)
		}
		s.lock.Release()
	}
	s.started = false
	s.initialized = false
	slog.Info("Store stopped", "component", s.Name())
	return nil
}

func (s *StoreComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	unhealthy := func(err error) (*daemon.ComponentHealth, error) {
		return &daemon.ComponentHealth{Name: s.Name(), Healthy: false, Error: err}, nil
	}

	if !s.initialized {
		return unhealthy(fmt.Errorf("not initialized"))
	}
	if !s.started {
		return unhealthy(fmt.Errorf("not started"))
	}

	if s.worker != nil && !s.worker.IsRunning() {
		return unhealthy(fmt.Errorf("loop not running"))
	}
	if s.db != nil {
		if !s.lock.Held() {
			return unhealthy(fmt.Errorf("lock not held"))
		}
		if err := s.db.PingContext(ctx); err != nil {
			return unhealthy(fmt.Errorf("ping database: %w", err))
		}
	}

	return &daemon.ComponentHealth{Name: s.Name(), Healthy: true}, nil
}

// Repository returns the frame, session and agent store of the backend.
func (s *StoreComponent) Repository() store.Repository {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.worker != nil {
		return s.worker
	}
	if s.frame != nil {
		return s.frame
	}
	return nil
}

func (s *StoreComponent) Rules() permission.RuleStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules
}

func (s *StoreComponent) Keys() KeyStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.worker != nil {
		return s.worker
	}
	if s.keys != nil {
		return s.keys
	}
	return nil
}

func (s *StoreComponent) BasePath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.basePath
}

func (s *StoreComponent) backend() string {
	if s.db != nil {
		return config.BackendSQLite
	}
	return config.BackendJSONL
}

// savingKeys persists every newly marked key. The JSONL worker batches these
// writes through its inbox; the SQLite backend has no such loop.
type savingKeys struct {
	*store.KeyStore
}

func (k *savingKeys) CheckAndMark(key string, ttl time.Duration) bool {
	if ttl <= 0 {
		if d, err := config.DurationOrDefault("", config.DefaultSessionIdempotencyTTL); err == nil {
			ttl = d
		}
	}
	seen := k.KeyStore.CheckAndMark(key, ttl)
	if !seen {
		k.save()
	}
	return seen
}

func (k *savingKeys) Forget(key string) {
	k.KeyStore.Forget(key)
	k.save()
}

func (k *savingKeys) PruneKeys(context.Context) (int, error) {
	n := k.KeyStore.Prune()
	if n == 0 {
		return 0, nil
	}
	return n, k.KeyStore.Save()
}

func (k *savingKeys) save() {
	if err := k.KeyStore.Save(); err != nil {
		slog.Warn("Failed to save idempotency keys", "error", err)
	}
}
