package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server      ServerConfig      `koanf:"server" yaml:"server"`
	Store       StoreConfig       `koanf:"store" yaml:"store"`
	Session     SessionConfig     `koanf:"session" yaml:"session"`
	Interaction InteractionConfig `koanf:"interaction" yaml:"interaction"`
	Approval    ApprovalConfig    `koanf:"approval" yaml:"approval"`
	Permission  PermissionConfig  `koanf:"permission" yaml:"permission"`
	Ability     AbilityConfig     `koanf:"ability" yaml:"ability"`
	Delegation  DelegationConfig  `koanf:"delegation" yaml:"delegation"`
	Maintenance MaintenanceConfig `koanf:"maintenance" yaml:"maintenance"`
	Daemon      DaemonConfig      `koanf:"daemon" yaml:"daemon"`
}

type ServerConfig struct {
	LogLevel    string `koanf:"log_level" yaml:"log_level"`
	WorkspaceID string `koanf:"workspace_id" yaml:"workspace_id"`
}

type StoreConfig struct {
	// Backend selects the frame/rule storage: "jsonl" (files) or "sqlite".
	Backend       string `koanf:"backend" yaml:"backend"`
	WorkspacePath string `koanf:"workspace_path" yaml:"workspace_path"`
	SQLitePath    string `koanf:"sqlite_path" yaml:"sqlite_path"`
	LockTimeout   string `koanf:"lock_timeout" yaml:"lock_timeout"`
	LockRetry     string `koanf:"lock_retry" yaml:"lock_retry"`
	LockMaxRetry  int    `koanf:"lock_max_retry" yaml:"lock_max_retry"`
	InboxSize     int    `koanf:"inbox_size" yaml:"inbox_size"`
}

type SessionConfig struct {
	IdempotencyTTL string `koanf:"idempotency_ttl" yaml:"idempotency_ttl"`
}

type InteractionConfig struct {
	Timeout string `koanf:"timeout" yaml:"timeout"`
}

type ApprovalConfig struct {
	Timeout   string `koanf:"timeout" yaml:"timeout"`
	Target    string `koanf:"target" yaml:"target"`
	Retention string `koanf:"retention" yaml:"retention"`
}

type PermissionConfig struct {
	AuditEnabled   bool     `koanf:"audit_enabled" yaml:"audit_enabled"`
	RedactPatterns []string `koanf:"redact_patterns" yaml:"redact_patterns"`
}

type AbilityConfig struct {
	RetryMax      int    `koanf:"retry_max" yaml:"retry_max"`
	RetryBackoff  string `koanf:"retry_backoff" yaml:"retry_backoff"`
	ExecTimeout   string `koanf:"exec_timeout" yaml:"exec_timeout"`
	ExecMaxOutput int    `koanf:"exec_max_output" yaml:"exec_max_output"`
	ExecWorkdir   string `koanf:"exec_workdir" yaml:"exec_workdir"`
}

type DelegationConfig struct {
	MaxDepth      int    `koanf:"max_depth" yaml:"max_depth"`
	BranchTimeout string `koanf:"branch_timeout" yaml:"branch_timeout"`
}

type MaintenanceConfig struct {
	Enabled  bool   `koanf:"enabled" yaml:"enabled"`
	Schedule string `koanf:"schedule" yaml:"schedule"`
}

type DaemonConfig struct {
	ShutdownTimeout     string `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
	StaleLockTTL        string `koanf:"stale_lock_ttl" yaml:"stale_lock_ttl"`
	HealthCheckInterval string `koanf:"health_check_interval" yaml:"health_check_interval"`
}

const (
	DefaultWorkspaceID            = "default"
	DefaultServerLogLevel         = "info"
	DefaultStoreBackend           = "jsonl"
	DefaultStoreLockTimeout       = "30s"
	DefaultStoreLockRetry         = "100ms"
	DefaultStoreLockMaxRetry      = 300
	DefaultStoreInboxSize         = 100
	DefaultSessionIdempotencyTTL  = "24h"
	DefaultInteractionTimeout     = "2m"
	DefaultApprovalTimeout        = "5m"
	DefaultApprovalTarget         = "@user"
	DefaultApprovalRetention      = "168h"
	DefaultPermissionAuditEnabled = true
	DefaultAbilityRetryMax        = 3
	DefaultAbilityRetryBackoff    = "500ms"
	DefaultAbilityExecTimeout     = "60s"
	DefaultAbilityExecMaxOutput   = 16 * 1024
	DefaultMaxDelegationDepth     = 10
	DefaultDelegationBranchTime   = "10m"
	DefaultMaintenanceEnabled     = true
	DefaultMaintenanceSchedule    = "@every 10m"
	DefaultDaemonShutdownTimeout  = "30s"
	DefaultDaemonStaleLockTTL     = "15m"
	DefaultDaemonHealthInterval   = "30s"

	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

// Defaults returns the built-in configuration values keyed by koanf path.
func Defaults() map[string]interface{} {
	home := os.Getenv("HOME")
	return map[string]interface{}{
		"server.log_level":             DefaultServerLogLevel,
		"server.workspace_id":          DefaultWorkspaceID,
		"store.backend":                DefaultStoreBackend,
		"store.workspace_path":         filepath.Join(home, ".hero", "workspaces"),
		"store.sqlite_path":            "",
		"store.lock_timeout":           DefaultStoreLockTimeout,
		"store.lock_retry":             DefaultStoreLockRetry,
		"store.lock_max_retry":         DefaultStoreLockMaxRetry,
		"store.inbox_size":             DefaultStoreInboxSize,
		"session.idempotency_ttl":      DefaultSessionIdempotencyTTL,
		"interaction.timeout":          DefaultInteractionTimeout,
		"approval.timeout":             DefaultApprovalTimeout,
		"approval.target":              DefaultApprovalTarget,
		"approval.retention":           DefaultApprovalRetention,
		"permission.audit_enabled":     DefaultPermissionAuditEnabled,
		"permission.redact_patterns":   []string{},
		"ability.retry_max":            DefaultAbilityRetryMax,
		"ability.retry_backoff":        DefaultAbilityRetryBackoff,
		"ability.exec_timeout":         DefaultAbilityExecTimeout,
		"ability.exec_max_output":      DefaultAbilityExecMaxOutput,
		"ability.exec_workdir":         "",
		"delegation.max_depth":         DefaultMaxDelegationDepth,
		"delegation.branch_timeout":    DefaultDelegationBranchTime,
		"maintenance.enabled":          DefaultMaintenanceEnabled,
		"maintenance.schedule":         DefaultMaintenanceSchedule,
		"daemon.shutdown_timeout":      DefaultDaemonShutdownTimeout,
		"daemon.stale_lock_ttl":        DefaultDaemonStaleLockTTL,
		"daemon.health_check_interval": DefaultDaemonHealthInterval,
	}
}

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	for key, value := range Defaults() {
		k.Set(key, value)
	}

	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".hero", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// HERO_DELEGATION__MAX_DEPTH -> delegation.max_depth
	k.Load(env.Provider("HERO_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "HERO_"))
		return strings.Replace(key, "__", ".", -1)
	}), nil)

	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}
	if cfg.Delegation.MaxDepth <= 0 {
		cfg.Delegation.MaxDepth = DefaultMaxDelegationDepth
	}
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = DefaultStoreBackend
	}

	return &cfg, nil
}

func normalizePathFields(cfg *Config) error {
	workspacePath, err := ExpandPath(cfg.Store.WorkspacePath)
	if err != nil {
		return err
	}
	if workspacePath != "" {
		cfg.Store.WorkspacePath = workspacePath
	}

	sqlitePath, err := ExpandPath(cfg.Store.SQLitePath)
	if err != nil {
		return err
	}
	cfg.Store.SQLitePath = sqlitePath
	return nil
}
