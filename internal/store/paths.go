package store

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/th317erd/hero/internal/config"
)

// ResolveWorkspaceRootPath resolves configured workspace root path.
// If empty, it falls back to ~/.hero/workspaces.
func ResolveWorkspaceRootPath(workspaceRootPath string) (string, error) {
	if trimmed := strings.TrimSpace(workspaceRootPath); trimmed != "" {
		return config.ExpandPath(trimmed)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".hero", "workspaces"), nil
}

// GetWorkspacePath returns the base path for a workspace.
func GetWorkspacePath(workspaceID string, workspaceRootPath string) (string, error) {
	root, err := ResolveWorkspaceRootPath(workspaceRootPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, workspaceID), nil
}

// GetGovernanceDir holds rules, audit log and idempotency keys.
func GetGovernanceDir(workspaceID string, workspaceRootPath string) (string, error) {
	base, err := GetWorkspacePath(workspaceID, workspaceRootPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "governance"), nil
}

func GetRulesPath(workspaceID string, workspaceRootPath string) (string, error) {
	dir, err := GetGovernanceDir(workspaceID, workspaceRootPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "rules.json"), nil
}

func GetAuditPath(workspaceID string, workspaceRootPath string) (string, error) {
	dir, err := GetGovernanceDir(workspaceID, workspaceRootPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "audit.jsonl"), nil
}

func GetKeysPath(workspaceID string, workspaceRootPath string) (string, error) {
	dir, err := GetGovernanceDir(workspaceID, workspaceRootPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "processed_keys.json"), nil
}

func framesFile(basePath, sessionID string) string {
	return filepath.Join(basePath, "sessions", sessionID+".frames.jsonl")
}

func indexFile(basePath string) string {
	return filepath.Join(basePath, "index.json")
}

// GetIdentityPath is the age identity that opens sealed agent credentials.
func GetIdentityPath(workspaceID string, workspaceRootPath string) (string, error) {
	dir, err := GetGovernanceDir(workspaceID, workspaceRootPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "identity.age"), nil
}
