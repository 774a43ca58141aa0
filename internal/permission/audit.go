package permission

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/th317erd/hero/internal/logger"
)

type AuditKind string

const (
	AuditDecision  AuditKind = "decision"
	AuditApproval  AuditKind = "approval"
	AuditViolation AuditKind = "violation"
	AuditRule      AuditKind = "rule"
)

type AuditEntry struct {
	Timestamp    time.Time       `json:"ts"`
	TraceID      string          `json:"trace_id,omitempty"`
	Kind         AuditKind       `json:"kind"`
	SessionID    string          `json:"session_id,omitempty"`
	SubjectType  SubjectType     `json:"subject_type,omitempty"`
	SubjectID    string          `json:"subject_id,omitempty"`
	ResourceType ResourceType    `json:"resource_type,omitempty"`
	ResourceName string          `json:"resource_name,omitempty"`
	Action       string          `json:"action"`
	RuleID       string          `json:"rule_id,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
}

type AuditFilter struct {
	Kind         AuditKind
	SessionID    string
	SubjectID    string
	ResourceName string
	Action       string
	StartTime    time.Time
	EndTime      time.Time
	// Limit keeps the newest N matches.
	Limit int
}

type AuditLogger interface {
	Log(ctx context.Context, entry *AuditEntry) error
	Query(ctx context.Context, filter *AuditFilter) ([]*AuditEntry, error)
}

// FileAuditLogger appends one JSON line per entry. Disabled loggers accept
// and drop every entry.
type FileAuditLogger struct {
	mu      sync.RWMutex
	logPath string
	enabled bool
	redact  []*regexp.Regexp
	literal []string
}

func NewAuditLogger(logPath string, enabled bool, redactPatterns []string) (*FileAuditLogger, error) {
	if !enabled {
		return &FileAuditLogger{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}

	al := &FileAuditLogger{logPath: logPath, enabled: true}
	for _, pattern := range redactPatterns {
		if pattern == "" {
			continue
		}
		if re, err := regexp.Compile(pattern); err == nil {
			al.redact = append(al.redact, re)
		} else {
			al.literal = append(al.literal, pattern)
		}
	}
	return al, nil
}

func (al *FileAuditLogger) Log(ctx context.Context, entry *AuditEntry) error {
	if !al.enabled {
		return nil
	}
	if entry == nil {
		return fmt.Errorf("audit entry cannot be nil")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.TraceID == "" {
		entry.TraceID = logger.GetTraceID(ctx)
	}

	data, err := json.Marshal(al.redacted(entry))
	if err != nil {
		slog.Error("Failed to marshal audit entry", "error", err)
		return err
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	f, err := os.OpenFile(al.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		slog.Error("Failed to open audit log", "error", err)
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		slog.Error("Failed to write audit entry", "error", err)
		return err
	}

	slog.Debug("Audit entry logged", "kind", entry.Kind, "resource", entry.ResourceName, "action", entry.Action)
	return nil
}

func (al *FileAuditLogger) Query(_ context.Context, filter *AuditFilter) ([]*AuditEntry, error) {
	if !al.enabled {
		return []*AuditEntry{}, nil
	}

	al.mu.RLock()
	defer al.mu.RUnlock()

	file, err := os.Open(al.logPath)
	if os.IsNotExist(err) {
		return []*AuditEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	entries := make([]*AuditEntry, 0)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry AuditEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			slog.Warn("Failed to parse audit entry", "error", err)
			continue
		}
		if filter != nil && !filter.matches(&entry) {
			continue
		}
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if filter != nil && filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[len(entries)-filter.Limit:]
	}
	return entries, nil
}

func (al *FileAuditLogger) redacted(entry *AuditEntry) *AuditEntry {
	out := *entry
	if len(al.redact) == 0 && len(al.literal) == 0 {
		return &out
	}
	params := string(out.Params)
	for _, re := range al.redact {
		params = re.ReplaceAllString(params, "[REDACTED]")
		out.Reason = re.ReplaceAllString(out.Reason, "[REDACTED]")
	}
	for _, lit := range al.literal {
		params = strings.ReplaceAll(params, lit, "[REDACTED]")
		out.Reason = strings.ReplaceAll(out.Reason, lit, "[REDACTED]")
	}
	if len(out.Params) > 0 {
		if json.Valid([]byte(params)) {
			out.Params = json.RawMessage(params)
		} else {
			quoted, _ := json.Marshal(params)
			out.Params = quoted
		}
	}
	return &out
}

func (f *AuditFilter) matches(e *AuditEntry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if f.ResourceName != "" && e.ResourceName != f.ResourceName {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}
