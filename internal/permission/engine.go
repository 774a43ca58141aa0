package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	heroErrors "github.com/th317erd/hero/internal/errors"

	"github.com/oklog/ulid/v2"
)

// maxConsumeRetries bounds re-resolution when a once rule vanishes between
// List and Delete because another process consumed it.
const maxConsumeRetries = 5

// Engine resolves permission requests against a RuleStore. The mutex makes a
// once rule's read and delete one step inside this process.
type Engine struct {
	mu    sync.Mutex
	store RuleStore
	audit AuditLogger
	now   func() time.Time
}

func NewEngine(store RuleStore, audit AuditLogger) *Engine {
	return &Engine{store: store, audit: audit, now: time.Now}
}

// CreateRule assigns id and creation time when missing, validates and stores.
func (e *Engine) CreateRule(ctx context.Context, r Rule) (Rule, error) {
	r.SubjectID = strings.TrimSpace(r.SubjectID)
	r.ResourceName = strings.TrimSpace(r.ResourceName)
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = e.now().UTC()
	}

	if err := e.store.Put(ctx, r); err != nil {
		return Rule{}, fmt.Errorf("store rule: %w", err)
	}

	slog.Info("Permission rule created",
		"rule", r.ID,
		"subject", string(r.SubjectType)+":"+r.SubjectID,
		"resource", string(r.ResourceType)+":"+r.ResourceName,
		"action", r.Action,
		"scope", r.Scope,
		"session", r.SessionID,
	)
	e.record(ctx, &AuditEntry{
		Kind:         AuditRule,
		SessionID:    r.SessionID,
		SubjectType:  r.SubjectType,
		SubjectID:    r.SubjectID,
		ResourceType: r.ResourceType,
		ResourceName: r.ResourceName,
		Action:       "create:" + string(r.Action),
		RuleID:       r.ID,
	})
	return r, nil
}

// Resolve returns the decision of the winning rule, or prompt when nothing
// matches. A winning once rule is deleted before Resolve returns.
func (e *Engine) Resolve(ctx context.Context, req Request) (Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for attempt := 0; attempt < maxConsumeRetries; attempt++ {
		candidates, err := e.store.List(ctx, Query{SessionID: req.SessionID, IncludeGlobal: true})
		if err != nil {
			return Decision{}, fmt.Errorf("list rules: %w", err)
		}

		winner, ok := pickRule(candidates, req)
		if !ok {
			decision := Decision{Action: ActionPrompt}
			e.recordDecision(ctx, req, decision)
			return decision, nil
		}

		if winner.Scope == ScopeOnce {
			deleted, err := e.store.Delete(ctx, winner.ID)
			if err != nil {
				return Decision{}, fmt.Errorf("consume once rule: %w", err)
			}
			if !deleted {
				slog.Debug("Once rule consumed elsewhere, resolving again", "rule", winner.ID)
				continue
			}
			slog.Info("Once rule consumed", "rule", winner.ID, "subject", req.Subject.String(), "resource", req.ResourceName)
		}

		decision := Decision{Action: winner.Action, Rule: &winner}
		e.recordDecision(ctx, req, decision)
		return decision, nil
	}

	return Decision{}, heroErrors.Conflict("once rules kept disappearing during resolve")
}

func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	deleted, err := e.store.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if !deleted {
		return heroErrors.NotFound(fmt.Sprintf("rule %s", id))
	}
	e.record(ctx, &AuditEntry{Kind: AuditRule, Action: "delete", RuleID: id})
	return nil
}

func (e *Engine) ListRules(ctx context.Context, q Query) ([]Rule, error) {
	return e.store.List(ctx, q)
}

// ClearSession drops the non-permanent rules bound to a closed session.
func (e *Engine) ClearSession(ctx context.Context, sessionID string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.store.DeleteSessionScoped(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("clear session rules: %w", err)
	}
	if n > 0 {
		slog.Info("Session rules cleared", "session", sessionID, "count", n)
	}
	return n, nil
}

// Audit exposes the decision log so callers can record approvals and
// violations next to the rule decisions.
func (e *Engine) Audit() AuditLogger {
	return e.audit
}

// pickRule orders by priority, then specificity, then newest createdAt, then
// highest id.
func pickRule(rules []Rule, req Request) (Rule, bool) {
	matched := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Matches(req) {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return Rule{}, false
	}

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if sa, sb := a.Specificity(), b.Specificity(); sa != sb {
			return sa > sb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return matched[0], true
}

func (e *Engine) recordDecision(ctx context.Context, req Request, d Decision) {
	entry := &AuditEntry{
		Kind:         AuditDecision,
		SessionID:    req.SessionID,
		SubjectType:  req.Subject.Type,
		SubjectID:    req.Subject.ID,
		ResourceType: req.ResourceType,
		ResourceName: req.ResourceName,
		Action:       string(d.Action),
	}
	if d.Rule != nil {
		entry.RuleID = d.Rule.ID
	}
	if len(req.Params) > 0 {
		if raw, err := json.Marshal(req.Params); err == nil {
			entry.Params = raw
		}
	}
	e.record(ctx, entry)
}

func (e *Engine) record(ctx context.Context, entry *AuditEntry) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, entry); err != nil {
		slog.Warn("Failed to write audit entry", "kind", entry.Kind, "error", err)
	}
}
