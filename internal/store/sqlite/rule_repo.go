package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	heroErrors "github.com/th317erd/hero/internal/errors"
	"github.com/th317erd/hero/internal/permission"
)

// RuleRepository implements permission.RuleStore with SQLite.
type RuleRepository struct {
	db *sql.DB
}

func NewRuleRepository(db *sql.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

var _ permission.RuleStore = (*RuleRepository)(nil)

func (r *RuleRepository) Put(ctx context.Context, rule permission.Rule) error {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO permission_rules
			(id, owner_id, session_id, subject_type, subject_id, resource_type, resource_name, action, scope, conditions, priority, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.OwnerID, rule.SessionID, string(rule.SubjectType), rule.SubjectID,
		string(rule.ResourceType), rule.ResourceName, string(rule.Action), string(rule.Scope),
		string(conditions), rule.Priority, rule.CreatedAt.UnixNano(),
	)
	if err != nil {
		return heroErrors.Storage("save rule", err)
	}
	return nil
}

// Delete reports false when no row was removed, which is how a racing
// consumer of a once rule shows up.
func (r *RuleRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM permission_rules WHERE id = ?", id)
	if err != nil {
		return false, heroErrors.Storage("delete rule", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, heroErrors.Storage("delete rule", err)
	}
	return n > 0, nil
}

func (r *RuleRepository) List(ctx context.Context, q permission.Query) ([]permission.Rule, error) {
	where := []string{"1=1"}
	args := []any{}

	if q.SessionID != "" {
		if q.IncludeGlobal {
			where = append(where, "(session_id = ? OR session_id = '')")
		} else {
			where = append(where, "session_id = ?")
		}
		args = append(args, q.SessionID)
	}
	if q.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, q.OwnerID)
	}
	if q.SubjectType != "" {
		where = append(where, "subject_type = ?")
		args = append(args, string(q.SubjectType))
	}
	if q.ResourceType != "" {
		where = append(where, "resource_type = ?")
		args = append(args, string(q.ResourceType))
	}
	if q.ResourceName != "" {
		where = append(where, "resource_name = ?")
		args = append(args, q.ResourceName)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, owner_id, session_id, subject_type, subject_id, resource_type, resource_name, action, scope, conditions, priority, created_at
		 FROM permission_rules WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at, id`,
		args...,
	)
	if err != nil {
		return nil, heroErrors.Storage("list rules", err)
	}
	defer rows.Close()

	out := make([]permission.Rule, 0)
	for rows.Next() {
		var (
			rule         permission.Rule
			subjectType  string
			resourceType string
			action       string
			scope        string
			conditions   string
			created      int64
		)
		if err := rows.Scan(&rule.ID, &rule.OwnerID, &rule.SessionID, &subjectType, &rule.SubjectID,
			&resourceType, &rule.ResourceName, &action, &scope, &conditions, &rule.Priority, &created); err != nil {
			return nil, heroErrors.Storage("scan rule", err)
		}
		rule.SubjectType = permission.SubjectType(subjectType)
		rule.ResourceType = permission.ResourceType(resourceType)
		rule.Action = permission.Action(action)
		rule.Scope = permission.Scope(scope)
		rule.CreatedAt = time.Unix(0, created).UTC()
		if conditions != "" && conditions != "null" {
			if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
				return nil, heroErrors.Storage("decode conditions", err)
			}
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r *RuleRepository) DeleteSessionScoped(ctx context.Context, sessionID string) (int, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM permission_rules WHERE session_id = ? AND scope != ?", sessionID, string(permission.ScopePermanent))
	if err != nil {
		return 0, heroErrors.Storage("clear session rules", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, heroErrors.Storage("clear session rules", err)
	}
	return int(n), nil
}
