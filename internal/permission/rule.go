// Package permission resolves who may do what. Rules match a subject and a
// resource, carry an action and a scope, and are ordered deterministically so
// the same rule set always yields the same decision.
package permission

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	heroErrors "github.com/th317erd/hero/internal/errors"
)

const Wildcard = "*"

type SubjectType string

const (
	SubjectUser   SubjectType = "user"
	SubjectAgent  SubjectType = "agent"
	SubjectPlugin SubjectType = "plugin"
	SubjectAny    SubjectType = Wildcard
)

type ResourceType string

const (
	ResourceCommand ResourceType = "command"
	ResourceTool    ResourceType = "tool"
	ResourceAbility ResourceType = "ability"
	ResourceAny     ResourceType = Wildcard
)

type Action string

const (
	ActionAllow  Action = "allow"
	ActionDeny   Action = "deny"
	ActionPrompt Action = "prompt"
)

type Scope string

const (
	ScopeOnce      Scope = "once"
	ScopeSession   Scope = "session"
	ScopePermanent Scope = "permanent"
)

type Rule struct {
	ID           string         `json:"id" yaml:"id"`
	OwnerID      string         `json:"owner_id" yaml:"owner_id"`
	SessionID    string         `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	SubjectType  SubjectType    `json:"subject_type" yaml:"subject_type"`
	SubjectID    string         `json:"subject_id,omitempty" yaml:"subject_id,omitempty"`
	ResourceType ResourceType   `json:"resource_type" yaml:"resource_type"`
	ResourceName string         `json:"resource_name,omitempty" yaml:"resource_name,omitempty"`
	Action       Action         `json:"action" yaml:"action"`
	Scope        Scope          `json:"scope" yaml:"scope"`
	Conditions   map[string]any `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Priority     int            `json:"priority" yaml:"priority"`
	CreatedAt    time.Time      `json:"created_at" yaml:"created_at"`
}

func (r Rule) Validate() error {
	switch r.SubjectType {
	case SubjectUser, SubjectAgent, SubjectPlugin, SubjectAny:
	default:
		return heroErrors.Validation(fmt.Sprintf("unknown subject type %q", r.SubjectType))
	}
	switch r.ResourceType {
	case ResourceCommand, ResourceTool, ResourceAbility, ResourceAny:
	default:
		return heroErrors.Validation(fmt.Sprintf("unknown resource type %q", r.ResourceType))
	}
	switch r.Action {
	case ActionAllow, ActionDeny, ActionPrompt:
	default:
		return heroErrors.Validation(fmt.Sprintf("unknown action %q", r.Action))
	}
	switch r.Scope {
	case ScopeOnce, ScopePermanent:
	case ScopeSession:
		if strings.TrimSpace(r.SessionID) == "" {
			return heroErrors.Validation("session scoped rule requires a session id")
		}
	default:
		return heroErrors.Validation(fmt.Sprintf("unknown scope %q", r.Scope))
	}
	if r.SubjectType == SubjectAny && r.SubjectID != "" && r.SubjectID != Wildcard {
		return heroErrors.Validation("wildcard subject type cannot name a subject id")
	}
	if r.ResourceType == ResourceAny && r.ResourceName != "" && r.ResourceName != Wildcard {
		return heroErrors.Validation("wildcard resource type cannot name a resource")
	}
	return nil
}

func (r Rule) exactSubject() bool {
	return r.SubjectType != SubjectAny && r.SubjectID != "" && r.SubjectID != Wildcard
}

func (r Rule) exactResource() bool {
	return r.ResourceType != ResourceAny && r.ResourceName != "" && r.ResourceName != Wildcard
}

// Specificity ranks a rule for tie-breaking: exact subject and resource
// first, wildcard on both last.
func (r Rule) Specificity() int {
	switch {
	case r.exactSubject() && r.exactResource():
		return 3
	case r.exactSubject():
		return 2
	case r.exactResource():
		return 1
	default:
		return 0
	}
}

type Subject struct {
	Type SubjectType `json:"type"`
	ID   string      `json:"id"`
}

func (s Subject) String() string {
	return string(s.Type) + ":" + s.ID
}

type Request struct {
	Subject      Subject
	ResourceType ResourceType
	ResourceName string
	SessionID    string
	Params       map[string]any
}

type Decision struct {
	Action Action `json:"action"`
	// Rule is nil when no rule matched.
	Rule *Rule `json:"rule,omitempty"`
}

// Matches reports whether the rule applies to req.
func (r Rule) Matches(req Request) bool {
	if r.SubjectType != SubjectAny {
		if r.SubjectType != req.Subject.Type {
			return false
		}
		if r.exactSubject() && r.SubjectID != req.Subject.ID {
			return false
		}
	}

	if r.ResourceType != ResourceAny {
		if r.ResourceType != req.ResourceType {
			return false
		}
		if r.exactResource() && r.ResourceName != req.ResourceName {
			return false
		}
	}

	if r.SessionID != "" && r.SessionID != req.SessionID {
		return false
	}

	return conditionsHold(r.Conditions, req.Params)
}

// conditionsHold compares each expected value with the request param of the
// same name by JSON encoding, so 1 and 1.0 compare equal.
func conditionsHold(conditions map[string]any, params map[string]any) bool {
	for key, want := range conditions {
		got, ok := params[key]
		if !ok {
			return false
		}
		wantJSON, err := json.Marshal(want)
		if err != nil {
			return false
		}
		gotJSON, err := json.Marshal(got)
		if err != nil {
			return false
		}
		if !bytes.Equal(canonicalJSON(wantJSON), canonicalJSON(gotJSON)) {
			return false
		}
	}
	return true
}

func canonicalJSON(raw []byte) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

// Query narrows ListRules. Zero value lists every rule.
type Query struct {
	SessionID string
	// IncludeGlobal adds rules without a session id when SessionID is set.
	IncludeGlobal bool
	OwnerID       string
	SubjectType   SubjectType
	ResourceType  ResourceType
	ResourceName  string
}

func (q Query) Matches(r Rule) bool {
	if q.SessionID != "" {
		if r.SessionID != q.SessionID && !(q.IncludeGlobal && r.SessionID == "") {
			return false
		}
	}
	if q.OwnerID != "" && r.OwnerID != q.OwnerID {
		return false
	}
	if q.SubjectType != "" && r.SubjectType != q.SubjectType {
		return false
	}
	if q.ResourceType != "" && r.ResourceType != q.ResourceType {
		return false
	}
	if q.ResourceName != "" && r.ResourceName != q.ResourceName {
		return false
	}
	return true
}
