// Package ability holds the closed set of side-effecting capabilities and the
// workflow that gates every execution through permission rules and user
// approval.
package ability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	heroErrors "github.com/th317erd/hero/internal/errors"
	"github.com/th317erd/hero/internal/permission"
)

// TargetSystem marks abilities executed by the core itself.
const TargetSystem = "@system"

type Danger string

const (
	DangerLow    Danger = "low"
	DangerMedium Danger = "medium"
	DangerHigh   Danger = "high"
)

// Verdict is an ability's own opinion on a payload, consulted before rules.
type Verdict struct {
	Allowed bool
	Reason  string
}

func Allow() Verdict { return Verdict{Allowed: true} }

func Refuse(reason string) Verdict { return Verdict{Reason: reason} }

// Context describes who is executing and where.
type Context struct {
	Subject   permission.Subject
	SessionID string
	// AgentID is the requesting agent, empty when a user acts directly.
	AgentID string
	UserID  string
	// Depth is the delegation depth of the caller.
	Depth int
}

type Ability interface {
	Name() string
	Target() string
	// DefaultPermission is applied when no rule matches: allow or deny act as
	// the ability's explicit policy, prompt asks the user.
	DefaultPermission() permission.Action
	Schema() map[string]any
	Examples() []json.RawMessage
	Allowed(ctx context.Context, params json.RawMessage, ec Context) Verdict
	Execute(ctx context.Context, params json.RawMessage, ec Context) (json.RawMessage, error)
}

// DangerRated abilities report how risky they are. Others count as medium.
type DangerRated interface {
	DangerLevel() Danger
}

// Describer abilities supply a human description for approval prompts.
type Describer interface {
	Describe(params json.RawMessage) string
}

func DangerOf(a Ability) Danger {
	rated, ok := a.(DangerRated)
	if !ok {
		return DangerMedium
	}
	switch d := Danger(strings.ToLower(strings.TrimSpace(string(rated.DangerLevel())))); d {
	case DangerLow, DangerMedium, DangerHigh:
		return d
	default:
		return DangerMedium
	}
}

func describe(a Ability, params json.RawMessage) string {
	if d, ok := a.(Describer); ok {
		if text := strings.TrimSpace(d.Describe(params)); text != "" {
			return text
		}
	}
	return fmt.Sprintf("Run %s with %s", a.Name(), compactJSON(params))
}

// Descriptor is the listing form of a registered ability.
type Descriptor struct {
	Name              string            `json:"name" yaml:"name"`
	Target            string            `json:"target" yaml:"target"`
	DefaultPermission permission.Action `json:"default_permission" yaml:"default_permission"`
	Danger            Danger            `json:"danger" yaml:"danger"`
	Schema            map[string]any    `json:"schema,omitempty" yaml:"schema,omitempty"`
	Examples          []json.RawMessage `json:"examples,omitempty" yaml:"-"`
}

// Registry is fixed at construction. Nothing registers abilities later.
type Registry struct {
	abilities map[string]Ability
}

func NewRegistry(abilities ...Ability) (*Registry, error) {
	r := &Registry{abilities: make(map[string]Ability, len(abilities))}
	for _, a := range abilities {
		name := normalizeName(a.Name())
		if name == "" {
			return nil, heroErrors.Validation("ability name is required")
		}
		if _, exists := r.abilities[name]; exists {
			return nil, heroErrors.Conflict(fmt.Sprintf("ability %s registered twice", name))
		}
		switch a.DefaultPermission() {
		case permission.ActionAllow, permission.ActionDeny, permission.ActionPrompt:
		default:
			return nil, heroErrors.Validation(fmt.Sprintf("ability %s: invalid default permission %q", name, a.DefaultPermission()))
		}
		r.abilities[name] = a
	}
	return r, nil
}

func (r *Registry) Get(name string) (Ability, bool) {
	a, ok := r.abilities[normalizeName(name)]
	return a, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.abilities))
	for name := range r.abilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.abilities))
	for _, name := range r.Names() {
		a := r.abilities[name]
		out = append(out, Descriptor{
			Name:              name,
			Target:            a.Target(),
			DefaultPermission: a.DefaultPermission(),
			Danger:            DangerOf(a),
			Schema:            a.Schema(),
			Examples:          a.Examples(),
		})
	}
	return out
}

func normalizeName(name string) string {
	return strings.TrimSpace(name)
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	text := strings.Join(strings.Fields(string(raw)), " ")
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return text
}
