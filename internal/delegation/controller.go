// Package delegation lets one agent hand a task to another agent in the same
// session. Depth travels with every call, so concurrent chains share nothing.
package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/th317erd/hero/internal/ability"
	"github.com/th317erd/hero/internal/concurrency"
	"github.com/th317erd/hero/internal/config"
	"github.com/th317erd/hero/internal/credential"
	heroErrors "github.com/th317erd/hero/internal/errors"
	"github.com/th317erd/hero/internal/logger"
	"github.com/th317erd/hero/internal/permission"
	"github.com/th317erd/hero/internal/store"
)

// GateName is the resource name rules use to allow or deny delegation.
const GateName = "delegate"

var (
	ErrDelegationDepthExceeded = fmt.Errorf("delegation depth exceeded: %w", heroErrors.ErrInvariantViolation)
	ErrSelfDelegation          = fmt.Errorf("agent cannot delegate to itself: %w", heroErrors.ErrInvariantViolation)
	ErrNotAParticipant         = errors.New("target agent is not a session participant")
	ErrAgentNotFound           = fmt.Errorf("agent not found: %w", heroErrors.ErrNotFound)
	ErrMissingCredentials      = errors.New("missing credentials")
)

// Context is the delegating side of a call.
type Context struct {
	SessionID string
	AgentID   string
	UserID    string
	Depth     int
	// Identity opens the sealed credentials of agents the caller may use.
	Identity *credential.Identity
}

// Call is what the target agent receives.
type Call struct {
	SessionID  string
	From       string
	To         string
	Task       string
	Depth      int
	UserID     string
	Credential []byte
	identity   *credential.Identity
}

// Context lets the target delegate further from where this call stands.
func (c Call) Context() Context {
	return Context{SessionID: c.SessionID, AgentID: c.To, UserID: c.UserID, Depth: c.Depth, Identity: c.identity}
}

type Membership interface {
	IsParticipant(ctx context.Context, sessionID, agentID string) (bool, error)
}

type AgentDirectory interface {
	Agent(ctx context.Context, id string) (store.AgentMeta, error)
}

// Authorizer is satisfied by *ability.Workflow.
type Authorizer interface {
	Authorize(ctx context.Context, g ability.Gate, ec ability.Context) error
}

// Invoker runs the target agent.
type Invoker interface {
	Invoke(ctx context.Context, call Call) (json.RawMessage, error)
}

type InvokerFunc func(ctx context.Context, call Call) (json.RawMessage, error)

func (f InvokerFunc) Invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	return f(ctx, call)
}

type Outcome struct {
	AgentID string          `json:"agent_id"`
	Depth   int             `json:"depth"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type Controller struct {
	members       Membership
	agents        AgentDirectory
	gate          Authorizer
	invoker       Invoker
	audit         permission.AuditLogger
	maxDepth      int
	branchTimeout time.Duration
}

type Option func(*Controller)

func WithMaxDepth(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxDepth = n
		}
	}
}

func WithBranchTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.branchTimeout = d
		}
	}
}

// WithAudit records rejected delegations as violations.
func WithAudit(a permission.AuditLogger) Option {
	return func(c *Controller) { c.audit = a }
}

func NewController(members Membership, agents AgentDirectory, gate Authorizer, invoker Invoker, opts ...Option) *Controller {
	branch, _ := config.DurationOrDefault("", config.DefaultDelegationBranchTime)
	c := &Controller{
		members:       members,
		agents:        agents,
		gate:          gate,
		invoker:       invoker,
		maxDepth:      config.DefaultMaxDelegationDepth,
		branchTimeout: branch,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) MaxDepth() int {
	return c.maxDepth
}

// Delegate checks the bounds, membership and credentials, passes the
// delegate gate and invokes the target at depth+1.
func (c *Controller) Delegate(ctx context.Context, from Context, to, task string) (Outcome, error) {
	to = strings.TrimSpace(to)
	ctx = logger.WithSessionID(ctx, from.SessionID)
	log := logger.From(ctx)

	if from.Depth >= c.maxDepth {
		c.violation(ctx, from, to, "depth_exceeded", fmt.Sprintf("depth %d reached limit %d", from.Depth, c.maxDepth))
		return Outcome{}, fmt.Errorf("%s -> %s at depth %d: %w", from.AgentID, to, from.Depth, ErrDelegationDepthExceeded)
	}
	if to == from.AgentID {
		c.violation(ctx, from, to, "self_delegation", "agent tried to delegate to itself")
		return Outcome{}, fmt.Errorf("agent %s: %w", to, ErrSelfDelegation)
	}

	member, err := c.members.IsParticipant(ctx, from.SessionID, to)
	if err != nil {
		return Outcome{}, fmt.Errorf("check participant %s: %w", to, err)
	}
	if !member {
		return Outcome{}, fmt.Errorf("agent %s in session %s: %w", to, from.SessionID, ErrNotAParticipant)
	}

	agent, err := c.agents.Agent(ctx, to)
	if err != nil {
		if errors.Is(err, heroErrors.ErrNotFound) {
			return Outcome{}, fmt.Errorf("agent %s: %w", to, ErrAgentNotFound)
		}
		return Outcome{}, fmt.Errorf("load agent %s: %w", to, err)
	}

	if from.Identity == nil {
		return Outcome{}, fmt.Errorf("caller %s has no decryption identity: %w", from.AgentID, ErrMissingCredentials)
	}
	var secret []byte
	if agent.SealedCredential != "" {
		secret, err = credential.Open(agent.SealedCredential, from.Identity)
		if err != nil {
			return Outcome{}, fmt.Errorf("open credential of %s: %w: %w", to, ErrMissingCredentials, err)
		}
	}

	params, _ := json.Marshal(map[string]any{"to": to, "task": task, "depth": from.Depth + 1})
	err = c.gate.Authorize(ctx, ability.Gate{
		Name:              GateName,
		Params:            params,
		Description:       fmt.Sprintf("Delegate to %s: %s", agent.Name, task),
		Danger:            ability.DangerMedium,
		DefaultPermission: permission.ActionPrompt,
	}, ability.Context{SessionID: from.SessionID, AgentID: from.AgentID, UserID: from.UserID, Depth: from.Depth})
	if err != nil {
		return Outcome{}, fmt.Errorf("delegate to %s: %w", to, err)
	}

	log.Info("Delegating", "from", from.AgentID, "to", to, "depth", from.Depth+1)
	result, err := c.invoker.Invoke(ctx, Call{
		SessionID:  from.SessionID,
		From:       from.AgentID,
		To:         to,
		Task:       task,
		Depth:      from.Depth + 1,
		UserID:     from.UserID,
		Credential: secret,
		identity:   from.Identity,
	})
	if err != nil {
		log.Warn("Delegated task failed", "from", from.AgentID, "to", to, "error", err)
		return Outcome{}, fmt.Errorf("agent %s: %w", to, err)
	}
	return Outcome{AgentID: to, Depth: from.Depth + 1, Result: result}, nil
}

type Branch struct {
	To   string `json:"to"`
	Task string `json:"task"`
}

type BranchOutcome struct {
	Branch  Branch
	Outcome Outcome
	Err     error
}

// DelegateAll runs the branches concurrently, each bounded by the branch
// timeout. Outcomes come back in branch order.
func (c *Controller) DelegateAll(ctx context.Context, from Context, branches []Branch) []BranchOutcome {
	out := make([]BranchOutcome, len(branches))
	var wg sync.WaitGroup
	for i, b := range branches {
		out[i].Branch = b
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer concurrency.Recover("delegation branch", func(r interface{}) {
				out[i].Err = fmt.Errorf("branch %s panicked: %v", b.To, r)
			})
			bctx, cancel := context.WithTimeout(ctx, c.branchTimeout)
			defer cancel()
			out[i].Outcome, out[i].Err = c.Delegate(bctx, from, b.To, b.Task)
		}()
	}
	wg.Wait()
	return out
}

func (c *Controller) violation(ctx context.Context, from Context, to, action, reason string) {
	logger.Security("Rejected delegation",
		"session", from.SessionID,
		"from", from.AgentID,
		"to", to,
		"depth", from.Depth,
		"reason", reason,
	)
	if c.audit == nil {
		return
	}
	_ = c.audit.Log(ctx, &permission.AuditEntry{
		Kind:         permission.AuditViolation,
		SessionID:    from.SessionID,
		SubjectType:  permission.SubjectAgent,
		SubjectID:    from.AgentID,
		ResourceType: permission.ResourceAbility,
		ResourceName: GateName,
		Action:       action,
		Reason:       reason,
	})
}
