// Package orchestrator wires the session core into one kernel: the
// interaction bus, the ability workflow, sessions, delegation and slash
// commands, all sharing one permission engine and one event hub.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/th317erd/hero/internal/ability"
	"github.com/th317erd/hero/internal/ability/builtin"
	"github.com/th317erd/hero/internal/broadcast"
	"github.com/th317erd/hero/internal/command"
	"github.com/th317erd/hero/internal/config"
	"github.com/th317erd/hero/internal/credential"
	"github.com/th317erd/hero/internal/delegation"
	heroErrors "github.com/th317erd/hero/internal/errors"
	"github.com/th317erd/hero/internal/frame"
	"github.com/th317erd/hero/internal/interaction"
	"github.com/th317erd/hero/internal/logger"
	"github.com/th317erd/hero/internal/permission"
	"github.com/th317erd/hero/internal/session"
	"github.com/th317erd/hero/internal/store"

	"github.com/oklog/ulid/v2"
)

// Kernel routes session input and owns the lifecycle of the session core.
type Kernel interface {
	Submit(ctx context.Context, in Input) (Reply, error)
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) (*ComponentHealth, error)
}

type ComponentHealth struct {
	Name    string
	Healthy bool
	Error   error
}

// Input is one message or slash command entering a session.
type Input struct {
	SessionID      string
	Subject        permission.Subject
	Content        string
	IdempotencyKey string
}

// Reply carries the stored frame for a message or the output of a command.
type Reply struct {
	Frame  *frame.Frame
	Output string
}

type Deps struct {
	Repo      store.Repository
	Keys      session.KeyTracker
	Engine    *permission.Engine
	Publisher broadcast.Publisher
	Identity  *credential.Identity
	// Abilities defaults to the built-in set.
	Abilities []ability.Ability
	// Invoker defaults to recording the handoff in the session log.
	Invoker delegation.Invoker
}

type DefaultKernel struct {
	mu      sync.RWMutex
	running bool
	// inflight counts ability runs and delegations; Stop waits for them.
	inflight sync.WaitGroup

	identity *credential.Identity

	Bus        *interaction.Bus
	Engine     *permission.Engine
	Registry   *ability.Registry
	Workflow   *ability.Workflow
	Sessions   *session.Manager
	Delegation *delegation.Controller
	Commands   *command.Handler
}

func NewKernel(cfg config.Config, deps Deps) (*DefaultKernel, error) {
	if deps.Repo == nil {
		return nil, fmt.Errorf("kernel needs a repository")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("kernel needs a permission engine")
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = broadcast.Nop{}
	}

	interactionTimeout, err := config.DurationOrDefault(cfg.Interaction.Timeout, config.DefaultInteractionTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse interaction timeout: %w", err)
	}
	approvalTimeout, err := config.DurationOrDefault(cfg.Approval.Timeout, config.DefaultApprovalTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse approval timeout: %w", err)
	}
	retryBackoff, err := config.DurationOrDefault(cfg.Ability.RetryBackoff, config.DefaultAbilityRetryBackoff)
	if err != nil {
		return nil, fmt.Errorf("parse ability retry backoff: %w", err)
	}
	execTimeout, err := config.DurationOrDefault(cfg.Ability.ExecTimeout, config.DefaultAbilityExecTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse ability exec timeout: %w", err)
	}
	branchTimeout, err := config.DurationOrDefault(cfg.Delegation.BranchTimeout, config.DefaultDelegationBranchTime)
	if err != nil {
		return nil, fmt.Errorf("parse delegation branch timeout: %w", err)
	}
	idempotencyTTL, err := config.DurationOrDefault(cfg.Session.IdempotencyTTL, config.DefaultSessionIdempotencyTTL)
	if err != nil {
		return nil, fmt.Errorf("parse session idempotency ttl: %w", err)
	}

	bus := interaction.NewBus(
		interaction.WithPublisher(publisher),
		interaction.WithAudit(deps.Engine.Audit()),
		interaction.WithDefaultTimeout(interactionTimeout),
	)

	abilities := deps.Abilities
	if abilities == nil {
		abilities = builtin.All(builtin.Options{
			ExecTimeout:   execTimeout,
			ExecMaxOutput: cfg.Ability.ExecMaxOutput,
			ExecWorkdir:   cfg.Ability.ExecWorkdir,
		})
	}
	registry, err := ability.NewRegistry(abilities...)
	if err != nil {
		return nil, fmt.Errorf("register abilities: %w", err)
	}

	sessionOpts := []session.Option{
		session.WithPublisher(publisher),
		session.WithCloseCascade(bus, deps.Engine),
		session.WithIdempotencyTTL(idempotencyTTL),
	}
	if deps.Keys != nil {
		sessionOpts = append(sessionOpts, session.WithKeys(deps.Keys))
	}
	sessions := session.NewManager(deps.Repo, sessionOpts...)

	k := &DefaultKernel{
		identity: deps.Identity,
		Bus:      bus,
		Engine:   deps.Engine,
		Registry: registry,
		Sessions: sessions,
	}

	k.Workflow = ability.NewWorkflow(registry, deps.Engine, bus,
		ability.WithRecorder(sessions),
		ability.WithGuard(k.admitApproval),
		ability.WithPublisher(publisher),
		ability.WithConfig(ability.WorkflowConfig{
			ApprovalTimeout: approvalTimeout,
			ApprovalTarget:  cfg.Approval.Target,
			RetryMax:        cfg.Ability.RetryMax,
			RetryBackoff:    retryBackoff,
		}),
	)

	invoker := deps.Invoker
	if invoker == nil {
		invoker = delegation.NewRecordingInvoker(sessions)
	}
	k.Delegation = delegation.NewController(sessions, sessions, k.Workflow, invoker,
		delegation.WithMaxDepth(cfg.Delegation.MaxDepth),
		delegation.WithBranchTimeout(branchTimeout),
		delegation.WithAudit(deps.Engine.Audit()),
	)

	k.Commands = command.NewHandler(k.Workflow, sessions, deps.Engine)
	return k, nil
}

func (k *DefaultKernel) Init(ctx context.Context) error {
	slog.Info("Kernel initialized", "abilities", len(k.Registry.Names()), "max_delegation_depth", k.Delegation.MaxDepth())
	return nil
}

func (k *DefaultKernel) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return nil
	}
	k.running = true
	slog.Info("Kernel started")
	return nil
}

// Stop refuses new runs, cancels every pending interaction and waits until
// the runs already in flight have recorded their result frames. ctx bounds
// the wait.
func (k *DefaultKernel) Stop(ctx context.Context) error {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return nil
	}
	k.running = false
	k.mu.Unlock()

	cancelled := 0
	for _, ix := range k.Bus.Pending("") {
		if k.Bus.Cancel(ix.ID, "kernel stopped") {
			cancelled++
		}
	}

	drained := make(chan struct{})
	go func() {
		k.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		slog.Warn("Kernel stopped with runs in flight", "cancelled_interactions", cancelled)
		return fmt.Errorf("wait for in-flight runs: %w", ctx.Err())
	}

	slog.Info("Kernel stopped", "cancelled_interactions", cancelled)
	return nil
}

// enter registers a run. It fails once the kernel is stopped, so Stop never
// races a late Add on the wait group.
func (k *DefaultKernel) enter() (func(), error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if !k.running {
		return nil, heroErrors.Transient("kernel is not running")
	}
	k.inflight.Add(1)
	return k.inflight.Done, nil
}

// admitApproval runs after an approval is registered with the bus. Stop and
// session close both flip their state before sweeping the bus, so whichever
// side comes second sees the other.
func (k *DefaultKernel) admitApproval(ctx context.Context, sessionID string) error {
	k.mu.RLock()
	running := k.running
	k.mu.RUnlock()
	if !running {
		return heroErrors.Conflict("kernel stopped")
	}
	if sessionID == "" {
		return nil
	}
	return k.Sessions.Active(ctx, sessionID)
}

func (k *DefaultKernel) Health(ctx context.Context) (*ComponentHealth, error) {
	k.mu.RLock()
	running := k.running
	k.mu.RUnlock()

	status := &ComponentHealth{Name: "Kernel", Healthy: running}
	if !running {
		status.Error = fmt.Errorf("kernel not running")
		return status, nil
	}
	if _, err := k.Sessions.List(ctx); err != nil {
		status.Healthy = false
		status.Error = fmt.Errorf("list sessions: %w", err)
	}
	return status, nil
}

// Submit runs a slash command or appends a message frame.
func (k *DefaultKernel) Submit(ctx context.Context, in Input) (Reply, error) {
	traceID := in.IdempotencyKey
	if traceID == "" {
		traceID = ulid.Make().String()
	}
	ctx = logger.WithTraceID(ctx, traceID)
	ctx = logger.WithSessionID(ctx, in.SessionID)
	if in.Subject.Type == permission.SubjectAgent {
		ctx = logger.WithAgentID(ctx, in.Subject.ID)
	}

	if strings.TrimSpace(in.Content) == "" {
		return Reply{}, heroErrors.Validation("input content is required")
	}

	if k.Commands.CanHandle(in.Content) {
		logger.From(ctx).Info("Kernel executing command", "subject", in.Subject.String())
		out, err := k.Commands.Execute(ctx, in.SessionID, in.Subject, in.Content)
		return Reply{Output: out}, err
	}

	author, err := authorOf(in.Subject)
	if err != nil {
		return Reply{}, err
	}
	payload, err := json.Marshal(map[string]string{"content": in.Content})
	if err != nil {
		return Reply{}, err
	}

	f, err := k.Sessions.Append(ctx, frame.Frame{
		SessionID:  in.SessionID,
		Type:       frame.TypeMessage,
		AuthorType: author,
		AuthorID:   in.Subject.ID,
		Payload:    payload,
	}, in.IdempotencyKey)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Frame: &f}, nil
}

// RunAbility executes an ability through the approval workflow.
func (k *DefaultKernel) RunAbility(ctx context.Context, name string, params json.RawMessage, ec ability.Context) (json.RawMessage, error) {
	ctx = logger.WithSessionID(ctx, ec.SessionID)
	if ec.AgentID != "" {
		ctx = logger.WithAgentID(ctx, ec.AgentID)
	}
	done, err := k.enter()
	if err != nil {
		return nil, err
	}
	defer done()
	return k.Workflow.Execute(ctx, name, params, ec)
}

// Delegate hands a task to another agent. The caller brings the identity that
// opens the target's credential; see Identity for acting as the workspace.
func (k *DefaultKernel) Delegate(ctx context.Context, from delegation.Context, to, task string) (delegation.Outcome, error) {
	done, err := k.enter()
	if err != nil {
		return delegation.Outcome{}, err
	}
	defer done()
	return k.Delegation.Delegate(ctx, from, to, task)
}

// RegisterAgent seals the agent credential to the workspace identity.
func (k *DefaultKernel) RegisterAgent(ctx context.Context, p session.AgentParams) (store.AgentMeta, error) {
	if len(p.Recipients) == 0 && k.identity != nil {
		p.Recipients = []string{k.identity.Recipient()}
	}
	return k.Sessions.RegisterAgent(ctx, p)
}

func (k *DefaultKernel) Identity() *credential.Identity {
	return k.identity
}

func authorOf(s permission.Subject) (frame.AuthorType, error) {
	switch s.Type {
	case permission.SubjectUser:
		return frame.AuthorUser, nil
	case permission.SubjectAgent:
		return frame.AuthorAgent, nil
	default:
		return "", heroErrors.Validation(fmt.Sprintf("subject type %q cannot author messages", s.Type))
	}
}
