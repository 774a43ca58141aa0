package ability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/th317erd/hero/internal/broadcast"
	"github.com/th317erd/hero/internal/config"
	heroErrors "github.com/th317erd/hero/internal/errors"
	"github.com/th317erd/hero/internal/frame"
	"github.com/th317erd/hero/internal/interaction"
	"github.com/th317erd/hero/internal/logger"
	"github.com/th317erd/hero/internal/permission"

	"github.com/oklog/ulid/v2"
)

// InteractionKind is the bus kind of approval prompts.
const InteractionKind = "approval"

// Recorder persists request and result frames for executions inside a session.
type Recorder interface {
	Record(ctx context.Context, f frame.Frame) (frame.Frame, error)
}

type WorkflowConfig struct {
	ApprovalTimeout time.Duration
	ApprovalTarget  string
	RetryMax        int
	RetryBackoff    time.Duration
}

func DefaultWorkflowConfig() WorkflowConfig {
	timeout, _ := config.DurationOrDefault("", config.DefaultApprovalTimeout)
	backoff, _ := config.DurationOrDefault("", config.DefaultAbilityRetryBackoff)
	return WorkflowConfig{
		ApprovalTimeout: timeout,
		ApprovalTarget:  config.DefaultApprovalTarget,
		RetryMax:        config.DefaultAbilityRetryMax,
		RetryBackoff:    backoff,
	}
}

// Gate is what gets authorized: an ability execution or any other action
// that should pass the same rules and approvals, such as delegation.
type Gate struct {
	Name              string
	Params            json.RawMessage
	Description       string
	Danger            Danger
	DefaultPermission permission.Action
}

type Workflow struct {
	registry  *Registry
	engine    *permission.Engine
	bus       *interaction.Bus
	cfg       WorkflowConfig
	recorder  Recorder
	publisher broadcast.Publisher
	history   *approvalHistory
	guard     func(ctx context.Context, sessionID string) error
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

type WorkflowOption func(*Workflow)

func WithRecorder(r Recorder) WorkflowOption {
	return func(w *Workflow) { w.recorder = r }
}

func WithPublisher(p broadcast.Publisher) WorkflowOption {
	return func(w *Workflow) { w.publisher = p }
}

// WithGuard is consulted once an approval is registered with the bus. A
// non-nil error cancels the approval, covering a session closed or a kernel
// stopped while the request was being raised.
func WithGuard(fn func(ctx context.Context, sessionID string) error) WorkflowOption {
	return func(w *Workflow) { w.guard = fn }
}

// WithConfig overrides the defaults. Zero fields keep their default.
func WithConfig(cfg WorkflowConfig) WorkflowOption {
	return func(w *Workflow) {
		if cfg.ApprovalTimeout > 0 {
			w.cfg.ApprovalTimeout = cfg.ApprovalTimeout
		}
		if cfg.ApprovalTarget != "" {
			w.cfg.ApprovalTarget = cfg.ApprovalTarget
		}
		if cfg.RetryMax > 0 {
			w.cfg.RetryMax = cfg.RetryMax
		}
		if cfg.RetryBackoff > 0 {
			w.cfg.RetryBackoff = cfg.RetryBackoff
		}
	}
}

func NewWorkflow(registry *Registry, engine *permission.Engine, bus *interaction.Bus, opts ...WorkflowOption) *Workflow {
	w := &Workflow{
		registry:  registry,
		engine:    engine,
		bus:       bus,
		cfg:       DefaultWorkflowConfig(),
		publisher: broadcast.Nop{},
		history:   newApprovalHistory(),
		now:       time.Now,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Workflow) Registry() *Registry {
	return w.registry
}

// Execute runs a registered ability once every gate agrees: schema, the
// ability's own verdict, permission rules and, if needed, a user approval.
func (w *Workflow) Execute(ctx context.Context, name string, params json.RawMessage, ec Context) (json.RawMessage, error) {
	a, ok := w.registry.Get(name)
	if !ok {
		return nil, heroErrors.NotFound(fmt.Sprintf("ability %s", name))
	}
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if err := ValidateInput(a.Schema(), params); err != nil {
		slog.Warn("Ability input validation failed", "ability", a.Name(), "error", err)
		return nil, fmt.Errorf("ability %s: %w", a.Name(), err)
	}

	ec = ec.withSubject()
	ctx = logger.WithSessionID(ctx, ec.SessionID)
	if ec.AgentID != "" {
		ctx = logger.WithAgentID(ctx, ec.AgentID)
	}

	if verdict := a.Allowed(ctx, params, ec); !verdict.Allowed {
		reason := verdict.Reason
		if reason == "" {
			reason = "refused by ability"
		}
		return nil, heroErrors.PermissionDenied(fmt.Sprintf("%s: %s", a.Name(), reason))
	}

	executionID := ulid.Make().String()
	requestFrame, err := w.record(ctx, ec, frame.Frame{
		Type:    frame.TypeRequest,
		Payload: mustJSON(map[string]any{"execution_id": executionID, "ability": a.Name(), "params": params}),
	})
	if err != nil {
		return nil, err
	}

	gate := Gate{
		Name:              a.Name(),
		Params:            params,
		Description:       describe(a, params),
		Danger:            DangerOf(a),
		DefaultPermission: a.DefaultPermission(),
	}

	var result json.RawMessage
	err = w.authorize(ctx, executionID, gate, ec)
	if err == nil {
		result, err = w.run(ctx, a, params, ec)
	}

	if _, recErr := w.record(ctx, ec, resultFrame(requestFrame.ID, executionID, a.Name(), result, err)); recErr != nil {
		return nil, recErr
	}
	return result, err
}

// Authorize passes g through rules and approval without executing anything.
func (w *Workflow) Authorize(ctx context.Context, g Gate, ec Context) error {
	if g.Name == "" {
		return heroErrors.Validation("gate name is required")
	}
	if g.Description == "" {
		g.Description = fmt.Sprintf("Allow %s", g.Name)
	}
	if g.Danger == "" {
		g.Danger = DangerMedium
	}
	return w.authorize(ctx, ulid.Make().String(), g, ec.withSubject())
}

// Decide answers a pending approval. An agent cannot answer a request it made.
func (w *Workflow) Decide(executionID string, d ApprovalDecision, by interaction.RespondOptions) error {
	req, ok := w.history.get(executionID)
	if !ok {
		return heroErrors.NotFound(fmt.Sprintf("approval %s", executionID))
	}
	if req.Status != ApprovalPending {
		return heroErrors.Conflict(fmt.Sprintf("approval %s already %s", executionID, req.Status))
	}
	if w.bus.Respond(req.InteractionID, d, true, by) {
		return nil
	}
	if by.AgentID != "" && by.AgentID == req.RequesterAgentID {
		return heroErrors.InvariantViolation(fmt.Sprintf("agent %s cannot approve its own request", by.AgentID))
	}
	return heroErrors.NotFound(fmt.Sprintf("approval %s is no longer pending", executionID))
}

func (w *Workflow) Approval(executionID string) (ApprovalRequest, bool) {
	return w.history.get(executionID)
}

// Approvals lists approval history. Empty sessionID or status match all.
func (w *Workflow) Approvals(sessionID string, status ApprovalStatus) []ApprovalRequest {
	return w.history.list(sessionID, status)
}

// PruneApprovals forgets resolved approvals older than retention.
func (w *Workflow) PruneApprovals(retention time.Duration) int {
	n := w.history.prune(w.now().Add(-retention))
	if n > 0 {
		slog.Info("Approval history pruned", "count", n, "retention", retention)
	}
	return n
}

func (w *Workflow) authorize(ctx context.Context, executionID string, g Gate, ec Context) error {
	var params map[string]any
	if len(g.Params) > 0 {
		_ = json.Unmarshal(g.Params, &params)
	}

	decision, err := w.engine.Resolve(ctx, permission.Request{
		Subject:      ec.Subject,
		ResourceType: permission.ResourceAbility,
		ResourceName: g.Name,
		SessionID:    ec.SessionID,
		Params:       params,
	})
	if err != nil {
		return fmt.Errorf("resolve permission for %s: %w", g.Name, err)
	}

	switch decision.Action {
	case permission.ActionAllow:
		return nil
	case permission.ActionDeny:
		return heroErrors.PermissionDenied(fmt.Sprintf("%s denied by rule %s", g.Name, decision.Rule.ID))
	}

	if decision.Rule == nil {
		switch g.DefaultPermission {
		case permission.ActionAllow:
			slog.Debug("No rule matched, ability allows by default", "ability", g.Name)
			return nil
		case permission.ActionDeny:
			return heroErrors.PermissionDenied(fmt.Sprintf("%s denied by default", g.Name))
		}
	}

	priority := 0
	if decision.Rule != nil {
		priority = decision.Rule.Priority
	}
	return w.requestApproval(ctx, executionID, g, ec, priority)
}

// requestApproval asks the approval target. priority is that of the rule that
// asked for the prompt; a remembered approval is created at the same level.
func (w *Workflow) requestApproval(ctx context.Context, executionID string, g Gate, ec Context, priority int) error {
	req := ApprovalRequest{
		ExecutionID:      executionID,
		AbilityName:      g.Name,
		Description:      g.Description,
		Params:           g.Params,
		Danger:           g.Danger,
		Status:           ApprovalPending,
		SessionID:        ec.SessionID,
		RequesterAgentID: ec.AgentID,
		CreatedAt:        w.now().UTC(),
	}

	ix, err := w.bus.Create(w.cfg.ApprovalTarget, InteractionKind, req, interaction.CreateOptions{
		SessionID:     ec.SessionID,
		UserID:        ec.UserID,
		SourceAgentID: ec.AgentID,
	})
	if err != nil {
		return fmt.Errorf("create approval interaction: %w", err)
	}
	req.InteractionID = ix.ID

	// Register with the bus before anyone can learn the execution id.
	ch, err := w.bus.Request(ix, w.cfg.ApprovalTimeout)
	if err != nil {
		return fmt.Errorf("register approval interaction: %w", err)
	}
	w.history.add(req)

	if w.guard != nil {
		if err := w.guard(ctx, ec.SessionID); err != nil {
			slog.Info("Approval cancelled before it was raised", "execution", executionID, "ability", g.Name, "reason", err)
			w.bus.Cancel(ix.ID, err.Error())
		}
	}

	slog.Info("Approval requested",
		"execution", executionID,
		"ability", g.Name,
		"danger", g.Danger,
		"session", ec.SessionID,
		"agent", ec.AgentID,
	)
	w.publisher.Publish(ctx, broadcast.NewEvent(broadcast.EventApprovalRequested, ec.SessionID, req))

	var res interaction.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		w.bus.Cancel(ix.ID, "context cancelled")
		res = <-ch
		if res.Status == interaction.StatusCancelled {
			w.finish(ctx, req, ApprovalCancelled, false, ctx.Err().Error(), "system")
			return fmt.Errorf("await approval %s: %w", executionID, ctx.Err())
		}
	}

	switch res.Status {
	case interaction.StatusCompleted:
		var d ApprovalDecision
		if err := json.Unmarshal(res.Result, &d); err != nil {
			d = ApprovalDecision{Reason: "malformed approval response"}
		}
		if !d.Approved {
			w.finish(ctx, req, ApprovalDenied, false, d.Reason, res.Responder)
			return heroErrors.PermissionDenied(fmt.Sprintf("%s: %s", g.Name, reasonOr(d.Reason, "denied by "+res.Responder)))
		}
		w.finish(ctx, req, ApprovalApproved, d.Remember, d.Reason, res.Responder)
		if d.Remember {
			w.rememberForSession(ctx, g.Name, ec, priority)
		}
		return nil
	case interaction.StatusTimeout:
		w.finish(ctx, req, ApprovalTimeout, false, "no response before deadline", res.Responder)
		return fmt.Errorf("approval for %s: %w: %w", g.Name, heroErrors.ErrTimeout, heroErrors.ErrPermissionDenied)
	case interaction.StatusCancelled:
		w.finish(ctx, req, ApprovalCancelled, false, "cancelled", res.Responder)
		return heroErrors.PermissionDenied(fmt.Sprintf("approval for %s cancelled", g.Name))
	default:
		w.finish(ctx, req, ApprovalDenied, false, "responder failed", res.Responder)
		return heroErrors.PermissionDenied(fmt.Sprintf("approval for %s failed", g.Name))
	}
}

func (w *Workflow) finish(ctx context.Context, req ApprovalRequest, status ApprovalStatus, remember bool, reason, responder string) {
	resolved, ok := w.history.resolve(req.ExecutionID, status, remember, reason, responder, w.now().UTC())
	if !ok {
		return
	}

	slog.Info("Approval resolved",
		"execution", req.ExecutionID,
		"ability", req.AbilityName,
		"status", status,
		"responder", responder,
		"remember", remember,
	)
	w.publisher.Publish(ctx, broadcast.NewEvent(broadcast.EventApprovalResolved, req.SessionID, resolved))

	audit := w.engine.Audit()
	if audit == nil {
		return
	}
	entry := &permission.AuditEntry{
		Kind:         permission.AuditApproval,
		SessionID:    req.SessionID,
		SubjectID:    req.RequesterAgentID,
		ResourceType: permission.ResourceAbility,
		ResourceName: req.AbilityName,
		Action:       string(status),
		Reason:       reason,
		Params:       req.Params,
	}
	if req.RequesterAgentID != "" {
		entry.SubjectType = permission.SubjectAgent
	}
	if err := audit.Log(ctx, entry); err != nil {
		slog.Warn("Failed to audit approval", "execution", req.ExecutionID, "error", err)
	}
}

func (w *Workflow) rememberForSession(ctx context.Context, name string, ec Context, priority int) {
	if ec.SessionID == "" {
		slog.Warn("Cannot remember approval outside a session", "ability", name)
		return
	}
	_, err := w.engine.CreateRule(ctx, permission.Rule{
		SessionID:    ec.SessionID,
		SubjectType:  ec.Subject.Type,
		SubjectID:    ec.Subject.ID,
		ResourceType: permission.ResourceAbility,
		ResourceName: name,
		Action:       permission.ActionAllow,
		Scope:        permission.ScopeSession,
		Priority:     priority,
	})
	if err != nil {
		slog.Warn("Failed to remember approval for session", "ability", name, "session", ec.SessionID, "error", err)
	}
}

func (w *Workflow) run(ctx context.Context, a Ability, params json.RawMessage, ec Context) (json.RawMessage, error) {
	attempts := max(w.cfg.RetryMax, 1)
	traceID := logger.GetTraceID(ctx)

	for attempt := 1; ; attempt++ {
		start := time.Now()
		slog.Info("Executing ability", "ability", a.Name(), "attempt", attempt, "session", ec.SessionID, "trace_id", traceID)

		result, err := a.Execute(ctx, params, ec)
		duration := time.Since(start)
		if err == nil {
			slog.Info("Ability execution success", "ability", a.Name(), "duration", duration, "trace_id", traceID)
			return result, nil
		}

		if attempt >= attempts || !heroErrors.IsRetryable(err) || ctx.Err() != nil {
			slog.Error("Ability execution failed", "ability", a.Name(), "attempt", attempt, "error", err, "duration", duration, "trace_id", traceID)
			return nil, fmt.Errorf("ability %s: %w", a.Name(), err)
		}

		delay := w.cfg.RetryBackoff << (attempt - 1)
		slog.Warn("Ability failed, retrying", "ability", a.Name(), "attempt", attempt, "delay", delay, "error", err)
		if err := w.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("ability %s: %w", a.Name(), err)
		}
	}
}

func (w *Workflow) record(ctx context.Context, ec Context, f frame.Frame) (frame.Frame, error) {
	if w.recorder == nil || ec.SessionID == "" {
		return f, nil
	}
	f.SessionID = ec.SessionID
	if ec.AgentID != "" {
		f.AuthorType, f.AuthorID = frame.AuthorAgent, ec.AgentID
	} else {
		f.AuthorType, f.AuthorID = frame.AuthorUser, ec.UserID
	}
	stored, err := w.recorder.Record(ctx, f)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("record %s frame: %w", f.Type, err)
	}
	return stored, nil
}

func resultFrame(parentID, executionID, name string, result json.RawMessage, err error) frame.Frame {
	payload := map[string]any{"execution_id": executionID, "ability": name, "status": "ok"}
	switch {
	case err == nil:
		if json.Valid(result) {
			payload["result"] = result
		} else if len(result) > 0 {
			payload["result"] = string(result)
		}
	case heroErrors.IsCategory(err, heroErrors.ErrPermissionDenied):
		payload["status"] = "denied"
		payload["error"] = err.Error()
	default:
		payload["status"] = "error"
		payload["error"] = err.Error()
	}
	return frame.Frame{ParentID: parentID, Type: frame.TypeResult, Payload: mustJSON(payload)}
}

func (ec Context) withSubject() Context {
	if ec.Subject.Type != "" {
		return ec
	}
	if ec.AgentID != "" {
		ec.Subject = permission.Subject{Type: permission.SubjectAgent, ID: ec.AgentID}
	} else {
		ec.Subject = permission.Subject{Type: permission.SubjectUser, ID: ec.UserID}
	}
	return ec
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("ability: marshal frame payload: %v", err))
	}
	return raw
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
