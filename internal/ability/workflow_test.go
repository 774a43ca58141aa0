package ability

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	heroErrors "github.com/th317erd/hero/internal/errors"
	"github.com/th317erd/hero/internal/frame"
	"github.com/th317erd/hero/internal/interaction"
	"github.com/th317erd/hero/internal/permission"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAbility struct {
	name     string
	def      permission.Action
	refuse   string
	failures []error
	calls    atomic.Int32
}

func (s *stubAbility) Name() string                         { return s.name }
func (s *stubAbility) Target() string                       { return TargetSystem }
func (s *stubAbility) DefaultPermission() permission.Action { return s.def }
func (s *stubAbility) Examples() []json.RawMessage          { return nil }
func (s *stubAbility) DangerLevel() Danger                  { return DangerHigh }
func (s *stubAbility) Schema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"path": map[string]any{"type": "string"}},
	}
}

func (s *stubAbility) Allowed(context.Context, json.RawMessage, Context) Verdict {
	if s.refuse != "" {
		return Refuse(s.refuse)
	}
	return Allow()
}

func (s *stubAbility) Execute(context.Context, json.RawMessage, Context) (json.RawMessage, error) {
	n := int(s.calls.Add(1))
	if n <= len(s.failures) {
		return nil, s.failures[n-1]
	}
	return json.RawMessage(`{"ok":true}`), nil
}

type memoryRecorder struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (m *memoryRecorder) Record(_ context.Context, f frame.Frame) (frame.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.ID = f.SessionID + "-" + string(rune('a'+len(m.frames)))
	m.frames = append(m.frames, f)
	return f, nil
}

type fixture struct {
	workflow *Workflow
	engine   *permission.Engine
	bus      *interaction.Bus
	recorder *memoryRecorder
}

func newFixture(t *testing.T, abilities ...Ability) *fixture {
	t.Helper()
	registry, err := NewRegistry(abilities...)
	require.NoError(t, err)

	engine := permission.NewEngine(permission.NewMemoryRuleStore(), nil)
	bus := interaction.NewBus()
	rec := &memoryRecorder{}
	w := NewWorkflow(registry, engine, bus,
		WithRecorder(rec),
		WithConfig(WorkflowConfig{ApprovalTimeout: 2 * time.Second, RetryMax: 3, RetryBackoff: time.Millisecond}),
	)
	w.sleep = func(context.Context, time.Duration) error { return nil }
	return &fixture{workflow: w, engine: engine, bus: bus, recorder: rec}
}

var agentCtx = Context{SessionID: "s1", AgentID: "agent-A", UserID: "user-1"}

func (f *fixture) allow(t *testing.T, name string, scope permission.Scope) {
	t.Helper()
	_, err := f.engine.CreateRule(context.Background(), permission.Rule{
		SubjectType:  permission.SubjectAgent,
		SubjectID:    "agent-A",
		ResourceType: permission.ResourceAbility,
		ResourceName: name,
		Action:       permission.ActionAllow,
		Scope:        scope,
	})
	require.NoError(t, err)
}

func waitPending(t *testing.T, w *Workflow) ApprovalRequest {
	t.Helper()
	var req ApprovalRequest
	require.Eventually(t, func() bool {
		pending := w.Approvals("s1", ApprovalPending)
		if len(pending) == 0 {
			return false
		}
		req = pending[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return req
}

func TestExecute_Gates(t *testing.T) {
	refusing := &stubAbility{name: "refuse", def: permission.ActionAllow, refuse: "no such file"}
	f := newFixture(t, &stubAbility{name: "read", def: permission.ActionPrompt}, refusing)
	ctx := context.Background()

	_, err := f.workflow.Execute(ctx, "missing", nil, agentCtx)
	assert.ErrorIs(t, err, heroErrors.ErrNotFound)

	_, err = f.workflow.Execute(ctx, "read", json.RawMessage(`{"path":42}`), agentCtx)
	assert.ErrorIs(t, err, heroErrors.ErrValidation)

	_, err = f.workflow.Execute(ctx, "refuse", nil, agentCtx)
	assert.ErrorIs(t, err, heroErrors.ErrPermissionDenied)
	assert.Contains(t, err.Error(), "no such file")
	assert.Zero(t, refusing.calls.Load())
}

func TestExecute_AllowAndDenyRules(t *testing.T) {
	read := &stubAbility{name: "read", def: permission.ActionPrompt}
	f := newFixture(t, read)
	ctx := context.Background()

	f.allow(t, "read", permission.ScopePermanent)
	out, err := f.workflow.Execute(ctx, "read", json.RawMessage(`{"path":"a"}`), agentCtx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))

	_, err = f.engine.CreateRule(ctx, permission.Rule{
		SubjectType:  permission.SubjectAgent,
		SubjectID:    "agent-A",
		ResourceType: permission.ResourceAbility,
		ResourceName: "read",
		Action:       permission.ActionDeny,
		Scope:        permission.ScopePermanent,
		Priority:     10,
	})
	require.NoError(t, err)

	_, err = f.workflow.Execute(ctx, "read", nil, agentCtx)
	assert.ErrorIs(t, err, heroErrors.ErrPermissionDenied)
	assert.Equal(t, int32(1), read.calls.Load())
}

func TestExecute_DefaultPermissionWithoutRule(t *testing.T) {
	open := &stubAbility{name: "open", def: permission.ActionAllow}
	closed := &stubAbility{name: "closed", def: permission.ActionDeny}
	f := newFixture(t, open, closed)

	_, err := f.workflow.Execute(context.Background(), "open", nil, agentCtx)
	require.NoError(t, err)

	_, err = f.workflow.Execute(context.Background(), "closed", nil, agentCtx)
	assert.ErrorIs(t, err, heroErrors.ErrPermissionDenied)
	assert.Zero(t, closed.calls.Load())
}

func TestExecute_ApprovalRememberedForSession(t *testing.T) {
	read := &stubAbility{name: "read", def: permission.ActionPrompt}
	f := newFixture(t, read)

	done := make(chan error, 1)
	go func() {
		_, err := f.workflow.Execute(context.Background(), "read", nil, agentCtx)
		done <- err
	}()

	req := waitPending(t, f.workflow)
	assert.Equal(t, "read", req.AbilityName)
	assert.Equal(t, DangerHigh, req.Danger)
	assert.Equal(t, "agent-A", req.RequesterAgentID)

	require.NoError(t, f.workflow.Decide(req.ExecutionID, ApprovalDecision{Approved: true, Remember: true}, interaction.RespondOptions{UserID: "user-1"}))
	require.NoError(t, <-done)

	resolved, ok := f.workflow.Approval(req.ExecutionID)
	require.True(t, ok)
	assert.Equal(t, ApprovalApproved, resolved.Status)
	assert.Equal(t, "user:user-1", resolved.Responder)

	// The session rule now answers without a prompt.
	_, err := f.workflow.Execute(context.Background(), "read", nil, agentCtx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), read.calls.Load())

	rules, err := f.engine.ListRules(context.Background(), permission.Query{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, permission.ScopeSession, rules[0].Scope)
}

func TestDecide_RequesterCannotApproveItself(t *testing.T) {
	read := &stubAbility{name: "read", def: permission.ActionPrompt}
	f := newFixture(t, read)

	done := make(chan error, 1)
	go func() {
		_, err := f.workflow.Execute(context.Background(), "read", nil, agentCtx)
		done <- err
	}()
	req := waitPending(t, f.workflow)

	err := f.workflow.Decide(req.ExecutionID, ApprovalDecision{Approved: true}, interaction.RespondOptions{AgentID: "agent-A"})
	assert.ErrorIs(t, err, heroErrors.ErrInvariantViolation)
	still, _ := f.workflow.Approval(req.ExecutionID)
	assert.Equal(t, ApprovalPending, still.Status)

	require.NoError(t, f.workflow.Decide(req.ExecutionID, ApprovalDecision{Reason: "not now"}, interaction.RespondOptions{AgentID: "agent-B"}))
	err = <-done
	assert.ErrorIs(t, err, heroErrors.ErrPermissionDenied)
	assert.Contains(t, err.Error(), "not now")
	assert.Zero(t, read.calls.Load())

	err = f.workflow.Decide(req.ExecutionID, ApprovalDecision{Approved: true}, interaction.RespondOptions{UserID: "u"})
	assert.ErrorIs(t, err, heroErrors.ErrConflict)
	assert.ErrorIs(t, f.workflow.Decide("unknown", ApprovalDecision{}, interaction.RespondOptions{}), heroErrors.ErrNotFound)
}

func TestExecute_ApprovalTimeoutDenies(t *testing.T) {
	f := newFixture(t, &stubAbility{name: "read", def: permission.ActionPrompt})
	f.workflow.cfg.ApprovalTimeout = 20 * time.Millisecond

	_, err := f.workflow.Execute(context.Background(), "read", nil, agentCtx)
	assert.ErrorIs(t, err, heroErrors.ErrTimeout)
	assert.ErrorIs(t, err, heroErrors.ErrPermissionDenied)

	history := f.workflow.Approvals("s1", "")
	require.Len(t, history, 1)
	assert.Equal(t, ApprovalTimeout, history[0].Status)
}

func TestExecute_SessionCancelDenies(t *testing.T) {
	f := newFixture(t, &stubAbility{name: "read", def: permission.ActionPrompt})

	done := make(chan error, 1)
	go func() {
		_, err := f.workflow.Execute(context.Background(), "read", nil, agentCtx)
		done <- err
	}()
	waitPending(t, f.workflow)

	assert.Equal(t, 1, f.bus.CancelSession("s1", "session closed"))
	assert.ErrorIs(t, <-done, heroErrors.ErrPermissionDenied)
	assert.Equal(t, ApprovalCancelled, f.workflow.Approvals("s1", "")[0].Status)
}

func TestExecute_RememberedApprovalOutranksPromptRule(t *testing.T) {
	read := &stubAbility{name: "read", def: permission.ActionAllow}
	f := newFixture(t, read)
	ctx := context.Background()

	_, err := f.engine.CreateRule(ctx, permission.Rule{
		SubjectType:  permission.SubjectAny,
		ResourceType: permission.ResourceAbility,
		ResourceName: "read",
		Action:       permission.ActionPrompt,
		Scope:        permission.ScopePermanent,
		Priority:     10,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.workflow.Execute(ctx, "read", nil, agentCtx)
		done <- err
	}()
	req := waitPending(t, f.workflow)
	require.NoError(t, f.workflow.Decide(req.ExecutionID, ApprovalDecision{Approved: true, Remember: true}, interaction.RespondOptions{UserID: "user-1"}))
	require.NoError(t, <-done)

	rules, err := f.engine.ListRules(ctx, permission.Query{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 10, rules[0].Priority)

	_, err = f.workflow.Execute(ctx, "read", nil, agentCtx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), read.calls.Load())
	assert.Len(t, f.workflow.Approvals("s1", ""), 1)
}

func TestExecute_GuardCancelsApprovalRaisedTooLate(t *testing.T) {
	read := &stubAbility{name: "read", def: permission.ActionPrompt}
	f := newFixture(t, read)
	var checked atomic.Int32
	f.workflow.guard = func(_ context.Context, sessionID string) error {
		checked.Add(1)
		return heroErrors.Conflict("session " + sessionID + " is closed")
	}

	start := time.Now()
	_, err := f.workflow.Execute(context.Background(), "read", nil, agentCtx)
	assert.ErrorIs(t, err, heroErrors.ErrPermissionDenied)
	assert.NotErrorIs(t, err, heroErrors.ErrTimeout)
	assert.Less(t, time.Since(start), f.workflow.cfg.ApprovalTimeout)
	assert.Equal(t, int32(1), checked.Load())
	assert.Zero(t, read.calls.Load())

	history := f.workflow.Approvals("s1", "")
	require.Len(t, history, 1)
	assert.Equal(t, ApprovalCancelled, history[0].Status)
	assert.Empty(t, f.bus.Pending("s1"))
}

func TestExecute_RetriesTransientFailures(t *testing.T) {
	flaky := &stubAbility{name: "flaky", def: permission.ActionAllow, failures: []error{
		heroErrors.Transient("backend busy"),
		heroErrors.Transient("backend busy"),
	}}
	broken := &stubAbility{name: "broken", def: permission.ActionAllow, failures: []error{
		heroErrors.Validation("bad path"),
	}}
	f := newFixture(t, flaky, broken)

	_, err := f.workflow.Execute(context.Background(), "flaky", nil, agentCtx)
	require.NoError(t, err)
	assert.Equal(t, int32(3), flaky.calls.Load())

	_, err = f.workflow.Execute(context.Background(), "broken", nil, agentCtx)
	assert.ErrorIs(t, err, heroErrors.ErrValidation)
	assert.Equal(t, int32(1), broken.calls.Load())

}

func TestExecute_RecordsRequestAndResultFrames(t *testing.T) {
	f := newFixture(t, &stubAbility{name: "open", def: permission.ActionAllow}, &stubAbility{name: "closed", def: permission.ActionDeny})

	_, err := f.workflow.Execute(context.Background(), "open", json.RawMessage(`{"path":"x"}`), agentCtx)
	require.NoError(t, err)
	_, err = f.workflow.Execute(context.Background(), "closed", nil, agentCtx)
	require.Error(t, err)

	frames := f.recorder.frames
	require.Len(t, frames, 4)
	assert.Equal(t, frame.TypeRequest, frames[0].Type)
	assert.Equal(t, frame.AuthorAgent, frames[0].AuthorType)
	assert.Equal(t, frame.TypeResult, frames[1].Type)
	assert.Equal(t, frames[0].ID, frames[1].ParentID)

	var denied map[string]any
	require.NoError(t, json.Unmarshal(frames[3].Payload, &denied))
	assert.Equal(t, "denied", denied["status"])
}

func TestAuthorize_GateWithoutAbility(t *testing.T) {
	f := newFixture(t)

	err := f.workflow.Authorize(context.Background(), Gate{Name: "delegate", DefaultPermission: permission.ActionAllow}, agentCtx)
	require.NoError(t, err)

	err = f.workflow.Authorize(context.Background(), Gate{Name: "delegate", DefaultPermission: permission.ActionDeny}, agentCtx)
	assert.ErrorIs(t, err, heroErrors.ErrPermissionDenied)

	assert.ErrorIs(t, f.workflow.Authorize(context.Background(), Gate{}, agentCtx), heroErrors.ErrValidation)
}

func TestPruneApprovals(t *testing.T) {
	f := newFixture(t, &stubAbility{name: "read", def: permission.ActionPrompt})
	f.workflow.cfg.ApprovalTimeout = 10 * time.Millisecond
	_, _ = f.workflow.Execute(context.Background(), "read", nil, agentCtx)

	assert.Zero(t, f.workflow.PruneApprovals(time.Hour))
	f.workflow.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, 1, f.workflow.PruneApprovals(time.Hour))
	assert.Empty(t, f.workflow.Approvals("", ""))
}

func TestNewRegistry_RejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(&stubAbility{name: "a", def: permission.ActionAllow}, &stubAbility{name: " a ", def: permission.ActionAllow})
	assert.ErrorIs(t, err, heroErrors.ErrConflict)

	_, err = NewRegistry(&stubAbility{name: "b", def: "maybe"})
	assert.ErrorIs(t, err, heroErrors.ErrValidation)

	r, err := NewRegistry(&stubAbility{name: "b", def: permission.ActionAllow}, &stubAbility{name: "a", def: permission.ActionDeny})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.Equal(t, DangerHigh, r.Descriptors()[0].Danger)
}
