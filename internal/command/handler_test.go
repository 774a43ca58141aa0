package command

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/th317erd/hero/internal/ability"
	heroErrors "github.com/th317erd/hero/internal/errors"
	"github.com/th317erd/hero/internal/frame"
	"github.com/th317erd/hero/internal/interaction"
	"github.com/th317erd/hero/internal/permission"
	"github.com/th317erd/hero/internal/store"
)

type decision struct {
	id string
	d  ability.ApprovalDecision
	by interaction.RespondOptions
}

type stubApprovals struct {
	pending   []ability.ApprovalRequest
	decisions []decision
}

func (s *stubApprovals) Decide(id string, d ability.ApprovalDecision, by interaction.RespondOptions) error {
	s.decisions = append(s.decisions, decision{id: id, d: d, by: by})
	return nil
}

func (s *stubApprovals) Approvals(string, ability.ApprovalStatus) []ability.ApprovalRequest {
	return s.pending
}

type stubSessions struct {
	recorded []frame.Frame
	closed   int
	summary  string
}

func (s *stubSessions) Record(_ context.Context, f frame.Frame) (frame.Frame, error) {
	f.ID = "f-1"
	s.recorded = append(s.recorded, f)
	return f, nil
}

func (s *stubSessions) Compact(_ context.Context, _ string, summary string) (frame.Frame, error) {
	s.summary = summary
	return frame.Frame{ID: "c-1", Type: frame.TypeCompact}, nil
}

func (s *stubSessions) Close(context.Context, string) (store.SessionMeta, error) {
	s.closed++
	return store.SessionMeta{Status: store.SessionClosed}, nil
}

var user = permission.Subject{Type: permission.SubjectUser, ID: "user-1"}

func newHandler() (*Handler, *stubApprovals, *stubSessions, *permission.Engine) {
	approvals := &stubApprovals{pending: []ability.ApprovalRequest{
		{ExecutionID: "01HXAAAAAAAAAAAAAAAAAAABCD", AbilityName: "exec_command", Danger: ability.DangerHigh, Description: "Run `ls`"},
	}}
	sessions := &stubSessions{}
	engine := permission.NewEngine(permission.NewMemoryRuleStore(), nil)
	return NewHandler(approvals, sessions, engine), approvals, sessions, engine
}

func TestHandler_HelpIsRecordedHidden(t *testing.T) {
	h, _, sessions, _ := newHandler()

	msg, err := h.Execute(context.Background(), "s1", user, "/help")
	if err != nil {
		t.Fatalf("execute help: %v", err)
	}
	if !strings.HasPrefix(msg, commandOutputPrefix) {
		t.Fatalf("expected prefixed output, got %q", msg)
	}
	if len(sessions.recorded) != 1 {
		t.Fatalf("expected one recorded frame, got %d", len(sessions.recorded))
	}
	f := sessions.recorded[0]
	if f.AuthorType != frame.AuthorSystem || f.Type != frame.TypeMessage {
		t.Fatalf("unexpected frame %+v", f)
	}
	if !frame.IsHidden(f.Payload) {
		t.Fatal("command output should be hidden from context")
	}
}

func TestHandler_ApproveBySuffixRemembersSession(t *testing.T) {
	h, approvals, _, _ := newHandler()

	msg, err := h.Execute(context.Background(), "s1", user, `/approve abcd --session "looks fine"`)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if len(approvals.decisions) != 1 {
		t.Fatalf("expected one decision, got %d", len(approvals.decisions))
	}
	got := approvals.decisions[0]
	if got.id != "01HXAAAAAAAAAAAAAAAAAAABCD" || !got.d.Approved || !got.d.Remember || got.d.Reason != "looks fine" {
		t.Fatalf("unexpected decision %+v", got)
	}
	if got.by.UserID != "user-1" || got.by.AgentID != "" {
		t.Fatalf("decision should come from the user, got %+v", got.by)
	}
	if !strings.Contains(msg, "remembered for this session") {
		t.Fatalf("unexpected output %q", msg)
	}
}

func TestHandler_DenyWithReason(t *testing.T) {
	h, approvals, _, _ := newHandler()

	if _, err := h.Execute(context.Background(), "s1", user, "/deny 01HXAAAAAAAAAAAAAAAAAAABCD too risky"); err != nil {
		t.Fatalf("deny: %v", err)
	}
	got := approvals.decisions[0]
	if got.d.Approved || got.d.Remember || got.d.Reason != "too risky" {
		t.Fatalf("unexpected decision %+v", got)
	}
}

func TestHandler_UnknownApproval(t *testing.T) {
	h, _, sessions, _ := newHandler()

	msg, err := h.Execute(context.Background(), "s1", user, "/approve zzz")
	if !errors.Is(err, heroErrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if !strings.Contains(msg, "Command failed") {
		t.Fatalf("unexpected output %q", msg)
	}
	if len(sessions.recorded) != 1 {
		t.Fatal("failures are recorded too")
	}
}

func TestHandler_AgentsNeedExplicitAllow(t *testing.T) {
	h, approvals, _, engine := newHandler()
	agent := permission.Subject{Type: permission.SubjectAgent, ID: "agent-B"}

	_, err := h.Execute(context.Background(), "s1", agent, "/approve abcd")
	if !errors.Is(err, heroErrors.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if len(approvals.decisions) != 0 {
		t.Fatal("denied command must not decide")
	}

	if _, err := engine.CreateRule(context.Background(), permission.Rule{
		SubjectType:  permission.SubjectAgent,
		SubjectID:    "agent-B",
		ResourceType: permission.ResourceCommand,
		ResourceName: "approve",
		Action:       permission.ActionAllow,
		Scope:        permission.ScopePermanent,
	}); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if _, err := h.Execute(context.Background(), "s1", agent, "/approve abcd"); err != nil {
		t.Fatalf("approve as allowed agent: %v", err)
	}
	if approvals.decisions[0].by.AgentID != "agent-B" {
		t.Fatalf("decision should come from the agent, got %+v", approvals.decisions[0].by)
	}
}

func TestHandler_CompactAndClose(t *testing.T) {
	h, _, sessions, _ := newHandler()
	ctx := context.Background()

	if _, err := h.Execute(ctx, "s1", user, `/compact "user asked about ls"`); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if sessions.summary != "user asked about ls" {
		t.Fatalf("unexpected summary %q", sessions.summary)
	}

	before := len(sessions.recorded)
	if _, err := h.Execute(ctx, "s1", user, "/close"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sessions.closed != 1 || len(sessions.recorded) != before {
		t.Fatal("close should not record into the closed session")
	}
}

func TestHandler_PendingListsApprovals(t *testing.T) {
	h, _, sessions, _ := newHandler()

	msg, err := h.Execute(context.Background(), "s1", user, "/pending")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if !strings.Contains(msg, "Run `ls`") || !strings.Contains(msg, "[high]") {
		t.Fatalf("unexpected output %q", msg)
	}

	var payload map[string]any
	if err := json.Unmarshal(sessions.recorded[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["command"] != "pending" {
		t.Fatalf("unexpected payload %v", payload)
	}
}
