// Package command handles slash commands typed into a session.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/th317erd/hero/internal/ability"
	heroErrors "github.com/th317erd/hero/internal/errors"
	"github.com/th317erd/hero/internal/frame"
	"github.com/th317erd/hero/internal/interaction"
	"github.com/th317erd/hero/internal/permission"
	"github.com/th317erd/hero/internal/store"

	"github.com/google/shlex"
)

const commandOutputPrefix = "[CMD] "

type Approvals interface {
	Decide(executionID string, d ability.ApprovalDecision, by interaction.RespondOptions) error
	Approvals(sessionID string, status ability.ApprovalStatus) []ability.ApprovalRequest
}

type Sessions interface {
	Record(ctx context.Context, f frame.Frame) (frame.Frame, error)
	Compact(ctx context.Context, sessionID, summary string) (frame.Frame, error)
	Close(ctx context.Context, sessionID string) (store.SessionMeta, error)
}

type Resolver interface {
	Resolve(ctx context.Context, req permission.Request) (permission.Decision, error)
}

type Handler struct {
	approvals Approvals
	sessions  Sessions
	rules     Resolver
}

func NewHandler(approvals Approvals, sessions Sessions, rules Resolver) *Handler {
	return &Handler{approvals: approvals, sessions: sessions, rules: rules}
}

func (h *Handler) CanHandle(input string) bool {
	return strings.HasPrefix(strings.TrimSpace(input), "/")
}

// Execute runs input for by inside sessionID and records the output as a
// hidden system message. The returned text is the same output.
func (h *Handler) Execute(ctx context.Context, sessionID string, by permission.Subject, input string) (string, error) {
	parts, parseErr := shlex.Split(input)
	if parseErr != nil {
		parts = strings.Fields(input)
	}
	if len(parts) == 0 {
		return "", nil
	}
	cmd, args := parts[0], parts[1:]
	name := strings.TrimPrefix(cmd, "/")

	slog.Info("Executing slash command", "cmd", cmd, "session", sessionID, "by", by.String())

	var msg string
	err := h.authorize(ctx, sessionID, by, name)
	if err == nil {
		switch cmd {
		case "/approve":
			msg, err = h.handleDecision(sessionID, by, args, true)
		case "/deny":
			msg, err = h.handleDecision(sessionID, by, args, false)
		case "/pending":
			msg = h.handlePending(sessionID)
		case "/compact":
			msg, err = h.handleCompact(ctx, sessionID, args)
		case "/close":
			msg, err = h.handleClose(ctx, sessionID)
		case "/help":
			msg = helpText()
		default:
			msg = fmt.Sprintf("Unknown command: %s", cmd)
		}
	}

	if err != nil {
		msg = fmt.Sprintf("Command failed: %v", err)
		slog.Error("Command execution failed", "cmd", cmd, "error", err)
	}
	msg = formatCommandOutput(msg)

	// A closed session takes no more frames.
	if cmd != "/close" || err != nil {
		if recErr := h.record(ctx, sessionID, name, msg); recErr != nil {
			return msg, recErr
		}
	}
	return msg, err
}

// authorize lets users run commands unless a rule denies them. Agents need an
// explicit allow rule.
func (h *Handler) authorize(ctx context.Context, sessionID string, by permission.Subject, name string) error {
	if h.rules == nil {
		return nil
	}
	d, err := h.rules.Resolve(ctx, permission.Request{
		Subject:      by,
		ResourceType: permission.ResourceCommand,
		ResourceName: name,
		SessionID:    sessionID,
	})
	if err != nil {
		return err
	}
	switch {
	case d.Action == permission.ActionAllow:
		return nil
	case d.Action == permission.ActionPrompt && by.Type == permission.SubjectUser:
		return nil
	default:
		return heroErrors.PermissionDenied(fmt.Sprintf("/%s is not allowed for %s", name, by.String()))
	}
}

// handleDecision parses "<execution-id> [--session] [reason...]".
func (h *Handler) handleDecision(sessionID string, by permission.Subject, args []string, approve bool) (string, error) {
	verb := "deny"
	if approve {
		verb = "approve"
	}
	if len(args) < 1 {
		return fmt.Sprintf("Usage: /%s <id> [--session] [reason]", verb), nil
	}

	id := args[0]
	remember := false
	reason := make([]string, 0, len(args))
	for _, a := range args[1:] {
		if a == "--session" && approve {
			remember = true
			continue
		}
		reason = append(reason, a)
	}

	req, err := h.findPending(sessionID, id)
	if err != nil {
		return "", err
	}

	opts := interaction.RespondOptions{}
	switch by.Type {
	case permission.SubjectAgent:
		opts.AgentID = by.ID
	default:
		opts.UserID = by.ID
	}
	if err := h.approvals.Decide(req.ExecutionID, ability.ApprovalDecision{
		Approved: approve,
		Remember: remember,
		Reason:   strings.Join(reason, " "),
	}, opts); err != nil {
		return "", err
	}

	if !approve {
		return fmt.Sprintf("Denied: %s (%s)", req.ExecutionID, req.AbilityName), nil
	}
	if remember {
		return fmt.Sprintf("Approved: %s (%s), remembered for this session", req.ExecutionID, req.AbilityName), nil
	}
	return fmt.Sprintf("Approved: %s (%s)", req.ExecutionID, req.AbilityName), nil
}

// findPending accepts a full execution id or a unique suffix of one.
func (h *Handler) findPending(sessionID, id string) (ability.ApprovalRequest, error) {
	var match []ability.ApprovalRequest
	for _, req := range h.approvals.Approvals(sessionID, ability.ApprovalPending) {
		if req.ExecutionID == id {
			return req, nil
		}
		if strings.HasSuffix(strings.ToLower(req.ExecutionID), strings.ToLower(id)) {
			match = append(match, req)
		}
	}
	switch len(match) {
	case 0:
		return ability.ApprovalRequest{}, heroErrors.NotFound(fmt.Sprintf("pending approval %s", id))
	case 1:
		return match[0], nil
	default:
		return ability.ApprovalRequest{}, heroErrors.Conflict(fmt.Sprintf("%s matches %d approvals", id, len(match)))
	}
}

func (h *Handler) handlePending(sessionID string) string {
	pending := h.approvals.Approvals(sessionID, ability.ApprovalPending)
	if len(pending) == 0 {
		return "No pending approvals."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Pending approvals (%d):", len(pending))
	for _, req := range pending {
		fmt.Fprintf(&b, "\n- %s [%s] %s", req.ExecutionID, req.Danger, req.Description)
	}
	return b.String()
}

func (h *Handler) handleCompact(ctx context.Context, sessionID string, args []string) (string, error) {
	if len(args) == 0 {
		return "Usage: /compact <summary>", nil
	}
	f, err := h.sessions.Compact(ctx, sessionID, strings.Join(args, " "))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Compacted into %s.", f.ID), nil
}

func (h *Handler) handleClose(ctx context.Context, sessionID string) (string, error) {
	if _, err := h.sessions.Close(ctx, sessionID); err != nil {
		return "", err
	}
	return "Session closed.", nil
}

func (h *Handler) record(ctx context.Context, sessionID, name, msg string) error {
	payload, err := json.Marshal(map[string]any{"content": msg, "command": name, "hidden": true})
	if err != nil {
		return err
	}
	_, err = h.sessions.Record(ctx, frame.Frame{
		SessionID:  sessionID,
		Type:       frame.TypeMessage,
		AuthorType: frame.AuthorSystem,
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("record command output: %w", err)
	}
	return nil
}

func helpText() string {
	return "Available commands: /help, /pending, /approve <id> [--session] [reason], /deny <id> [reason], /compact <summary>, /close"
}

func formatCommandOutput(msg string) string {
	if strings.HasPrefix(msg, commandOutputPrefix) {
		return msg
	}
	return commandOutputPrefix + msg
}
