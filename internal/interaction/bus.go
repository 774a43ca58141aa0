// Package interaction routes addressed requests and their answers. A request
// waits on a channel that exactly one of respond, timeout or cancel settles.
package interaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/th317erd/hero/internal/broadcast"
	"github.com/th317erd/hero/internal/config"
	heroErrors "github.com/th317erd/hero/internal/errors"
	"github.com/th317erd/hero/internal/logger"
	"github.com/th317erd/hero/internal/permission"

	"github.com/oklog/ulid/v2"
)

// TargetUser addresses whichever end user owns the session.
const TargetUser = "@user"

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

type Interaction struct {
	ID            string          `json:"id"`
	Target        string          `json:"target"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	SourceAgentID string          `json:"source_agent_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

type Result struct {
	InteractionID string          `json:"interaction_id"`
	Status        Status          `json:"status"`
	Result        json.RawMessage `json:"result,omitempty"`
	// Responder is "agent:<id>", "user:<id>" or "system".
	Responder string `json:"responder,omitempty"`
}

type CreateOptions struct {
	SessionID     string
	UserID        string
	SourceAgentID string
}

// RespondOptions identifies who answers. An empty AgentID means a user or the
// system is responding.
type RespondOptions struct {
	AgentID string
	UserID  string
}

type pending struct {
	interaction Interaction
	ch          chan Result
	timer       *time.Timer
}

type Bus struct {
	mu             sync.Mutex
	pending        map[string]*pending
	publisher      broadcast.Publisher
	audit          permission.AuditLogger
	defaultTimeout time.Duration
}

type Option func(*Bus)

func WithPublisher(p broadcast.Publisher) Option {
	return func(b *Bus) { b.publisher = p }
}

// WithAudit records rejected self-responses as violations.
func WithAudit(a permission.AuditLogger) Option {
	return func(b *Bus) { b.audit = a }
}

func WithDefaultTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.defaultTimeout = d
		}
	}
}

func NewBus(opts ...Option) *Bus {
	timeout, _ := config.DurationOrDefault("", config.DefaultInteractionTimeout)
	b := &Bus{
		pending:        make(map[string]*pending),
		publisher:      broadcast.Nop{},
		defaultTimeout: timeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Create builds an interaction without registering it.
func (b *Bus) Create(target, kind string, payload any, opts CreateOptions) (Interaction, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Interaction{}, heroErrors.Validation("interaction target is required")
	}
	if strings.TrimSpace(kind) == "" {
		return Interaction{}, heroErrors.Validation("interaction kind is required")
	}

	raw, err := encode(payload)
	if err != nil {
		return Interaction{}, heroErrors.Validation(fmt.Sprintf("interaction payload: %v", err))
	}

	return Interaction{
		ID:            ulid.Make().String(),
		Target:        target,
		Kind:          kind,
		Payload:       raw,
		SessionID:     opts.SessionID,
		UserID:        opts.UserID,
		SourceAgentID: opts.SourceAgentID,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Request registers ix as pending. The returned channel yields exactly one
// Result and is then closed. timeout <= 0 uses the bus default.
func (b *Bus) Request(ix Interaction, timeout time.Duration) (<-chan Result, error) {
	if ix.ID == "" {
		return nil, heroErrors.Validation("interaction id is required")
	}
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	p := &pending{interaction: ix, ch: make(chan Result, 1)}

	b.mu.Lock()
	if _, exists := b.pending[ix.ID]; exists {
		b.mu.Unlock()
		return nil, heroErrors.Conflict(fmt.Sprintf("interaction %s already pending", ix.ID))
	}
	b.pending[ix.ID] = p
	p.timer = time.AfterFunc(timeout, func() {
		if b.settle(ix.ID, p, Result{Status: StatusTimeout, Responder: "system"}) {
			slog.Info("Interaction timed out", "id", ix.ID, "session", ix.SessionID, "kind", ix.Kind, "timeout", timeout)
		}
	})
	b.mu.Unlock()

	slog.Debug("Interaction pending", "id", ix.ID, "target", ix.Target, "kind", ix.Kind, "session", ix.SessionID)
	b.publisher.Publish(context.Background(), broadcast.NewEvent(broadcast.EventInteractionCreated, ix.SessionID, ix))
	return p.ch, nil
}

// Respond settles a pending interaction. It returns false without touching
// state when nothing is pending under id or when the responding agent is the
// agent that asked.
func (b *Bus) Respond(id string, result any, success bool, opts RespondOptions) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return false
	}

	if opts.AgentID != "" && opts.AgentID == p.interaction.SourceAgentID {
		b.rejectSelfResponse(p.interaction, opts.AgentID)
		return false
	}

	raw, err := encode(result)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"error": err.Error()})
		success = false
	}

	status := StatusCompleted
	if !success {
		status = StatusFailed
	}

	return b.settle(id, p, Result{Status: status, Result: raw, Responder: responder(opts)})
}

// Ask requests and waits. Cancelling ctx cancels the interaction.
func (b *Bus) Ask(ctx context.Context, ix Interaction, timeout time.Duration) (Result, error) {
	ch, err := b.Request(ix, timeout)
	if err != nil {
		return Result{}, err
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		b.Cancel(ix.ID, "context cancelled")
		// Whoever settled first left exactly one result behind.
		res := <-ch
		if res.Status == StatusCancelled {
			return res, ctx.Err()
		}
		return res, nil
	}
}

// Cancel settles a pending interaction with StatusCancelled.
func (b *Bus) Cancel(id, reason string) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return false
	}
	raw, _ := json.Marshal(map[string]string{"reason": reason})
	return b.settle(id, p, Result{Status: StatusCancelled, Result: raw, Responder: "system"})
}

// CancelSession cancels every pending interaction of a session and returns
// how many it settled.
func (b *Bus) CancelSession(sessionID, reason string) int {
	b.mu.Lock()
	ids := make([]string, 0)
	for id, p := range b.pending {
		if p.interaction.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	b.mu.Unlock()

	n := 0
	for _, id := range ids {
		if b.Cancel(id, reason) {
			n++
		}
	}
	if n > 0 {
		slog.Info("Cancelled pending interactions", "session", sessionID, "count", n)
	}
	return n
}

// Pending lists pending interactions, oldest first. An empty sessionID lists all.
func (b *Bus) Pending(sessionID string) []Interaction {
	b.mu.Lock()
	out := make([]Interaction, 0, len(b.pending))
	for _, p := range b.pending {
		if sessionID == "" || p.interaction.SessionID == sessionID {
			out = append(out, p.interaction)
		}
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Bus) Get(id string) (Interaction, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	if !ok {
		return Interaction{}, false
	}
	return p.interaction, true
}

// settle removes the entry if it is still p and delivers res. Only the caller
// that removes the entry delivers, so respond, timeout and cancel never both win.
func (b *Bus) settle(id string, p *pending, res Result) bool {
	b.mu.Lock()
	current, ok := b.pending[id]
	if !ok || current != p {
		b.mu.Unlock()
		return false
	}
	delete(b.pending, id)
	b.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	res.InteractionID = id
	p.ch <- res
	close(p.ch)

	b.publisher.Publish(context.Background(), broadcast.NewEvent(broadcast.EventInteractionSettled, p.interaction.SessionID, res))
	return true
}

func (b *Bus) rejectSelfResponse(ix Interaction, agentID string) {
	ctx := logger.WithSessionID(context.Background(), ix.SessionID)
	logger.Security("Rejected self-response to interaction",
		"interaction", ix.ID,
		"agent", agentID,
		"session", ix.SessionID,
		"kind", ix.Kind,
	)
	if b.audit == nil {
		return
	}
	if err := b.audit.Log(ctx, &permission.AuditEntry{
		Kind:        permission.AuditViolation,
		SessionID:   ix.SessionID,
		SubjectType: permission.SubjectAgent,
		SubjectID:   agentID,
		Action:      "self_response",
		Reason:      fmt.Sprintf("agent tried to answer its own %s interaction %s", ix.Kind, ix.ID),
	}); err != nil {
		slog.Warn("Failed to audit self-response", "error", err)
	}
}

func responder(opts RespondOptions) string {
	switch {
	case opts.AgentID != "":
		return "agent:" + opts.AgentID
	case opts.UserID != "":
		return "user:" + opts.UserID
	default:
		return "system"
	}
}

func encode(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(val) > 0 && !json.Valid(val) {
			return nil, fmt.Errorf("invalid JSON")
		}
		return val, nil
	default:
		return json.Marshal(val)
	}
}
