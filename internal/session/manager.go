// Package session owns session lifecycle and is the only writer of frames
// for a session. Every append for one session passes through its lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/th317erd/hero/internal/broadcast"
	"github.com/th317erd/hero/internal/concurrency"
	"github.com/th317erd/hero/internal/config"
	"github.com/th317erd/hero/internal/credential"
	heroErrors "github.com/th317erd/hero/internal/errors"
	"github.com/th317erd/hero/internal/frame"
	"github.com/th317erd/hero/internal/logger"
	"github.com/th317erd/hero/internal/store"

	"github.com/oklog/ulid/v2"
)

// KeyTracker remembers idempotency keys for a while. CheckAndMark reports
// whether the key was already seen.
type KeyTracker interface {
	CheckAndMark(key string, ttl time.Duration) bool
	Forget(key string)
}

// InteractionCanceller settles what a closing session still waits on.
type InteractionCanceller interface {
	CancelSession(sessionID, reason string) int
}

// RuleCleaner drops rules that only lived for a session.
type RuleCleaner interface {
	ClearSession(ctx context.Context, sessionID string) (int, error)
}

type Manager struct {
	repo           store.Repository
	locks          *concurrency.SessionLocks
	compactor      *frame.Compactor
	keys           KeyTracker
	interactions   InteractionCanceller
	rules          RuleCleaner
	publisher      broadcast.Publisher
	idempotencyTTL time.Duration
	now            func() time.Time
}

type Option func(*Manager)

func WithKeys(k KeyTracker) Option {
	return func(m *Manager) { m.keys = k }
}

func WithPublisher(p broadcast.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithCloseCascade wires what Close tears down.
func WithCloseCascade(interactions InteractionCanceller, rules RuleCleaner) Option {
	return func(m *Manager) {
		m.interactions = interactions
		m.rules = rules
	}
}

func WithIdempotencyTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idempotencyTTL = d
		}
	}
}

func NewManager(repo store.Repository, opts ...Option) *Manager {
	ttl, _ := config.DurationOrDefault("", config.DefaultSessionIdempotencyTTL)
	m := &Manager{
		repo:           repo,
		locks:          concurrency.NewSessionLocks(),
		compactor:      frame.NewCompactor(repo),
		publisher:      broadcast.Nop{},
		idempotencyTTL: ttl,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type CreateParams struct {
	ID       string
	Title    string
	OwnerID  string
	Agents   []string
	Metadata map[string]string
}

func (m *Manager) Create(ctx context.Context, p CreateParams) (store.SessionMeta, error) {
	owner := strings.TrimSpace(p.OwnerID)
	if owner == "" {
		return store.SessionMeta{}, heroErrors.Validation("session owner is required")
	}
	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = ulid.Make().String()
	}
	if _, err := m.repo.GetSession(ctx, id); err == nil {
		return store.SessionMeta{}, heroErrors.Conflict(fmt.Sprintf("session %s already exists", id))
	} else if !errors.Is(err, heroErrors.ErrNotFound) {
		return store.SessionMeta{}, err
	}

	participants := []store.Participant{{ID: owner, Type: store.ParticipantUser}}
	for _, agentID := range p.Agents {
		if _, err := m.repo.GetAgent(ctx, agentID); err != nil {
			return store.SessionMeta{}, fmt.Errorf("add agent %s: %w", agentID, err)
		}
		participants = appendParticipant(participants, store.Participant{ID: agentID, Type: store.ParticipantAgent})
	}

	now := m.now().UTC()
	meta := store.SessionMeta{
		ID:           id,
		Title:        p.Title,
		Status:       store.SessionActive,
		OwnerID:      owner,
		Participants: participants,
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     p.Metadata,
	}
	if err := m.repo.SaveSession(ctx, meta); err != nil {
		return store.SessionMeta{}, fmt.Errorf("save session: %w", err)
	}

	slog.Info("Session created", "session", id, "owner", owner, "participants", len(participants))
	m.publisher.Publish(ctx, broadcast.NewEvent(broadcast.EventSessionCreated, id, meta))
	return meta, nil
}

func (m *Manager) Get(ctx context.Context, id string) (store.SessionMeta, error) {
	return m.repo.GetSession(ctx, id)
}

func (m *Manager) List(ctx context.Context) ([]store.SessionMeta, error) {
	return m.repo.ListSessions(ctx)
}

// Join adds a participant. Agents must be registered first.
func (m *Manager) Join(ctx context.Context, sessionID string, p store.Participant) (store.SessionMeta, error) {
	if strings.TrimSpace(p.ID) == "" {
		return store.SessionMeta{}, heroErrors.Validation("participant id is required")
	}
	if p.Type != store.ParticipantUser && p.Type != store.ParticipantAgent {
		return store.SessionMeta{}, heroErrors.Validation(fmt.Sprintf("invalid participant type %q", p.Type))
	}
	if p.Type == store.ParticipantAgent {
		if _, err := m.repo.GetAgent(ctx, p.ID); err != nil {
			return store.SessionMeta{}, fmt.Errorf("join agent %s: %w", p.ID, err)
		}
	}

	unlock := m.locks.Lock(sessionID)
	defer unlock()

	meta, err := m.activeSession(ctx, sessionID)
	if err != nil {
		return store.SessionMeta{}, err
	}
	if meta.HasParticipant(p.ID, p.Type) {
		return meta, nil
	}

	meta.Participants = appendParticipant(meta.Participants, p)
	meta.UpdatedAt = m.now().UTC()
	if err := m.repo.SaveSession(ctx, meta); err != nil {
		return store.SessionMeta{}, fmt.Errorf("save session: %w", err)
	}

	slog.Info("Participant joined", "session", sessionID, "participant", p.ID, "type", p.Type)
	m.publisher.Publish(ctx, broadcast.NewEvent(broadcast.EventSessionParticipants, sessionID, meta.Participants))
	return meta, nil
}

// Leave removes a participant. The owner cannot leave their own session.
func (m *Manager) Leave(ctx context.Context, sessionID string, p store.Participant) (store.SessionMeta, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	meta, err := m.activeSession(ctx, sessionID)
	if err != nil {
		return store.SessionMeta{}, err
	}
	if p.Type == store.ParticipantUser && p.ID == meta.OwnerID {
		return store.SessionMeta{}, heroErrors.Conflict("the owner cannot leave the session")
	}

	kept := make([]store.Participant, 0, len(meta.Participants))
	for _, existing := range meta.Participants {
		if existing != p {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(meta.Participants) {
		return store.SessionMeta{}, heroErrors.NotFound(fmt.Sprintf("participant %s in session %s", p.ID, sessionID))
	}

	meta.Participants = kept
	meta.UpdatedAt = m.now().UTC()
	if err := m.repo.SaveSession(ctx, meta); err != nil {
		return store.SessionMeta{}, fmt.Errorf("save session: %w", err)
	}
	m.publisher.Publish(ctx, broadcast.NewEvent(broadcast.EventSessionParticipants, sessionID, meta.Participants))
	return meta, nil
}

// Close marks the session closed, cancels its pending interactions and drops
// its session-scoped rules. Closing twice is a no-op.
func (m *Manager) Close(ctx context.Context, sessionID string) (store.SessionMeta, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	meta, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return store.SessionMeta{}, err
	}
	if meta.Status == store.SessionClosed {
		return meta, nil
	}

	meta.Status = store.SessionClosed
	meta.UpdatedAt = m.now().UTC()
	if err := m.repo.SaveSession(ctx, meta); err != nil {
		return store.SessionMeta{}, fmt.Errorf("save session: %w", err)
	}

	cancelled := 0
	if m.interactions != nil {
		cancelled = m.interactions.CancelSession(sessionID, "session closed")
	}
	cleared := 0
	if m.rules != nil {
		if cleared, err = m.rules.ClearSession(ctx, sessionID); err != nil {
			slog.Warn("Failed to clear session rules", "session", sessionID, "error", err)
		}
	}

	slog.Info("Session closed", "session", sessionID, "cancelled_interactions", cancelled, "cleared_rules", cleared)
	m.publisher.Publish(ctx, broadcast.NewEvent(broadcast.EventSessionClosed, sessionID, meta))
	return meta, nil
}

// Append stores f in its session. A non-empty idempotencyKey makes retries of
// the same append fail with ErrDuplicateEvent instead of writing twice.
func (m *Manager) Append(ctx context.Context, f frame.Frame, idempotencyKey string) (frame.Frame, error) {
	ctx = logger.WithSessionID(ctx, f.SessionID)

	unlock := m.locks.Lock(f.SessionID)
	defer unlock()

	if _, err := m.activeSession(ctx, f.SessionID); err != nil {
		if errors.Is(err, heroErrors.ErrNotFound) {
			return frame.Frame{}, heroErrors.Storage("append frame", err)
		}
		return frame.Frame{}, err
	}

	key := ""
	if idempotencyKey != "" && m.keys != nil {
		key = f.SessionID + ":" + idempotencyKey
		if m.keys.CheckAndMark(key, m.idempotencyTTL) {
			slog.Debug("Duplicate append dropped", "session", f.SessionID, "key", idempotencyKey)
			return frame.Frame{}, fmt.Errorf("append with key %s: %w", idempotencyKey, heroErrors.ErrDuplicateEvent)
		}
	}

	stored, err := m.repo.Append(ctx, f)
	if err != nil {
		if key != "" {
			m.keys.Forget(key)
		}
		return frame.Frame{}, err
	}

	logger.From(ctx).Debug("Frame appended", "frame", stored.ID, "type", stored.Type, "author", stored.AuthorID)
	m.publisher.Publish(ctx, broadcast.NewEvent(broadcast.EventFrameAppended, stored.SessionID, stored))
	return stored, nil
}

// Record appends without an idempotency key.
func (m *Manager) Record(ctx context.Context, f frame.Frame) (frame.Frame, error) {
	return m.Append(ctx, f, "")
}

func (m *Manager) Frames(ctx context.Context, sessionID string, filter frame.Filter) ([]frame.Frame, error) {
	return m.repo.List(ctx, sessionID, filter)
}

// Compile folds the complete history of the session.
func (m *Manager) Compile(ctx context.Context, sessionID string) (frame.State, error) {
	frames, err := m.repo.List(ctx, sessionID, frame.Filter{})
	if err != nil {
		return nil, err
	}
	return frame.Compile(frames), nil
}

// Visible returns the frames a reader should see, starting at the latest
// compaction, with the state compiled from the same frames.
func (m *Manager) Visible(ctx context.Context, sessionID string, showHidden bool) ([]frame.Frame, frame.State, error) {
	frames, err := m.repo.List(ctx, sessionID, frame.Filter{FromLatestCompact: true})
	if err != nil {
		return nil, nil, err
	}
	compiled := frame.Compile(frames)
	return frame.VisibleFrames(frames, compiled, showHidden), compiled, nil
}

// Compact appends a compact frame. Holding the session lock keeps any append
// from landing between the snapshot read and the compact write.
func (m *Manager) Compact(ctx context.Context, sessionID, summary string) (frame.Frame, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	if _, err := m.activeSession(ctx, sessionID); err != nil {
		return frame.Frame{}, err
	}
	stored, err := m.compactor.TriggerCompaction(ctx, sessionID, summary)
	if err != nil {
		return frame.Frame{}, err
	}
	m.publisher.Publish(ctx, broadcast.NewEvent(broadcast.EventFrameAppended, sessionID, stored))
	return stored, nil
}

type AgentParams struct {
	ID      string
	Name    string
	OwnerID string
	// Credential is sealed to Recipients before it is stored.
	Credential []byte
	Recipients []string
}

func (m *Manager) RegisterAgent(ctx context.Context, p AgentParams) (store.AgentMeta, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return store.AgentMeta{}, heroErrors.Validation("agent name is required")
	}
	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = ulid.Make().String()
	}

	agent := store.AgentMeta{ID: id, Name: name, OwnerID: p.OwnerID, CreatedAt: m.now().UTC()}
	if len(p.Credential) > 0 {
		sealed, err := credential.Seal(p.Credential, p.Recipients...)
		if err != nil {
			return store.AgentMeta{}, heroErrors.Validation(fmt.Sprintf("seal agent credential: %v", err))
		}
		agent.SealedCredential = sealed
	}

	if err := m.repo.SaveAgent(ctx, agent); err != nil {
		return store.AgentMeta{}, fmt.Errorf("save agent: %w", err)
	}
	slog.Info("Agent registered", "agent", id, "name", name, "sealed", agent.SealedCredential != "")
	return agent, nil
}

func (m *Manager) Agent(ctx context.Context, id string) (store.AgentMeta, error) {
	return m.repo.GetAgent(ctx, id)
}

func (m *Manager) Agents(ctx context.Context) ([]store.AgentMeta, error) {
	return m.repo.ListAgents(ctx)
}

// IsParticipant reports whether agentID takes part in the session. A closed
// session fails with ErrConflict.
func (m *Manager) IsParticipant(ctx context.Context, sessionID, agentID string) (bool, error) {
	meta, err := m.activeSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return meta.HasParticipant(agentID, store.ParticipantAgent), nil
}

// Active fails with ErrConflict once the session is closed.
func (m *Manager) Active(ctx context.Context, sessionID string) error {
	_, err := m.activeSession(ctx, sessionID)
	return err
}

func (m *Manager) activeSession(ctx context.Context, sessionID string) (store.SessionMeta, error) {
	meta, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return store.SessionMeta{}, err
	}
	if meta.Status == store.SessionClosed {
		return store.SessionMeta{}, heroErrors.Conflict(fmt.Sprintf("session %s is closed", sessionID))
	}
	return meta, nil
}

func appendParticipant(list []store.Participant, p store.Participant) []store.Participant {
	for _, existing := range list {
		if existing == p {
			return list
		}
	}
	return append(list, p)
}
