package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/th317erd/hero/internal/broadcast"
	"github.com/th317erd/hero/internal/credential"
	heroErrors "github.com/th317erd/hero/internal/errors"
	"github.com/th317erd/hero/internal/frame"
	"github.com/th317erd/hero/internal/interaction"
	"github.com/th317erd/hero/internal/permission"
	"github.com/th317erd/hero/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	manager *Manager
	bus     *interaction.Bus
	engine  *permission.Engine
	sink    *broadcast.ChannelSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	w, err := store.NewWorker("test-ws", t.TempDir(), store.RuntimeConfig{LockTimeout: time.Second, LockRetry: 10 * time.Millisecond})
	require.NoError(t, err)
	w.Start()
	t.Cleanup(w.Stop)

	hub := broadcast.NewHub()
	sink := broadcast.NewChannelSink("test", "", 64)
	require.NoError(t, hub.Register(sink))

	bus := interaction.NewBus()
	engine := permission.NewEngine(permission.NewMemoryRuleStore(), nil)
	m := NewManager(w,
		WithKeys(w),
		WithPublisher(hub),
		WithCloseCascade(bus, engine),
	)
	return &harness{manager: m, bus: bus, engine: engine, sink: sink}
}

func message(sessionID, content string) frame.Frame {
	payload, _ := json.Marshal(map[string]string{"content": content})
	return frame.Frame{SessionID: sessionID, Type: frame.TypeMessage, AuthorType: frame.AuthorUser, AuthorID: "user-1", Payload: payload}
}

func (h *harness) session(t *testing.T, agents ...string) store.SessionMeta {
	t.Helper()
	for _, a := range agents {
		_, err := h.manager.RegisterAgent(context.Background(), AgentParams{ID: a, Name: a})
		require.NoError(t, err)
	}
	meta, err := h.manager.Create(context.Background(), CreateParams{Title: "t", OwnerID: "user-1", Agents: agents})
	require.NoError(t, err)
	return meta
}

func TestCreate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.Create(ctx, CreateParams{})
	assert.ErrorIs(t, err, heroErrors.ErrValidation)

	_, err = h.manager.Create(ctx, CreateParams{OwnerID: "user-1", Agents: []string{"ghost"}})
	assert.ErrorIs(t, err, heroErrors.ErrNotFound)

	meta := h.session(t, "agent-A")
	assert.Equal(t, store.SessionActive, meta.Status)
	assert.True(t, meta.HasParticipant("user-1", store.ParticipantUser))
	assert.True(t, meta.HasParticipant("agent-A", store.ParticipantAgent))

	_, err = h.manager.Create(ctx, CreateParams{ID: meta.ID, OwnerID: "user-2"})
	assert.ErrorIs(t, err, heroErrors.ErrConflict)

	ev := <-h.sink.Events()
	assert.Equal(t, broadcast.EventSessionCreated, ev.Type)
}

func TestJoinAndLeave(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	meta := h.session(t)

	_, err := h.manager.Join(ctx, meta.ID, store.Participant{ID: "ghost", Type: store.ParticipantAgent})
	assert.ErrorIs(t, err, heroErrors.ErrNotFound)

	_, err = h.manager.RegisterAgent(ctx, AgentParams{ID: "agent-B", Name: "Bee"})
	require.NoError(t, err)
	updated, err := h.manager.Join(ctx, meta.ID, store.Participant{ID: "agent-B", Type: store.ParticipantAgent})
	require.NoError(t, err)
	again, err := h.manager.Join(ctx, meta.ID, store.Participant{ID: "agent-B", Type: store.ParticipantAgent})
	require.NoError(t, err)
	assert.Len(t, again.Participants, len(updated.Participants))

	ok, err := h.manager.IsParticipant(ctx, meta.ID, "agent-B")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = h.manager.Leave(ctx, meta.ID, store.Participant{ID: "user-1", Type: store.ParticipantUser})
	assert.ErrorIs(t, err, heroErrors.ErrConflict)
	_, err = h.manager.Leave(ctx, meta.ID, store.Participant{ID: "agent-B", Type: store.ParticipantAgent})
	require.NoError(t, err)
	ok, err = h.manager.IsParticipant(ctx, meta.ID, "agent-B")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, h.manager.Active(ctx, meta.ID))
	_, err = h.manager.Close(ctx, meta.ID)
	require.NoError(t, err)
	_, err = h.manager.IsParticipant(ctx, meta.ID, "agent-A")
	assert.ErrorIs(t, err, heroErrors.ErrConflict)
	assert.ErrorIs(t, h.manager.Active(ctx, meta.ID), heroErrors.ErrConflict)
}

func TestAppend_IdempotencyKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	meta := h.session(t)

	_, err := h.manager.Append(ctx, message(meta.ID, "hi"), "client-1")
	require.NoError(t, err)
	_, err = h.manager.Append(ctx, message(meta.ID, "hi"), "client-1")
	assert.ErrorIs(t, err, heroErrors.ErrDuplicateEvent)

	// A failed append releases its key so the retry goes through.
	bad := message(meta.ID, "x")
	bad.Type = "bogus"
	_, err = h.manager.Append(ctx, bad, "client-2")
	assert.ErrorIs(t, err, heroErrors.ErrValidation)
	_, err = h.manager.Append(ctx, message(meta.ID, "x"), "client-2")
	require.NoError(t, err)

	frames, err := h.manager.Frames(ctx, meta.ID, frame.Filter{})
	require.NoError(t, err)
	assert.Len(t, frames, 2)
}

func TestAppend_UnknownSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.Append(context.Background(), message("nope", "hi"), "")
	assert.ErrorIs(t, err, heroErrors.ErrStorage)
	assert.ErrorIs(t, err, heroErrors.ErrNotFound)
}

func TestAppend_ConcurrentWritersKeepEveryFrame(t *testing.T) {
	h := newHarness(t)
	meta := h.session(t)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.manager.Append(context.Background(), message(meta.ID, fmt.Sprint(i)), fmt.Sprintf("k-%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	frames, err := h.manager.Frames(context.Background(), meta.ID, frame.Filter{})
	require.NoError(t, err)
	require.Len(t, frames, 25)
	for i := 1; i < len(frames); i++ {
		assert.Less(t, frames[i-1].ID, frames[i].ID)
	}
}

func TestCompactAndVisible(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	meta := h.session(t)

	first, err := h.manager.Append(ctx, message(meta.ID, "Hello"), "")
	require.NoError(t, err)
	_, err = h.manager.Append(ctx, message(meta.ID, "Hi"), "")
	require.NoError(t, err)

	compact, err := h.manager.Compact(ctx, meta.ID, "greetings exchanged")
	require.NoError(t, err)
	assert.Equal(t, frame.TypeCompact, compact.Type)

	later, err := h.manager.Append(ctx, message(meta.ID, "New"), "")
	require.NoError(t, err)

	visible, compiled, err := h.manager.Visible(ctx, meta.ID, false)
	require.NoError(t, err)
	require.Len(t, visible, 2)
	assert.Equal(t, compact.ID, visible[0].ID)
	assert.Equal(t, later.ID, visible[1].ID)

	full, err := h.manager.Compile(ctx, meta.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(full[first.ID]), string(compiled[first.ID]))

	_, err = h.manager.Compact(ctx, meta.ID, "  ")
	assert.ErrorIs(t, err, heroErrors.ErrValidation)
}

func TestClose_Cascades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	meta := h.session(t, "agent-A")

	ix, err := h.bus.Create(interaction.TargetUser, "question", nil, interaction.CreateOptions{SessionID: meta.ID, SourceAgentID: "agent-A"})
	require.NoError(t, err)
	ch, err := h.bus.Request(ix, time.Minute)
	require.NoError(t, err)

	_, err = h.engine.CreateRule(ctx, permission.Rule{
		SessionID:    meta.ID,
		SubjectType:  permission.SubjectAgent,
		SubjectID:    "agent-A",
		ResourceType: permission.ResourceAbility,
		ResourceName: "time",
		Action:       permission.ActionAllow,
		Scope:        permission.ScopeSession,
	})
	require.NoError(t, err)

	closed, err := h.manager.Close(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionClosed, closed.Status)
	assert.Equal(t, interaction.StatusCancelled, (<-ch).Status)

	rules, err := h.engine.ListRules(ctx, permission.Query{SessionID: meta.ID})
	require.NoError(t, err)
	assert.Empty(t, rules)

	_, err = h.manager.Append(ctx, message(meta.ID, "late"), "")
	assert.ErrorIs(t, err, heroErrors.ErrConflict)

	again, err := h.manager.Close(ctx, meta.ID)
	require.NoError(t, err)
	assert.True(t, closed.UpdatedAt.Equal(again.UpdatedAt))
}

func TestRegisterAgent_SealsCredential(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner, err := credential.GenerateIdentity()
	require.NoError(t, err)

	agent, err := h.manager.RegisterAgent(ctx, AgentParams{Name: "Ada", OwnerID: "user-1", Credential: []byte("sk-1"), Recipients: []string{owner.Recipient()}})
	require.NoError(t, err)
	require.NotEmpty(t, agent.SealedCredential)

	stored, err := h.manager.Agent(ctx, agent.ID)
	require.NoError(t, err)
	plain, err := credential.Open(stored.SealedCredential, owner)
	require.NoError(t, err)
	assert.Equal(t, "sk-1", string(plain))

	_, err = h.manager.RegisterAgent(ctx, AgentParams{Name: "Bad", Credential: []byte("x")})
	assert.ErrorIs(t, err, heroErrors.ErrValidation)
	_, err = h.manager.RegisterAgent(ctx, AgentParams{})
	assert.ErrorIs(t, err, heroErrors.ErrValidation)
}
