// Package broadcast fans session events out to registered sinks. Delivery is
// at-most-once and best effort: a failing sink is logged and skipped.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/th317erd/hero/internal/concurrency"
	heroErrors "github.com/th317erd/hero/internal/errors"
)

type EventType string

const (
	EventFrameAppended       EventType = "frame.appended"
	EventInteractionCreated  EventType = "interaction.created"
	EventInteractionSettled  EventType = "interaction.settled"
	EventApprovalRequested   EventType = "approval.requested"
	EventApprovalResolved    EventType = "approval.resolved"
	EventSessionCreated      EventType = "session.created"
	EventSessionParticipants EventType = "session.participants"
	EventSessionClosed       EventType = "session.closed"
)

type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// NewEvent marshals payload; a payload that cannot be encoded is dropped.
func NewEvent(t EventType, sessionID string, payload any) Event {
	ev := Event{Type: t, SessionID: sessionID, Timestamp: time.Now().UTC()}
	if payload == nil {
		return ev
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("Dropping unencodable event payload", "type", t, "error", err)
		return ev
	}
	ev.Payload = raw
	return ev
}

type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Publisher is what the core depends on.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

type Hub struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

func NewHub() *Hub {
	return &Hub{sinks: make(map[string]Sink)}
}

func (h *Hub) Register(sink Sink) error {
	if sink == nil {
		return heroErrors.Validation("sink cannot be nil")
	}
	name := sink.Name()
	if name == "" {
		return heroErrors.Validation("sink name cannot be empty")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.sinks[name]; exists {
		return heroErrors.Conflict(fmt.Sprintf("sink %s already registered", name))
	}
	h.sinks[name] = sink
	slog.Info("Broadcast sink registered", "name", name)
	return nil
}

func (h *Hub) Unregister(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.sinks[name]; !exists {
		return heroErrors.NotFound("sink not found: " + name)
	}
	delete(h.sinks, name)
	slog.Info("Broadcast sink unregistered", "name", name)
	return nil
}

// Publish hands ev to every sink once. Errors and panics stay inside the hub.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	for _, sink := range h.Sinks() {
		func() {
			defer concurrency.Recover("broadcast sink "+sink.Name(), nil)
			if err := sink.Deliver(ctx, ev); err != nil {
				slog.Warn("Broadcast delivery failed", "sink", sink.Name(), "type", ev.Type, "session", ev.SessionID, "error", err)
			}
		}()
	}
}

// Sinks returns registered sinks ordered by name.
func (h *Hub) Sinks() []Sink {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Sink, 0, len(h.sinks))
	for _, s := range h.sinks {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Health fails when no sink is registered.
func (h *Hub) Health(context.Context) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.sinks) == 0 {
		return heroErrors.Transient("no broadcast sinks registered")
	}
	return nil
}

// Nop discards events. Used where no hub is wired.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
