package store

import (
	"context"
	"time"

	"github.com/th317erd/hero/internal/frame"
)

type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

type ParticipantType string

const (
	ParticipantUser  ParticipantType = "user"
	ParticipantAgent ParticipantType = "agent"
)

type Participant struct {
	ID   string          `json:"id"`
	Type ParticipantType `json:"type"`
}

// --- Index (index.json) ---

type SessionMeta struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Status       SessionStatus     `json:"status"`
	OwnerID      string            `json:"owner_id"`
	Participants []Participant     `json:"participants"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// HasParticipant reports whether id takes part in the session as kind.
func (s SessionMeta) HasParticipant(id string, kind ParticipantType) bool {
	for _, p := range s.Participants {
		if p.ID == id && p.Type == kind {
			return true
		}
	}
	return false
}

type AgentMeta struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id,omitempty"`
	// SealedCredential is the agent's API credential encrypted to its owner's age recipient.
	SealedCredential string    `json:"sealed_credential,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type Index struct {
	Sessions map[string]SessionMeta `json:"sessions"`
	Agents   map[string]AgentMeta   `json:"agents"`
}

// Repository is the storage surface the session manager runs on. The JSONL
// Worker and the SQLite repository both satisfy it.
type Repository interface {
	frame.Store
	SaveSession(ctx context.Context, s SessionMeta) error
	GetSession(ctx context.Context, id string) (SessionMeta, error)
	ListSessions(ctx context.Context) ([]SessionMeta, error)
	SaveAgent(ctx context.Context, a AgentMeta) error
	GetAgent(ctx context.Context, id string) (AgentMeta, error)
	ListAgents(ctx context.Context) ([]AgentMeta, error)
}
