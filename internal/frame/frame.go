// Package frame defines the append-only session event log and the pure
// algorithms that rebuild state from it.
//
// A frame is never edited in place. An edit is a new update frame whose
// TargetIDs reference earlier frames as "frame:<id>". Compile folds an
// ordered frame sequence into the current payload per frame id; a compact
// frame carries a snapshot of that state so a transcript can be summarized
// without losing the values of the messages it covers.
package frame

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	heroErrors "github.com/th317erd/hero/internal/errors"
)

type Type string

const (
	TypeMessage Type = "message"
	TypeRequest Type = "request"
	TypeResult  Type = "result"
	TypeUpdate  Type = "update"
	TypeCompact Type = "compact"
)

func (t Type) Valid() bool {
	switch t {
	case TypeMessage, TypeRequest, TypeResult, TypeUpdate, TypeCompact:
		return true
	}
	return false
}

type AuthorType string

const (
	AuthorUser   AuthorType = "user"
	AuthorAgent  AuthorType = "agent"
	AuthorSystem AuthorType = "system"
)

func (a AuthorType) Valid() bool {
	switch a {
	case AuthorUser, AuthorAgent, AuthorSystem:
		return true
	}
	return false
}

// TargetPrefix marks a target id that references another frame.
const TargetPrefix = "frame:"

type Frame struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	ParentID   string          `json:"parent_id,omitempty"`
	TargetIDs  []string        `json:"target_ids,omitempty"`
	Timestamp  time.Time       `json:"ts"`
	Type       Type            `json:"type"`
	AuthorType AuthorType      `json:"author_type"`
	AuthorID   string          `json:"author_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Target returns the target id referencing frame id.
func Target(id string) string {
	return TargetPrefix + id
}

// ParseTarget extracts the frame id from a "frame:<id>" target.
func ParseTarget(target string) (string, bool) {
	if !strings.HasPrefix(target, TargetPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(target, TargetPrefix)
	if id == "" {
		return "", false
	}
	return id, true
}

// Validate rejects frames that cannot be appended. It never touches state.
func (f Frame) Validate() error {
	if strings.TrimSpace(f.SessionID) == "" {
		return heroErrors.Validation("frame session id is required")
	}
	if !f.Type.Valid() {
		return heroErrors.Validation(fmt.Sprintf("unknown frame type %q", f.Type))
	}
	if !f.AuthorType.Valid() {
		return heroErrors.Validation(fmt.Sprintf("unknown author type %q", f.AuthorType))
	}
	if len(f.Payload) > 0 && !json.Valid(f.Payload) {
		return heroErrors.Validation("frame payload is not valid JSON")
	}

	switch f.Type {
	case TypeUpdate:
		hasFrameTarget := false
		for _, target := range f.TargetIDs {
			if _, ok := ParseTarget(target); ok {
				hasFrameTarget = true
				break
			}
		}
		if !hasFrameTarget {
			return heroErrors.Validation("update frame requires at least one frame: target")
		}
	case TypeCompact:
		if _, err := DecodeCompact(f.Payload); err != nil {
			return heroErrors.Validation(fmt.Sprintf("compact payload: %v", err))
		}
	}
	return nil
}

// CompactPayload is the payload of a compact frame.
type CompactPayload struct {
	Context  string   `json:"context"`
	Snapshot Snapshot `json:"snapshot"`
}

func DecodeCompact(payload json.RawMessage) (CompactPayload, error) {
	var cp CompactPayload
	if len(payload) == 0 {
		return cp, fmt.Errorf("empty compact payload")
	}
	if err := json.Unmarshal(payload, &cp); err != nil {
		return cp, err
	}
	if cp.Snapshot == nil {
		cp.Snapshot = Snapshot{}
	}
	return cp, nil
}

// Filter narrows a List call. Zero value returns the whole session.
type Filter struct {
	Types      []Type
	AuthorType AuthorType
	Since      time.Time
	// Limit keeps only the trailing N frames after the other filters.
	Limit int
	// FromLatestCompact starts the sequence at the most recent compact frame.
	FromLatestCompact bool
}

// Apply filters an ordered frame sequence. Backends that cannot push the
// filter down to storage run it over the full session.
func (flt Filter) Apply(frames []Frame) []Frame {
	if flt.FromLatestCompact {
		frames = SinceLatestCompact(frames)
	}

	out := make([]Frame, 0, len(frames))
	for _, f := range frames {
		if len(flt.Types) > 0 && !containsType(flt.Types, f.Type) {
			continue
		}
		if flt.AuthorType != "" && f.AuthorType != flt.AuthorType {
			continue
		}
		if !flt.Since.IsZero() && f.Timestamp.Before(flt.Since) {
			continue
		}
		out = append(out, f)
	}

	if flt.Limit > 0 && len(out) > flt.Limit {
		out = out[len(out)-flt.Limit:]
	}
	return out
}

// SinceLatestCompact returns the suffix of frames starting at the last compact
// frame, or all frames when the session was never compacted.
func SinceLatestCompact(frames []Frame) []Frame {
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Type == TypeCompact {
			return frames[i:]
		}
	}
	return frames
}

func containsType(types []Type, t Type) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// Store is the append-only persistence boundary for frames.
type Store interface {
	// Append assigns id and timestamp and returns the stored frame.
	Append(ctx context.Context, f Frame) (Frame, error)
	// List returns the session's frames in append order.
	List(ctx context.Context, sessionID string, filter Filter) ([]Frame, error)
}
