package frame

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	heroErrors "github.com/th317erd/hero/internal/errors"
)

// BuildSnapshot compiles frames and keeps only the currently visible message
// state. Requests, results and earlier compact frames are summarized in the
// compact context text instead of being replayed verbatim. Message ids that
// only survive inside an earlier snapshot are carried forward while visible.
func BuildSnapshot(frames []Frame) Snapshot {
	compiled := Compile(frames)
	snapshot := make(Snapshot)

	for _, f := range VisibleFrames(frames, compiled, false) {
		switch f.Type {
		case TypeMessage:
			if value, ok := compiled[f.ID]; ok {
				snapshot[f.ID] = value
			}
		case TypeCompact:
			payload, err := DecodeCompact(f.Payload)
			if err != nil {
				continue
			}
			for id := range payload.Snapshot {
				value, ok := compiled[id]
				if !ok || IsHidden(value) {
					continue
				}
				snapshot[id] = value
			}
		}
	}

	return snapshot
}

type Compactor struct {
	store Store
}

func NewCompactor(store Store) *Compactor {
	return &Compactor{store: store}
}

// TriggerCompaction snapshots the session and appends a compact frame with the
// summary as its context. Callers serialize this against other appends to the
// same session.
func (c *Compactor) TriggerCompaction(ctx context.Context, sessionID, summary string) (Frame, error) {
	if strings.TrimSpace(summary) == "" {
		return Frame{}, heroErrors.Validation("compaction summary is required")
	}

	frames, err := c.store.List(ctx, sessionID, Filter{})
	if err != nil {
		return Frame{}, fmt.Errorf("list frames for compaction: %w", err)
	}

	snapshot := BuildSnapshot(frames)
	payload, err := json.Marshal(CompactPayload{Context: summary, Snapshot: snapshot})
	if err != nil {
		return Frame{}, fmt.Errorf("marshal compact payload: %w", err)
	}

	stored, err := c.store.Append(ctx, Frame{
		SessionID:  sessionID,
		Type:       TypeCompact,
		AuthorType: AuthorSystem,
		Payload:    payload,
	})
	if err != nil {
		return Frame{}, fmt.Errorf("append compact frame: %w", err)
	}

	slog.Info("Session compacted", "session", sessionID, "frame", stored.ID, "snapshot_entries", len(snapshot), "source_frames", len(frames))
	return stored, nil
}
