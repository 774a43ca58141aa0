package frame

import (
	"bytes"
	"encoding/json"
)

// State maps frame id to its current payload.
type State map[string]json.RawMessage

// Snapshot is the frame id to payload map stored inside a compact frame.
type Snapshot map[string]json.RawMessage

// Compile folds frames, in order, into the current payload per frame id.
//
// A compact frame restores its snapshot entries. An update frame replaces the
// value of every "frame:<id>" target that is already known; unknown targets
// are dropped and never revisited. Message, request and result frames insert
// their own payload. Compile keeps no state between calls.
func Compile(frames []Frame) State {
	state := make(State, len(frames))

	for _, f := range frames {
		switch f.Type {
		case TypeCompact:
			payload, err := DecodeCompact(f.Payload)
			if err != nil {
				continue
			}
			for id, value := range payload.Snapshot {
				state[id] = clonePayload(value)
			}
		case TypeUpdate:
			for _, target := range f.TargetIDs {
				id, ok := ParseTarget(target)
				if !ok {
					continue
				}
				if _, known := state[id]; known {
					state[id] = clonePayload(f.Payload)
				}
			}
		case TypeMessage, TypeRequest, TypeResult:
			state[f.ID] = clonePayload(f.Payload)
		}
	}

	return state
}

// VisibleFrames returns the frames a transcript shows. Update frames never
// show; compact frames always show as a divider; any other frame is hidden
// when its compiled payload carries "hidden": true, unless showHidden is set.
func VisibleFrames(frames []Frame, compiled State, showHidden bool) []Frame {
	visible := make([]Frame, 0, len(frames))
	for _, f := range frames {
		switch f.Type {
		case TypeUpdate:
			continue
		case TypeCompact:
			visible = append(visible, f)
			continue
		}

		if !showHidden && IsHidden(compiled[f.ID]) {
			continue
		}
		visible = append(visible, f)
	}
	return visible
}

// IsHidden reports whether an object payload has a top-level "hidden": true.
func IsHidden(payload json.RawMessage) bool {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	var flags struct {
		Hidden bool `json:"hidden"`
	}
	if err := json.Unmarshal(trimmed, &flags); err != nil {
		return false
	}
	return flags.Hidden
}

// clonePayload copies p. An empty payload compiles to JSON null, the value it
// reads back as once it has been through a snapshot.
func clonePayload(p json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(p)) == 0 {
		return json.RawMessage("null")
	}
	out := make(json.RawMessage, len(p))
	copy(out, p)
	return out
}
