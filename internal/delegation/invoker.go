package delegation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/th317erd/hero/internal/frame"
)

// Recorder appends a frame to a session.
type Recorder interface {
	Record(ctx context.Context, f frame.Frame) (frame.Frame, error)
}

type handoff struct {
	Kind  string `json:"kind"`
	From  string `json:"from"`
	To    string `json:"to"`
	Task  string `json:"task"`
	Depth int    `json:"depth"`
}

// RecordingInvoker hands a task to the target agent by writing it into the
// session log as a request frame. The agent's own loop picks it up from there.
type RecordingInvoker struct {
	rec Recorder
}

func NewRecordingInvoker(rec Recorder) *RecordingInvoker {
	return &RecordingInvoker{rec: rec}
}

func (r *RecordingInvoker) Invoke(ctx context.Context, call Call) (json.RawMessage, error) {
	payload, err := json.Marshal(handoff{Kind: GateName, From: call.From, To: call.To, Task: call.Task, Depth: call.Depth})
	if err != nil {
		return nil, err
	}

	f, err := r.rec.Record(ctx, frame.Frame{
		SessionID:  call.SessionID,
		Type:       frame.TypeRequest,
		AuthorType: frame.AuthorAgent,
		AuthorID:   call.From,
		Payload:    payload,
	})
	if err != nil {
		return nil, fmt.Errorf("record handoff to %s: %w", call.To, err)
	}
	return json.Marshal(map[string]any{"status": "queued", "frame_id": f.ID, "depth": call.Depth})
}
