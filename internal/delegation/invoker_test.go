package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/th317erd/hero/internal/frame"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureRecorder struct {
	frames []frame.Frame
	err    error
}

func (c *captureRecorder) Record(_ context.Context, f frame.Frame) (frame.Frame, error) {
	if c.err != nil {
		return frame.Frame{}, c.err
	}
	f.ID = "F1"
	c.frames = append(c.frames, f)
	return f, nil
}

func TestRecordingInvokerWritesHandoff(t *testing.T) {
	rec := &captureRecorder{}
	inv := NewRecordingInvoker(rec)

	out, err := inv.Invoke(context.Background(), Call{SessionID: "s1", From: "a1", To: "a2", Task: "summarize", Depth: 2})
	require.NoError(t, err)

	require.Len(t, rec.frames, 1)
	f := rec.frames[0]
	assert.Equal(t, frame.TypeRequest, f.Type)
	assert.Equal(t, frame.AuthorAgent, f.AuthorType)
	assert.Equal(t, "a1", f.AuthorID)
	assert.JSONEq(t, `{"kind":"delegate","from":"a1","to":"a2","task":"summarize","depth":2}`, string(f.Payload))

	var result map[string]any
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, "queued", result["status"])
	assert.Equal(t, "F1", result["frame_id"])
}

func TestRecordingInvokerPropagatesError(t *testing.T) {
	inv := NewRecordingInvoker(&captureRecorder{err: errors.New("closed")})

	_, err := inv.Invoke(context.Background(), Call{SessionID: "s1", From: "a1", To: "a2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a2")
}
