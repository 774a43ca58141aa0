package runtime

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/th317erd/hero/internal/frame"
	"github.com/th317erd/hero/internal/permission"
	"github.com/th317erd/hero/internal/session"
)

func TestREPL_SubmitsLines(t *testing.T) {
	components, err := NewRuntimeBuilder().WithConfig(testConfig(t)).WithWorkspace("repl").Build()
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	defer components.Stop()
	if err := components.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	ctx := context.Background()
	meta, err := components.Kernel.Sessions.Create(ctx, session.CreateParams{Title: "repl", OwnerID: "alice"})
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}

	in := strings.NewReader("hello there\n\n/help\n/exit\nnever sent\n")
	var out bytes.Buffer
	user := permission.Subject{Type: permission.SubjectUser, ID: "alice"}
	if err := NewREPL(components, meta.ID, user, in, &out).Start(); err != nil {
		t.Fatalf("REPL.Start() failed: %v", err)
	}

	if !strings.Contains(out.String(), "[CMD] ") {
		t.Errorf("expected /help output, got:\n%s", out.String())
	}

	frames, err := components.Kernel.Sessions.Frames(ctx, meta.ID, frame.Filter{AuthorType: frame.AuthorUser})
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 user frame, got %d", len(frames))
	}
	if !strings.Contains(string(frames[0].Payload), "hello there") {
		t.Errorf("unexpected payload %s", frames[0].Payload)
	}
}
