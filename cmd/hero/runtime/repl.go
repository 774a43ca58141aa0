package runtime

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/th317erd/hero/internal/orchestrator"
	"github.com/th317erd/hero/internal/permission"
)

// REPL submits each input line to one session as the given user.
type REPL struct {
	components *RuntimeComponents
	reader     *bufio.Reader
	out        io.Writer
	sessionID  string
	user       permission.Subject
}

func NewREPL(components *RuntimeComponents, sessionID string, user permission.Subject, in io.Reader, out io.Writer) *REPL {
	return &REPL{
		components: components,
		reader:     bufio.NewReader(in),
		out:        out,
		sessionID:  sessionID,
		user:       user,
	}
}

func (r *REPL) Start() error {
	fmt.Fprintf(r.out, "Hero session: %s\n", r.sessionID)
	fmt.Fprintln(r.out, "Type '/help' for commands, '/exit' to quit.")

	for {
		select {
		case <-r.components.Ctx.Done():
			return nil
		default:
		}
		if err := r.readLine(); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (r *REPL) readLine() error {
	fmt.Fprint(r.out, "> ")
	text, err := r.reader.ReadString('\n')
	if err != nil && text == "" {
		return err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if text == "/exit" {
		return io.EOF
	}

	reply, subErr := r.components.Kernel.Submit(r.components.Ctx, orchestrator.Input{
		SessionID: r.sessionID,
		Subject:   r.user,
		Content:   text,
	})
	switch {
	case reply.Output != "":
		fmt.Fprintln(r.out, reply.Output)
	case subErr != nil:
		fmt.Fprintf(r.out, "error: %v\n", subErr)
	case reply.Frame != nil:
		fmt.Fprintf(r.out, "✓ %s\n", reply.Frame.ID)
	}
	return err
}
