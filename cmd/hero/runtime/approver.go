package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/th317erd/hero/internal/ability"
	"github.com/th317erd/hero/internal/broadcast"
	"github.com/th317erd/hero/internal/interaction"
)

type Decider interface {
	Decide(executionID string, d ability.ApprovalDecision, by interaction.RespondOptions) error
}

// Approver answers approval requests from a terminal on behalf of one user.
type Approver struct {
	decider Decider
	userID  string
	in      *bufio.Reader
	out     io.Writer
	auto    bool
}

func NewApprover(decider Decider, userID string, in io.Reader, out io.Writer, auto bool) *Approver {
	return &Approver{
		decider: decider,
		userID:  userID,
		in:      bufio.NewReader(in),
		out:     out,
		auto:    auto,
	}
}

// Run answers every approval.requested event until ctx ends or events closes.
func (a *Approver) Run(ctx context.Context, events <-chan broadcast.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != broadcast.EventApprovalRequested {
				continue
			}
			var req ability.ApprovalRequest
			if err := json.Unmarshal(ev.Payload, &req); err != nil {
				slog.Warn("Skipping malformed approval event", "error", err)
				continue
			}
			if err := a.answer(req); err != nil {
				fmt.Fprintf(a.out, "approval %s: %v\n", req.ExecutionID, err)
			}
		}
	}
}

func (a *Approver) answer(req ability.ApprovalRequest) error {
	decision := ability.ApprovalDecision{Approved: a.auto, Reason: "terminal"}
	if !a.auto {
		fmt.Fprintf(a.out, "Approve %s? %s [danger: %v] (y = once, s = this session, N = deny): ", req.AbilityName, req.Description, req.Danger)
		line, err := a.in.ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read answer: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			decision.Approved = true
		case "s", "session":
			decision.Approved = true
			decision.Remember = true
		}
	}
	return a.decider.Decide(req.ExecutionID, decision, interaction.RespondOptions{UserID: a.userID})
}
