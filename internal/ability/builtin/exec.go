package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/th317erd/hero/internal/ability"
	heroErrors "github.com/th317erd/hero/internal/errors"
	"github.com/th317erd/hero/internal/permission"

	"github.com/google/shlex"
)

// ExecAbility runs a command line without a shell. Words are split with
// shell quoting rules; pipes and redirects are passed through literally.
type ExecAbility struct {
	timeout   time.Duration
	maxOutput int
	workdir   string
}

type execInput struct {
	Command string `json:"command"`
	Workdir string `json:"workdir"`
}

func (e *ExecAbility) Name() string   { return "exec_command" }
func (e *ExecAbility) Target() string { return ability.TargetSystem }

func (e *ExecAbility) DefaultPermission() permission.Action { return permission.ActionPrompt }
func (e *ExecAbility) DangerLevel() ability.Danger          { return ability.DangerHigh }

func (e *ExecAbility) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"command"},
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Command line, split with shell quoting rules",
			},
			"workdir": map[string]any{
				"type":        "string",
				"description": "Working directory (optional)",
			},
		},
		"additionalProperties": false,
	}
}

func (e *ExecAbility) Examples() []json.RawMessage {
	return []json.RawMessage{
		json.RawMessage(`{"command":"git status --short"}`),
		json.RawMessage(`{"command":"ls -la","workdir":"/tmp"}`),
	}
}

func (e *ExecAbility) Describe(params json.RawMessage) string {
	var in execInput
	if err := json.Unmarshal(params, &in); err != nil || in.Command == "" {
		return ""
	}
	if in.Workdir != "" {
		return fmt.Sprintf("Run `%s` in %s", in.Command, in.Workdir)
	}
	return fmt.Sprintf("Run `%s`", in.Command)
}

func (e *ExecAbility) Allowed(_ context.Context, params json.RawMessage, _ ability.Context) ability.Verdict {
	var in execInput
	if err := json.Unmarshal(params, &in); err != nil {
		return ability.Refuse("params are not an object")
	}
	argv, err := shlex.Split(in.Command)
	if err != nil {
		return ability.Refuse(fmt.Sprintf("cannot parse command: %v", err))
	}
	if len(argv) == 0 {
		return ability.Refuse("command is empty")
	}
	return ability.Allow()
}

func (e *ExecAbility) Execute(ctx context.Context, params json.RawMessage, _ ability.Context) (json.RawMessage, error) {
	var in execInput
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, heroErrors.Validation(fmt.Sprintf("invalid input: %v", err))
	}
	argv, err := shlex.Split(in.Command)
	if err != nil || len(argv) == 0 {
		return nil, heroErrors.Validation("command is empty or unparsable")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = e.workdir
	if strings.TrimSpace(in.Workdir) != "" {
		cmd.Dir = in.Workdir
	}

	output, runErr := cmd.CombinedOutput()
	result := map[string]any{
		"output":    truncate(string(output), e.maxOutput),
		"exit_code": 0,
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			return nil, heroErrors.Timeout(fmt.Sprintf("command exceeded %s", e.timeout))
		case errors.As(runErr, &exitErr):
			result["exit_code"] = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("start %s: %w", argv[0], runErr)
		}
	}
	return json.Marshal(result)
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[output truncated]"
}
