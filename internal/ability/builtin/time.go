package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/th317erd/hero/internal/ability"
	heroErrors "github.com/th317erd/hero/internal/errors"
	"github.com/th317erd/hero/internal/permission"
)

// TimeAbility reports the current time, optionally shifted to a UTC offset.
type TimeAbility struct {
	now func() time.Time
}

func (t *TimeAbility) Name() string   { return "time" }
func (t *TimeAbility) Target() string { return ability.TargetSystem }

func (t *TimeAbility) DefaultPermission() permission.Action { return permission.ActionAllow }
func (t *TimeAbility) DangerLevel() ability.Danger          { return ability.DangerLow }

func (t *TimeAbility) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"utc_offset": map[string]any{
				"type":        "string",
				"description": "UTC offset like +07:00 (optional)",
			},
		},
		"additionalProperties": false,
	}
}

func (t *TimeAbility) Examples() []json.RawMessage {
	return []json.RawMessage{
		json.RawMessage(`{}`),
		json.RawMessage(`{"utc_offset":"+07:00"}`),
	}
}

func (t *TimeAbility) Allowed(_ context.Context, params json.RawMessage, _ ability.Context) ability.Verdict {
	var args struct {
		UTCOffset string `json:"utc_offset"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return ability.Refuse("params are not an object")
	}
	if _, err := parseUTCOffset(args.UTCOffset); err != nil {
		return ability.Refuse(err.Error())
	}
	return ability.Allow()
}

func (t *TimeAbility) Execute(_ context.Context, params json.RawMessage, _ ability.Context) (json.RawMessage, error) {
	var args struct {
		UTCOffset string `json:"utc_offset"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, heroErrors.Validation(fmt.Sprintf("invalid input: %v", err))
	}
	offset, err := parseUTCOffset(args.UTCOffset)
	if err != nil {
		return nil, heroErrors.Validation(err.Error())
	}

	now := t.now().UTC().Add(time.Duration(offset) * time.Second)
	label := strings.TrimSpace(args.UTCOffset)
	if label == "" {
		label = "+00:00"
	}
	return json.Marshal(map[string]string{
		"time":       now.Format(time.RFC3339),
		"utc_offset": label,
	})
}

// parseUTCOffset turns "+HH:MM" into seconds. Empty means UTC.
func parseUTCOffset(offset string) (int, error) {
	offset = strings.TrimSpace(offset)
	if offset == "" {
		return 0, nil
	}
	if len(offset) != 6 || (offset[0] != '+' && offset[0] != '-') || offset[3] != ':' {
		return 0, fmt.Errorf("invalid utc_offset format %q", offset)
	}
	for _, i := range []int{1, 2, 4, 5} {
		if offset[i] < '0' || offset[i] > '9' {
			return 0, fmt.Errorf("invalid utc_offset format %q", offset)
		}
	}

	hours := int(offset[1]-'0')*10 + int(offset[2]-'0')
	minutes := int(offset[4]-'0')*10 + int(offset[5]-'0')
	if hours > 23 || minutes > 59 {
		return 0, fmt.Errorf("invalid utc_offset value %q", offset)
	}

	seconds := hours*3600 + minutes*60
	if offset[0] == '-' {
		seconds = -seconds
	}
	return seconds, nil
}
