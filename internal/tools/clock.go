package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ClockTool reports the current time.
type ClockTool struct {
	now func() time.Time
}

// NewClockTool creates a clock tool.
func NewClockTool() *ClockTool {
	return &ClockTool{now: time.Now}
}

func (t *ClockTool) Name() string {
	return "current_time"
}

func (t *ClockTool) Description() string {
	return "Get the current date and time, optionally in a specific IANA timezone."
}

func (t *ClockTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {"type": "string", "description": "IANA timezone name, e.g. America/New_York. Defaults to local time."}
		}
	}`)
}

func (t *ClockTool) RequiresApproval() bool {
	return false
}

func (t *ClockTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Timezone string `json:"timezone"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return "", fmt.Errorf("invalid input: %w", err)
		}
	}

	now := t.now()
	if args.Timezone != "" {
		loc, err := time.LoadLocation(args.Timezone)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q: %w", args.Timezone, err)
		}
		now = now.In(loc)
	}
	return now.Format("Monday, January 2, 2006 at 3:04:05 PM MST"), nil
}
