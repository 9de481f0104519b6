package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

const shellTimeout = 60 * time.Second

// ShellTool runs a shell command. Every call is approval-gated.
type ShellTool struct{}

// NewShellTool creates a shell tool.
func NewShellTool() *ShellTool {
	return &ShellTool{}
}

func (t *ShellTool) Name() string {
	return "shell"
}

func (t *ShellTool) Description() string {
	return "Run a shell command and return its combined output. Requires user approval."
}

func (t *ShellTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "The command to run"}
		},
		"required": ["command"]
	}`)
}

func (t *ShellTool) RequiresApproval() bool {
	return true
}

func (t *ShellTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}
	if args.Command == "" {
		return "", fmt.Errorf("command is required")
	}

	ctx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", args.Command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s", shellTimeout)
	}
	if err != nil {
		return "", fmt.Errorf("command failed: %w\n%s", err, out.String())
	}
	if out.Len() == 0 {
		return "(no output)", nil
	}
	return out.String(), nil
}
