// Package protocol defines the message vocabulary exchanged between the
// sidecar server and its clients, plus the data model those messages carry.
package protocol

import (
	"encoding/json"
	"time"
)

// Run status values.
const (
	RunPending  = "pending"
	RunRunning  = "running"
	RunStopping = "stopping"
	RunStopped  = "stopped"
	RunComplete = "complete"
)

// Stop reasons carried by run_stopped events.
const (
	StopUserStop      = "user_stop"
	StopSoftInterrupt = "soft_interrupt"
	StopDisconnect    = "disconnect"
	StopError         = "error"
)

// Step sources.
const (
	SourceUser      = "user"
	SourceAssistant = "assistant"
	SourceSystem    = "system"
)

// Thought types.
const (
	ThoughtText     = "thought"
	ThoughtToolCall = "tool_call"
)

// InterruptedMarker is the tool result recorded for tool calls that were
// in flight when a hard stop landed.
const InterruptedMarker = "[interrupted]"

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	ToolCallID string `json:"toolCallId"`
	Content    string `json:"content"`
	IsError    bool   `json:"isError,omitempty"`
}

// Metrics captures per-step usage accounting.
type Metrics struct {
	InputTokens  int64 `json:"inputTokens,omitempty"`
	OutputTokens int64 `json:"outputTokens,omitempty"`
	DurationMS   int64 `json:"durationMs,omitempty"`
}

// Thought is one unit of assistant reasoning or tool activity inside a step.
// A tool_call thought stays pending from step_start until its result lands
// in step_end, or until a hard stop marks it interrupted.
type Thought struct {
	ID         string `json:"id"`
	Type       string `json:"type"` // thought | tool_call
	Content    string `json:"content,omitempty"`
	IsPending  bool   `json:"isPending"`
	ToolResult string `json:"toolResult,omitempty"`
}

// Step is one iteration of the agent loop: optional reasoning, zero or
// more tool calls, and their results. StepID is assigned by persistence
// and stable once saved; a running assistant step is keyed provisionally
// by runId until then.
type Step struct {
	StepID      string       `json:"stepId,omitempty"`
	Source      string       `json:"source"` // user | assistant | system
	Content     string       `json:"content,omitempty"`
	Thoughts    []Thought    `json:"thoughts,omitempty"`
	ToolCalls   []ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []ToolResult `json:"toolResults,omitempty"`
	Metrics     *Metrics     `json:"metrics,omitempty"`
	CreatedAt   time.Time    `json:"createdAt,omitempty"`
}

// ConfirmationOption is one selectable choice on an approval dialog.
type ConfirmationOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// ConfirmationRequest asks the user to approve a risky tool call before
// it executes. Exactly one ConfirmationResponse may resolve it.
type ConfirmationRequest struct {
	RequestID      string               `json:"requestId"`
	ConversationID string               `json:"conversationId"`
	RunID          string               `json:"runId"`
	ToolName       string               `json:"toolName"`
	ToolArgs       json.RawMessage      `json:"toolArgs,omitempty"`
	Options        []ConfirmationOption `json:"options"`
	ExpiresAt      time.Time            `json:"expiresAt"`
}

// ConfirmationResponse resolves an outstanding ConfirmationRequest.
type ConfirmationResponse struct {
	RequestID         string `json:"requestId"`
	SelectedOptionID  string `json:"selectedOptionId"`
	Guidance          string `json:"guidance,omitempty"`
	PersistPreference bool   `json:"persistPreference,omitempty"`
	Timestamp         int64  `json:"timestamp,omitempty"`
}

// BillingError is the payload of a billing_error event. Billing failures
// are terminal for the triggering call and are never retried.
type BillingError struct {
	Code                    string `json:"code"`
	Message                 string `json:"message"`
	CreditsBalanceCents     *int64 `json:"credits_balance_cents,omitempty"`
	CurrentPeriodSpentCents *int64 `json:"current_period_spent_cents,omitempty"`
	SpendHardLimitCents     *int64 `json:"spend_hard_limit_cents,omitempty"`
}
