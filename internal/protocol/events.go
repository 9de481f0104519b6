package protocol

import (
	"encoding/json"
	"fmt"
)

// Event type discriminators (server → client).
const (
	EvtConversationCreated = "conversation_created"
	EvtRunStarted          = "run_started"
	EvtRunStopped          = "run_stopped"
	EvtRunComplete         = "run_complete"
	EvtStepStart           = "step_start"
	EvtStepEnd             = "step_end"
	EvtConfirmationRequest = "confirmation_request"
	EvtUserStepSaved       = "user_step_saved"
	EvtBillingError        = "billing_error"
)

// Event is any server → client message.
type Event interface {
	EventType() string
	// Conversation returns the conversation the event belongs to
	// ("" for connection-scoped events such as some billing errors).
	Conversation() string
}

// ConversationCreatedEvent announces a new (or reloaded) conversation,
// optionally carrying persisted history for resync after reconnect.
type ConversationCreatedEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	History        []Step `json:"history,omitempty"`
}

func (ConversationCreatedEvent) EventType() string      { return EvtConversationCreated }
func (e ConversationCreatedEvent) Conversation() string { return e.ConversationID }

// RunStartedEvent acknowledges an accepted message. RunID is the
// authoritative server-assigned id; SuggestedRunID echoes the client's
// suggestion when the server overrode it.
type RunStartedEvent struct {
	Type            string `json:"type"`
	ConversationID  string `json:"conversationId"`
	RunID           string `json:"runId"`
	ClientMessageID string `json:"clientMessageId"`
	SuggestedRunID  string `json:"suggestedRunId,omitempty"`
}

func (RunStartedEvent) EventType() string      { return EvtRunStarted }
func (e RunStartedEvent) Conversation() string { return e.ConversationID }

// RunStoppedEvent is the terminal event for a run that did not finish
// naturally. Reason is one of the Stop* constants.
type RunStoppedEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	RunID          string `json:"runId"`
	Reason         string `json:"reason"`
	Error          string `json:"error,omitempty"`
}

func (RunStoppedEvent) EventType() string      { return EvtRunStopped }
func (e RunStoppedEvent) Conversation() string { return e.ConversationID }

// RunCompleteData carries the final response of a completed run.
type RunCompleteData struct {
	Response string `json:"response"`
	StepID   string `json:"stepId"`
}

// RunCompleteEvent is the terminal event for a naturally finished run.
type RunCompleteEvent struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversationId"`
	RunID          string          `json:"runId"`
	Data           RunCompleteData `json:"data"`
}

func (RunCompleteEvent) EventType() string      { return EvtRunComplete }
func (e RunCompleteEvent) Conversation() string { return e.ConversationID }

// StepStartData announces a step's reasoning and dispatched tool calls.
type StepStartData struct {
	Thought   string     `json:"thought,omitempty"`
	Message   string     `json:"message,omitempty"`
	ToolCalls []ToolCall `json:"toolCalls"`
}

// StepStartEvent marks the beginning of one agent-loop iteration.
type StepStartEvent struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversationId"`
	RunID          string        `json:"runId"`
	Data           StepStartData `json:"data"`
}

func (StepStartEvent) EventType() string      { return EvtStepStart }
func (e StepStartEvent) Conversation() string { return e.ConversationID }

// StepEndData carries the completed step with its persisted id.
type StepEndData struct {
	Thought     string       `json:"thought,omitempty"`
	Message     string       `json:"message,omitempty"`
	ToolCalls   []ToolCall   `json:"toolCalls"`
	ToolResults []ToolResult `json:"toolResults"`
	StepID      string       `json:"stepId"`
	Metrics     *Metrics     `json:"metrics,omitempty"`
}

// StepEndEvent closes the step opened by the matching step_start.
type StepEndEvent struct {
	Type           string      `json:"type"`
	ConversationID string      `json:"conversationId"`
	RunID          string      `json:"runId"`
	Data           StepEndData `json:"data"`
}

func (StepEndEvent) EventType() string      { return EvtStepEnd }
func (e StepEndEvent) Conversation() string { return e.ConversationID }

// ConfirmationRequestEvent forwards an approval request to clients.
type ConfirmationRequestEvent struct {
	Type           string              `json:"type"`
	ConversationID string              `json:"conversationId"`
	RunID          string              `json:"runId"`
	Data           ConfirmationRequest `json:"data"`
}

func (ConfirmationRequestEvent) EventType() string      { return EvtConfirmationRequest }
func (e ConfirmationRequestEvent) Conversation() string { return e.ConversationID }

// UserStepSavedEvent reconciles an optimistic client message with the
// authoritative stepId assigned by persistence. Clients match by
// clientMessageId, never by list position.
type UserStepSavedEvent struct {
	Type            string `json:"type"`
	ConversationID  string `json:"conversationId"`
	RunID           string `json:"runId"`
	ClientMessageID string `json:"clientMessageId"`
	StepID          string `json:"stepId"`
}

func (UserStepSavedEvent) EventType() string      { return EvtUserStepSaved }
func (e UserStepSavedEvent) Conversation() string { return e.ConversationID }

// BillingErrorEvent surfaces a billing/quota failure. These are never
// retried; the run that hit them stops with reason "error".
type BillingErrorEvent struct {
	Type           string       `json:"type"`
	ConversationID string       `json:"conversationId,omitempty"`
	RunID          string       `json:"runId,omitempty"`
	Error          BillingError `json:"error"`
}

func (BillingErrorEvent) EventType() string      { return EvtBillingError }
func (e BillingErrorEvent) Conversation() string { return e.ConversationID }

// EncodeEvent marshals an event to its wire form, stamping the type
// discriminator.
func EncodeEvent(e Event) ([]byte, error) {
	switch v := e.(type) {
	case ConversationCreatedEvent:
		v.Type = EvtConversationCreated
		return json.Marshal(v)
	case RunStartedEvent:
		v.Type = EvtRunStarted
		return json.Marshal(v)
	case RunStoppedEvent:
		v.Type = EvtRunStopped
		return json.Marshal(v)
	case RunCompleteEvent:
		v.Type = EvtRunComplete
		return json.Marshal(v)
	case StepStartEvent:
		v.Type = EvtStepStart
		return json.Marshal(v)
	case StepEndEvent:
		v.Type = EvtStepEnd
		return json.Marshal(v)
	case ConfirmationRequestEvent:
		v.Type = EvtConfirmationRequest
		return json.Marshal(v)
	case UserStepSavedEvent:
		v.Type = EvtUserStepSaved
		return json.Marshal(v)
	case BillingErrorEvent:
		v.Type = EvtBillingError
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("unsupported event %T", e)
	}
}

// DecodeEvent parses a raw server frame into its typed event. Used by
// the client-side mirror and by tests.
func DecodeEvent(data []byte) (Event, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}

	switch probe.Type {
	case EvtConversationCreated:
		var e ConversationCreatedEvent
		err := json.Unmarshal(data, &e)
		return e, err
	case EvtRunStarted:
		var e RunStartedEvent
		err := json.Unmarshal(data, &e)
		return e, err
	case EvtRunStopped:
		var e RunStoppedEvent
		err := json.Unmarshal(data, &e)
		return e, err
	case EvtRunComplete:
		var e RunCompleteEvent
		err := json.Unmarshal(data, &e)
		return e, err
	case EvtStepStart:
		var e StepStartEvent
		err := json.Unmarshal(data, &e)
		return e, err
	case EvtStepEnd:
		var e StepEndEvent
		err := json.Unmarshal(data, &e)
		return e, err
	case EvtConfirmationRequest:
		var e ConfirmationRequestEvent
		err := json.Unmarshal(data, &e)
		return e, err
	case EvtUserStepSaved:
		var e UserStepSavedEvent
		err := json.Unmarshal(data, &e)
		return e, err
	case EvtBillingError:
		var e BillingErrorEvent
		err := json.Unmarshal(data, &e)
		return e, err
	default:
		return nil, fmt.Errorf("unknown event type %q", probe.Type)
	}
}
