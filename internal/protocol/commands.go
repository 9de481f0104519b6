package protocol

import (
	"encoding/json"
	"fmt"
)

// Command type discriminators (client → server).
const (
	CmdMessage              = "message"
	CmdStop                 = "stop"
	CmdFork                 = "fork"
	CmdConfirmationResponse = "confirmation_response"
)

// Command is any client → server message.
type Command interface {
	CommandType() string
}

// MessageCommand submits a user message. RunID is a client suggestion;
// the server may override it and reports back which id won via the
// run_started event's suggestedRunId field.
type MessageCommand struct {
	Type            string `json:"type"`
	Message         string `json:"message"`
	ConversationID  string `json:"conversationId,omitempty"`
	ClientMessageID string `json:"clientMessageId"`
	RunID           string `json:"runId"`
}

func (MessageCommand) CommandType() string { return CmdMessage }

// StopCommand requests a hard stop. If RunID is supplied it must match
// the active run or the command is ignored.
type StopCommand struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	RunID          string `json:"runId,omitempty"`
}

func (StopCommand) CommandType() string { return CmdStop }

// ForkCommand starts a new conversation as a background continuation of
// an existing one.
type ForkCommand struct {
	Type                 string `json:"type"`
	Message              string `json:"message"`
	SourceConversationID string `json:"sourceConversationId"`
	ClientMessageID      string `json:"clientMessageId"`
	RunID                string `json:"runId"`
}

func (ForkCommand) CommandType() string { return CmdFork }

// ConfirmationResponseCommand answers an outstanding approval request.
type ConfirmationResponseCommand struct {
	Type           string               `json:"type"`
	ConversationID string               `json:"conversationId"`
	RunID          string               `json:"runId"`
	Data           ConfirmationResponse `json:"data"`
}

func (ConfirmationResponseCommand) CommandType() string { return CmdConfirmationResponse }

// DecodeCommand parses a raw client frame into its typed command.
// Unknown types are an error, not silently dropped.
func DecodeCommand(data []byte) (Command, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode command envelope: %w", err)
	}

	switch probe.Type {
	case CmdMessage:
		var c MessageCommand
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode message command: %w", err)
		}
		if c.ClientMessageID == "" {
			return nil, fmt.Errorf("message command missing clientMessageId")
		}
		return &c, nil
	case CmdStop:
		var c StopCommand
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode stop command: %w", err)
		}
		if c.ConversationID == "" {
			return nil, fmt.Errorf("stop command missing conversationId")
		}
		return &c, nil
	case CmdFork:
		var c ForkCommand
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode fork command: %w", err)
		}
		if c.SourceConversationID == "" {
			return nil, fmt.Errorf("fork command missing sourceConversationId")
		}
		return &c, nil
	case CmdConfirmationResponse:
		var c ConfirmationResponseCommand
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode confirmation_response command: %w", err)
		}
		if c.Data.RequestID == "" {
			return nil, fmt.Errorf("confirmation_response missing requestId")
		}
		return &c, nil
	default:
		return nil, fmt.Errorf("unknown command type %q", probe.Type)
	}
}

// EncodeCommand marshals a command to its wire form, stamping the type
// discriminator so callers cannot send a mismatched envelope. Commands
// travel as pointers, matching what DecodeCommand hands back.
func EncodeCommand(c Command) ([]byte, error) {
	switch v := c.(type) {
	case *MessageCommand:
		out := *v
		out.Type = CmdMessage
		return json.Marshal(out)
	case *StopCommand:
		out := *v
		out.Type = CmdStop
		return json.Marshal(out)
	case *ForkCommand:
		out := *v
		out.Type = CmdFork
		return json.Marshal(out)
	case *ConfirmationResponseCommand:
		out := *v
		out.Type = CmdConfirmationResponse
		return json.Marshal(out)
	default:
		return nil, fmt.Errorf("unsupported command %T", c)
	}
}
