package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestDecodeMessageCommand(t *testing.T) {
	raw := `{"type":"message","message":"list files","conversationId":"c-1","clientMessageId":"m-1","runId":"r-1"}`
	cmd, err := DecodeCommand([]byte(raw))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	msg, ok := cmd.(*MessageCommand)
	if !ok {
		t.Fatalf("got %T, want *MessageCommand", cmd)
	}
	if msg.Message != "list files" || msg.ConversationID != "c-1" || msg.ClientMessageID != "m-1" || msg.RunID != "r-1" {
		t.Fatalf("unexpected fields: %+v", msg)
	}
}

func TestDecodeMessageCommandRequiresClientMessageID(t *testing.T) {
	_, err := DecodeCommand([]byte(`{"type":"message","message":"hi"}`))
	if err == nil {
		t.Fatal("expected error for missing clientMessageId")
	}
}

func TestDecodeUnknownCommandType(t *testing.T) {
	_, err := DecodeCommand([]byte(`{"type":"launch_missiles"}`))
	if err == nil || !strings.Contains(err.Error(), "unknown command type") {
		t.Fatalf("expected unknown type error, got %v", err)
	}
}

func TestDecodeStopCommandOptionalRunID(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"stop","conversationId":"c-1"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	stop := cmd.(*StopCommand)
	if stop.RunID != "" {
		t.Fatalf("expected empty runId, got %q", stop.RunID)
	}
}

func TestDecodeConfirmationResponse(t *testing.T) {
	raw := `{"type":"confirmation_response","conversationId":"c-1","runId":"r-1","data":{"requestId":"req-1","selectedOptionId":"allow","guidance":"go ahead","persistPreference":true,"timestamp":1700000000}}`
	cmd, err := DecodeCommand([]byte(raw))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	cr := cmd.(*ConfirmationResponseCommand)
	if cr.Data.SelectedOptionID != "allow" || !cr.Data.PersistPreference {
		t.Fatalf("unexpected data: %+v", cr.Data)
	}
}

// Encode and decode must agree on one representation, or frames built
// on one side are rejected on the other.
func TestCommandRoundTrip(t *testing.T) {
	commands := []Command{
		&MessageCommand{Message: "hi", ConversationID: "c-1", ClientMessageID: "m-1", RunID: "r-1"},
		&StopCommand{ConversationID: "c-1", RunID: "r-1"},
		&ForkCommand{Message: "continue", SourceConversationID: "c-1", ClientMessageID: "m-2", RunID: "r-2"},
		&ConfirmationResponseCommand{ConversationID: "c-1", RunID: "r-1", Data: ConfirmationResponse{RequestID: "req-1", SelectedOptionID: "allow"}},
	}

	for _, want := range commands {
		data, err := EncodeCommand(want)
		if err != nil {
			t.Fatalf("encode %s: %v", want.CommandType(), err)
		}
		got, err := DecodeCommand(data)
		if err != nil {
			t.Fatalf("decode %s: %v", want.CommandType(), err)
		}
		if got.CommandType() != want.CommandType() {
			t.Fatalf("type mismatch: got %s want %s", got.CommandType(), want.CommandType())
		}
	}
}

func TestEventRoundTrip(t *testing.T) {
	events := []Event{
		ConversationCreatedEvent{ConversationID: "c-1", History: []Step{{StepID: "s-1", Source: SourceUser, Content: "hi"}}},
		RunStartedEvent{ConversationID: "c-1", RunID: "run-srv", ClientMessageID: "m-1", SuggestedRunID: "run-cli"},
		RunStoppedEvent{ConversationID: "c-1", RunID: "run-srv", Reason: StopSoftInterrupt},
		RunCompleteEvent{ConversationID: "c-1", RunID: "run-srv", Data: RunCompleteData{Response: "done", StepID: "s-9"}},
		StepStartEvent{ConversationID: "c-1", RunID: "run-srv", Data: StepStartData{Thought: "thinking", ToolCalls: []ToolCall{{ID: "t-1", Name: "list_files"}}}},
		StepEndEvent{ConversationID: "c-1", RunID: "run-srv", Data: StepEndData{StepID: "s-2", ToolCalls: []ToolCall{{ID: "t-1", Name: "list_files"}}, ToolResults: []ToolResult{{ToolCallID: "t-1", Content: "5 items"}}}},
		UserStepSavedEvent{ConversationID: "c-1", RunID: "run-srv", ClientMessageID: "m-1", StepID: "s-1"},
		BillingErrorEvent{Error: BillingError{Code: "credits_exhausted", Message: "out of credits"}},
	}

	for _, want := range events {
		data, err := EncodeEvent(want)
		if err != nil {
			t.Fatalf("encode %s: %v", want.EventType(), err)
		}
		got, err := DecodeEvent(data)
		if err != nil {
			t.Fatalf("decode %s: %v", want.EventType(), err)
		}
		if got.EventType() != want.EventType() {
			t.Fatalf("type mismatch: got %s want %s", got.EventType(), want.EventType())
		}
		if got.Conversation() != want.Conversation() {
			t.Fatalf("%s: conversation mismatch", want.EventType())
		}
	}
}

func TestConfirmationRequestEventWire(t *testing.T) {
	exp := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	evt := ConfirmationRequestEvent{
		ConversationID: "c-1",
		RunID:          "r-1",
		Data: ConfirmationRequest{
			RequestID:      "req-1",
			ConversationID: "c-1",
			RunID:          "r-1",
			ToolName:       "shell",
			ToolArgs:       json.RawMessage(`{"command":"rm -rf /tmp/x"}`),
			Options: []ConfirmationOption{
				{ID: "allow", Label: "Allow"},
				{ID: "deny", Label: "Deny"},
			},
			ExpiresAt: exp,
		},
	}
	data, err := EncodeEvent(evt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// The wire field names are part of the contract.
	for _, field := range []string{`"requestId"`, `"toolName"`, `"toolArgs"`, `"expiresAt"`, `"confirmation_request"`} {
		if !strings.Contains(string(data), field) {
			t.Fatalf("wire form missing %s: %s", field, data)
		}
	}
	got, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.(ConfirmationRequestEvent).Data.RequestID != "req-1" {
		t.Fatal("requestId lost in round trip")
	}
}

func TestStopReasonVocabulary(t *testing.T) {
	reasons := []string{StopUserStop, StopSoftInterrupt, StopDisconnect, StopError}
	want := []string{"user_stop", "soft_interrupt", "disconnect", "error"}
	for i, r := range reasons {
		if r != want[i] {
			t.Fatalf("reason %d: got %q want %q", i, r, want[i])
		}
	}
}
