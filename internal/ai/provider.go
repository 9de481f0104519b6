package ai

import (
	"context"
	"encoding/json"

	"github.com/pipali/pipali/internal/protocol"
)

// Message is one turn of model-visible history.
type Message struct {
	Role        string                `json:"role"` // "user", "assistant", "tool"
	Content     string                `json:"content"`
	ToolCalls   []protocol.ToolCall   `json:"toolCalls,omitempty"`
	ToolResults []protocol.ToolResult `json:"toolResults,omitempty"`
}

// ToolDefinition describes a tool available to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Request is a single completion request.
type Request struct {
	System    string           `json:"system,omitempty"`
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	Model     string           `json:"model,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`
}

// Turn is one model turn: assistant text plus any tool calls it wants run.
type Turn struct {
	Text      string
	ToolCalls []protocol.ToolCall
	Metrics   protocol.Metrics
}

// Provider is a chat-completion backend.
type Provider interface {
	// ID returns the provider identifier (e.g., "anthropic", "openai")
	ID() string

	// Complete sends one request and returns the model's turn.
	Complete(ctx context.Context, req *Request) (*Turn, error)
}
