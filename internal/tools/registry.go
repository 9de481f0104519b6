package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pipali/pipali/internal/ai"
	"github.com/pipali/pipali/internal/logging"
	"github.com/pipali/pipali/internal/protocol"
)

// Tool interface that all tools must implement
type Tool interface {
	// Name returns the tool's unique name
	Name() string

	// Description returns a description for the AI
	Description() string

	// Schema returns the JSON schema for the tool's input
	Schema() json.RawMessage

	// Execute runs the tool with the given input
	Execute(ctx context.Context, input json.RawMessage) (string, error)

	// RequiresApproval returns true if this tool needs user approval
	RequiresApproval() bool
}

// Approval is the user's answer to a pending tool request.
type Approval struct {
	Approved bool
	// AlwaysAllow persists the decision for the tool's remaining calls.
	AlwaysAllow bool
	// Guidance is optional user text returned with a denial.
	Guidance string
}

// Approver asks the user whether a risky tool call may run. Implementations
// block until the request is resolved or the context is cancelled.
type Approver interface {
	Approve(ctx context.Context, conversationID, runID, toolName string, args json.RawMessage) (Approval, error)
}

// Registry manages available tools and gates risky ones behind approval.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]Tool
	order       []string
	alwaysAllow map[string]bool
	approver    Approver
}

// NewRegistry creates a new tool registry
func NewRegistry(approver Approver) *Registry {
	return &Registry{
		tools:       make(map[string]Tool),
		alwaysAllow: make(map[string]bool),
		approver:    approver,
	}
}

// Register adds a tool to the registry
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[tool.Name()]; !ok {
		r.order = append(r.order, tool.Name())
	}
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all tools as AI tool definitions in registration order.
func (r *Registry) List() []ai.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ai.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		defs = append(defs, ai.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	return defs
}

// Execute runs a tool call and always returns a result. A denied approval is
// not an error path: the call resolves with a cancellation result so the
// conversation can continue around it.
func (r *Registry) Execute(ctx context.Context, conversationID, runID string, call protocol.ToolCall) protocol.ToolResult {
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	skipApproval := r.alwaysAllow[call.Name]
	approver := r.approver
	r.mu.RUnlock()

	if !ok {
		logging.Warnf("[Tools] Unknown tool: %s", call.Name)
		return protocol.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("Unknown tool: %s", call.Name),
			IsError:    true,
		}
	}

	if tool.RequiresApproval() && !skipApproval && approver != nil {
		approval, err := approver.Approve(ctx, conversationID, runID, call.Name, call.Input)
		if err != nil {
			return protocol.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("Approval error: %v", err),
				IsError:    true,
			}
		}
		if !approval.Approved {
			content := "Tool call cancelled by user"
			if approval.Guidance != "" {
				content = fmt.Sprintf("%s: %s", content, approval.Guidance)
			}
			return protocol.ToolResult{
				ToolCallID: call.ID,
				Content:    content,
				IsError:    true,
			}
		}
		if approval.AlwaysAllow {
			r.mu.Lock()
			r.alwaysAllow[call.Name] = true
			r.mu.Unlock()
		}
	}

	logging.Infof("[Tools] Executing tool: %s", call.Name)
	content, err := tool.Execute(ctx, call.Input)
	if err != nil {
		return protocol.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("Tool error: %v", err),
			IsError:    true,
		}
	}
	return protocol.ToolResult{ToolCallID: call.ID, Content: content}
}

// RegisterDefaults registers the default set of tools
func (r *Registry) RegisterDefaults() {
	r.Register(NewListFilesTool())
	r.Register(NewShellTool())
	r.Register(NewClockTool())
}
