package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/pipali/pipali/internal/credential"
	"github.com/pipali/pipali/internal/logging"
	"github.com/pipali/pipali/internal/protocol"
)

const defaultMaxTokens = 8192

// AnthropicProvider implements the Anthropic API using the official SDK.
// Credentials come from the refresh mutex, not a static key, so an expired
// token surfaces as a classified auth error the retry wrapper can act on.
type AnthropicProvider struct {
	creds *credential.Mutex
	model string
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(creds *credential.Mutex, model string) *AnthropicProvider {
	return &AnthropicProvider{creds: creds, model: model}
}

// ID returns the provider identifier
func (p *AnthropicProvider) ID() string {
	return "anthropic"
}

// Complete sends one request and returns the model's turn.
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Turn, error) {
	return credential.Do(ctx, p.creds, func(ctx context.Context, tok credential.Token) (*Turn, error) {
		client := anthropic.NewClient(option.WithAuthToken(tok.AccessToken))
		params, err := p.buildParams(req)
		if err != nil {
			return nil, err
		}

		logging.Infof("[Anthropic] Sending request: model=%s messages=%d tools=%d",
			params.Model, len(params.Messages), len(params.Tools))

		msg, err := client.Messages.New(ctx, params)
		if err != nil {
			return nil, classifyAnthropicError(err)
		}

		turn := &Turn{
			Metrics: protocol.Metrics{
				InputTokens:  msg.Usage.InputTokens,
				OutputTokens: msg.Usage.OutputTokens,
			},
		}
		for _, block := range msg.Content {
			switch b := block.AsAny().(type) {
			case anthropic.TextBlock:
				turn.Text += b.Text
			case anthropic.ToolUseBlock:
				turn.ToolCalls = append(turn.ToolCalls, protocol.ToolCall{
					ID:    b.ID,
					Name:  b.Name,
					Input: json.RawMessage(b.Input),
				})
			}
		}
		return turn, nil
	})
}

func (p *AnthropicProvider) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(defaultMaxTokens),
		Messages:  buildAnthropicMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	for _, tool := range req.Tools {
		var schema map[string]interface{}
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return params, fmt.Errorf("tool %s: invalid schema: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolParam{
			Name:        tool.Name,
			Description: anthropic.String(tool.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
			},
		}
		if required, ok := schema["required"].([]interface{}); ok {
			reqStrings := make([]string, len(required))
			for i, r := range required {
				reqStrings[i], _ = r.(string)
			}
			toolParam.InputSchema.Required = reqStrings
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return params, nil
}

// buildAnthropicMessages converts history to Anthropic format. Tool calls
// without a matching result are dropped on both sides; the API rejects
// orphaned tool_use and tool_result blocks.
func buildAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	respondedToolIDs := make(map[string]bool)
	for _, msg := range msgs {
		for _, r := range msg.ToolResults {
			respondedToolIDs[r.ToolCallID] = true
		}
	}

	var result []anthropic.MessageParam
	for _, msg := range msgs {
		switch msg.Role {
		case "user":
			if msg.Content == "" {
				continue
			}
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))

		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				if !respondedToolIDs[tc.ID] {
					continue
				}
				var input map[string]interface{}
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: input,
					},
				})
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
			}

		case "tool":
			var blocks []anthropic.ContentBlockParamUnion
			for _, r := range msg.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(
					r.ToolCallID,
					r.Content,
					r.IsError,
				))
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	return result
}

func classifyAnthropicError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 401, 403:
			return &credential.AuthError{Status: apierr.StatusCode, Reason: apierr.Error()}
		case 402:
			return &credential.BillingError{Info: protocol.BillingError{Code: "billing_error", Message: apierr.Error()}}
		}
	}
	if credential.IsBilling(err) {
		return &credential.BillingError{Info: protocol.BillingError{Code: "billing_error", Message: err.Error()}}
	}
	return err
}
