package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/pipali/pipali/internal/credential"
	"github.com/pipali/pipali/internal/logging"
	"github.com/pipali/pipali/internal/protocol"
)

// OpenAIProvider implements the OpenAI API using the official SDK.
type OpenAIProvider struct {
	creds *credential.Mutex
	model string
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(creds *credential.Mutex, model string) *OpenAIProvider {
	return &OpenAIProvider{creds: creds, model: model}
}

// ID returns the provider identifier
func (p *OpenAIProvider) ID() string {
	return "openai"
}

// Complete sends one request and returns the model's turn.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Turn, error) {
	return credential.Do(ctx, p.creds, func(ctx context.Context, tok credential.Token) (*Turn, error) {
		client := openai.NewClient(option.WithAPIKey(tok.AccessToken))

		model := p.model
		if req.Model != "" {
			model = req.Model
		}
		params := openai.ChatCompletionNewParams{
			Model:    shared.ChatModel(model),
			Messages: buildOpenAIMessages(req),
		}
		if req.MaxTokens > 0 {
			params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
		}
		for _, tool := range req.Tools {
			var schema map[string]interface{}
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("tool %s: invalid schema: %w", tool.Name, err)
			}
			params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
				Function: shared.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  shared.FunctionParameters(schema),
				},
			})
		}

		logging.Infof("[OpenAI] Sending request: model=%s messages=%d tools=%d",
			model, len(params.Messages), len(params.Tools))

		completion, err := client.Chat.Completions.New(ctx, params)
		if err != nil {
			return nil, classifyOpenAIError(err)
		}
		if len(completion.Choices) == 0 {
			return nil, fmt.Errorf("openai: empty completion")
		}

		choice := completion.Choices[0]
		turn := &Turn{
			Text: choice.Message.Content,
			Metrics: protocol.Metrics{
				InputTokens:  completion.Usage.PromptTokens,
				OutputTokens: completion.Usage.CompletionTokens,
			},
		}
		for _, tc := range choice.Message.ToolCalls {
			turn.ToolCalls = append(turn.ToolCalls, protocol.ToolCall{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: json.RawMessage(tc.Function.Arguments),
			})
		}
		return turn, nil
	})
}

// buildOpenAIMessages converts history to OpenAI chat format.
func buildOpenAIMessages(req *Request) []openai.ChatCompletionMessageParamUnion {
	respondedToolIDs := make(map[string]bool)
	for _, msg := range req.Messages {
		for _, r := range msg.ToolResults {
			respondedToolIDs[r.ToolCallID] = true
		}
	}

	var result []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		result = append(result, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "user":
			result = append(result, openai.UserMessage(msg.Content))

		case "assistant":
			var toolCalls []openai.ChatCompletionMessageToolCallParam
			for _, tc := range msg.ToolCalls {
				if !respondedToolIDs[tc.ID] {
					continue
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			if msg.Content == "" && len(toolCalls) == 0 {
				continue
			}
			assistantMsg := openai.ChatCompletionAssistantMessageParam{
				Role: "assistant",
			}
			if msg.Content != "" {
				assistantMsg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(msg.Content),
				}
			}
			assistantMsg.ToolCalls = toolCalls
			result = append(result, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &assistantMsg,
			})

		case "tool":
			for _, r := range msg.ToolResults {
				if respondedToolIDs[r.ToolCallID] {
					result = append(result, openai.ToolMessage(r.Content, r.ToolCallID))
				}
			}
		}
	}
	return result
}

func classifyOpenAIError(err error) error {
	var apierr *openai.Error
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
