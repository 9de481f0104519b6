package director

import (
	"context"
	"errors"
	"fmt"

	"github.com/pipali/pipali/internal/ai"
	"github.com/pipali/pipali/internal/logging"
	"github.com/pipali/pipali/internal/protocol"
	"github.com/pipali/pipali/internal/tools"
)

const defaultMaxIterations = 24

// ErrMaxIterations means a run hit its turn budget before the model
// produced a final answer.
var ErrMaxIterations = errors.New("director: max iterations reached")

const systemPrompt = `You are Pipali, an autonomous assistant running as a local sidecar.
Work through the user's request step by step, using the available tools when
they help. When you have the answer, reply with plain text and no tool calls.`

// Builtin drives an AI provider and the tool registry in a turn loop.
type Builtin struct {
	provider ai.Provider
	registry *tools.Registry
	system   string
}

// NewBuiltin creates the default director.
func NewBuiltin(provider ai.Provider, registry *tools.Registry) *Builtin {
	return &Builtin{
		provider: provider,
		registry: registry,
		system:   systemPrompt,
	}
}

// Research starts the turn loop for one run and returns its stream.
func (d *Builtin) Research(ctx context.Context, trajectory []protocol.Step, constraints Constraints) (*Stream, error) {
	if len(trajectory) == 0 {
		return nil, fmt.Errorf("director: empty trajectory")
	}

	ctx, cancel := context.WithCancel(ctx)
	stream := newStream(cancel)
	go d.run(ctx, stream, trajectory, constraints)
	return stream, nil
}

func (d *Builtin) run(ctx context.Context, stream *Stream, trajectory []protocol.Step, constraints Constraints) {
	msgs := stepsToMessages(trajectory)

	maxIterations := constraints.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	for i := 0; i < maxIterations; i++ {
		turn, err := d.provider.Complete(ctx, &ai.Request{
			System:   d.system,
			Messages: msgs,
			Tools:    d.registry.List(),
		})
		if err != nil {
			stream.finish(err)
			return
		}

		// Text alongside tool calls is reasoning; text alone is the answer.
		thought, message := "", turn.Text
		if len(turn.ToolCalls) > 0 {
			thought, message = turn.Text, ""
		}

		if !stream.emit(ctx, Iteration{
			Phase:     PhaseStepStart,
			Thought:   thought,
			Message:   message,
			ToolCalls: turn.ToolCalls,
		}) {
			stream.finish(ctx.Err())
			return
		}

		if len(turn.ToolCalls) == 0 {
			metrics := turn.Metrics
			if !stream.emit(ctx, Iteration{
				Phase:   PhaseStepEnd,
				Thought: thought,
				Message: message,
				Metrics: &metrics,
			}) {
				stream.finish(ctx.Err())
				return
			}
			stream.finish(nil)
			return
		}

		results := make([]protocol.ToolResult, 0, len(turn.ToolCalls))
		for _, call := range turn.ToolCalls {
			if ctx.Err() != nil {
				stream.finish(ctx.Err())
				return
			}
			results = append(results, d.registry.Execute(ctx, constraints.ConversationID, constraints.RunID, call))
		}

		metrics := turn.Metrics
		if !stream.emit(ctx, Iteration{
			Phase:       PhaseStepEnd,
			Thought:     thought,
			ToolCalls:   turn.ToolCalls,
			ToolResults: results,
			Metrics:     &metrics,
		}) {
			stream.finish(ctx.Err())
			return
		}

		msgs = append(msgs, ai.Message{
			Role:      "assistant",
			Content:   thought,
			ToolCalls: turn.ToolCalls,
		})
		msgs = append(msgs, ai.Message{
			Role:        "tool",
			ToolResults: results,
		})
	}

	logging.Warnf("[Director] Run %s hit iteration budget", constraints.RunID)
	stream.finish(ErrMaxIterations)
}

// stepsToMessages flattens a persisted trajectory into model history.
func stepsToMessages(steps []protocol.Step) []ai.Message {
	var msgs []ai.Message
	for _, step := range steps {
		switch step.Source {
		case protocol.SourceUser:
			msgs = append(msgs, ai.Message{Role: "user", Content: step.Content})
		case protocol.SourceAssistant:
			msgs = append(msgs, ai.Message{
				Role:      "assistant",
				Content:   step.Content,
				ToolCalls: step.ToolCalls,
			})
			if len(step.ToolResults) > 0 {
				msgs = append(msgs, ai.Message{Role: "tool", ToolResults: step.ToolResults})
			}
		case protocol.SourceSystem:
			msgs = append(msgs, ai.Message{Role: "user", Content: step.Content})
		}
	}
	return msgs
}
