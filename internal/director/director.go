package director

import (
	"context"
	"sync"

	"github.com/pipali/pipali/internal/protocol"
)

// Phase marks where an iteration sits inside its step.
type Phase string

const (
	// PhaseStepStart announces a step: reasoning and the tool calls about
	// to run, before any of them has executed.
	PhaseStepStart Phase = "step_start"
	// PhaseStepEnd closes the step with its tool results and metrics.
	PhaseStepEnd Phase = "step_end"
)

// Iteration is one item of a run's step stream. Iterations arrive in
// start/end pairs; a pair with a Message and no ToolCalls is the run's
// final answer.
type Iteration struct {
	Phase       Phase
	Thought     string
	Message     string
	ToolCalls   []protocol.ToolCall
	ToolResults []protocol.ToolResult
	Metrics     *protocol.Metrics
}

// Constraints scope one research invocation.
type Constraints struct {
	ConversationID string
	RunID          string
	// MaxIterations bounds model turns per run. Zero means the default.
	MaxIterations int
}

// Director produces a run's step stream. A stream is finite, consumed
// once, and not restartable; abandoning it mid-run requires a fresh
// Research call for the next run.
type Director interface {
	Research(ctx context.Context, trajectory []protocol.Step, constraints Constraints) (*Stream, error)
}

// Stream is a pull-based, cancellable iteration stream. The producer
// blocks until the consumer pulls, so closing the stream stops work
// promptly mid-run.
type Stream struct {
	items  chan Iteration
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func newStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		items:  make(chan Iteration),
		cancel: cancel,
	}
}

// Next blocks for the next iteration. It returns nil when the stream is
// exhausted; Err then reports whether it ended cleanly.
func (s *Stream) Next(ctx context.Context) (*Iteration, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case it, ok := <-s.items:
		if !ok {
			return nil, s.Err()
		}
		return &it, nil
	}
}

// Err returns the stream's terminal error, if any. Valid after Next
// returns nil.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the producer. Safe to call at any point; pending
// iterations are discarded.
func (s *Stream) Close() {
	s.cancel()
}

// emit delivers one iteration, or reports false if the producer was
// cancelled while waiting for the consumer.
func (s *Stream) emit(ctx context.Context, it Iteration) bool {
	select {
	case s.items <- it:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish records the terminal error and closes the stream.
func (s *Stream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.items)
}

// Func adapts a plain function to the Director interface. The function
// produces iterations through emit, which reports false once the stream
// is cancelled.
type Func func(ctx context.Context, trajectory []protocol.Step, constraints Constraints, emit func(Iteration) bool) error

// Research runs the function as a stream producer.
func (f Func) Research(ctx context.Context, trajectory []protocol.Step, constraints Constraints) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream := newStream(cancel)
	go func() {
		err := f(ctx, trajectory, constraints, func(it Iteration) bool {
			return stream.emit(ctx, it)
		})
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		stream.finish(err)
	}()
	return stream, nil
}
