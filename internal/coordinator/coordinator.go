// Package coordinator owns the server side of the session protocol: it
// routes client commands to per-conversation run machines, drives the
// director's iteration stream, and guarantees that every step is
// persisted before the event announcing it is emitted.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pipali/pipali/internal/confirm"
	"github.com/pipali/pipali/internal/credential"
	"github.com/pipali/pipali/internal/director"
	"github.com/pipali/pipali/internal/logging"
	"github.com/pipali/pipali/internal/protocol"
	"github.com/pipali/pipali/internal/run"
	"github.com/pipali/pipali/internal/store"
	"github.com/pipali/pipali/internal/tools"
)

// EventSink receives every event the coordinator emits. The server's
// websocket hub implements it; tests use an in-memory recorder.
type EventSink interface {
	Publish(ev protocol.Event)
}

type conversation struct {
	id      string
	machine *run.Machine

	mu     sync.Mutex
	stream *director.Stream
}

func (c *conversation) setStream(s *director.Stream) {
	c.mu.Lock()
	c.stream = s
	c.mu.Unlock()
}

func (c *conversation) closeStream() {
	c.mu.Lock()
	s := c.stream
	c.stream = nil
	c.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// Coordinator is the run coordinator for all conversations of one agent
// process.
type Coordinator struct {
	store    *store.Store
	director director.Director
	confirms *confirm.Coordinator
	sink     EventSink

	// MaxIterations caps director turns per run. Zero means the
	// director's own default.
	MaxIterations int

	mu    sync.Mutex
	convs map[string]*conversation

	// wg tracks in-flight run loops for orderly shutdown.
	wg sync.WaitGroup
}

// New creates a coordinator.
func New(st *store.Store, d director.Director, confirms *confirm.Coordinator, sink EventSink) *Coordinator {
	return &Coordinator{
		store:    st,
		director: d,
		confirms: confirms,
		sink:     sink,
		convs:    make(map[string]*conversation),
	}
}

// HandleCommand dispatches one decoded client command.
func (c *Coordinator) HandleCommand(ctx context.Context, cmd protocol.Command) error {
	switch cmd := cmd.(type) {
	case *protocol.MessageCommand:
		return c.Message(ctx, cmd)
	case *protocol.StopCommand:
		return c.Stop(ctx, cmd)
	case *protocol.ForkCommand:
		return c.Fork(ctx, cmd)
	case *protocol.ConfirmationResponseCommand:
		return c.Confirm(ctx, cmd)
	default:
		return fmt.Errorf("unhandled command type %q", cmd.CommandType())
	}
}

// Message accepts a user message. If the conversation has an active run
// the message becomes a soft interrupt: the current step finishes, the
// run stops with reason soft_interrupt, and the queued message starts
// the next run.
func (c *Coordinator) Message(ctx context.Context, cmd *protocol.MessageCommand) error {
	conv, created, err := c.conversation(ctx, cmd.ConversationID)
	if err != nil {
		return err
	}
	if created {
		c.sink.Publish(protocol.ConversationCreatedEvent{ConversationID: conv.id})
	}

	queued := conv.machine.RequestSoftStop(run.QueuedMessage{
		RunID:           cmd.RunID,
		ClientMessageID: cmd.ClientMessageID,
		Text:            cmd.Message,
	})
	if queued {
		logging.Infof("[Coordinator] Soft interrupt queued for conversation %s", conv.id)
		return nil
	}

	return c.startRun(ctx, conv, run.QueuedMessage{
		RunID:           cmd.RunID,
		ClientMessageID: cmd.ClientMessageID,
		Text:            cmd.Message,
	})
}

// Stop hard-stops the conversation's active run. A stop naming a run
// that is no longer active is stale and ignored.
func (c *Coordinator) Stop(ctx context.Context, cmd *protocol.StopCommand) error {
	conv := c.lookup(cmd.ConversationID)
	if conv == nil {
		return nil
	}
	active := conv.machine.Active()
	if active == nil {
		return nil
	}
	if cmd.RunID != "" && cmd.RunID != active.ID {
		logging.Debugf("[Coordinator] Ignoring stale stop for run %s (active %s)", cmd.RunID, active.ID)
		return nil
	}
	c.hardStop(conv, protocol.StopUserStop, "")
	return nil
}

// Fork creates a new conversation seeded with the source conversation's
// transcript, then starts a run on it with the given message.
func (c *Coordinator) Fork(ctx context.Context, cmd *protocol.ForkCommand) error {
	history, err := c.store.Steps(ctx, cmd.SourceConversationID)
	if err != nil {
		return fmt.Errorf("fork: read source transcript: %w", err)
	}

	created, err := c.store.CreateConversation(ctx, "", "", cmd.SourceConversationID)
	if err != nil {
		return fmt.Errorf("fork: create conversation: %w", err)
	}
	var copied []protocol.Step
	for _, step := range history {
		step.StepID = "" // persistence assigns fresh ids in the fork
		saved, err := c.store.AddStep(ctx, created.ID, step)
		if err != nil {
			return fmt.Errorf("fork: copy step: %w", err)
		}
		copied = append(copied, saved)
	}

	conv := c.register(created.ID)
	c.sink.Publish(protocol.ConversationCreatedEvent{
		ConversationID: conv.id,
		History:        copied,
	})

	return c.startRun(ctx, conv, run.QueuedMessage{
		RunID:           cmd.RunID,
		ClientMessageID: cmd.ClientMessageID,
		Text:            cmd.Message,
	})
}

// Confirm resolves an outstanding approval request. Duplicate or
// expired responses are no-ops.
func (c *Coordinator) Confirm(ctx context.Context, cmd *protocol.ConfirmationResponseCommand) error {
	if !c.confirms.Respond(cmd.Data.RequestID, cmd.Data) {
		logging.Debugf("[Coordinator] Ignoring stale confirmation response %s", cmd.Data.RequestID)
	}
	return nil
}

// Disconnect hard-stops every active run with reason disconnect. Called
// when the owning client connection goes away.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	convs := make([]*conversation, 0, len(c.convs))
	for _, conv := range c.convs {
		convs = append(convs, conv)
	}
	c.mu.Unlock()

	for _, conv := range convs {
		if conv.machine.Active() != nil {
			c.hardStop(conv, protocol.StopDisconnect, "")
		}
		c.confirms.DropConversation(conv.id)
	}
}

// Wait blocks until all in-flight run loops have drained.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// conversation resolves or creates the conversation's state. The second
// return reports whether a new conversation was created.
func (c *Coordinator) conversation(ctx context.Context, id string) (*conversation, bool, error) {
	if id != "" {
		if conv := c.lookup(id); conv != nil {
			return conv, false, nil
		}
		// Known in the store but not yet registered in memory (restart).
		if _, err := c.store.GetConversation(ctx, id); err == nil {
			return c.register(id), false, nil
		}
	}

	created, err := c.store.CreateConversation(ctx, id, "", "")
	if err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}
	return c.register(created.ID), true, nil
}

func (c *Coordinator) lookup(id string) *conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.convs[id]
}

func (c *Coordinator) register(id string) *conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conv, ok := c.convs[id]; ok {
		return conv
	}
	conv := &conversation{id: id, machine: run.NewMachine(id)}
	c.convs[id] = conv
	return conv
}

// startRun claims the run slot, persists the user step, and launches
// the director loop. The server mints the run id; a client-suggested id
// is echoed back as suggestedRunId for correlation only.
func (c *Coordinator) startRun(ctx context.Context, conv *conversation, msg run.QueuedMessage) error {
	r, err := conv.machine.Start("", msg.ClientMessageID)
	if errors.Is(err, run.ErrRunActive) {
		// Lost a race with a concurrent message on the same idle
		// conversation. Fold in behind the winner as a soft interrupt
		// rather than bouncing the send back to the client.
		if conv.machine.RequestSoftStop(msg) {
			logging.Infof("[Coordinator] Queued message behind concurrent run start for conversation %s", conv.id)
			return nil
		}
		// The winner already turned terminal; the slot is free again.
		r, err = conv.machine.Start("", msg.ClientMessageID)
	}
	if err != nil {
		return err
	}

	// The user step goes down before any event for it goes out.
	userStep, err := c.appendStep(ctx, conv.id, protocol.Step{
		Source:  protocol.SourceUser,
		Content: msg.Text,
	})
	if err != nil {
		conv.machine.StopHard(protocol.StopError)
		return fmt.Errorf("persist user step: %w", err)
	}

	c.sink.Publish(protocol.UserStepSavedEvent{
		ConversationID:  conv.id,
		RunID:           r.ID,
		ClientMessageID: msg.ClientMessageID,
		StepID:          userStep.StepID,
	})
	c.sink.Publish(protocol.RunStartedEvent{
		ConversationID:  conv.id,
		RunID:           r.ID,
		ClientMessageID: msg.ClientMessageID,
		SuggestedRunID:  msg.RunID,
	})

	history, err := c.store.Steps(ctx, conv.id)
	if err != nil {
		return fmt.Errorf("read trajectory: %w", err)
	}

	c.wg.Add(1)
	go c.runLoop(conv, r, history)
	return nil
}

// runLoop consumes one run's iteration stream to its end.
func (c *Coordinator) runLoop(conv *conversation, r *run.Run, history []protocol.Step) {
	defer c.wg.Done()

	ctx := context.Background()
	stream, err := c.director.Research(ctx, history, director.Constraints{
		ConversationID: conv.id,
		RunID:          r.ID,
		MaxIterations:  c.MaxIterations,
	})
	if err != nil {
		c.finishWithError(conv, r, err)
		return
	}
	conv.setStream(stream)
	defer conv.closeStream()

	var lastStep protocol.Step
	for {
		it, err := stream.Next(ctx)
		if err != nil {
			c.finishWithError(conv, r, err)
			return
		}
		if it == nil {
			break
		}

		switch it.Phase {
		case director.PhaseStepStart:
			if err := conv.machine.BeginStep(r.ID, it.Thought, it.Message, it.ToolCalls); err != nil {
				// Terminal run: the stop already emitted its events;
				// later iterations are discarded.
				logging.Debugf("[Coordinator] Dropping step_start for run %s: %v", r.ID, err)
				return
			}
			c.sink.Publish(protocol.StepStartEvent{
				ConversationID: conv.id,
				RunID:          r.ID,
				Data: protocol.StepStartData{
					Thought:   it.Thought,
					Message:   it.Message,
					ToolCalls: it.ToolCalls,
				},
			})

		case director.PhaseStepEnd:
			// Discard before persisting: a step finishing after a hard
			// stop must leave no trace beyond the interrupted marker.
			if active := conv.machine.Active(); active == nil || active.ID != r.ID {
				logging.Debugf("[Coordinator] Dropping step_end for terminal run %s", r.ID)
				return
			}
			ended, err := conv.machine.EndStep(r.ID, it.ToolResults, it.Metrics)
			if err != nil {
				logging.Debugf("[Coordinator] Dropping step_end for run %s: %v", r.ID, err)
				return
			}
			// The machine-built step carries the thought records; persist
			// that one so history and forks keep the reasoning trail.
			saved, err := c.appendStep(ctx, conv.id, ended)
			if err != nil {
				c.finishWithError(conv, r, fmt.Errorf("persist step: %w", err))
				return
			}
			conv.machine.AssignStepID(r.ID, saved.StepID)
			c.sink.Publish(protocol.StepEndEvent{
				ConversationID: conv.id,
				RunID:          r.ID,
				Data: protocol.StepEndData{
					Thought:     it.Thought,
					Message:     it.Message,
					ToolCalls:   it.ToolCalls,
					ToolResults: it.ToolResults,
					StepID:      saved.StepID,
					Metrics:     it.Metrics,
				},
			})
			lastStep = saved

			if thought := firstThoughtText(saved); thought != "" {
				if err := c.store.SetLatestReasoning(ctx, conv.id, thought); err != nil {
					logging.Warnf("[Coordinator] Cache latest reasoning: %v", err)
				}
			}

			// Soft interrupt takes effect only here, at a step boundary.
			if conv.machine.SoftStopRequested() {
				stream.Close()
				if stopped, ok := conv.machine.FinishSoftStop(); ok {
					c.sink.Publish(protocol.RunStoppedEvent{
						ConversationID: conv.id,
						RunID:          stopped.ID,
						Reason:         stopped.StopReason,
					})
				}
				c.drainQueue(conv)
				return
			}
		}
	}

	// Stream exhausted cleanly: the run completed with a final answer.
	if _, err := conv.machine.Complete(r.ID); err != nil {
		c.finishWithError(conv, r, err)
		return
	}
	c.sink.Publish(protocol.RunCompleteEvent{
		ConversationID: conv.id,
		RunID:          r.ID,
		Data: protocol.RunCompleteData{
			Response: lastStep.Content,
			StepID:   lastStep.StepID,
		},
	})
	c.drainQueue(conv)
}

// drainQueue starts the next queued run, if any.
func (c *Coordinator) drainQueue(conv *conversation) {
	msg, ok := conv.machine.Dequeue()
	if !ok {
		return
	}
	if err := c.startRun(context.Background(), conv, msg); err != nil {
		logging.Errorf("[Coordinator] Starting queued run: %v", err)
	}
}

// finishWithError terminates the run, emitting billing_error first when
// the failure is a billing rejection.
func (c *Coordinator) finishWithError(conv *conversation, r *run.Run, err error) {
	if be, ok := credential.AsBilling(err); ok {
		c.sink.Publish(protocol.BillingErrorEvent{
			ConversationID: conv.id,
			RunID:          r.ID,
			Error:          be.Info,
		})
	}
	active := conv.machine.Active()
	if active == nil || active.ID != r.ID {
		// Already stopped, or a queued successor took over after the
		// hard stop cancelled our stream. The successor keeps running.
		return
	}
	c.hardStop(conv, protocol.StopError, err.Error())
}

// hardStop terminates the active run immediately, marks in-flight tool
// calls interrupted, and persists the partial step before the
// run_stopped event goes out.
func (c *Coordinator) hardStop(conv *conversation, reason, errMsg string) {
	stopped, ok := conv.machine.StopHard(reason)
	if !ok {
		return
	}
	conv.closeStream()
	c.confirms.DropConversation(conv.id)

	// Persist the interrupted partial step, if the stop cut one short.
	if n := len(stopped.Steps); n > 0 {
		last := stopped.Steps[n-1]
		if last.StepID == "" {
			if _, err := c.appendStep(context.Background(), conv.id, last); err != nil {
				logging.Errorf("[Coordinator] Persist interrupted step: %v", err)
			}
		}
	}

	c.sink.Publish(protocol.RunStoppedEvent{
		ConversationID: conv.id,
		RunID:          stopped.ID,
		Reason:         reason,
		Error:          errMsg,
	})
	c.drainQueue(conv)
}

// appendStep persists a step, retrying once. Duplicate user sends under
// retry are tolerated by the protocol; losing a step is not.
func (c *Coordinator) appendStep(ctx context.Context, conversationID string, step protocol.Step) (protocol.Step, error) {
	saved, err := c.store.AddStep(ctx, conversationID, step)
	if err == nil {
		return saved, nil
	}
	logging.Warnf("[Coordinator] Step append failed, retrying once: %v", err)
	return c.store.AddStep(ctx, conversationID, step)
}

func firstThoughtText(step protocol.Step) string {
	for _, th := range step.Thoughts {
		if th.Type == protocol.ThoughtText && th.Content != "" {
			return th.Content
		}
	}
	return ""
}

// Approve implements tools.Approver: it parks the tool call on the
// confirmation coordinator, forwards the request to clients, and blocks
// until a response, expiry, or cancellation settles it.
func (c *Coordinator) Approve(ctx context.Context, conversationID, runID, toolName string, args json.RawMessage) (tools.Approval, error) {
	req, outcome := c.confirms.Request(conversationID, runID, toolName, args, confirm.DefaultOptions())
	c.sink.Publish(protocol.ConfirmationRequestEvent{
		ConversationID: conversationID,
		RunID:          runID,
		Data:           req,
	})

	select {
	case <-ctx.Done():
		return tools.Approval{}, ctx.Err()
	case out := <-outcome:
		return tools.Approval{
			Approved:    out.Approved,
			AlwaysAllow: out.OptionID == confirm.OptionAllowAlways || out.PersistPreference,
			Guidance:    out.Guidance,
		}, nil
	}
}
