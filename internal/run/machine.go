// Package run implements the per-conversation run state machine and the
// soft-interrupt queue that together enforce the at-most-one-active-run
// and step-boundary cancellation rules.
package run

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/pipali/pipali/internal/protocol"
)

var (
	// ErrRunActive is returned by Start while a non-terminal run exists.
	ErrRunActive = errors.New("conversation already has an active run")
	// ErrNoRun is returned when an operation needs an active run.
	ErrNoRun = errors.New("no active run")
	// ErrRunTerminal is returned for step events arriving after a run
	// reached a terminal state; the coordinator discards these.
	ErrRunTerminal = errors.New("run is terminal")
	// ErrNoTextStep guards Complete: a run may only complete after a
	// text-producing step was observed.
	ErrNoTextStep = errors.New("run has produced no text step")
)

// QueuedMessage buffers a user message that arrived while a run was
// active and a soft interrupt could not take effect immediately.
// Consumed strictly FIFO.
type QueuedMessage struct {
	RunID           string // client-suggested run id for the next run
	ClientMessageID string
	Text            string
}

// Run is one unit of agent work. Status moves idle→running→terminal;
// "stopping" is the soft-interrupt sub-phase of running during which the
// current step is allowed to finish.
type Run struct {
	ID              string
	ConversationID  string
	Status          string
	StopReason      string // set only when Status == stopped
	ClientMessageID string

	// Steps holds the run's finished assistant steps; Current is the
	// step in flight, keyed provisionally by the run id until
	// persistence assigns a stepId.
	Steps   []protocol.Step
	Current *protocol.Step

	sawText bool
}

// Terminal reports whether the run reached stopped or complete.
func (r *Run) Terminal() bool {
	return r.Status == protocol.RunStopped || r.Status == protocol.RunComplete
}

// Machine owns the run lifecycle for a single conversation. All methods
// are safe for concurrent use.
type Machine struct {
	conversationID string

	mu    sync.Mutex
	run   *Run
	queue []QueuedMessage
}

// NewMachine creates the state machine for one conversation.
func NewMachine(conversationID string) *Machine {
	return &Machine{conversationID: conversationID}
}

// Active returns the current non-terminal run, or nil when idle.
func (m *Machine) Active() *Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run != nil && !m.run.Terminal() {
		return m.run
	}
	return nil
}

// Start creates a new running run. It fails with ErrRunActive while a
// non-terminal run exists; soft interrupt (stop then dequeue) is the
// only sanctioned replacement path.
func (m *Machine) Start(runID, clientMessageID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.run != nil && !m.run.Terminal() {
		return nil, ErrRunActive
	}
	if runID == "" {
		runID = uuid.New().String()
	}
	m.run = &Run{
		ID:              runID,
		ConversationID:  m.conversationID,
		Status:          protocol.RunRunning,
		ClientMessageID: clientMessageID,
	}
	return m.run, nil
}

// RequestSoftStop moves the active run into the stopping sub-phase and
// enqueues the interrupting message. Returns false when the machine is
// idle, in which case the caller starts a run directly with no queueing.
func (m *Machine) RequestSoftStop(q QueuedMessage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.run == nil || m.run.Terminal() {
		return false
	}
	m.queue = append(m.queue, q)
	if m.run.Status == protocol.RunRunning {
		m.run.Status = protocol.RunStopping
	}
	return true
}

// SoftStopRequested reports whether the active run is in the stopping
// sub-phase. The coordinator checks this at each step boundary.
func (m *Machine) SoftStopRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run != nil && m.run.Status == protocol.RunStopping
}

// BeginStep opens a new in-flight assistant step with the dispatched
// tool calls marked pending. Step events never change run status.
func (m *Machine) BeginStep(runID, thought, message string, calls []protocol.ToolCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.run
	if r == nil || r.ID != runID {
		return ErrNoRun
	}
	if r.Terminal() {
		return ErrRunTerminal
	}

	step := &protocol.Step{
		Source:    protocol.SourceAssistant,
		Content:   message,
		ToolCalls: calls,
	}
	if thought != "" {
		step.Thoughts = append(step.Thoughts, protocol.Thought{
			ID:      uuid.New().String(),
			Type:    protocol.ThoughtText,
			Content: thought,
		})
	}
	for _, tc := range calls {
		step.Thoughts = append(step.Thoughts, protocol.Thought{
			ID:        tc.ID,
			Type:      protocol.ThoughtToolCall,
			Content:   tc.Name,
			IsPending: true,
		})
	}
	r.Current = step
	if message != "" {
		r.sawText = true
	}
	return nil
}

// EndStep resolves the in-flight step with its tool results. Each
// pending tool_call thought is resolved exactly once, by id. The
// returned step carries the full thought records; the caller persists
// it and reports back the assigned stepId via AssignStepID.
func (m *Machine) EndStep(runID string, results []protocol.ToolResult, metrics *protocol.Metrics) (protocol.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.run
	if r == nil || r.ID != runID {
		return protocol.Step{}, ErrNoRun
	}
	if r.Status == protocol.RunStopped || r.Status == protocol.RunComplete {
		return protocol.Step{}, ErrRunTerminal
	}
	if r.Current == nil {
		return protocol.Step{}, ErrNoRun
	}

	step := r.Current
	step.ToolResults = results
	step.Metrics = metrics

	byCall := make(map[string]string, len(results))
	for _, res := range results {
		byCall[res.ToolCallID] = res.Content
	}
	for i := range step.Thoughts {
		th := &step.Thoughts[i]
		if th.Type != protocol.ThoughtToolCall || !th.IsPending {
			continue
		}
		if content, ok := byCall[th.ID]; ok {
			th.IsPending = false
			th.ToolResult = content
		}
	}

	r.Steps = append(r.Steps, *step)
	r.Current = nil
	return *step, nil
}

// AssignStepID records the persistence-assigned id on the most recently
// ended step. A step with an id is durable; hard stop re-persists only
// steps without one.
func (m *Machine) AssignStepID(runID, stepID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.run
	if r == nil || r.ID != runID || len(r.Steps) == 0 {
		return
	}
	r.Steps[len(r.Steps)-1].StepID = stepID
}

// StopHard immediately terminates the run, marking every still-pending
// tool_call thought of the current step as interrupted. Further step
// events for the run are rejected with ErrRunTerminal. Returns the run
// for event emission; ok is false when there was nothing to stop.
func (m *Machine) StopHard(reason string) (*Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.run
	if r == nil || r.Terminal() {
		return nil, false
	}

	if r.Current != nil {
		for i := range r.Current.Thoughts {
			th := &r.Current.Thoughts[i]
			if th.Type == protocol.ThoughtToolCall && th.IsPending {
				th.IsPending = false
				th.ToolResult = protocol.InterruptedMarker
			}
		}
		r.Steps = append(r.Steps, *r.Current)
		r.Current = nil
	}

	r.Status = protocol.RunStopped
	r.StopReason = reason
	return r, true
}

// FinishSoftStop completes the stopping→stopped(soft_interrupt)
// transition at a step boundary. Unlike StopHard it never touches
// in-flight thoughts: the step that just finished did so normally.
func (m *Machine) FinishSoftStop() (*Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.run
	if r == nil || r.Status != protocol.RunStopping {
		return nil, false
	}
	r.Status = protocol.RunStopped
	r.StopReason = protocol.StopSoftInterrupt
	return r, true
}

// Complete finishes the run naturally. Only legal once a text-producing
// step was observed. Clears the active-run pointer.
func (m *Machine) Complete(runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.run
	if r == nil || r.ID != runID {
		return nil, ErrNoRun
	}
	if r.Terminal() {
		return nil, ErrRunTerminal
	}
	if !r.sawText {
		return nil, ErrNoTextStep
	}
	r.Status = protocol.RunComplete
	return r, nil
}

// Dequeue pops the oldest queued message. Arrival order is delivery
// order.
func (m *Machine) Dequeue() (QueuedMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return QueuedMessage{}, false
	}
	q := m.queue[0]
	m.queue = m.queue[1:]
	return q, true
}

// QueueLen returns the number of buffered messages.
func (m *Machine) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
