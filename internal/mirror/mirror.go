// Package mirror maintains the client-side view of conversations as a
// pure reduction over server events. The reducer owns no I/O and no
// locks, so every transition is unit-testable in isolation; Mirror adds
// the cache, foreground tracking, and eviction around it.
package mirror

import (
	"container/list"
	"sync"

	"github.com/pipali/pipali/internal/protocol"
)

// DefaultCapacity bounds the number of cached conversation states.
// Least-recently-touched conversations are evicted first; the
// foreground conversation is never evicted.
const DefaultCapacity = 64

// Message is the view-model of one transcript entry.
type Message struct {
	StepID          string
	ClientMessageID string
	Source          string
	Content         string
	Thoughts        []protocol.Thought
	// Pending marks an optimistic local append not yet acknowledged by
	// user_step_saved.
	Pending bool
}

// ConversationState is the full view-model of one conversation.
type ConversationState struct {
	ID              string
	RunID           string
	IsProcessing    bool
	IsStopped       bool
	StopReason      string
	LatestReasoning string
	Messages        []Message
	PendingConfirms []protocol.ConfirmationRequest
	LastError       string
}

// transition is one row of the reducer's table.
type transition func(ConversationState, protocol.Event) ConversationState

var transitions = map[string]transition{
	protocol.EvtConversationCreated: reduceConversationCreated,
	protocol.EvtRunStarted:          reduceRunStarted,
	protocol.EvtRunStopped:          reduceRunStopped,
	protocol.EvtRunComplete:         reduceRunComplete,
	protocol.EvtStepStart:           reduceStepStart,
	protocol.EvtStepEnd:             reduceStepEnd,
	protocol.EvtUserStepSaved:       reduceUserStepSaved,
	protocol.EvtConfirmationRequest: reduceConfirmationRequest,
	protocol.EvtBillingError:        reduceBillingError,
}

// Reduce applies one event to a conversation state. It is a pure
// function: the input state is never mutated and unknown events return
// it unchanged.
func Reduce(state ConversationState, ev protocol.Event) ConversationState {
	fn, ok := transitions[ev.EventType()]
	if !ok {
		return state
	}
	return fn(cloneState(state), ev)
}

func cloneState(s ConversationState) ConversationState {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	for i := range out.Messages {
		thoughts := make([]protocol.Thought, len(out.Messages[i].Thoughts))
		copy(thoughts, out.Messages[i].Thoughts)
		out.Messages[i].Thoughts = thoughts
	}
	out.PendingConfirms = append([]protocol.ConfirmationRequest(nil), s.PendingConfirms...)
	return out
}

func reduceConversationCreated(s ConversationState, ev protocol.Event) ConversationState {
	e := ev.(protocol.ConversationCreatedEvent)
	s.ID = e.ConversationID
	s.Messages = s.Messages[:0]
	for _, step := range e.History {
		s.Messages = append(s.Messages, messageFromStep(step))
	}
	return s
}

func reduceRunStarted(s ConversationState, ev protocol.Event) ConversationState {
	e := ev.(protocol.RunStartedEvent)
	s.ID = e.ConversationID
	s.RunID = e.RunID
	s.IsProcessing = true
	s.IsStopped = false
	s.StopReason = ""
	s.LastError = ""
	return s
}

func reduceRunStopped(s ConversationState, ev protocol.Event) ConversationState {
	e := ev.(protocol.RunStoppedEvent)
	if e.RunID != s.RunID {
		return s
	}
	s.IsProcessing = false
	s.IsStopped = true
	s.StopReason = e.Reason
	if e.Error != "" {
		s.LastError = e.Error
	}
	// A soft interrupt let its last step finish normally; every other
	// reason cut pending tool calls short.
	if e.Reason != protocol.StopSoftInterrupt {
		for i := range s.Messages {
			for j := range s.Messages[i].Thoughts {
				th := &s.Messages[i].Thoughts[j]
				if th.Type == protocol.ThoughtToolCall && th.IsPending {
					th.IsPending = false
					th.ToolResult = protocol.InterruptedMarker
				}
			}
		}
	}
	s.PendingConfirms = nil
	return s
}

func reduceRunComplete(s ConversationState, ev protocol.Event) ConversationState {
	e := ev.(protocol.RunCompleteEvent)
	if e.RunID != s.RunID {
		return s
	}
	s.IsProcessing = false
	s.IsStopped = false
	s.StopReason = ""
	s.PendingConfirms = nil
	return s
}

func reduceStepStart(s ConversationState, ev protocol.Event) ConversationState {
	e := ev.(protocol.StepStartEvent)
	if e.RunID != s.RunID {
		return s
	}
	msg := Message{
		Source:  protocol.SourceAssistant,
		Content: e.Data.Message,
	}
	if e.Data.Thought != "" {
		msg.Thoughts = append(msg.Thoughts, protocol.Thought{
			Type:    protocol.ThoughtText,
			Content: e.Data.Thought,
		})
		s.LatestReasoning = e.Data.Thought
	}
	for _, tc := range e.Data.ToolCalls {
		msg.Thoughts = append(msg.Thoughts, protocol.Thought{
			ID:        tc.ID,
			Type:      protocol.ThoughtToolCall,
			Content:   tc.Name,
			IsPending: true,
		})
	}
	s.Messages = append(s.Messages, msg)
	return s
}

func reduceStepEnd(s ConversationState, ev protocol.Event) ConversationState {
	e := ev.(protocol.StepEndEvent)
	if e.RunID != s.RunID {
		return s
	}
	i := lastAssistantWithoutStepID(s.Messages)
	if i < 0 {
		// step_end without a matching step_start; synthesize the entry
		// so the transcript stays complete.
		s.Messages = append(s.Messages, Message{Source: protocol.SourceAssistant})
		i = len(s.Messages) - 1
	}
	msg := &s.Messages[i]
	msg.StepID = e.Data.StepID
	msg.Content = e.Data.Message

	byCall := make(map[string]protocol.ToolResult, len(e.Data.ToolResults))
	for _, r := range e.Data.ToolResults {
		byCall[r.ToolCallID] = r
	}
	for j := range msg.Thoughts {
		th := &msg.Thoughts[j]
		if th.Type != protocol.ThoughtToolCall || !th.IsPending {
			continue
		}
		if r, ok := byCall[th.ID]; ok {
			th.IsPending = false
			th.ToolResult = r.Content
		}
	}
	return s
}

func reduceUserStepSaved(s ConversationState, ev protocol.Event) ConversationState {
	e := ev.(protocol.UserStepSavedEvent)
	for i := range s.Messages {
		msg := &s.Messages[i]
		if msg.Pending && msg.ClientMessageID == e.ClientMessageID {
			msg.Pending = false
			msg.StepID = e.StepID
			return s
		}
	}
	// No optimistic entry to reconcile (another client sent it); append
	// a placeholder so both clients converge on the same transcript.
	s.Messages = append(s.Messages, Message{
		StepID:          e.StepID,
		ClientMessageID: e.ClientMessageID,
		Source:          protocol.SourceUser,
	})
	return s
}

func reduceConfirmationRequest(s ConversationState, ev protocol.Event) ConversationState {
	e := ev.(protocol.ConfirmationRequestEvent)
	s.PendingConfirms = append(s.PendingConfirms, e.Data)
	return s
}

func reduceBillingError(s ConversationState, ev protocol.Event) ConversationState {
	e := ev.(protocol.BillingErrorEvent)
	s.LastError = e.Error.Message
	return s
}

func messageFromStep(step protocol.Step) Message {
	return Message{
		StepID:   step.StepID,
		Source:   step.Source,
		Content:  step.Content,
		Thoughts: append([]protocol.Thought(nil), step.Thoughts...),
	}
}

func lastAssistantWithoutStepID(msgs []Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Source == protocol.SourceAssistant && msgs[i].StepID == "" {
			return i
		}
	}
	return -1
}

type cacheEntry struct {
	id    string
	state ConversationState
}

// Mirror caches conversation states keyed by conversation id, evicting
// the least-recently-touched entry past capacity. All methods are safe
// for concurrent use.
type Mirror struct {
	mu         sync.Mutex
	capacity   int
	entries    map[string]*list.Element
	order      *list.List // front = most recently touched
	foreground string
}

// New creates a mirror with the given capacity; zero means
// DefaultCapacity.
func New(capacity int) *Mirror {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Mirror{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Apply routes an event to its conversation's state. Events for
// background conversations update only their own entry; the foreground
// state is untouched unless the event names it.
func (m *Mirror) Apply(ev protocol.Event) {
	id := ev.Conversation()
	if id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.touch(id)
	*state = Reduce(*state, ev)
}

// AppendLocalUserMessage records an optimistic user message before the
// server acknowledges it. user_step_saved reconciles it by
// clientMessageId.
func (m *Mirror) AppendLocalUserMessage(conversationID, clientMessageID, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.touch(conversationID)
	state.Messages = append(state.Messages, Message{
		ClientMessageID: clientMessageID,
		Source:          protocol.SourceUser,
		Content:         text,
		Pending:         true,
	})
}

// SetForeground marks the conversation the UI is showing. The
// foreground entry is pinned against eviction.
func (m *Mirror) SetForeground(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.foreground = conversationID
	if conversationID != "" {
		m.touch(conversationID)
	}
}

// Foreground returns a copy of the foreground conversation's state.
func (m *Mirror) Foreground() (ConversationState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.foreground == "" {
		return ConversationState{}, false
	}
	el, ok := m.entries[m.foreground]
	if !ok {
		return ConversationState{}, false
	}
	return cloneState(el.Value.(*cacheEntry).state), true
}

// Get returns a copy of a conversation's state without touching its
// eviction order.
func (m *Mirror) Get(conversationID string) (ConversationState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.entries[conversationID]
	if !ok {
		return ConversationState{}, false
	}
	return cloneState(el.Value.(*cacheEntry).state), true
}

// Len returns the number of cached conversations.
func (m *Mirror) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// touch returns the conversation's mutable state, creating it if needed
// and moving it to the front of the eviction order. Caller holds m.mu.
func (m *Mirror) touch(id string) *ConversationState {
	if el, ok := m.entries[id]; ok {
		m.order.MoveToFront(el)
		return &el.Value.(*cacheEntry).state
	}

	entry := &cacheEntry{id: id, state: ConversationState{ID: id}}
	m.entries[id] = m.order.PushFront(entry)
	m.evict()
	return &entry.state
}

// evict drops least-recently-touched entries past capacity, skipping
// the foreground conversation. Caller holds m.mu.
func (m *Mirror) evict() {
	for len(m.entries) > m.capacity {
		el := m.order.Back()
		if el == nil {
			return
		}
		entry := el.Value.(*cacheEntry)
		if entry.id == m.foreground {
			// Pin the foreground by refreshing it, then retry.
			m.order.MoveToFront(el)
			el = m.order.Back()
			if el == nil || el.Value.(*cacheEntry).id == m.foreground {
				return
			}
			entry = el.Value.(*cacheEntry)
		}
		m.order.Remove(el)
		delete(m.entries, entry.id)
	}
}
