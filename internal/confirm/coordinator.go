// Package confirm correlates tool-approval requests with exactly one
// response each, across interactive and automation channels, with expiry.
package confirm

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipali/pipali/internal/logging"
	"github.com/pipali/pipali/internal/protocol"
)

// Option ids used by the builtin approve/deny dialog.
const (
	OptionAllow       = "allow"
	OptionAllowAlways = "allow_always"
	OptionDeny        = "deny"
)

// DefaultTTL bounds how long a request may stay unanswered. On expiry
// the request resolves as a denial rather than hanging the tool call.
const DefaultTTL = 5 * time.Minute

// Outcome is the resolution delivered to the caller awaiting approval.
type Outcome struct {
	OptionID          string
	Guidance          string
	PersistPreference bool
	Approved          bool
	Expired           bool
}

type pending struct {
	req   protocol.ConfirmationRequest
	ch    chan Outcome
	timer *time.Timer
}

// Coordinator owns all outstanding approval requests. It is
// transport-agnostic: the waiter receives its Outcome on a channel no
// matter which channel (dialog, toast, automation poll) answered.
type Coordinator struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	pending map[string]*pending
	byConv  map[string][]string // ordered pending request ids per conversation
}

// New creates a Coordinator. ttl <= 0 uses DefaultTTL.
func New(ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{
		ttl:     ttl,
		now:     time.Now,
		pending: make(map[string]*pending),
		byConv:  make(map[string][]string),
	}
}

// DefaultOptions returns the approve/deny option set for tool dialogs.
func DefaultOptions() []protocol.ConfirmationOption {
	return []protocol.ConfirmationOption{
		{ID: OptionAllow, Label: "Allow"},
		{ID: OptionAllowAlways, Label: "Always allow"},
		{ID: OptionDeny, Label: "Deny"},
	}
}

// Request registers a new approval request and returns it along with
// the channel the eventual Outcome arrives on. The channel receives
// exactly one value: the first response, or an expiry denial.
func (c *Coordinator) Request(conversationID, runID, toolName string, args json.RawMessage, options []protocol.ConfirmationOption) (protocol.ConfirmationRequest, <-chan Outcome) {
	if len(options) == 0 {
		options = DefaultOptions()
	}
	req := protocol.ConfirmationRequest{
		RequestID:      uuid.New().String(),
		ConversationID: conversationID,
		RunID:          runID,
		ToolName:       toolName,
		ToolArgs:       args,
		Options:        options,
		ExpiresAt:      c.now().Add(c.ttl),
	}

	p := &pending{
		req: req,
		ch:  make(chan Outcome, 1),
	}

	c.mu.Lock()
	c.pending[req.RequestID] = p
	c.byConv[conversationID] = append(c.byConv[conversationID], req.RequestID)
	c.mu.Unlock()

	p.timer = time.AfterFunc(c.ttl, func() { c.expire(req.RequestID) })

	return req, p.ch
}

// Respond resolves an outstanding request. Returns false when the
// requestId is unknown or already resolved, making a second response a
// no-op.
func (c *Coordinator) Respond(requestID string, resp protocol.ConfirmationResponse) bool {
	p := c.take(requestID)
	if p == nil {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- Outcome{
		OptionID:          resp.SelectedOptionID,
		Guidance:          resp.Guidance,
		PersistPreference: resp.PersistPreference,
		Approved:          resp.SelectedOptionID == OptionAllow || resp.SelectedOptionID == OptionAllowAlways,
	}
	return true
}

// Pending returns the outstanding requests for a conversation in
// arrival order. Multiple simultaneous requests are supported.
func (c *Coordinator) Pending(conversationID string) []protocol.ConfirmationRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := c.byConv[conversationID]
	out := make([]protocol.ConfirmationRequest, 0, len(ids))
	for _, id := range ids {
		if p, ok := c.pending[id]; ok {
			out = append(out, p.req)
		}
	}
	return out
}

// DropConversation resolves every outstanding request of a torn-down
// conversation as a denial. Teardown hook for conversation eviction.
func (c *Coordinator) DropConversation(conversationID string) {
	c.mu.Lock()
	ids := c.byConv[conversationID]
	delete(c.byConv, conversationID)
	var dropped []*pending
	for _, id := range ids {
		if p, ok := c.pending[id]; ok {
			delete(c.pending, id)
			dropped = append(dropped, p)
		}
	}
	c.mu.Unlock()

	for _, p := range dropped {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- Outcome{OptionID: OptionDeny}
	}
}

// expire resolves a timed-out request as a denial. Auto-deny is the
// expiry policy: an unanswered risky action must not run, and the tool
// call must not hang.
func (c *Coordinator) expire(requestID string) {
	p := c.take(requestID)
	if p == nil {
		return
	}
	logging.Infof("[confirm] request %s for tool %s expired, denying", requestID, p.req.ToolName)
	p.ch <- Outcome{OptionID: OptionDeny, Expired: true}
}

// take removes a pending request, returning nil if already resolved.
func (c *Coordinator) take(requestID string) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[requestID]
	if !ok {
		return nil
	}
	delete(c.pending, requestID)

	ids := c.byConv[p.req.ConversationID]
	for i, id := range ids {
		if id == requestID {
			c.byConv[p.req.ConversationID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(c.byConv[p.req.ConversationID]) == 0 {
		delete(c.byConv, p.req.ConversationID)
	}
	return p
}
