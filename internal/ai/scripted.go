package ai

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedProvider replays a fixed sequence of turns. Used by tests and by
// offline smoke runs where no API credential is available.
type ScriptedProvider struct {
	mu    sync.Mutex
	turns []Turn
	next  int

	// Requests records every request seen, in order.
	Requests []*Request
}

// NewScriptedProvider creates a provider that replays the given turns.
func NewScriptedProvider(turns ...Turn) *ScriptedProvider {
	return &ScriptedProvider{turns: turns}
}

// ID returns the provider identifier
func (p *ScriptedProvider) ID() string {
	return "scripted"
}

// Complete returns the next scripted turn.
func (p *ScriptedProvider) Complete(ctx context.Context, req *Request) (*Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Requests = append(p.Requests, req)
	if p.next >= len(p.turns) {
		return nil, fmt.Errorf("scripted provider: no turn %d", p.next)
	}
	turn := p.turns[p.next]
	p.next++
	return &turn, nil
}
