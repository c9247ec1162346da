package ipc

import (
	"encoding/json"
	"sync"
)

// Outcome settles one pending request.
type Outcome struct {
	Value json.RawMessage
	Err   error
}

// Pending correlates outstanding requests with their responses. Entries are
// removed when resolved, cancelled or rejected, so each request settles once.
type Pending struct {
	mu      sync.Mutex
	waiters map[string]chan Outcome
}

func NewPending() *Pending {
	return &Pending{waiters: make(map[string]chan Outcome)}
}

// Register must be called before the request is sent.
func (p *Pending) Register(id string) <-chan Outcome {
	ch := make(chan Outcome, 1)
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	return ch
}

// Resolve settles the request with the given id. It reports false for ids that
// are unknown or already settled.
func (p *Pending) Resolve(id string, outcome Outcome) bool {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- outcome
	return true
}

// Cancel drops a request without settling it.
func (p *Pending) Cancel(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.waiters[id]; !ok {
		return false
	}
	delete(p.waiters, id)
	return true
}

// RejectAll settles every outstanding request with err and returns how many
// were rejected.
func (p *Pending) RejectAll(err error) int {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[string]chan Outcome)
	p.mu.Unlock()
	for _, ch := range waiters {
		ch <- Outcome{Err: err}
	}
	return len(waiters)
}

func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
