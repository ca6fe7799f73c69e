package mcp

import (
	"encoding/json"
	"sync"
	"time"
)

// callResult is the outcome delivered to a waiting caller.
type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall is an outstanding request awaiting a response or its
// deadline.
type pendingCall struct {
	method string
	done   chan callResult // buffered; receives exactly one result
	timer  *time.Timer
}

func (c *pendingCall) complete(res callResult) {
	c.done <- res
}

// pendingTable correlates request ids with waiting callers. take is the
// only way an entry leaves the table, so a response, a deadline and a
// shutdown racing on the same id resolve it exactly once.
type pendingTable struct {
	mu    sync.Mutex
	calls map[int64]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[int64]*pendingCall)}
}

// add registers a call under id and arms its deadline. When the
// deadline fires first, the call is rejected with a TimeoutError.
func (p *pendingTable) add(id int64, method string, timeout time.Duration) *pendingCall {
	call := &pendingCall{
		method: method,
		done:   make(chan callResult, 1),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[id] = call
	call.timer = time.AfterFunc(timeout, func() {
		if c, ok := p.take(id); ok {
			c.complete(callResult{err: &TimeoutError{Method: method, ID: id, After: timeout}})
		}
	})
	return call
}

// take removes the call registered under id and cancels its deadline.
// It reports false if the id is unknown or was already taken.
func (p *pendingTable) take(id int64) (*pendingCall, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	call, ok := p.calls[id]
	if !ok {
		return nil, false
	}
	delete(p.calls, id)
	call.timer.Stop()
	return call, true
}

// drain removes every call and cancels their deadlines. The caller is
// responsible for completing the returned calls.
func (p *pendingTable) drain() []*pendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	calls := make([]*pendingCall, 0, len(p.calls))
	for id, call := range p.calls {
		call.timer.Stop()
		calls = append(calls, call)
		delete(p.calls, id)
	}
	return calls
}

// len returns the number of outstanding calls.
func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
