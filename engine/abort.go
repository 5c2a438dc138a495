package engine

import (
	"sync"
	"sync/atomic"
)

// AbortTracker counts requests that reached the aborted state.
// There is no decrement: aborts are permanent history for the process lifetime.
//
// Thread-safety: safe for concurrent use.
type AbortTracker struct {
	aborted atomic.Int64
}

// RecordAbort increments the abort count by one.
// The step loop calls it exactly once per request that transitions to aborted.
func (t *AbortTracker) RecordAbort() {
	t.aborted.Add(1)
}

// Snapshot returns the number of aborts recorded so far.
func (t *AbortTracker) Snapshot() int64 {
	return t.aborted.Load()
}

// CancelSet relays cancellation requests from arbitrary goroutines to the step loop.
// Requesting the same ID more than once is the same as requesting it once.
//
// Thread-safety: safe for concurrent use.
type CancelSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
}

// NewCancelSet creates an empty CancelSet.
func NewCancelSet() *CancelSet {
	return &CancelSet{ids: make(map[string]struct{})}
}

// Request marks id for cancellation. Returns false if id was already pending.
func (c *CancelSet) Request(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[id]; ok {
		return false
	}
	c.ids[id] = struct{}{}
	c.order = append(c.order, id)
	return true
}

// Drain removes and returns all pending IDs in the order they were first requested.
// Called only by the step loop.
func (c *CancelSet) Drain() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return nil
	}
	out := c.order
	c.order = nil
	clear(c.ids)
	return out
}

// Len returns the number of pending cancellations.
func (c *CancelSet) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
