// Implements the AdmissionQueue, which holds all requests waiting to be scheduled.
// Requests are enqueued on admission and leave in FIFO order.

package engine

import (
	"fmt"
	"strings"
	"sync"
)

// AdmissionQueue is a FIFO queue of requests waiting for their first step.
// A positive maxWaiting bounds the number of waiting requests; Enqueue rejects
// instead of blocking once the bound is reached.
//
// Thread-safety: safe for concurrent use. Enqueue is called from caller
// goroutines, every other mutating method only from the step loop.
type AdmissionQueue struct {
	mu         sync.Mutex
	queue      []*Request // FIFO queue of requests
	maxWaiting int        // 0 = unbounded
}

// NewAdmissionQueue creates a queue holding at most maxWaiting requests (0 = unbounded).
func NewAdmissionQueue(maxWaiting int) *AdmissionQueue {
	if maxWaiting < 0 {
		panic(fmt.Sprintf("NewAdmissionQueue: maxWaiting must be >= 0, got %d", maxWaiting))
	}
	return &AdmissionQueue{maxWaiting: maxWaiting}
}

// Enqueue adds a request to the back of the queue and returns its ID.
// Returns ErrCapacityExceeded if the queue is full.
func (aq *AdmissionQueue) Enqueue(r *Request) (string, error) {
	aq.mu.Lock()
	defer aq.mu.Unlock()
	if aq.maxWaiting > 0 && len(aq.queue) >= aq.maxWaiting {
		return "", fmt.Errorf("%w: %d requests waiting", ErrCapacityExceeded, len(aq.queue))
	}
	aq.queue = append(aq.queue, r)
	return r.ID, nil
}

// DequeueReady removes and returns up to maxN requests from the front of the queue,
// oldest first.
func (aq *AdmissionQueue) DequeueReady(maxN int) []*Request {
	aq.mu.Lock()
	defer aq.mu.Unlock()
	n := min(maxN, len(aq.queue))
	if n <= 0 {
		return nil
	}
	out := make([]*Request, n)
	copy(out, aq.queue[:n])
	clear(aq.queue[:n])
	aq.queue = aq.queue[n:]
	return out
}

// Peek returns the request at the front of the queue without removing it.
// Returns nil if the queue is empty.
func (aq *AdmissionQueue) Peek() *Request {
	aq.mu.Lock()
	defer aq.mu.Unlock()
	if len(aq.queue) == 0 {
		return nil
	}
	return aq.queue[0]
}

// DequeueFront removes the request at the front of the queue.
// Batch formation peeks, checks budgets, then dequeues.
func (aq *AdmissionQueue) DequeueFront() *Request {
	reqs := aq.DequeueReady(1)
	if len(reqs) == 0 {
		return nil
	}
	return reqs[0]
}

// Remove deletes the request with the given ID, preserving the order of the rest.
// Returns nil if no queued request has that ID.
func (aq *AdmissionQueue) Remove(id string) *Request {
	aq.mu.Lock()
	defer aq.mu.Unlock()
	for i, r := range aq.queue {
		if r.ID == id {
			last := len(aq.queue) - 1
			copy(aq.queue[i:], aq.queue[i+1:])
			aq.queue[last] = nil
			aq.queue = aq.queue[:last]
			return r
		}
	}
	return nil
}

// Len returns the number of requests in the queue.
func (aq *AdmissionQueue) Len() int {
	aq.mu.Lock()
	defer aq.mu.Unlock()
	return len(aq.queue)
}

// Items returns a copy of the queue contents, front first.
func (aq *AdmissionQueue) Items() []*Request {
	aq.mu.Lock()
	defer aq.mu.Unlock()
	return append([]*Request(nil), aq.queue...)
}

func (aq *AdmissionQueue) String() string {
	items := aq.Items()
	var sb strings.Builder
	sb.WriteString("[")
	for i, val := range items {
		sb.WriteString(val.ID)
		if i < len(items)-1 {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("]")
	return sb.String()
}
