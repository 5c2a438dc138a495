// batch.go
//
// Defines the Batch struct which represents a group of requests processed together
// in a single executor step.

package engine

// Batch represents the group of running requests dispatched in one engine tick.
// It is rebuilt every tick and never persisted between ticks.
type Batch struct {
	Requests []*Request // Requests included in the current batch, in admission order
}

// NewBatch creates a new Batch instance from a given slice of requests.
func NewBatch(reqs []*Request) *Batch {
	return &Batch{Requests: reqs}
}

// Len returns the number of requests in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Requests)
}

// IDs returns the request IDs in batch order.
func (b *Batch) IDs() []string {
	ids := make([]string, b.Len())
	for i, r := range b.Requests {
		ids[i] = r.ID
	}
	return ids
}
