package engine

import (
	"github.com/sirupsen/logrus"
)

// BatchFormation encapsulates the batch composition strategy for an engine step.
// Implementations dequeue from the AdmissionQueue and reserve blocks
// but do NOT change request state or record metrics; those are step-loop
// concerns handled by the Engine after FormBatch returns.
type BatchFormation interface {
	FormBatch(ctx BatchContext) BatchResult
}

// BatchContext provides the inputs for batch formation.
type BatchContext struct {
	Running            []*Request      // requests already running, in admission order
	Queue              *AdmissionQueue // waiting requests, FIFO
	Blocks             *BlockManager   // context buffer accounting
	MaxRunningReqs     int             // batch size limit (executor capacity)
	MaxScheduledTokens int             // token budget per step (0 = unlimited)
	StepCount          int
}

// BatchResult describes the outcome of batch formation.
type BatchResult struct {
	Batch          *Batch     // running requests followed by NewlyScheduled
	NewlyScheduled []*Request // dequeued this step, still in StateQueued
}

// FCFSBatchFormation keeps every running request in the batch and then admits
// waiting requests strictly in arrival order. Admission stops at the first
// request that does not fit (batch size, token budget or blocks), so a later
// request is never scheduled ahead of an earlier one, and running requests are
// never evicted to make room.
type FCFSBatchFormation struct{}

func (f *FCFSBatchFormation) FormBatch(ctx BatchContext) BatchResult {
	if ctx.Queue == nil || ctx.Blocks == nil {
		panic("FormBatch: Queue and Blocks must not be nil")
	}
	unlimited := ctx.MaxScheduledTokens <= 0
	tokenBudget := ctx.MaxScheduledTokens

	// Phase 1: continuing requests decode one token each.
	reqs := make([]*Request, 0, len(ctx.Running)+ctx.Queue.Len())
	reqs = append(reqs, ctx.Running...)
	tokenBudget -= len(ctx.Running)

	result := BatchResult{}

	// Phase 2: dequeue new requests from the admission queue.
	for len(reqs) < ctx.MaxRunningReqs {
		next := ctx.Queue.Peek()
		if next == nil {
			break
		}
		cost := len(next.PromptTokens)
		if !unlimited && cost > tokenBudget {
			logrus.Debugf("[step %07d] token budget exhausted, %s waits for next step", ctx.StepCount, next.ID)
			break
		}
		if !ctx.Blocks.Allocate(next) {
			logrus.Debugf("[step %07d] %d free blocks, %s needs %d; waits for next step",
				ctx.StepCount, ctx.Blocks.FreeBlocks(), next.ID, ctx.Blocks.BlocksFor(next.TotalTokens()))
			break
		}
		ctx.Queue.DequeueFront()
		reqs = append(reqs, next)
		result.NewlyScheduled = append(result.NewlyScheduled, next)
		tokenBudget -= cost
	}

	result.Batch = NewBatch(reqs)
	return result
}

// NewBatchFormation creates the default BatchFormation.
// Currently returns FCFSBatchFormation (the only implementation).
func NewBatchFormation() BatchFormation {
	return &FCFSBatchFormation{}
}
