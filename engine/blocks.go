package engine

import "fmt"

// BlockManager accounts for the per-request context buffers (KV blocks) held by
// the executor. Each running request reserves enough blocks for its prompt plus
// its maximum output up front, so a running request never has to be preempted
// for lack of space. Blocks are returned exactly once, on completion or abort.
//
// Thread-safety: NOT thread-safe. Owned by the step loop.
type BlockManager struct {
	TotalBlocks     int              // Total blocks available to the executor
	BlockSizeTokens int              // Tokens per block
	free            []int            // Free block IDs; the most recently released is reused first
	requestMap      map[string][]int // RequestID -> reserved block IDs
}

// NewBlockManager creates a manager with all blocks free.
// Panics if either argument is not positive.
func NewBlockManager(totalBlocks, blockSizeTokens int) *BlockManager {
	if totalBlocks <= 0 || blockSizeTokens <= 0 {
		panic(fmt.Sprintf("NewBlockManager: totalBlocks and blockSizeTokens must be > 0, got %d, %d",
			totalBlocks, blockSizeTokens))
	}
	bm := &BlockManager{
		TotalBlocks:     totalBlocks,
		BlockSizeTokens: blockSizeTokens,
		free:            make([]int, totalBlocks),
		requestMap:      make(map[string][]int),
	}
	// Lowest IDs on top of the stack.
	for i := 0; i < totalBlocks; i++ {
		bm.free[i] = totalBlocks - 1 - i
	}
	return bm
}

// BlocksFor returns the number of blocks needed to hold numTokens tokens.
func (bm *BlockManager) BlocksFor(numTokens int) int {
	return (numTokens + bm.BlockSizeTokens - 1) / bm.BlockSizeTokens
}

// CanAllocate reports whether a reservation of numTokens tokens would fit now.
func (bm *BlockManager) CanAllocate(numTokens int) bool {
	return bm.BlocksFor(numTokens) <= len(bm.free)
}

// Allocate reserves blocks for req covering its prompt and maximum output.
// Returns false, without side effects, if there are not enough free blocks.
// Allocating for a request that already holds a reservation is a no-op.
func (bm *BlockManager) Allocate(req *Request) bool {
	if _, ok := bm.requestMap[req.ID]; ok {
		return true
	}
	n := bm.BlocksFor(req.TotalTokens())
	if n > len(bm.free) {
		return false
	}
	cut := len(bm.free) - n
	ids := append([]int(nil), bm.free[cut:]...)
	bm.free = bm.free[:cut]
	bm.requestMap[req.ID] = ids
	return true
}

// Release returns the blocks reserved for id to the free pool.
// Releasing an unknown or already released id is a no-op.
func (bm *BlockManager) Release(id string) {
	ids, ok := bm.requestMap[id]
	if !ok {
		return
	}
	delete(bm.requestMap, id)
	// Reverse order, so the request's first block is the next one handed out.
	for i := len(ids) - 1; i >= 0; i-- {
		bm.free = append(bm.free, ids[i])
	}
}

// Holds reports whether id currently holds a reservation.
func (bm *BlockManager) Holds(id string) bool {
	_, ok := bm.requestMap[id]
	return ok
}

// UsedBlocks returns the number of reserved blocks.
func (bm *BlockManager) UsedBlocks() int {
	return bm.TotalBlocks - len(bm.free)
}

// FreeBlocks returns the number of unreserved blocks.
func (bm *BlockManager) FreeBlocks() int {
	return len(bm.free)
}
