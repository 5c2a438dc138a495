package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/inference-serve/engine"
)

func TestLocalProcessPool_Step_RunsEveryRequestToCompletion(t *testing.T) {
	// GIVEN a two worker pool and four requests of three tokens each
	pool := newLocalProcessPool(2, 8, &countingModel{})
	defer pool.Close()
	var reqs []*engine.Request
	for _, id := range ids("r", 4) {
		reqs = append(reqs, request(id, 3))
	}
	batch := batchOf(reqs...)

	// WHEN three steps run
	var last map[string]engine.StepResult
	for i := 0; i < 3; i++ {
		res, err := pool.Step(context.Background(), batch)
		require.NoError(t, err)
		require.Len(t, res, 4, joinErrs(res))
		apply(batch, res)
		last = res
	}

	// THEN every request is terminal with three tokens and no worker holds state
	for _, r := range reqs {
		assert.Len(t, r.OutputTokens, 3)
		assert.True(t, last[r.ID].Terminal)
		assert.Equal(t, "length", last[r.ID].FinishReason)
	}
	for _, pw := range pool.workers {
		assert.Equal(t, 0, pw.w.Len())
	}
	assert.Empty(t, pool.placement.shardOf)
}

func TestLocalProcessPool_PinsRequestsAndBalances(t *testing.T) {
	pool := newLocalProcessPool(2, 8, &countingModel{})
	defer pool.Close()
	batch := batchOf(request("a", 10), request("b", 10), request("c", 10), request("d", 10))

	res, err := pool.Step(context.Background(), batch)
	require.NoError(t, err)
	apply(batch, res)
	first := map[string]int{}
	for id, s := range pool.placement.shardOf {
		first[id] = s
	}

	res, err = pool.Step(context.Background(), batch)
	require.NoError(t, err)
	assert.Empty(t, joinErrs(res), "pinned requests must find their state")
	assert.Equal(t, first, pool.placement.shardOf)
	assert.Equal(t, []int{2, 2}, pool.placement.load)
	assert.Equal(t, 2, pool.workers[0].w.Len())
	assert.Equal(t, 2, pool.workers[1].w.Len())
}

func TestLocalProcessPool_Drop_FreesStateAndIgnoresUnknown(t *testing.T) {
	pool := newLocalProcessPool(1, 8, &countingModel{})
	defer pool.Close()
	_, err := pool.Step(context.Background(), batchOf(request("a", 10)))
	require.NoError(t, err)
	require.Equal(t, 1, pool.workers[0].w.Len())

	pool.Drop("a")
	pool.Drop("a")
	pool.Drop("never-seen")

	assert.Equal(t, 0, pool.workers[0].w.Len())
	assert.Equal(t, []int{0}, pool.placement.load)
}

func TestLocalProcessPool_Panic_FailsOnlyThatShard(t *testing.T) {
	// GIVEN two workers, with "boom" placed on worker 0 and "ok" on worker 1
	pool := newLocalProcessPool(2, 8, &countingModel{panicOn: "boom"})
	defer pool.Close()
	batch := batchOf(request("boom", 4), request("ok", 4))

	// WHEN a step runs
	res, err := pool.Step(context.Background(), batch)

	// THEN the panicking sequence reports an error and the other one advances
	require.NoError(t, err)
	assert.ErrorContains(t, res["boom"].Err, "panicked")
	assert.NoError(t, res["ok"].Err)
	assert.Len(t, res["ok"].Tokens, 1)
	assert.Equal(t, 0, pool.workers[0].w.Len())

	// AND the worker that panicked keeps serving
	res, err = pool.Step(context.Background(), batchOf(request("next", 4)))
	require.NoError(t, err)
	assert.NoError(t, res["next"].Err)
}

func TestLocalProcessPool_StoppedWorker_IsFatal(t *testing.T) {
	pool := newLocalProcessPool(1, 8, &countingModel{})
	defer pool.Close()
	pool.workers[0].stop()

	_, err := pool.Step(context.Background(), batchOf(request("a", 4)))

	assert.ErrorIs(t, err, engine.ErrExecutorFatal)
}

func TestLocalProcessPool_ForwardError_IsFatal(t *testing.T) {
	pool := newLocalProcessPool(1, 8, &countingModel{failAfter: 1})
	defer pool.Close()
	batch := batchOf(request("a", 4))
	_, err := pool.Step(context.Background(), batch)
	require.NoError(t, err)

	_, err = pool.Step(context.Background(), batch)

	assert.ErrorIs(t, err, engine.ErrExecutorFatal)
	assert.ErrorContains(t, err, "device lost")
}

func TestLocalProcessPool_CancelledContext(t *testing.T) {
	pool := newLocalProcessPool(1, 8, &countingModel{})
	defer pool.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pool.Step(ctx, batchOf(request("a", 4)))

	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, engine.ErrExecutorFatal)
}

func TestLocalProcessPool_Close_Idempotent(t *testing.T) {
	pool := newLocalProcessPool(3, 8, &countingModel{})
	assert.NoError(t, pool.Close())
	assert.NoError(t, pool.Close())
	_, err := pool.Step(context.Background(), batchOf(request("a", 1)))
	assert.ErrorIs(t, err, engine.ErrExecutorFatal)
}
