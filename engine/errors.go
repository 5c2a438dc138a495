package engine

import "errors"

var (
	// ErrCapacityExceeded is returned by Add when the admission queue is full.
	// Callers may retry with backoff.
	ErrCapacityExceeded = errors.New("admission queue capacity exceeded")

	// ErrInvalidRequest is returned by Add when a request can never be scheduled
	// (empty prompt, non-positive max_tokens, larger than the block pool, ...).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrExecutorTimeout is returned by a ClusterActor executor whose step exceeded
	// its deadline. Requests in the batch are aborted; the executor stays usable.
	ErrExecutorTimeout = errors.New("executor step timed out")

	// ErrExecutorFatal marks a backend that is unreachable or corrupted. The engine
	// stops dispatching and surfaces it to the process owner.
	ErrExecutorFatal = errors.New("executor failed")

	// ErrAborted is the Stream error for requests cancelled by a caller.
	ErrAborted = errors.New("request aborted")

	// ErrEngineStopped is returned for requests outstanding when the step loop exits,
	// and by Add afterwards.
	ErrEngineStopped = errors.New("engine stopped")
)
