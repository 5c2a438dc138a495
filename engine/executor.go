package engine

import (
	"context"
	"fmt"
)

// BackendKind names an executor backend. Selected once at startup.
type BackendKind string

const (
	// BackendLocalProcessPool runs decode steps on a fixed pool of local workers.
	BackendLocalProcessPool BackendKind = "mp"
	// BackendClusterActor runs decode steps on remote actors over the network.
	BackendClusterActor BackendKind = "cluster"
)

// validBackends maps accepted backend names to their canonical kind.
// "ray" is kept as an alias for the cluster backend.
var validBackends = map[string]BackendKind{
	"":        BackendLocalProcessPool, // empty defaults to mp
	"mp":      BackendLocalProcessPool,
	"cluster": BackendClusterActor,
	"ray":     BackendClusterActor,
}

// ParseBackendKind resolves a backend name, including aliases.
func ParseBackendKind(name string) (BackendKind, error) {
	kind, ok := validBackends[name]
	if !ok {
		return "", fmt.Errorf("unknown executor backend %q; valid backends: [mp, cluster]", name)
	}
	return kind, nil
}

// IsValidBackend returns true if name is a recognized backend name.
func IsValidBackend(name string) bool {
	_, ok := validBackends[name]
	return ok
}

// StepResult is the outcome of one executor step for one request.
type StepResult struct {
	Tokens       []int  // tokens produced this step
	Terminal     bool   // request finished (max tokens or stop condition)
	FinishReason string // FinishLength or FinishStop when Terminal
	Err          error  // per-request failure; aborts only this request
}

// Executor is the uniform handle over a decode backend.
//
// Step runs one decode iteration for every request in the batch and returns a
// result per request ID. A non-nil error means the whole batch failed: wrap
// ErrExecutorTimeout when the backend missed its deadline and may be retried on
// the next tick, ErrExecutorFatal (or any other error) when it is unusable.
//
// Drop releases any state the backend holds for id. It is idempotent: unknown
// or already dropped IDs are ignored, since cancellation races with completion.
type Executor interface {
	Kind() BackendKind
	Capacity() int
	Step(ctx context.Context, batch *Batch) (map[string]StepResult, error)
	Drop(id string)
	Close() error
}

// NewExecutorFunc is the factory for executors, registered by engine/executor's
// init(). Production code imports engine/executor (directly or blank) so the
// variable is set before NewExecutor is called.
var NewExecutorFunc func(cfg ExecutorConfig, model ModelConfig) (Executor, error)

// NewExecutor builds the executor described by cfg.
func NewExecutor(cfg ExecutorConfig, model ModelConfig) (Executor, error) {
	if NewExecutorFunc == nil {
		panic("NewExecutorFunc not registered: import github.com/inference-sim/inference-serve/engine/executor")
	}
	return NewExecutorFunc(cfg, model)
}
