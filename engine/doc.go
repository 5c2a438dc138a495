// Package engine provides the request scheduling and cancellation core of the
// inference server.
//
// # Reading Guide
//
// Start with these three files to understand the serving loop:
//   - request.go: Request lifecycle (queued → running → completed | aborted) and state machine
//   - queue.go: the AdmissionQueue that holds requests until the step loop picks them up
//   - engine.go: the step loop, cancellation sweep, executor dispatch and result application
//
// # Architecture
//
// The engine package defines interfaces and bridge types; implementations live in
// sub-packages:
//   - engine/worker/: per-sequence decode state and the model/tokenizer abstraction
//   - engine/executor/: LocalProcessPool and ClusterActor executor backends
//
// engine/executor registers its constructor via init() by setting the package-level
// factory variable NewExecutorFunc, so callers pick a backend by name without the
// engine package importing its implementations.
//
// # Ownership
//
// A single goroutine (Engine.Run) owns every Request that has left the
// AdmissionQueue and is the only writer of Request.State. Other goroutines talk to
// it through three synchronized entry points: AdmissionQueue.Enqueue (via Add),
// CancelSet.Request (via Abort) and the read-only Stats snapshot.
//
// # Key Interfaces
//   - Executor: run one decode step for a batch, drop a request
//   - BatchFormation: choose which requests run in the next step
//   - Tokenizer: prompt encoding and output decoding
package engine
