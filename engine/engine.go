// engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/inference-sim/inference-serve/engine"

// Abort causes, used as the reason label of the aborted-requests metric.
const (
	abortCancelled = "cancelled"
	abortError     = "error"
	abortTimeout   = "timeout"
	abortFatal     = "fatal"
	abortShutdown  = "shutdown"
)

// Tokenizer converts prompts to token IDs and generated token IDs back to text.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

// Option customizes an Engine at construction.
type Option func(*Engine)

// WithTracerProvider sets the OpenTelemetry provider used for step spans.
// Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// WithBatchFormation replaces the default FCFS batch formation.
func WithBatchFormation(bf BatchFormation) Option {
	return func(e *Engine) { e.formation = bf }
}

// Engine is the step scheduler. It owns every admitted request, forms a batch
// each tick, dispatches it to the Executor and applies the results.
//
// Add, Abort, Generate and Stats are safe for concurrent use. Step and Run must
// only be called from one goroutine at a time.
type Engine struct {
	config    Config
	executor  Executor
	tokenizer Tokenizer
	formation BatchFormation
	tracer    trace.Tracer
	capacity  int

	queue   *AdmissionQueue
	cancels *CancelSet
	aborts  *AbortTracker
	metrics *Metrics
	wake    chan struct{}

	// Owned by the step loop.
	blocks    *BlockManager
	running   []*Request // admission order
	stepCount int

	loopActive atomic.Bool

	mu      sync.RWMutex // guards haltErr; held for reading across Add's enqueue
	haltErr error
}

// New creates an Engine over an already constructed executor.
// The executor is owned by the engine from here on and closed by Close.
func New(cfg Config, exec Executor, tok Tokenizer, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if exec == nil || tok == nil {
		return nil, errors.New("engine: executor and tokenizer must not be nil")
	}
	e := &Engine{
		config:    cfg,
		executor:  exec,
		tokenizer: tok,
		formation: NewBatchFormation(),
		tracer:    otel.Tracer(tracerName),
		capacity:  min(exec.Capacity(), cfg.Scheduler.MaxRunningReqs),
		queue:     NewAdmissionQueue(cfg.Scheduler.MaxWaitingReqs),
		cancels:   NewCancelSet(),
		aborts:    &AbortTracker{},
		metrics:   NewMetrics(),
		wake:      make(chan struct{}, 1),
		blocks:    NewBlockManager(cfg.Cache.TotalBlocks, cfg.Cache.BlockSizeTokens),
	}
	if e.capacity <= 0 {
		return nil, fmt.Errorf("engine: executor %s reports capacity %d", exec.Kind(), exec.Capacity())
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Metrics returns the engine's collectors, for registration with Prometheus.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Capacity returns the maximum number of requests in one batch.
func (e *Engine) Capacity() int {
	return e.capacity
}

// Add validates and tokenizes a prompt and admits it to the queue.
// Returns ErrCapacityExceeded when the queue is full, ErrInvalidRequest when the
// request can never be scheduled, and the halt cause once the engine stopped.
func (e *Engine) Add(prompt string, params SamplingParams) (*Stream, error) {
	if err := validateParams(prompt, params); err != nil {
		return nil, err
	}
	tokens := e.tokenizer.Encode(prompt)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: prompt encodes to zero tokens", ErrInvalidRequest)
	}
	if budget := e.config.Scheduler.MaxScheduledTokens; budget > 0 && len(tokens) > budget {
		return nil, fmt.Errorf("%w: prompt has %d tokens, step budget is %d", ErrInvalidRequest, len(tokens), budget)
	}
	// Blocks' sizing fields are immutable, so reading them here does not race the loop.
	if need := e.blocks.BlocksFor(len(tokens) + params.MaxTokens); need > e.blocks.TotalBlocks {
		return nil, fmt.Errorf("%w: request needs %d blocks, cache has %d", ErrInvalidRequest, need, e.blocks.TotalBlocks)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.haltErr != nil {
		return nil, e.haltErr
	}
	req := newRequest(prompt, tokens, params, time.Now())
	if _, err := e.queue.Enqueue(req); err != nil {
		e.metrics.recordRejected()
		return nil, err
	}
	e.metrics.recordAdmitted()
	e.signal()
	return req.stream, nil
}

func validateParams(prompt string, params SamplingParams) error {
	switch {
	case prompt == "":
		return fmt.Errorf("%w: empty prompt", ErrInvalidRequest)
	case params.MaxTokens < 1:
		return fmt.Errorf("%w: max_tokens must be >= 1, got %d", ErrInvalidRequest, params.MaxTokens)
	case params.Temperature < 0 || math.IsNaN(params.Temperature):
		return fmt.Errorf("%w: temperature must be >= 0, got %v", ErrInvalidRequest, params.Temperature)
	}
	return nil
}

// Abort requests cancellation of id. Safe to call any number of times, from any
// goroutine, before or after the request finished; unknown IDs are ignored.
// The request is aborted within one tick after the loop observes the request.
func (e *Engine) Abort(id string) {
	e.cancels.Request(id)
	e.signal()
}

// Generate admits a request and waits for it to finish. If ctx ends first, the
// request is aborted and ctx's error returned.
func (e *Engine) Generate(ctx context.Context, prompt string, params SamplingParams) (Output, error) {
	stream, err := e.Add(prompt, params)
	if err != nil {
		return Output{}, err
	}
	select {
	case <-stream.Done():
		return stream.Result()
	case <-ctx.Done():
		e.Abort(stream.ID())
		return Output{}, ctx.Err()
	}
}

// Stats returns the current counters. The abort count is read after the
// corresponding transition happened, never before.
func (e *Engine) Stats() Stats {
	return Stats{
		NumAbortedRequests:   e.aborts.Snapshot(),
		NumCompletedRequests: e.metrics.completed.Load(),
		NumRejectedRequests:  e.metrics.rejected.Load(),
		NumRunningRequests:   e.metrics.running.Load(),
		NumWaitingRequests:   int64(e.queue.Len()),
		NumSteps:             e.metrics.steps.Load(),
		TotalOutputTokens:    e.metrics.outputTokens.Load(),
		UsedBlocks:           e.metrics.usedBlocks.Load(),
		Backend:              string(e.executor.Kind()),
		Halted:               e.haltError() != nil,
	}
}

// Close releases the executor. Call after Run returned.
func (e *Engine) Close() error {
	return e.executor.Close()
}

// Run ticks until ctx is cancelled or the executor fails fatally.
// On cancellation outstanding requests are aborted with ErrEngineStopped and Run
// returns nil. On a fatal executor error outstanding requests are aborted, Add
// starts failing, and the error (wrapping ErrExecutorFatal) is returned so the
// process owner can restart the backend.
func (e *Engine) Run(ctx context.Context) error {
	if !e.loopActive.CompareAndSwap(false, true) {
		return errors.New("engine: Run called while the step loop is already running")
	}
	defer e.loopActive.Store(false)
	if err := e.haltError(); err != nil {
		return err
	}
	logrus.Infof("engine started: backend=%s capacity=%d blocks=%d", e.executor.Kind(), e.capacity, e.blocks.TotalBlocks)

	for {
		if ctx.Err() != nil {
			e.halt(ErrEngineStopped, abortShutdown)
			logrus.Infof("engine stopped after %d steps: %s", e.stepCount, e.Stats())
			return nil
		}
		n, err := e.step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logrus.Errorf("[step %07d] halting: %v", e.stepCount, err)
			e.halt(err, abortFatal)
			return err
		}
		if n == 0 {
			select {
			case <-ctx.Done():
			case <-e.wake:
			}
		}
	}
}

// Step runs one tick. Exposed for callers that drive the loop themselves.
func (e *Engine) Step(ctx context.Context) error {
	_, err := e.step(ctx)
	return err
}

// step runs one tick and returns the size of the dispatched batch:
//  1. abort requests with pending cancellations
//  2. admit queued requests FIFO up to capacity, token budget and free blocks
//  3. dispatch the batch to the executor
//  4. apply per-request results and retire finished requests
func (e *Engine) step(ctx context.Context) (int, error) {
	if err := e.haltError(); err != nil {
		return 0, err
	}
	e.stepCount++
	defer e.updateGauges()

	e.processCancellations()

	res := e.formation.FormBatch(BatchContext{
		Running:            e.running,
		Queue:              e.queue,
		Blocks:             e.blocks,
		MaxRunningReqs:     e.capacity,
		MaxScheduledTokens: e.config.Scheduler.MaxScheduledTokens,
		StepCount:          e.stepCount,
	})
	for _, req := range res.NewlyScheduled {
		e.transition(req, StateRunning)
		req.ScheduledStep = e.stepCount
		logrus.Debugf("[step %07d] scheduled %s (%d prompt tokens, max_tokens=%d)",
			e.stepCount, req.ID, len(req.PromptTokens), req.Params.MaxTokens)
	}
	batch := res.Batch
	e.running = batch.Requests
	if batch.Len() == 0 {
		return 0, nil
	}

	spanCtx, span := e.tracer.Start(ctx, "engine.step", trace.WithAttributes(
		attribute.Int("engine.step", e.stepCount),
		attribute.Int("engine.batch_size", batch.Len()),
		attribute.Int("engine.newly_scheduled", len(res.NewlyScheduled)),
		attribute.String("engine.backend", string(e.executor.Kind())),
	))
	defer span.End()

	start := time.Now()
	results, err := e.executor.Step(spanCtx, batch)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return batch.Len(), ctx.Err()
		}
		if errors.Is(err, ErrExecutorTimeout) {
			logrus.Warnf("[step %07d] executor timed out after %v, aborting %d requests: %v",
				e.stepCount, elapsed, batch.Len(), err)
			for _, req := range batch.Requests {
				e.abort(req, abortTimeout, err)
			}
			e.running = nil
			return batch.Len(), nil
		}
		if !errors.Is(err, ErrExecutorFatal) {
			err = fmt.Errorf("%w: %w", ErrExecutorFatal, err)
		}
		return batch.Len(), err
	}

	newTokens := e.applyResults(batch, results)
	e.metrics.recordStep(batch.Len(), newTokens, elapsed)
	span.SetAttributes(attribute.Int("engine.new_tokens", newTokens))
	logrus.Debugf("[step %07d] batch=%d new_tokens=%d waiting=%d took=%v",
		e.stepCount, batch.Len(), newTokens, e.queue.Len(), elapsed)
	return batch.Len(), nil
}

// processCancellations aborts every queued or running request with a pending
// cancellation. IDs of finished or unknown requests are dropped silently.
func (e *Engine) processCancellations() {
	ids := e.cancels.Drain()
	if len(ids) == 0 {
		return
	}
	aborted := 0
	for _, id := range ids {
		if req := e.queue.Remove(id); req != nil {
			e.abort(req, abortCancelled, ErrAborted)
			aborted++
			continue
		}
		if req := e.findRunning(id); req != nil {
			e.abort(req, abortCancelled, ErrAborted)
			aborted++
			continue
		}
		logrus.Debugf("[step %07d] cancellation for unknown or finished request %s ignored", e.stepCount, id)
	}
	if aborted > 0 {
		e.running = retainActive(e.running)
		logrus.Debugf("[step %07d] aborted %d cancelled requests", e.stepCount, aborted)
	}
}

func (e *Engine) findRunning(id string) *Request {
	for _, req := range e.running {
		if req.ID == id {
			return req
		}
	}
	return nil
}

// applyResults folds executor output into request state and returns the number
// of tokens produced. Requests without a result, or with a per-request error,
// are aborted without affecting the rest of the batch.
func (e *Engine) applyResults(batch *Batch, results map[string]StepResult) int {
	now := time.Now()
	newTokens := 0
	remaining := make([]*Request, 0, batch.Len())
	for _, req := range batch.Requests {
		res, ok := results[req.ID]
		if !ok {
			res.Err = errors.New("executor returned no result")
		}
		if res.Err != nil {
			reason := abortError
			if errors.Is(res.Err, ErrExecutorTimeout) {
				reason = abortTimeout
			}
			logrus.Warnf("[step %07d] aborting %s after executor error: %v", e.stepCount, req.ID, res.Err)
			e.abort(req, reason, res.Err)
			continue
		}
		if len(res.Tokens) > 0 {
			if len(req.OutputTokens) == 0 {
				req.FirstTokenTime = now
				e.metrics.recordFirstToken(req)
			}
			req.OutputTokens = append(req.OutputTokens, res.Tokens...)
			newTokens += len(res.Tokens)
		}
		if res.Terminal || len(req.OutputTokens) >= req.Params.MaxTokens {
			reason := res.FinishReason
			if len(req.OutputTokens) >= req.Params.MaxTokens {
				req.OutputTokens = req.OutputTokens[:req.Params.MaxTokens]
				if reason == "" {
					reason = FinishLength
				}
			}
			if reason == "" {
				reason = FinishStop
			}
			e.complete(req, reason, now)
			continue
		}
		req.stream.publish(e.output(req))
		remaining = append(remaining, req)
	}
	e.running = remaining
	return newTokens
}

// complete retires a finished request. The executor frees its own state when it
// reports a terminal result, so only the engine-side blocks are released here.
func (e *Engine) complete(req *Request, reason string, now time.Time) {
	e.transition(req, StateCompleted)
	req.FinishReason = reason
	req.FinishedStep = e.stepCount
	req.FinishedTime = now
	e.blocks.Release(req.ID)
	e.metrics.recordCompleted(req)
	logrus.Debugf("[step %07d] finished %s: %d tokens, reason=%s, e2e=%v",
		e.stepCount, req.ID, len(req.OutputTokens), reason, now.Sub(req.ArrivalTime))
	req.stream.finish(e.output(req), nil)
}

// abort moves req to the aborted state, releases its resources and counts it.
// Calling it for a request that is already terminal does nothing, which keeps
// the abort count exact under duplicate signals.
func (e *Engine) abort(req *Request, reason string, cause error) {
	if req.State.IsTerminal() {
		return
	}
	wasRunning := req.State == StateRunning
	e.transition(req, StateAborted)
	if wasRunning {
		e.executor.Drop(req.ID)
	}
	e.blocks.Release(req.ID)
	req.FinishReason = FinishAbort
	if reason != abortCancelled {
		req.FinishReason = FinishError
	}
	req.Err = cause
	req.FinishedStep = e.stepCount
	req.FinishedTime = time.Now()
	e.aborts.RecordAbort()
	e.metrics.recordAborted(reason)
	req.stream.finish(e.output(req), cause)
}

// transition changes req's state. Panics on a transition the state machine does
// not allow; callers guard terminal states first.
func (e *Engine) transition(req *Request, to RequestState) {
	if !ValidTransition(req.State, to) {
		panic(fmt.Sprintf("invalid request transition %s -> %s for %s", req.State, to, req.ID))
	}
	req.State = to
}

func (e *Engine) output(req *Request) Output {
	return Output{
		RequestID:    req.ID,
		Prompt:       req.Prompt,
		Text:         e.tokenizer.Decode(req.OutputTokens),
		TokenIDs:     append([]int(nil), req.OutputTokens...),
		State:        req.State,
		Finished:     req.State.IsTerminal(),
		FinishReason: req.FinishReason,
	}
}

// halt stops dispatch for good and aborts everything outstanding with cause.
func (e *Engine) halt(cause error, reason string) {
	e.mu.Lock()
	if e.haltErr == nil {
		e.haltErr = cause
	}
	e.mu.Unlock()

	for _, req := range e.running {
		e.abort(req, reason, cause)
	}
	e.running = nil
	for _, req := range e.queue.DequeueReady(math.MaxInt) {
		e.abort(req, reason, cause)
	}
	e.cancels.Drain()
	e.updateGauges()
}

func (e *Engine) haltError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.haltErr
}

func (e *Engine) updateGauges() {
	e.metrics.setGauges(len(e.running), e.queue.Len(), e.blocks.UsedBlocks())
}

// signal wakes an idle step loop without blocking.
func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func retainActive(reqs []*Request) []*Request {
	out := reqs[:0]
	for _, r := range reqs {
		if !r.State.IsTerminal() {
			out = append(out, r)
		}
	}
	return out
}
