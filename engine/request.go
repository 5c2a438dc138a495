// Defines the Request struct that models an individual generation request inside the engine.
// Tracks prompt, sampling parameters, produced tokens, lifecycle state and timestamps.

package engine

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// RequestState represents the lifecycle state of a request.
type RequestState string

const (
	StateQueued    RequestState = "queued"
	StateRunning   RequestState = "running"
	StateCompleted RequestState = "completed"
	StateAborted   RequestState = "aborted"
)

// Finish reasons reported on terminal outputs.
const (
	FinishLength = "length" // reached max_tokens
	FinishStop   = "stop"   // model emitted EOS
	FinishAbort  = "abort"  // cancelled by a caller
	FinishError  = "error"  // executor failure for this request
)

// validTransitions maps each state to the set of states it may transition to.
// Completed and aborted are terminal and have no entry.
var validTransitions = map[RequestState]map[RequestState]bool{
	StateQueued: {
		StateRunning: true,
		StateAborted: true,
	},
	StateRunning: {
		StateCompleted: true,
		StateAborted:   true,
	},
}

// ValidTransition reports whether moving a request from one state to another is allowed.
func ValidTransition(from, to RequestState) bool {
	return validTransitions[from][to]
}

// IsTerminal reports whether no further transition is possible from s.
func (s RequestState) IsTerminal() bool {
	return s == StateCompleted || s == StateAborted
}

// SamplingParams holds the per-request generation knobs. Immutable once admitted.
type SamplingParams struct {
	MaxTokens   int     // number of tokens to generate at most (must be >= 1)
	Temperature float64 // 0 = greedy
	IgnoreEOS   bool    // keep generating past EOS until MaxTokens
	Seed        int64   // sampling seed for Temperature > 0
}

// Request models a single generation request's lifecycle in the engine.
//
// Fields above the blank line are set at admission and never change; the
// remaining fields are written only by the step loop.
type Request struct {
	ID           string         // Unique identifier, assigned at admission
	Prompt       string         // Original prompt text
	PromptTokens []int          // Tokenized prompt
	Params       SamplingParams // Sampling parameters
	ArrivalTime  time.Time      // Wall-clock time of admission

	State          RequestState // queued, running, completed, aborted
	OutputTokens   []int        // Generated tokens, append-only while running
	FinishReason   string       // Set on transition to a terminal state
	Err            error        // Cause of an abort, nil otherwise
	ScheduledStep  int          // Step index when this request got scheduled (queued -> running)
	FinishedStep   int          // Step index when this request reached a terminal state
	FirstTokenTime time.Time    // Wall-clock time the first output token was applied
	FinishedTime   time.Time    // Wall-clock time of the terminal transition

	stream *Stream
}

// newRequest builds a queued request with a fresh ULID.
func newRequest(prompt string, promptTokens []int, params SamplingParams, now time.Time) *Request {
	id := ulid.Make().String()
	return &Request{
		ID:           id,
		Prompt:       prompt,
		PromptTokens: promptTokens,
		Params:       params,
		ArrivalTime:  now,
		State:        StateQueued,
		stream:       newStream(id),
	}
}

// TotalTokens returns the prompt length plus the maximum number of tokens the
// request may generate. Used to size its block reservation.
func (req *Request) TotalTokens() int {
	return len(req.PromptTokens) + req.Params.MaxTokens
}

// This method returns a human-readable string representation of a Request.
func (req *Request) String() string {
	return fmt.Sprintf("Request: (ID: %s, State: %s, PromptTokens: %d, OutputTokens: %d)",
		req.ID, req.State, len(req.PromptTokens), len(req.OutputTokens))
}
