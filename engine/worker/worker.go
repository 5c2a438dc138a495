// Package worker holds the per-sequence decode state that executor backends
// keep on their side of the dispatch boundary, and the model that advances it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
)

// Finish reasons reported by Worker.Step. They match the engine's.
const (
	FinishLength = "length"
	FinishStop   = "stop"
)

// ErrUnknownSequence is reported for a sequence the worker has never seen and
// that arrived without its prompt.
var ErrUnknownSequence = errors.New("unknown sequence")

// Sequence is one request's entry in a step. PromptTokens is only needed the
// first time a worker sees the sequence; later steps may omit it.
type Sequence struct {
	ID           string  `json:"id"`
	PromptTokens []int   `json:"prompt_tokens,omitempty"`
	MaxTokens    int     `json:"max_tokens"`
	Temperature  float64 `json:"temperature,omitempty"`
	IgnoreEOS    bool    `json:"ignore_eos,omitempty"`
	Seed         int64   `json:"seed,omitempty"`
}

// Output is one sequence's result for a step.
type Output struct {
	ID           string `json:"id"`
	TokenIDs     []int  `json:"token_ids,omitempty"`
	Finished     bool   `json:"finished,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Err          string `json:"error,omitempty"`
}

// SequenceState is the decode state a worker keeps for one sequence between steps.
type SequenceState struct {
	ID          string
	Tokens      []int // prompt followed by generated tokens
	NumPrompt   int
	MaxTokens   int
	Temperature float64
	IgnoreEOS   bool
	rng         *rand.Rand
}

func newSequenceState(seq Sequence) *SequenceState {
	return &SequenceState{
		ID:          seq.ID,
		Tokens:      append([]int(nil), seq.PromptTokens...),
		NumPrompt:   len(seq.PromptTokens),
		MaxTokens:   seq.MaxTokens,
		Temperature: seq.Temperature,
		IgnoreEOS:   seq.IgnoreEOS,
		rng:         sequenceRNG(seq.Seed, seq.ID, seq.PromptTokens),
	}
}

// LastToken returns the most recent token, or EOSToken for an empty sequence.
func (s *SequenceState) LastToken() int {
	if len(s.Tokens) == 0 {
		return EOSToken
	}
	return s.Tokens[len(s.Tokens)-1]
}

// Position returns the index the next token will occupy.
func (s *SequenceState) Position() int {
	return len(s.Tokens)
}

// Generated returns the number of tokens produced so far.
func (s *SequenceState) Generated() int {
	return len(s.Tokens) - s.NumPrompt
}

// Worker advances a set of sequences one token per step. A sequence's state
// is created on first sight and freed when it finishes or is dropped.
//
// Thread-safety: safe for concurrent use; Step calls are serialized.
type Worker struct {
	mu    sync.Mutex
	model Model
	seqs  map[string]*SequenceState
}

// New creates a Worker running model.
func New(model Model) *Worker {
	if model == nil {
		panic("worker.New: model must not be nil")
	}
	return &Worker{model: model, seqs: make(map[string]*SequenceState)}
}

// Step runs one forward pass over batch. Per-sequence problems are reported in
// the matching Output; an error means the forward pass itself failed and no
// sequence advanced.
func (w *Worker) Step(ctx context.Context, batch []Sequence) ([]Output, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	outs := make([]Output, len(batch))
	states := make([]*SequenceState, 0, len(batch))
	index := make([]int, 0, len(batch))
	for i, seq := range batch {
		outs[i].ID = seq.ID
		st, ok := w.seqs[seq.ID]
		if !ok {
			if len(seq.PromptTokens) == 0 || seq.MaxTokens < 1 {
				outs[i].Err = fmt.Sprintf("%s: %v", seq.ID, ErrUnknownSequence)
				continue
			}
			st = newSequenceState(seq)
			w.seqs[seq.ID] = st
		}
		states = append(states, st)
		index = append(index, i)
	}
	if len(states) == 0 {
		return outs, nil
	}

	next, err := w.model.Forward(ctx, states)
	if err != nil {
		return nil, fmt.Errorf("forward pass: %w", err)
	}
	if len(next) != len(states) {
		return nil, fmt.Errorf("forward pass returned %d tokens for %d sequences", len(next), len(states))
	}

	eos := w.model.EOSToken()
	for j, st := range states {
		out := &outs[index[j]]
		tok := next[j]
		if tok == eos && !st.IgnoreEOS {
			out.Finished = true
			out.FinishReason = FinishStop
			delete(w.seqs, st.ID)
			continue
		}
		st.Tokens = append(st.Tokens, tok)
		out.TokenIDs = []int{tok}
		if st.Generated() >= st.MaxTokens {
			out.Finished = true
			out.FinishReason = FinishLength
			delete(w.seqs, st.ID)
		}
	}
	return outs, nil
}

// Drop frees the state for id. Unknown IDs are ignored.
func (w *Worker) Drop(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.seqs, id)
}

// Len returns the number of sequences with live state.
func (w *Worker) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seqs)
}
