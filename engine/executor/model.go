package executor

import (
	"fmt"
	"strings"

	"github.com/inference-sim/inference-serve/engine"
	"github.com/inference-sim/inference-serve/engine/worker"
)

// NewModel builds the model a worker or actor runs. Only the synthetic model
// ships with the server.
func NewModel(cfg engine.ModelConfig) (worker.Model, error) {
	switch strings.ToLower(cfg.Name) {
	case "", "synthetic":
		if cfg.VocabSize < 2 {
			return nil, fmt.Errorf("model.vocab_size must be >= 2, got %d", cfg.VocabSize)
		}
		return worker.NewSyntheticModel(cfg.VocabSize, cfg.StepLatency, cfg.EOSInterval), nil
	default:
		return nil, fmt.Errorf("unknown model %q; valid models: [synthetic]", cfg.Name)
	}
}

// NewTokenizer returns the tokenizer matching NewModel's vocabulary.
func NewTokenizer(cfg engine.ModelConfig) engine.Tokenizer {
	return worker.NewVocabTokenizer(cfg.VocabSize)
}

// toSequence converts an engine request into a worker sequence. The prompt
// travels only with the request's first step; later steps reuse worker state.
func toSequence(req *engine.Request) worker.Sequence {
	seq := worker.Sequence{
		ID:          req.ID,
		MaxTokens:   req.Params.MaxTokens,
		Temperature: req.Params.Temperature,
		IgnoreEOS:   req.Params.IgnoreEOS,
		Seed:        req.Params.Seed,
	}
	if len(req.OutputTokens) == 0 {
		seq.PromptTokens = req.PromptTokens
	}
	return seq
}

// toStepResult converts a worker output into the engine's per-request result.
func toStepResult(out worker.Output) engine.StepResult {
	res := engine.StepResult{
		Tokens:       out.TokenIDs,
		Terminal:     out.Finished,
		FinishReason: out.FinishReason,
	}
	if out.Err != "" {
		res.Err = fmt.Errorf("worker: %s", out.Err)
	}
	return res
}

// placement pins request IDs to shards (workers or actors). A request stays on
// the shard that first ran it, since only that shard holds its state. New
// requests go to the least loaded shard.
//
// Thread-safety: NOT thread-safe; callers hold their own lock.
type placement struct {
	shardOf map[string]int
	load    []int
}

func newPlacement(shards int) *placement {
	return &placement{shardOf: make(map[string]int), load: make([]int, shards)}
}

// assign returns id's shard, placing it on the least loaded one if new.
func (p *placement) assign(id string) int {
	if s, ok := p.shardOf[id]; ok {
		return s
	}
	best := 0
	for i, l := range p.load {
		if l < p.load[best] {
			best = i
		}
	}
	p.shardOf[id] = best
	p.load[best]++
	return best
}

// release forgets id and returns the shard it was on.
func (p *placement) release(id string) (int, bool) {
	s, ok := p.shardOf[id]
	if !ok {
		return 0, false
	}
	delete(p.shardOf, id)
	p.load[s]--
	return s, true
}
