package worker

import (
	"context"
	"fmt"
	"time"
)

// EOSToken is the end-of-sequence token ID of the synthetic vocabulary.
const EOSToken = 0

// Model runs one forward pass over a batch of sequences and returns the next
// token for each, in input order. Implementations must honour ctx.
type Model interface {
	Forward(ctx context.Context, seqs []*SequenceState) ([]int, error)
	EOSToken() int
}

// SyntheticModel stands in for a real model. A forward pass takes StepLatency
// regardless of batch size, like a memory bound decode step.
//
// Greedy decoding (temperature 0) derives the next token from a hash of the last
// token and the position, so identical prompts produce identical completions.
// With a positive temperature the sequence's own RNG picks between the greedy
// token and a uniform draw, with probability min(temperature, 1) for the draw.
// Sequences that ignore EOS never sample it.
type SyntheticModel struct {
	VocabSize   int           // includes EOS
	StepLatency time.Duration // per forward pass
	EOSInterval int           // EOS about once every N tokens; 0 = never
}

// NewSyntheticModel validates its arguments and returns a SyntheticModel.
// Panics on a vocabulary with no room for regular tokens.
func NewSyntheticModel(vocabSize int, stepLatency time.Duration, eosInterval int) *SyntheticModel {
	if vocabSize < 2 {
		panic(fmt.Sprintf("NewSyntheticModel: vocabSize must be >= 2, got %d", vocabSize))
	}
	return &SyntheticModel{VocabSize: vocabSize, StepLatency: stepLatency, EOSInterval: eosInterval}
}

func (m *SyntheticModel) EOSToken() int { return EOSToken }

func (m *SyntheticModel) Forward(ctx context.Context, seqs []*SequenceState) ([]int, error) {
	if m.StepLatency > 0 {
		timer := time.NewTimer(m.StepLatency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	next := make([]int, len(seqs))
	for i, s := range seqs {
		next[i] = m.sample(s)
	}
	return next, nil
}

func (m *SyntheticModel) sample(s *SequenceState) int {
	h := uint64(hashTokens([]int{s.LastToken(), s.Position()}))
	if s.Temperature > 0 && s.rng.Float64() < min(s.Temperature, 1) {
		h = s.rng.Uint64()
	}
	if m.EOSInterval > 0 && h%uint64(m.EOSInterval) == 0 && !s.IgnoreEOS {
		return EOSToken
	}
	return 1 + int((h/uint64(max(m.EOSInterval, 1)))%uint64(m.VocabSize-1))
}
