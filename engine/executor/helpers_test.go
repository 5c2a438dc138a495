package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/inference-sim/inference-serve/engine"
	"github.com/inference-sim/inference-serve/engine/worker"
)

// countingModel emits position-derived tokens and can be told to fail.
type countingModel struct {
	panicOn   string // sequence ID that triggers a panic
	failAfter int64  // forward passes before returning an error (0 = never)
	calls     atomic.Int64
}

func (m *countingModel) EOSToken() int { return worker.EOSToken }

func (m *countingModel) Forward(ctx context.Context, seqs []*worker.SequenceState) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := m.calls.Add(1)
	if m.failAfter > 0 && n > m.failAfter {
		return nil, errors.New("device lost")
	}
	out := make([]int, len(seqs))
	for i, s := range seqs {
		if m.panicOn != "" && s.ID == m.panicOn {
			panic(fmt.Sprintf("bad sequence %s", s.ID))
		}
		out[i] = 1 + s.Position()%7
	}
	return out, nil
}

func request(id string, maxTokens int) *engine.Request {
	return &engine.Request{
		ID:           id,
		PromptTokens: []int{3, 1, 4},
		Params:       engine.SamplingParams{MaxTokens: maxTokens},
		State:        engine.StateRunning,
	}
}

// apply mimics the engine appending step output to its requests.
func apply(batch *engine.Batch, results map[string]engine.StepResult) {
	for _, r := range batch.Requests {
		r.OutputTokens = append(r.OutputTokens, results[r.ID].Tokens...)
	}
}

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return out
}

func batchOf(reqs ...*engine.Request) *engine.Batch {
	return engine.NewBatch(reqs)
}

func joinErrs(results map[string]engine.StepResult) string {
	var parts []string
	for id, r := range results {
		if r.Err != nil {
			parts = append(parts, id+": "+r.Err.Error())
		}
	}
	return strings.Join(parts, "; ")
}
