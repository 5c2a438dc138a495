package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/inference-serve/engine"
	"github.com/inference-sim/inference-serve/engine/worker"
)

var errWorkerStopped = errors.New("worker stopped")

// LocalProcessPool runs decode steps on a fixed set of local workers. Each
// worker is a goroutine with its own sequence table and a mailbox; the pool
// talks to it only through the mailbox during a step.
type LocalProcessPool struct {
	capacity int
	workers  []*poolWorker

	mu        sync.Mutex
	placement *placement
	closeOnce sync.Once
}

type stepJob struct {
	ctx   context.Context
	seqs  []worker.Sequence
	reply chan stepReply // buffered, so an abandoned reply never blocks the worker
}

type stepReply struct {
	outs []worker.Output
	err  error
}

type poolWorker struct {
	id       int
	w        *worker.Worker
	mailbox  chan stepJob
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewLocalProcessPool starts cfg.NumWorkers workers running the configured model.
func NewLocalProcessPool(cfg engine.ExecutorConfig, model engine.ModelConfig) (*LocalProcessPool, error) {
	if cfg.NumWorkers <= 0 {
		return nil, fmt.Errorf("local pool needs num_workers > 0, got %d", cfg.NumWorkers)
	}
	m, err := NewModel(model)
	if err != nil {
		return nil, err
	}
	return newLocalProcessPool(cfg.NumWorkers, cfg.MaxBatchSize, m), nil
}

func newLocalProcessPool(numWorkers, capacity int, model worker.Model) *LocalProcessPool {
	p := &LocalProcessPool{
		capacity:  capacity,
		workers:   make([]*poolWorker, numWorkers),
		placement: newPlacement(numWorkers),
	}
	for i := range p.workers {
		pw := &poolWorker{
			id:      i,
			w:       worker.New(model),
			mailbox: make(chan stepJob),
			quit:    make(chan struct{}),
			done:    make(chan struct{}),
		}
		p.workers[i] = pw
		go pw.run()
	}
	logrus.Infof("local process pool started: %d workers, capacity %d", numWorkers, capacity)
	return p
}

func (p *LocalProcessPool) Kind() engine.BackendKind { return engine.BackendLocalProcessPool }

func (p *LocalProcessPool) Capacity() int { return p.capacity }

// Step shards the batch by worker, runs the shards in parallel and merges the
// outputs. A worker that is gone fails the whole step.
func (p *LocalProcessPool) Step(ctx context.Context, batch *engine.Batch) (map[string]engine.StepResult, error) {
	shards := make([][]worker.Sequence, len(p.workers))
	p.mu.Lock()
	for _, req := range batch.Requests {
		s := p.placement.assign(req.ID)
		shards[s] = append(shards[s], toSequence(req))
	}
	p.mu.Unlock()

	replies := make([][]worker.Output, len(p.workers))
	var g errgroup.Group
	for i, seqs := range shards {
		if len(seqs) == 0 {
			continue
		}
		i, seqs := i, seqs
		g.Go(func() error {
			outs, err := p.workers[i].step(ctx, seqs)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("worker %d: %w: %w", i, engine.ErrExecutorFatal, err)
			}
			replies[i] = outs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := make(map[string]engine.StepResult, batch.Len())
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, outs := range replies {
		for _, out := range outs {
			res := toStepResult(out)
			if res.Terminal || res.Err != nil {
				p.placement.release(out.ID)
			}
			results[out.ID] = res
		}
	}
	return results, nil
}

// Drop frees id's state on the worker holding it. Unknown IDs are ignored.
func (p *LocalProcessPool) Drop(id string) {
	p.mu.Lock()
	s, ok := p.placement.release(id)
	p.mu.Unlock()
	if ok {
		p.workers[s].w.Drop(id)
	}
}

// Close stops every worker and waits for them to exit.
func (p *LocalProcessPool) Close() error {
	p.closeOnce.Do(func() {
		for _, pw := range p.workers {
			pw.stop()
		}
		logrus.Infof("local process pool stopped")
	})
	return nil
}

func (pw *poolWorker) run() {
	defer close(pw.done)
	for {
		select {
		case job := <-pw.mailbox:
			job.reply <- pw.handle(job)
		case <-pw.quit:
			return
		}
	}
}

// handle runs one shard. A panic fails every sequence in the shard and frees
// their state, leaving the worker usable for the next step.
func (pw *poolWorker) handle(job stepJob) (reply stepReply) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("worker %d: panic during step of %d sequences: %v", pw.id, len(job.seqs), r)
			outs := make([]worker.Output, len(job.seqs))
			for i, seq := range job.seqs {
				pw.w.Drop(seq.ID)
				outs[i] = worker.Output{ID: seq.ID, Err: fmt.Sprintf("worker %d panicked: %v", pw.id, r)}
			}
			reply = stepReply{outs: outs}
		}
	}()
	outs, err := pw.w.Step(job.ctx, job.seqs)
	return stepReply{outs: outs, err: err}
}

// step sends a shard to the worker's mailbox and waits for the reply.
func (pw *poolWorker) step(ctx context.Context, seqs []worker.Sequence) ([]worker.Output, error) {
	job := stepJob{ctx: ctx, seqs: seqs, reply: make(chan stepReply, 1)}
	select {
	case pw.mailbox <- job:
	case <-pw.done:
		return nil, errWorkerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-job.reply:
		return r.outs, r.err
	case <-pw.done:
		return nil, errWorkerStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (pw *poolWorker) stop() {
	pw.stopOnce.Do(func() { close(pw.quit) })
	<-pw.done
}
