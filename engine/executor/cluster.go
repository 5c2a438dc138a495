package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/inference-sim/inference-serve/engine"
	"github.com/inference-sim/inference-serve/engine/worker"
)

// ClusterActor runs decode steps on remote actors over gRPC. Requests are
// pinned to the actor that first ran them.
//
// Failure mapping for one actor call:
//   - deadline exceeded: ErrExecutorTimeout, the engine aborts the batch and continues
//   - unavailable: retried MaxRetries times with doubling backoff, then ErrExecutorFatal
//   - anything else: ErrExecutorFatal
type ClusterActor struct {
	cfg    engine.ExecutorConfig
	actors []*actorConn

	mu        sync.Mutex
	placement *placement

	drops     sync.WaitGroup
	stopLocal func()
	closeOnce sync.Once
}

type actorConn struct {
	addr string
	conn *grpc.ClientConn
}

// NewClusterActor connects to cfg.ActorAddrs, or starts cfg.NumActors local
// actors when no addresses are configured.
func NewClusterActor(cfg engine.ExecutorConfig, model engine.ModelConfig) (*ClusterActor, error) {
	addrs := cfg.ActorAddrs
	var stopLocal func()
	if len(addrs) == 0 {
		var err error
		addrs, stopLocal, err = StartLocalActors(cfg.NumActors, model)
		if err != nil {
			return nil, err
		}
	}
	c, err := dialClusterActor(cfg, addrs)
	if err != nil {
		if stopLocal != nil {
			stopLocal()
		}
		return nil, err
	}
	c.stopLocal = stopLocal
	return c, nil
}

func dialClusterActor(cfg engine.ExecutorConfig, addrs []string, opts ...grpc.DialOption) (*ClusterActor, error) {
	if len(addrs) == 0 {
		return nil, errors.New("cluster backend needs at least one actor address")
	}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	c := &ClusterActor{cfg: cfg, placement: newPlacement(len(addrs))}
	for _, addr := range addrs {
		conn, err := grpc.NewClient(addr, opts...)
		if err != nil {
			c.closeConns()
			return nil, fmt.Errorf("dial actor %s: %w", addr, err)
		}
		c.actors = append(c.actors, &actorConn{addr: addr, conn: conn})
	}
	logrus.Infof("cluster backend connected to %d actors: %v", len(addrs), addrs)
	return c, nil
}

func (c *ClusterActor) Kind() engine.BackendKind { return engine.BackendClusterActor }

func (c *ClusterActor) Capacity() int { return c.cfg.MaxBatchSize }

// Step sends each actor its shard in parallel. A fatal failure on any actor
// fails the whole batch. Sequences on an actor that missed its deadline get a
// per-request ErrExecutorTimeout while the other shards' outputs are returned;
// only when every shard timed out is the timeout returned for the batch.
func (c *ClusterActor) Step(ctx context.Context, batch *engine.Batch) (map[string]engine.StepResult, error) {
	shards := make([][]worker.Sequence, len(c.actors))
	c.mu.Lock()
	for _, req := range batch.Requests {
		s := c.placement.assign(req.ID)
		shards[s] = append(shards[s], toSequence(req))
	}
	c.mu.Unlock()

	replies := make([]*StepResponse, len(c.actors))
	errs := make([]error, len(c.actors))
	var g errgroup.Group
	for i, seqs := range shards {
		if len(seqs) == 0 {
			continue
		}
		i, seqs := i, seqs
		g.Go(func() error {
			replies[i], errs[i] = c.stepActor(ctx, c.actors[i], seqs)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var timeout error
	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, engine.ErrExecutorTimeout):
			timeout = err
		default:
			return nil, err
		}
	}
	for _, resp := range replies {
		if resp != nil {
			succeeded++
		}
	}
	if timeout != nil && succeeded == 0 {
		return nil, timeout
	}

	results := make(map[string]engine.StepResult, batch.Len())
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, resp := range replies {
		if errs[i] != nil {
			// The actor may still hold these sequences; the engine's Drop frees them.
			for _, seq := range shards[i] {
				results[seq.ID] = engine.StepResult{Err: errs[i]}
			}
			continue
		}
		if resp == nil {
			continue
		}
		for _, out := range resp.Outputs {
			res := toStepResult(out)
			if res.Terminal || res.Err != nil {
				c.placement.release(out.ID)
			}
			results[out.ID] = res
		}
	}
	if timeout != nil {
		logrus.Warnf("cluster step: %v; %d of %d requests affected",
			timeout, batch.Len()-countOK(results), batch.Len())
	}
	return results, nil
}

func countOK(results map[string]engine.StepResult) int {
	n := 0
	for _, r := range results {
		if r.Err == nil {
			n++
		}
	}
	return n
}

// stepActor calls one actor, retrying while it is unavailable.
func (c *ClusterActor) stepActor(ctx context.Context, a *actorConn, seqs []worker.Sequence) (*StepResponse, error) {
	req := &StepRequest{Sequences: seqs}
	backoff := c.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		resp := new(StepResponse)
		err := c.invoke(ctx, a, stepMethod, req, resp, c.cfg.StepTimeout)
		if err == nil {
			return resp, nil
		}
		code := status.Code(err)
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case code == codes.DeadlineExceeded:
			return nil, fmt.Errorf("actor %s: %w after %v", a.addr, engine.ErrExecutorTimeout, c.cfg.StepTimeout)
		case code == codes.Unavailable && attempt < c.cfg.MaxRetries:
			logrus.Warnf("actor %s unavailable (attempt %d/%d), retrying in %v: %v",
				a.addr, attempt+1, c.cfg.MaxRetries, backoff, err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		default:
			return nil, fmt.Errorf("actor %s: %w: %w", a.addr, engine.ErrExecutorFatal, err)
		}
	}
}

func (c *ClusterActor) invoke(ctx context.Context, a *actorConn, method string, req, resp any, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return a.conn.Invoke(ctx, method, req, resp)
}

// Drop tells the actor holding id to free it, without waiting for the reply.
// IDs that were never placed cost nothing.
func (c *ClusterActor) Drop(id string) {
	c.mu.Lock()
	s, ok := c.placement.release(id)
	c.mu.Unlock()
	if !ok {
		return
	}
	a := c.actors[s]
	c.drops.Add(1)
	go func() {
		defer c.drops.Done()
		err := c.invoke(context.Background(), a, dropMethod, &DropRequest{ID: id}, &DropResponse{}, c.cfg.DropTimeout)
		if err != nil {
			logrus.Debugf("actor %s: drop %s: %v", a.addr, id, err)
		}
	}()
}

// Close waits for outstanding drops, closes connections and stops any local actors.
func (c *ClusterActor) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.drops.Wait()
		err = c.closeConns()
		if c.stopLocal != nil {
			c.stopLocal()
		}
		logrus.Infof("cluster backend closed")
	})
	return err
}

func (c *ClusterActor) closeConns() error {
	var errs []error
	for _, a := range c.actors {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close actor %s: %w", a.addr, err))
		}
	}
	return errors.Join(errs...)
}
