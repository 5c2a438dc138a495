package engine

import (
	"errors"
	"fmt"
	"time"
)

// SchedulerConfig groups admission and batch formation parameters.
type SchedulerConfig struct {
	MaxRunningReqs     int `yaml:"max_num_running_reqs"`     // max requests in one batch
	MaxWaitingReqs     int `yaml:"max_num_waiting_reqs"`     // admission queue bound (0 = unbounded)
	MaxScheduledTokens int `yaml:"max_num_scheduled_tokens"` // max new tokens across one batch (0 = unlimited)
}

// CacheConfig groups context buffer (KV block) parameters.
type CacheConfig struct {
	TotalBlocks     int `yaml:"total_blocks"`          // blocks available to the executor (must be > 0)
	BlockSizeTokens int `yaml:"block_size_in_tokens"` // tokens per block (must be > 0)
}

// ExecutorConfig groups executor backend selection and its dispatch policy.
// Retry and timeout knobs apply to the cluster backend only.
type ExecutorConfig struct {
	Backend      string        `yaml:"backend"`        // "mp" (default) or "cluster"
	NumWorkers   int           `yaml:"num_workers"`    // local pool size
	MaxBatchSize int           `yaml:"max_batch_size"` // executor capacity, requests per step
	ActorAddrs   []string      `yaml:"actor_addrs"`    // cluster actor endpoints (empty = start local actors)
	NumActors    int           `yaml:"num_actors"`     // local actors to start when ActorAddrs is empty
	StepTimeout  time.Duration `yaml:"step_timeout"`   // deadline for one cluster step
	DropTimeout  time.Duration `yaml:"drop_timeout"`   // deadline for one cluster drop
	MaxRetries   int           `yaml:"max_retries"`    // retries on an unavailable actor before giving up
	RetryBackoff time.Duration `yaml:"retry_backoff"`  // base backoff between retries, doubled each attempt
}

// ModelConfig describes the model the workers run.
type ModelConfig struct {
	Name        string        `yaml:"name"`
	VocabSize   int           `yaml:"vocab_size"`   // synthetic vocabulary size, including EOS
	StepLatency time.Duration `yaml:"step_latency"` // simulated forward pass duration
	EOSInterval int           `yaml:"eos_interval"` // greedy decoding emits EOS about once every N tokens (0 = never)
}

// Config is the full engine configuration.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Model     ModelConfig     `yaml:"model"`
}

// DefaultConfig returns the configuration used when no file or flag overrides a value.
func DefaultConfig() Config {
	return Config{
		Scheduler: SchedulerConfig{
			MaxRunningReqs:     256,
			MaxWaitingReqs:     1024,
			MaxScheduledTokens: 2048,
		},
		Cache: CacheConfig{
			TotalBlocks:     8192,
			BlockSizeTokens: 16,
		},
		Executor: ExecutorConfig{
			Backend:      string(BackendLocalProcessPool),
			NumWorkers:   2,
			MaxBatchSize: 256,
			NumActors:    2,
			StepTimeout:  5 * time.Second,
			DropTimeout:  time.Second,
			MaxRetries:   3,
			RetryBackoff: 50 * time.Millisecond,
		},
		Model: ModelConfig{
			Name:        "synthetic",
			VocabSize:   1024,
			StepLatency: 2 * time.Millisecond,
			EOSInterval: 64,
		},
	}
}

// Validate reports every invalid setting, joined into one error.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Scheduler.MaxRunningReqs > 0, "scheduler.max_num_running_reqs must be > 0, got %d", c.Scheduler.MaxRunningReqs)
	check(c.Scheduler.MaxWaitingReqs >= 0, "scheduler.max_num_waiting_reqs must be >= 0, got %d", c.Scheduler.MaxWaitingReqs)
	check(c.Scheduler.MaxScheduledTokens <= 0 || c.Scheduler.MaxScheduledTokens >= c.Scheduler.MaxRunningReqs,
		"scheduler.max_num_scheduled_tokens (%d) must be >= max_num_running_reqs (%d) so every running request can decode",
		c.Scheduler.MaxScheduledTokens, c.Scheduler.MaxRunningReqs)
	check(c.Cache.TotalBlocks > 0, "cache.total_blocks must be > 0, got %d", c.Cache.TotalBlocks)
	check(c.Cache.BlockSizeTokens > 0, "cache.block_size_in_tokens must be > 0, got %d", c.Cache.BlockSizeTokens)
	check(IsValidBackend(c.Executor.Backend), "executor.backend %q is not one of [mp, cluster]", c.Executor.Backend)
	check(c.Executor.MaxBatchSize > 0, "executor.max_batch_size must be > 0, got %d", c.Executor.MaxBatchSize)
	check(c.Executor.StepTimeout >= 0, "executor.step_timeout must be >= 0, got %v", c.Executor.StepTimeout)
	check(c.Executor.MaxRetries >= 0, "executor.max_retries must be >= 0, got %d", c.Executor.MaxRetries)
	if kind, err := ParseBackendKind(c.Executor.Backend); err == nil {
		switch kind {
		case BackendLocalProcessPool:
			check(c.Executor.NumWorkers > 0, "executor.num_workers must be > 0, got %d", c.Executor.NumWorkers)
		case BackendClusterActor:
			check(len(c.Executor.ActorAddrs) > 0 || c.Executor.NumActors > 0,
				"executor.actor_addrs or executor.num_actors must be set for the cluster backend")
			check(c.Executor.StepTimeout > 0, "executor.step_timeout must be > 0 for the cluster backend, got %v", c.Executor.StepTimeout)
			check(c.Executor.DropTimeout > 0, "executor.drop_timeout must be > 0 for the cluster backend, got %v", c.Executor.DropTimeout)
		}
	}
	check(c.Model.VocabSize >= 2, "model.vocab_size must be >= 2, got %d", c.Model.VocabSize)
	check(c.Model.StepLatency >= 0, "model.step_latency must be >= 0, got %v", c.Model.StepLatency)
	check(c.Model.EOSInterval >= 0, "model.eos_interval must be >= 0, got %d", c.Model.EOSInterval)
	return errors.Join(errs...)
}
