// register.go wires the executor backends into the engine package's registration
// variable (NewExecutorFunc). This init() runs when any package imports
// engine/executor, so the engine can build a backend by name without importing
// its implementations.
package executor

import (
	"fmt"

	"github.com/inference-sim/inference-serve/engine"
)

func init() {
	engine.NewExecutorFunc = New
}

// New builds the backend named by cfg.Backend.
func New(cfg engine.ExecutorConfig, model engine.ModelConfig) (engine.Executor, error) {
	kind, err := engine.ParseBackendKind(cfg.Backend)
	if err != nil {
		return nil, err
	}
	switch kind {
	case engine.BackendLocalProcessPool:
		return NewLocalProcessPool(cfg, model)
	case engine.BackendClusterActor:
		return NewClusterActor(cfg, model)
	default:
		return nil, fmt.Errorf("executor backend %q has no implementation", kind)
	}
}
