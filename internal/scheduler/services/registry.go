package services

import (
	"context"
	"fmt"
	"sync"

	"go-kestrel/internal/scheduler/models"
)

// ProgressFunc reports progress from inside an action. Besides persisting
// the update it checkpoints the cooperative control flags: it blocks while
// the execution is paused and returns ErrTerminateRequested once terminate
// has been requested. Actions should call it at every natural boundary.
type ProgressFunc func(ctx context.Context, update ProgressUpdate) error

// Executor runs one execution attempt of a task
type Executor interface {
	Execute(ctx context.Context, task *models.Task, execution *models.TaskExecution, progress ProgressFunc) (models.Result, error)
}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(ctx context.Context, task *models.Task, execution *models.TaskExecution, progress ProgressFunc) (models.Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, task *models.Task, execution *models.TaskExecution, progress ProgressFunc) (models.Result, error) {
	return f(ctx, task, execution, progress)
}

// Registry maps action names to executors. Collaborating modules register
// their actions at startup; tasks reference them via config.task_action.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Executor
}

// NewRegistry creates an empty action registry
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Executor),
	}
}

// Register binds an action name to an executor. Re-registering a name
// replaces the previous binding.
func (r *Registry) Register(name string, executor Executor) error {
	if name == "" {
		return fmt.Errorf("%w: action name is required", ErrValidation)
	}
	if executor == nil {
		return fmt.Errorf("%w: executor is required", ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = executor
	return nil
}

// Resolve looks up an executor by action name
func (r *Registry) Resolve(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.actions[name]
	return executor, ok
}

// Names returns the registered action names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	return names
}
