package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"go-kestrel/internal/scheduler/models"
)

// childRunner runs one workflow child to completion. The engine implements
// it; tests substitute fakes.
type childRunner interface {
	ExecuteChild(ctx context.Context, taskID string, parent *models.TaskExecution) ChildOutcome
}

// Orchestrator executes workflow tasks: it validates the child DAG, runs
// children serially or in parallel dependency waves, applies the on_failure
// policy and records a per-child result map on the parent execution.
type Orchestrator struct {
	store  Store
	runner childRunner
}

// NewOrchestrator creates the workflow executor
func NewOrchestrator(store Store, runner childRunner) *Orchestrator {
	return &Orchestrator{store: store, runner: runner}
}

// workflowRun carries the mutable state of one workflow execution
type workflowRun struct {
	cfg       *models.WorkflowConfig
	graph     *workflowGraph
	children  map[string]*models.Task
	skip      map[string]bool
	results   map[string]models.WorkflowTaskResult
	resultsMu sync.Mutex
}

// Execute runs the workflow to completion. The workflow execution itself
// succeeds when the policy ran to its natural end, even with failed
// children; the per-child outcomes live in the result document.
func (o *Orchestrator) Execute(ctx context.Context, task *models.Task, execution *models.TaskExecution, progress ProgressFunc) (models.Result, error) {
	cfg, err := models.ParseWorkflowConfig(task.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	run, err := o.prepare(ctx, cfg, execution)
	if err != nil {
		return nil, err
	}

	slog.Info("Workflow started",
		slog.String("task_id", task.ID),
		slog.String("execution_id", execution.ID),
		slog.String("workflow_type", cfg.WorkflowType),
		slog.Int("children", len(run.graph.order)),
		slog.Int("skipped", len(run.skip)))

	var runErr error
	switch cfg.WorkflowType {
	case models.WorkflowParallel:
		runErr = o.runParallel(ctx, run, execution, progress)
	default:
		runErr = o.runSerial(ctx, run, execution, progress)
	}

	result := run.buildResult()
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// prepare validates the config against the store and assembles run state,
// including the skip set when resuming from a previous execution.
func (o *Orchestrator) prepare(ctx context.Context, cfg *models.WorkflowConfig, execution *models.TaskExecution) (*workflowRun, error) {
	if cfg.WorkflowType != models.WorkflowSerial && cfg.WorkflowType != models.WorkflowParallel {
		return nil, fmt.Errorf("%w: unknown workflow type %q", ErrValidation, cfg.WorkflowType)
	}
	if cfg.OnFailure != models.OnFailureStop && cfg.OnFailure != models.OnFailureContinue {
		return nil, fmt.Errorf("%w: unknown on_failure policy %q", ErrValidation, cfg.OnFailure)
	}

	graph, err := buildWorkflowGraph(cfg.Tasks)
	if err != nil {
		return nil, err
	}

	children := make(map[string]*models.Task, len(graph.order))
	for _, childID := range graph.order {
		child, err := o.store.GetTask(ctx, childID)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				return nil, fmt.Errorf("%w: workflow references unknown task %q", ErrValidation, childID)
			}
			return nil, err
		}
		if !child.Enabled {
			return nil, fmt.Errorf("%w: workflow child %q is disabled", ErrValidation, child.Name)
		}
		children[childID] = child
	}

	run := &workflowRun{
		cfg:      cfg,
		graph:    graph,
		children: children,
		skip:     make(map[string]bool),
		results:  make(map[string]models.WorkflowTaskResult),
	}

	resumeFrom := execution.ResumeFromExecutionID
	if resumeFrom == "" {
		resumeFrom = cfg.ResumeFromExecutionID
	}
	if resumeFrom != "" {
		if err := o.loadResumeState(ctx, run, execution.TaskID, resumeFrom); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// loadResumeState marks children that already succeeded in the resumed-from
// execution so they are skipped, not re-run.
func (o *Orchestrator) loadResumeState(ctx context.Context, run *workflowRun, taskID, resumeFrom string) error {
	previous, err := o.store.GetExecution(ctx, resumeFrom)
	if err != nil {
		return fmt.Errorf("%w: resume execution %q not found", ErrValidation, resumeFrom)
	}
	if previous.TaskID != taskID {
		return fmt.Errorf("%w: resume execution %q belongs to a different task", ErrValidation, resumeFrom)
	}

	for childID, prior := range models.ParseWorkflowTaskResults(previous.Result) {
		if _, known := run.graph.nodes[childID]; !known {
			continue
		}
		if prior.Status == models.StatusSuccess || prior.Status == models.StatusCompleted {
			run.skip[childID] = true
		}
	}
	return nil
}

// runSerial executes children one at a time in topological order
func (o *Orchestrator) runSerial(ctx context.Context, run *workflowRun, execution *models.TaskExecution, progress ProgressFunc) error {
	order := run.graph.topoSort()
	total := len(order)

	for i, childID := range order {
		if run.skip[childID] {
			run.record(childID, models.WorkflowTaskResult{Status: models.StatusSuccess, Skipped: true})
			continue
		}

		// Checkpoint between children: reports position and observes the
		// parent's pause/terminate flags.
		child := run.children[childID]
		if err := o.checkpoint(ctx, run, progress, i, total, child.Name); err != nil {
			return err
		}

		outcome := o.runner.ExecuteChild(ctx, childID, execution)
		run.recordOutcome(outcome)

		if outcome.Status != models.StatusSuccess && run.cfg.OnFailure == models.OnFailureStop {
			slog.Info("Workflow stopped on child failure",
				slog.String("execution_id", execution.ID),
				slog.String("child_task_id", childID))
			return nil
		}
	}

	return o.checkpoint(ctx, run, progress, total, total, "")
}

// runParallel executes children in dependency waves. Each wave runs its
// ready set concurrently and the next wave forms from children whose
// dependencies all succeeded or were skipped.
func (o *Orchestrator) runParallel(ctx context.Context, run *workflowRun, execution *models.TaskExecution, progress ProgressFunc) error {
	total := len(run.graph.order)
	satisfied := make(map[string]bool)
	visited := make(map[string]bool)

	for childID := range run.skip {
		run.record(childID, models.WorkflowTaskResult{Status: models.StatusSuccess, Skipped: true})
		satisfied[childID] = true
		visited[childID] = true
	}

	for {
		done := len(visited)
		if err := o.checkpoint(ctx, run, progress, done, total, ""); err != nil {
			return err
		}

		ready := run.graph.readySet(satisfied, visited)
		if len(ready) == 0 {
			if done < total {
				slog.Warn("Workflow has unreachable children after failures",
					slog.String("execution_id", execution.ID),
					slog.Int("unreached", total-done))
			}
			return nil
		}

		var g errgroup.Group
		for _, childID := range ready {
			childID := childID
			visited[childID] = true
			g.Go(func() error {
				outcome := o.runner.ExecuteChild(ctx, childID, execution)
				run.recordOutcome(outcome)
				return nil
			})
		}
		// Child failures land in the result map, never as group errors
		_ = g.Wait()

		waveFailed := false
		for _, childID := range ready {
			result, ok := run.result(childID)
			if ok && result.Status == models.StatusSuccess {
				satisfied[childID] = true
			} else {
				waveFailed = true
			}
		}

		if waveFailed && run.cfg.OnFailure == models.OnFailureStop {
			slog.Info("Workflow stopped on wave failure",
				slog.String("execution_id", execution.ID))
			return nil
		}
	}
}

// checkpoint reports workflow progress on the parent execution
func (o *Orchestrator) checkpoint(ctx context.Context, run *workflowRun, progress ProgressFunc, processed, total int, currentItem string) error {
	update := ProgressUpdate{
		ProcessedItems: &processed,
		TotalItems:     &total,
	}
	if currentItem != "" {
		update.CurrentItem = &currentItem
	}
	return progress(ctx, update)
}

func (run *workflowRun) record(childID string, result models.WorkflowTaskResult) {
	run.resultsMu.Lock()
	defer run.resultsMu.Unlock()
	run.results[childID] = result
}

func (run *workflowRun) recordOutcome(outcome ChildOutcome) {
	entry := models.WorkflowTaskResult{
		Status: outcome.Status,
		Result: outcome.Result,
	}
	if outcome.Err != nil {
		entry.Error = outcome.Err.Error()
	}
	run.record(outcome.TaskID, entry)
}

func (run *workflowRun) result(childID string) (models.WorkflowTaskResult, bool) {
	run.resultsMu.Lock()
	defer run.resultsMu.Unlock()
	r, ok := run.results[childID]
	return r, ok
}

// buildResult assembles the parent execution's result document. Children
// never attempted have no entry; skipped children count as successes.
func (run *workflowRun) buildResult() models.Result {
	run.resultsMu.Lock()
	defer run.resultsMu.Unlock()

	successCount := 0
	failedCount := 0
	failedTaskIDs := make([]string, 0)
	for _, childID := range run.graph.order {
		result, ok := run.results[childID]
		if !ok {
			continue
		}
		if result.Status == models.StatusSuccess || result.Status == models.StatusCompleted {
			successCount++
		} else {
			failedCount++
			if result.Status == models.StatusFailed {
				failedTaskIDs = append(failedTaskIDs, childID)
			}
		}
	}

	message := "workflow completed"
	if failedCount > 0 {
		message = fmt.Sprintf("workflow completed with %d failed task(s)", failedCount)
	}

	return models.Result{
		"workflow_type":   run.cfg.WorkflowType,
		"total_tasks":     len(run.graph.order),
		"success_count":   successCount,
		"failed_count":    failedCount,
		"failed_task_ids": failedTaskIDs,
		"task_results":    run.results,
		"message":         message,
	}
}

// ValidateConfig checks a workflow config without executing it: structural
// validation plus existence and enablement of every referenced child.
func (o *Orchestrator) ValidateConfig(ctx context.Context, config map[string]interface{}) error {
	cfg, err := models.ParseWorkflowConfig(config)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if cfg.WorkflowType != models.WorkflowSerial && cfg.WorkflowType != models.WorkflowParallel {
		return fmt.Errorf("%w: unknown workflow type %q", ErrValidation, cfg.WorkflowType)
	}
	if cfg.OnFailure != models.OnFailureStop && cfg.OnFailure != models.OnFailureContinue {
		return fmt.Errorf("%w: unknown on_failure policy %q", ErrValidation, cfg.OnFailure)
	}

	graph, err := buildWorkflowGraph(cfg.Tasks)
	if err != nil {
		return err
	}

	for _, childID := range graph.order {
		child, err := o.store.GetTask(ctx, childID)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) {
				return fmt.Errorf("%w: workflow references unknown task %q", ErrValidation, childID)
			}
			return err
		}
		if !child.Enabled {
			return fmt.Errorf("%w: workflow child %q is disabled", ErrValidation, child.Name)
		}
	}
	return nil
}
