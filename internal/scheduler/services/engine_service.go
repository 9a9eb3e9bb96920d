package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"go-kestrel/internal/scheduler/models"
	"go-kestrel/pkg/config"
)

const defaultPausePollInterval = time.Second

// EngineConfig tunes the execution engine
type EngineConfig struct {
	Workers               int
	QueueSize             int
	Location              *time.Location
	DefaultCommandTimeout time.Duration
	PausePollInterval     time.Duration
}

// DefaultEngineConfig loads engine tuning from the environment
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Workers:               config.GetSchedulerWorkers(),
		QueueSize:             config.GetSchedulerQueueSize(),
		Location:              config.GetSchedulerLocation(),
		DefaultCommandTimeout: config.GetDefaultCommandTimeout(),
		PausePollInterval:     defaultPausePollInterval,
	}
}

// dispatchItem pairs a task snapshot with its freshly created execution
type dispatchItem struct {
	task      *models.Task
	execution *models.TaskExecution
}

// ExecutionContext tracks one live execution for cancellation and liveness
type ExecutionContext struct {
	Execution *models.TaskExecution
	Cancel    context.CancelFunc
	StartedAt time.Time
}

// ChildOutcome is the result of running one workflow child to completion
type ChildOutcome struct {
	TaskID      string
	ExecutionID string
	Status      models.ExecutionStatus
	Result      models.Result
	Err         error
}

// EngineService drives the scheduler: it owns the cron schedule source, the
// dispatch queue, the worker pool and the in-process liveness registry.
type EngineService struct {
	store        Store
	registry     *Registry
	scriptRunner *ScriptRunner
	orchestrator Executor

	cfg   EngineConfig
	cron  *cron.Cron
	queue chan *dispatchItem

	cronEntries map[string]cron.EntryID
	entriesMu   sync.Mutex

	running   map[string]*ExecutionContext
	runningMu sync.RWMutex

	baseCtx       context.Context
	stopCh        chan struct{}
	workerWg      sync.WaitGroup
	isRunning     bool
	stateMu       sync.RWMutex
	totalExecuted atomic.Int64
}

// NewEngineService creates the engine. The workflow orchestrator is attached
// afterwards via SetOrchestrator since it needs the engine to run children.
func NewEngineService(store Store, registry *Registry, cfg EngineConfig) *EngineService {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.DefaultCommandTimeout <= 0 {
		cfg.DefaultCommandTimeout = time.Hour
	}
	if cfg.PausePollInterval <= 0 {
		cfg.PausePollInterval = defaultPausePollInterval
	}

	return &EngineService{
		store:        store,
		registry:     registry,
		scriptRunner: NewScriptRunner(cfg.DefaultCommandTimeout),
		cfg:          cfg,
		queue:        make(chan *dispatchItem, cfg.QueueSize),
		cronEntries:  make(map[string]cron.EntryID),
		running:      make(map[string]*ExecutionContext),
		stopCh:       make(chan struct{}),
	}
}

// SetOrchestrator attaches the workflow executor
func (e *EngineService) SetOrchestrator(orchestrator Executor) {
	e.orchestrator = orchestrator
}

// Start launches the worker pool, loads schedules and starts the cron source
func (e *EngineService) Start(ctx context.Context) error {
	e.stateMu.Lock()
	if e.isRunning {
		e.stateMu.Unlock()
		return nil
	}
	e.isRunning = true
	e.baseCtx = ctx
	e.cron = cron.New(cron.WithLocation(e.cfg.Location))
	e.stateMu.Unlock()

	for i := 0; i < e.cfg.Workers; i++ {
		e.workerWg.Add(1)
		go e.worker(i)
	}

	if err := e.ReloadTasks(ctx); err != nil {
		slog.Error("Failed to load scheduled tasks", slog.String("error", err.Error()))
	}

	e.cron.Start()
	slog.Info("Scheduler engine started",
		slog.Int("workers", e.cfg.Workers),
		slog.Int("queue_size", e.cfg.QueueSize),
		slog.String("timezone", e.cfg.Location.String()))
	return nil
}

// Stop halts the schedule source and drains the worker pool. In-flight
// executions keep running until their context is cancelled by the caller's
// base context or they complete.
func (e *EngineService) Stop() {
	e.stateMu.Lock()
	if !e.isRunning {
		e.stateMu.Unlock()
		return
	}
	e.isRunning = false
	e.stateMu.Unlock()

	if e.cron != nil {
		e.cron.Stop()
	}
	close(e.stopCh)
	e.workerWg.Wait()
	slog.Info("Scheduler engine stopped")
}

// IsRunning reports whether the engine accepts work
func (e *EngineService) IsRunning() bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.isRunning
}

// scheduleSpec maps a task's schedule onto a cron spec. Interval tasks use
// the @every descriptor so a missed window coalesces into a single next fire.
func scheduleSpec(task *models.Task) string {
	if task.CronExpression != "" {
		return task.CronExpression
	}
	return fmt.Sprintf("@every %ds", task.IntervalSeconds)
}

// ReloadTasks rebuilds the cron entry table from the store. Called at start
// and after any task mutation that affects scheduling.
func (e *EngineService) ReloadTasks(ctx context.Context) error {
	enabled := true
	tasks, _, err := e.store.ListTasks(ctx, TaskFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("failed to list enabled tasks: %w", err)
	}

	e.entriesMu.Lock()
	defer e.entriesMu.Unlock()

	for taskID, entryID := range e.cronEntries {
		e.cron.Remove(entryID)
		delete(e.cronEntries, taskID)
	}

	registered := 0
	for i := range tasks {
		task := tasks[i]
		if !task.Scheduled() {
			continue
		}

		taskID := task.ID
		entryID, err := e.cron.AddFunc(scheduleSpec(&task), func() {
			e.handleScheduledFire(taskID)
		})
		if err != nil {
			slog.Error("Failed to register task schedule",
				slog.String("task_id", taskID),
				slog.String("task_name", task.Name),
				slog.String("error", err.Error()))
			continue
		}
		e.cronEntries[taskID] = entryID
		registered++
	}

	slog.Info("Scheduled tasks loaded", slog.Int("registered", registered))
	return nil
}

// handleScheduledFire runs on the cron goroutine when a schedule activates
func (e *EngineService) handleScheduledFire(taskID string) {
	ctx := e.baseCtx

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		slog.Warn("Scheduled task vanished", slog.String("task_id", taskID))
		return
	}
	if !task.Enabled || task.Paused {
		return
	}

	if _, err := e.Dispatch(ctx, task, 0, "", models.CreatedByScheduler); err != nil {
		switch {
		case errors.Is(err, ErrExecutionConflict):
			slog.Info("Skipping scheduled fire, execution already active",
				slog.String("task_id", taskID),
				slog.String("task_name", task.Name))
		case errors.Is(err, ErrQueueFull):
			slog.Warn("Task queue full, dropping scheduled fire",
				slog.String("task_id", taskID),
				slog.String("task_name", task.Name))
		default:
			slog.Error("Failed to dispatch scheduled task",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()))
		}
	}
}

// Dispatch creates an execution through the single-instance gate and hands
// it to the worker pool. The returned execution is already persisted in
// running state when err is nil.
func (e *EngineService) Dispatch(ctx context.Context, task *models.Task, retryCount int, resumeFrom, createdBy string) (*models.TaskExecution, error) {
	if !e.IsRunning() {
		return nil, fmt.Errorf("scheduler engine is not running")
	}

	execution := e.newExecution(task, retryCount, resumeFrom, createdBy)
	if err := e.store.NewExecution(ctx, execution); err != nil {
		return nil, err
	}

	// Track from creation so the sweeper never mistakes a queued execution
	// for an orphan.
	e.track(execution, nil)

	select {
	case e.queue <- &dispatchItem{task: task, execution: execution}:
		return execution, nil
	default:
		e.untrack(execution.ID)
		if err := e.store.FinishExecution(ctx, execution.ID, models.StatusFailed, nil, "task queue is full"); err != nil {
			slog.Error("Failed to close overflowed execution",
				slog.String("execution_id", execution.ID),
				slog.String("error", err.Error()))
		}
		return nil, ErrQueueFull
	}
}

// TriggerTask dispatches a manual run. Unlike scheduled fires, errors are
// surfaced to the caller.
func (e *EngineService) TriggerTask(ctx context.Context, taskID string) (*models.TaskExecution, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Enabled {
		return nil, fmt.Errorf("%w: task %q is disabled", ErrValidation, task.Name)
	}
	return e.Dispatch(ctx, task, 0, "", "manual")
}

func (e *EngineService) newExecution(task *models.Task, retryCount int, resumeFrom, createdBy string) *models.TaskExecution {
	return &models.TaskExecution{
		ID:                    uuid.New().String(),
		TaskID:                task.ID,
		Status:                models.StatusRunning,
		StartTime:             time.Now().UTC(),
		RetryCount:            retryCount,
		ResumeFromExecutionID: resumeFrom,
		CreatedBy:             createdBy,
	}
}

// worker consumes dispatched executions until the engine stops
func (e *EngineService) worker(id int) {
	defer e.workerWg.Done()
	workerID := fmt.Sprintf("worker-%d", id)

	for {
		select {
		case <-e.stopCh:
			return
		case item := <-e.queue:
			e.processExecution(item, workerID)
		}
	}
}

func (e *EngineService) processExecution(item *dispatchItem, workerID string) {
	ctx := e.baseCtx

	item.execution.WorkerID = workerID
	if err := e.store.SetExecutionWorker(ctx, item.execution.ID, workerID); err != nil {
		slog.Warn("Failed to record execution worker",
			slog.String("execution_id", item.execution.ID),
			slog.String("error", err.Error()))
	}

	status, _, err := e.runExecution(ctx, item.task, item.execution)

	// Retry policy: action failures and timeouts spawn a fresh attempt.
	// Workflow tasks never retry at this level; their on_failure policy and
	// resumption cover recovery.
	if status != models.StatusSuccess && retryable(err) &&
		item.task.Kind != models.TaskKindWorkflow &&
		item.execution.RetryCount < item.task.MaxRetries {
		go e.retryLater(item.task.ID, item.execution.RetryCount+1)
	}
}

// runExecution resolves the executor, runs it with a progress checkpoint
// and closes the execution with the translated outcome.
func (e *EngineService) runExecution(ctx context.Context, task *models.Task, execution *models.TaskExecution) (status models.ExecutionStatus, result models.Result, runErr error) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.track(execution, cancel)
	defer e.untrack(execution.ID)

	defer func() {
		if r := recover(); r != nil {
			status = models.StatusFailed
			runErr = fmt.Errorf("action panicked: %v", r)
			slog.Error("Execution panicked",
				slog.String("execution_id", execution.ID),
				slog.String("task_id", task.ID),
				slog.Any("panic", r))
			e.finish(ctx, execution.ID, status, nil, runErr.Error())
		}
	}()

	executor, err := e.resolveExecutor(task)
	if err != nil {
		e.finish(ctx, execution.ID, models.StatusFailed, nil, err.Error())
		return models.StatusFailed, nil, err
	}

	slog.Info("Execution started",
		slog.String("execution_id", execution.ID),
		slog.String("task_id", task.ID),
		slog.String("task_name", task.Name),
		slog.Int("retry_count", execution.RetryCount))

	result, runErr = executor.Execute(execCtx, task, execution, e.progressFunc(execution, cancel))

	switch {
	case runErr == nil:
		status = models.StatusSuccess
		e.finish(ctx, execution.ID, status, result, "")
	case errors.Is(runErr, ErrTerminateRequested):
		status = models.StatusTerminated
		e.finish(ctx, execution.ID, status, result, "execution terminated by request")
	case errors.Is(runErr, ErrCommandTimeout):
		status = models.StatusTerminated
		e.finish(ctx, execution.ID, status, result, runErr.Error())
	case errors.Is(runErr, context.Canceled) && execCtx.Err() != nil:
		// Actions honoring cancellation surface the ctx error rather than
		// ErrTerminateRequested; same outcome.
		status = models.StatusTerminated
		e.finish(ctx, execution.ID, status, result, "execution terminated by request")
	default:
		status = models.StatusFailed
		e.finish(ctx, execution.ID, status, result, runErr.Error())
	}

	e.totalExecuted.Add(1)
	slog.Info("Execution finished",
		slog.String("execution_id", execution.ID),
		slog.String("task_id", task.ID),
		slog.String("status", string(status)))
	return status, result, runErr
}

// finish closes the execution row, using a detached context so shutdown
// does not lose terminal writes.
func (e *EngineService) finish(ctx context.Context, executionID string, status models.ExecutionStatus, result models.Result, errorMessage string) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.store.FinishExecution(writeCtx, executionID, status, result, errorMessage); err != nil {
		slog.Error("Failed to finish execution",
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()))
	}
}

// resolveExecutor picks the runner for a task: external command first, then
// registered action, then workflow orchestration.
func (e *EngineService) resolveExecutor(task *models.Task) (Executor, error) {
	if _, ok := task.Command(); ok {
		return e.scriptRunner, nil
	}
	if action, ok := task.TaskAction(); ok {
		executor, found := e.registry.Resolve(action)
		if !found {
			return nil, fmt.Errorf("%w: no action registered under %q", ErrValidation, action)
		}
		return executor, nil
	}
	if task.Kind == models.TaskKindWorkflow {
		if e.orchestrator == nil {
			return nil, fmt.Errorf("workflow orchestrator is not configured")
		}
		return e.orchestrator, nil
	}
	return nil, fmt.Errorf("%w: task %q has neither command, task_action nor workflow config", ErrValidation, task.Name)
}

// progressFunc builds the per-execution progress checkpoint. Every call
// persists the update, then observes the control flags: it spins while the
// execution is paused and cancels the execution context once terminate is
// requested.
func (e *EngineService) progressFunc(execution *models.TaskExecution, cancel context.CancelFunc) ProgressFunc {
	startTime := execution.StartTime
	executionID := execution.ID

	return func(ctx context.Context, update ProgressUpdate) error {
		if update.Percent == nil && update.ProcessedItems != nil && update.TotalItems != nil && *update.TotalItems > 0 {
			percent := float64(*update.ProcessedItems) / float64(*update.TotalItems) * 100
			update.Percent = &percent

			if *update.ProcessedItems > 0 {
				elapsed := time.Since(startTime)
				remaining := time.Duration(float64(elapsed) / float64(*update.ProcessedItems) * float64(*update.TotalItems-*update.ProcessedItems))
				eta := time.Now().UTC().Add(remaining)
				update.EstimatedEndTime = &eta
			}
		}

		if err := e.store.UpdateExecutionProgress(ctx, executionID, update); err != nil {
			// Progress writes are best effort; the action keeps running
			slog.Warn("Failed to persist progress",
				slog.String("execution_id", executionID),
				slog.String("error", err.Error()))
		}

		for {
			fresh, err := e.store.GetExecution(ctx, executionID)
			if err != nil {
				return nil
			}
			if fresh.TerminateRequested {
				cancel()
				return ErrTerminateRequested
			}
			if !fresh.IsPaused {
				return nil
			}

			select {
			case <-ctx.Done():
				return ErrTerminateRequested
			case <-time.After(e.cfg.PausePollInterval):
			}
		}
	}
}

// retryLater waits out the retry interval and dispatches a fresh attempt
func (e *EngineService) retryLater(taskID string, retryCount int) {
	task, err := e.store.GetTask(e.baseCtx, taskID)
	if err != nil {
		return
	}

	interval := time.Duration(task.RetryInterval) * time.Second
	slog.Info("Scheduling retry",
		slog.String("task_id", taskID),
		slog.String("task_name", task.Name),
		slog.Int("retry_count", retryCount),
		slog.Duration("delay", interval))

	select {
	case <-e.stopCh:
		return
	case <-time.After(interval):
	}

	task, err = e.store.GetTask(e.baseCtx, taskID)
	if err != nil || !task.Enabled {
		return
	}

	if _, err := e.Dispatch(e.baseCtx, task, retryCount, "", models.CreatedByScheduler); err != nil {
		slog.Warn("Failed to dispatch retry",
			slog.String("task_id", taskID),
			slog.Int("retry_count", retryCount),
			slog.String("error", err.Error()))
	}
}

// ExecuteChild runs one workflow child to completion on the caller's
// goroutine, including its own retry attempts. Children pass the same
// single-instance gate and control-flag checkpoints as top-level runs.
func (e *EngineService) ExecuteChild(ctx context.Context, taskID string, parent *models.TaskExecution) ChildOutcome {
	outcome := ChildOutcome{TaskID: taskID}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		outcome.Status = models.StatusFailed
		outcome.Err = err
		return outcome
	}
	if !task.Enabled {
		outcome.Status = models.StatusFailed
		outcome.Err = fmt.Errorf("%w: workflow child %q is disabled", ErrValidation, task.Name)
		return outcome
	}

	createdBy := "workflow:" + parent.ID
	for attempt := 0; ; attempt++ {
		execution := e.newExecution(task, attempt, "", createdBy)
		if err := e.store.NewExecution(ctx, execution); err != nil {
			outcome.Status = models.StatusFailed
			outcome.Err = err
			return outcome
		}

		status, result, runErr := e.runExecution(ctx, task, execution)
		outcome.ExecutionID = execution.ID
		outcome.Status = status
		outcome.Result = result
		outcome.Err = runErr

		if status == models.StatusSuccess || !retryable(runErr) ||
			task.Kind == models.TaskKindWorkflow || attempt >= task.MaxRetries {
			return outcome
		}

		select {
		case <-ctx.Done():
			return outcome
		case <-time.After(time.Duration(task.RetryInterval) * time.Second):
		}
	}
}

// Liveness registry

func (e *EngineService) track(execution *models.TaskExecution, cancel context.CancelFunc) {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	e.running[execution.ID] = &ExecutionContext{
		Execution: execution,
		Cancel:    cancel,
		StartedAt: time.Now().UTC(),
	}
}

func (e *EngineService) untrack(executionID string) {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()
	delete(e.running, executionID)
}

// IsExecutionLive reports whether this process owns the execution's worker
// activity. Used by the recovery sweeper and forced termination.
func (e *EngineService) IsExecutionLive(executionID string) bool {
	e.runningMu.RLock()
	defer e.runningMu.RUnlock()
	_, ok := e.running[executionID]
	return ok
}

// CancelExecution cancels the live execution's context, accelerating an
// already-requested termination. Reports whether a live context was found.
func (e *EngineService) CancelExecution(executionID string) bool {
	e.runningMu.RLock()
	defer e.runningMu.RUnlock()
	ec, ok := e.running[executionID]
	if !ok || ec.Cancel == nil {
		return false
	}
	ec.Cancel()
	return true
}

// GetStats snapshots the engine state
func (e *EngineService) GetStats() *models.EngineStats {
	e.runningMu.RLock()
	active := len(e.running)
	e.runningMu.RUnlock()

	return &models.EngineStats{
		WorkerCount:      e.cfg.Workers,
		QueueSize:        len(e.queue),
		ActiveExecutions: active,
		TotalExecuted:    e.totalExecuted.Load(),
		IsRunning:        e.IsRunning(),
	}
}
