package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"go-kestrel/internal/scheduler/dto"
	"go-kestrel/internal/scheduler/models"
	"go-kestrel/pkg/config"
	"go-kestrel/pkg/database"
)

// SchedulerService is the facade collaborating modules and transport layers
// talk to. It owns task CRUD with semantic validation, execution control,
// statistics and the action registry, and wires the engine, orchestrator
// and sweeper together.
type SchedulerService struct {
	store    Store
	registry *Registry
	engine   *EngineService
	sweeper  *Sweeper
	validate *validator.Validate
}

// NewSchedulerService builds the production service on Mongo and Redis
func NewSchedulerService(mongodb *database.MongoDB, redis *database.Redis) (*SchedulerService, error) {
	return NewSchedulerServiceWithStore(NewRepository(mongodb, redis), DefaultEngineConfig())
}

// NewSchedulerServiceWithStore builds the service on any Store. Tests use
// it with the in-memory store.
func NewSchedulerServiceWithStore(store Store, cfg EngineConfig) (*SchedulerService, error) {
	validate := validator.New()
	if err := dto.RegisterCustomValidators(validate); err != nil {
		return nil, fmt.Errorf("failed to register validators: %w", err)
	}

	registry := NewRegistry()
	engine := NewEngineService(store, registry, cfg)
	orchestrator := NewOrchestrator(store, engine)
	engine.SetOrchestrator(orchestrator)

	return &SchedulerService{
		store:    store,
		registry: registry,
		engine:   engine,
		sweeper:  NewSweeper(store, engine, config.GetSweepInterval()),
		validate: validate,
	}, nil
}

// Engine exposes the execution engine
func (s *SchedulerService) Engine() *EngineService {
	return s.engine
}

// Sweeper exposes the recovery sweeper
func (s *SchedulerService) Sweeper() *Sweeper {
	return s.sweeper
}

// RegisterAction binds an action name for tasks using config.task_action
func (s *SchedulerService) RegisterAction(name string, executor Executor) error {
	return s.registry.Register(name, executor)
}

// Start brings up the engine and runs the startup recovery sweep
func (s *SchedulerService) Start(ctx context.Context) error {
	// Sweep before accepting work so executions stranded by the previous
	// process release their single-instance slots first.
	s.sweeper.Sweep(ctx)
	return s.engine.Start(ctx)
}

// Stop halts the engine
func (s *SchedulerService) Stop() {
	s.engine.Stop()
}

// Task CRUD

// CreateTask validates and persists a new task, then reloads schedules
func (s *SchedulerService) CreateTask(ctx context.Context, req *dto.TaskCreateRequest) (*models.Task, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	kind := models.TaskKind(req.Kind)
	if err := s.validateSchedule(kind, req.CronExpression, req.IntervalSeconds); err != nil {
		return nil, err
	}
	if err := s.validateConfig(ctx, kind, req.Config); err != nil {
		return nil, err
	}

	if _, err := s.store.GetTaskByName(ctx, req.Name); err == nil {
		return nil, fmt.Errorf("%w: task name %q already exists", ErrValidation, req.Name)
	} else if !errors.Is(err, ErrTaskNotFound) {
		return nil, err
	}

	// Scheduled kinds default to enabled; manual tasks stay off until
	// someone explicitly turns them on.
	enabled := kind != models.TaskKindManual
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	task := &models.Task{
		ID:              uuid.New().String(),
		Name:            req.Name,
		JobID:           uuid.New().String(),
		Description:     req.Description,
		Kind:            kind,
		CronExpression:  req.CronExpression,
		IntervalSeconds: req.IntervalSeconds,
		Enabled:         enabled,
		Paused:          req.Paused,
		Config:          req.Config,
		MaxRetries:      req.MaxRetries,
		RetryInterval:   req.RetryInterval,
		CreatedBy:       req.CreatedBy,
		UpdatedBy:       req.CreatedBy,
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	s.reloadSchedules(ctx)
	slog.Info("Task created",
		slog.String("task_id", task.ID),
		slog.String("task_name", task.Name),
		slog.String("task_type", string(task.Kind)))
	return task, nil
}

// UpdateTask applies a partial update, re-validating the merged task
func (s *SchedulerService) UpdateTask(ctx context.Context, id string, req *dto.TaskUpdateRequest) (*models.Task, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		task.Name = *req.Name
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.CronExpression != nil {
		task.CronExpression = *req.CronExpression
	}
	if req.IntervalSeconds != nil {
		task.IntervalSeconds = *req.IntervalSeconds
	}
	if req.Enabled != nil {
		task.Enabled = *req.Enabled
	}
	if req.Paused != nil {
		task.Paused = *req.Paused
	}
	if req.Config != nil {
		task.Config = req.Config
	}
	if req.MaxRetries != nil {
		task.MaxRetries = *req.MaxRetries
	}
	if req.RetryInterval != nil {
		task.RetryInterval = *req.RetryInterval
	}
	task.UpdatedBy = req.UpdatedBy

	if err := s.validateSchedule(task.Kind, task.CronExpression, task.IntervalSeconds); err != nil {
		return nil, err
	}
	if err := s.validateConfig(ctx, task.Kind, task.Config); err != nil {
		return nil, err
	}

	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}

	s.reloadSchedules(ctx)
	slog.Info("Task updated", slog.String("task_id", task.ID), slog.String("task_name", task.Name))
	return task, nil
}

// DeleteTask removes a task. Tasks with an active execution are refused.
func (s *SchedulerService) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return err
	}

	if active, err := s.hasActiveExecution(ctx, id); err != nil {
		return err
	} else if active {
		return fmt.Errorf("%w: task has an active execution", ErrValidation)
	}

	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}

	s.reloadSchedules(ctx)
	slog.Info("Task deleted", slog.String("task_id", id))
	return nil
}

func (s *SchedulerService) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.store.GetTask(ctx, id)
}

func (s *SchedulerService) ListTasks(ctx context.Context, query *dto.TaskListQuery) (*dto.TaskListResponse, error) {
	if err := s.validate.Struct(query); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	pageSize := query.PageSize
	if pageSize == 0 {
		pageSize = 50
	}

	tasks, total, err := s.store.ListTasks(ctx, TaskFilter{
		Kind:     models.TaskKind(query.Kind),
		Enabled:  query.Enabled,
		Paused:   query.Paused,
		Search:   query.Search,
		Page:     query.Page,
		PageSize: pageSize,
	})
	if err != nil {
		return nil, err
	}

	return &dto.TaskListResponse{
		Tasks:    tasks,
		Total:    total,
		Page:     query.Page,
		PageSize: pageSize,
	}, nil
}

// EnableTask turns a task on and reloads schedules
func (s *SchedulerService) EnableTask(ctx context.Context, id string, by string) error {
	if err := s.store.SetTaskEnabled(ctx, id, true, by); err != nil {
		return err
	}
	s.reloadSchedules(ctx)
	return nil
}

// DisableTask turns a task off. Running executions are unaffected; the
// task simply stops firing.
func (s *SchedulerService) DisableTask(ctx context.Context, id string, by string) error {
	if err := s.store.SetTaskEnabled(ctx, id, false, by); err != nil {
		return err
	}
	s.reloadSchedules(ctx)
	return nil
}

// PauseTask suppresses scheduled fires without removing the schedule
func (s *SchedulerService) PauseTask(ctx context.Context, id string, by string) error {
	return s.store.SetTaskPaused(ctx, id, true, by)
}

// ResumeTask lifts a task-level pause
func (s *SchedulerService) ResumeTask(ctx context.Context, id string, by string) error {
	return s.store.SetTaskPaused(ctx, id, false, by)
}

// TriggerTask starts a manual run immediately
func (s *SchedulerService) TriggerTask(ctx context.Context, id string) (*dto.TriggerResponse, error) {
	execution, err := s.engine.TriggerTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return &dto.TriggerResponse{
		ExecutionID: execution.ID,
		Status:      string(execution.Status),
		Message:     "execution dispatched",
	}, nil
}

// Execution control

func (s *SchedulerService) GetExecution(ctx context.Context, id string) (*models.TaskExecution, error) {
	return s.store.GetExecution(ctx, id)
}

func (s *SchedulerService) ListExecutions(ctx context.Context, query *dto.ExecutionListQuery) (*dto.ExecutionListResponse, error) {
	if err := s.validate.Struct(query); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	pageSize := query.PageSize
	if pageSize == 0 {
		pageSize = 50
	}

	executions, total, err := s.store.ListExecutions(ctx, ExecutionFilter{
		TaskID:   query.TaskID,
		Status:   models.ExecutionStatus(query.Status),
		Page:     query.Page,
		PageSize: pageSize,
	})
	if err != nil {
		return nil, err
	}

	return &dto.ExecutionListResponse{
		Executions: executions,
		Total:      total,
		Page:       query.Page,
		PageSize:   pageSize,
	}, nil
}

// PauseExecution sets the cooperative pause flag on an active execution.
// The action suspends at its next progress checkpoint.
func (s *SchedulerService) PauseExecution(ctx context.Context, id string) error {
	execution, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if execution.Status.Terminal() {
		return fmt.Errorf("%w: execution already finished", ErrValidation)
	}
	if execution.IsPaused {
		return fmt.Errorf("%w: execution is already paused", ErrValidation)
	}

	pause := true
	return s.store.SetExecutionControl(ctx, id, ExecutionControl{Pause: &pause})
}

// ResumeExecution lifts the pause flag on an active execution, or, for a
// terminal execution, starts a fresh run that resumes from its recorded
// per-child outcomes.
func (s *SchedulerService) ResumeExecution(ctx context.Context, id string) (*models.TaskExecution, error) {
	execution, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}

	if !execution.Status.Terminal() {
		if !execution.IsPaused {
			return nil, fmt.Errorf("%w: execution is not paused", ErrValidation)
		}
		pause := false
		if err := s.store.SetExecutionControl(ctx, id, ExecutionControl{Pause: &pause}); err != nil {
			return nil, err
		}
		return s.store.GetExecution(ctx, id)
	}

	// Terminal execution: resumption creates a new execution carrying a
	// pointer back to this one so workflows can skip completed children.
	task, err := s.store.GetTask(ctx, execution.TaskID)
	if err != nil {
		return nil, err
	}
	if !task.Enabled {
		return nil, fmt.Errorf("%w: task %q is disabled", ErrValidation, task.Name)
	}

	resumed, err := s.engine.Dispatch(ctx, task, 0, execution.ID, "resume")
	if err != nil {
		return nil, err
	}
	slog.Info("Execution resumed from terminal state",
		slog.String("previous_execution_id", id),
		slog.String("execution_id", resumed.ID),
		slog.String("task_id", task.ID))
	return resumed, nil
}

// TerminateExecution requests cooperative termination. A repeated request,
// or a request against an execution with no live worker activity, forces
// the record closed.
func (s *SchedulerService) TerminateExecution(ctx context.Context, id string) error {
	execution, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if execution.Status.Terminal() {
		return fmt.Errorf("%w: execution already finished", ErrValidation)
	}

	if !s.engine.IsExecutionLive(id) || execution.TerminateRequested {
		slog.Warn("Force-terminating execution",
			slog.String("execution_id", id),
			slog.Bool("previously_requested", execution.TerminateRequested))
		return s.store.ForceTerminate(ctx, id, "execution forcibly terminated")
	}

	terminate := true
	if err := s.store.SetExecutionControl(ctx, id, ExecutionControl{Terminate: &terminate}); err != nil {
		return err
	}
	s.engine.CancelExecution(id)
	return nil
}

// Workflow helpers

// GetWorkflowTasks resolves a workflow's children in declaration order
func (s *SchedulerService) GetWorkflowTasks(ctx context.Context, id string) ([]models.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Kind != models.TaskKindWorkflow {
		return nil, fmt.Errorf("%w: task %q is not a workflow", ErrValidation, task.Name)
	}

	cfg, err := models.ParseWorkflowConfig(task.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	children := make([]models.Task, 0, len(cfg.Tasks))
	for _, node := range cfg.Tasks {
		child, err := s.store.GetTask(ctx, node.TaskID)
		if err != nil {
			return nil, err
		}
		children = append(children, *child)
	}
	return children, nil
}

// ValidateWorkflowConfig checks a workflow config without saving anything
func (s *SchedulerService) ValidateWorkflowConfig(ctx context.Context, cfg map[string]interface{}) *dto.WorkflowValidationResponse {
	orchestrator := NewOrchestrator(s.store, s.engine)
	if err := orchestrator.ValidateConfig(ctx, cfg); err != nil {
		return &dto.WorkflowValidationResponse{Valid: false, Reason: err.Error()}
	}
	return &dto.WorkflowValidationResponse{Valid: true}
}

// Statistics and maintenance

// GetStats combines store and engine statistics. An empty taskID scopes
// the store numbers to the whole system.
func (s *SchedulerService) GetStats(ctx context.Context, taskID string) (*dto.StatsResponse, error) {
	taskStats, err := s.store.Stats(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &dto.StatsResponse{
		Tasks:  taskStats,
		Engine: s.engine.GetStats(),
	}, nil
}

// CleanupExecutions removes terminal executions past the retention window
func (s *SchedulerService) CleanupExecutions(ctx context.Context, olderThan time.Duration) (int64, error) {
	removed, err := s.store.CleanupExecutions(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		slog.Info("Cleaned up old executions", slog.Int64("removed", removed))
	}
	return removed, nil
}

// validateSchedule enforces the kind/schedule rules
func (s *SchedulerService) validateSchedule(kind models.TaskKind, cronExpr string, intervalSeconds int) error {
	switch kind {
	case models.TaskKindManual:
		if cronExpr != "" || intervalSeconds > 0 {
			return fmt.Errorf("%w: manual tasks cannot carry a schedule", ErrValidation)
		}
	case models.TaskKindCommon, models.TaskKindWorkflow:
		if cronExpr != "" && intervalSeconds > 0 {
			return fmt.Errorf("%w: cron_expression and interval_seconds are mutually exclusive", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown task type %q", ErrValidation, kind)
	}
	return nil
}

// validateConfig enforces per-kind config rules
func (s *SchedulerService) validateConfig(ctx context.Context, kind models.TaskKind, taskConfig map[string]interface{}) error {
	if taskConfig == nil {
		return fmt.Errorf("%w: config is required", ErrValidation)
	}

	task := models.Task{Config: taskConfig}
	_, hasCommand := task.Command()
	action, hasAction := task.TaskAction()

	if kind == models.TaskKindWorkflow {
		if hasCommand || hasAction {
			return fmt.Errorf("%w: workflow tasks cannot carry command or task_action", ErrValidation)
		}
		orchestrator := NewOrchestrator(s.store, s.engine)
		return orchestrator.ValidateConfig(ctx, taskConfig)
	}

	if hasCommand && hasAction {
		return fmt.Errorf("%w: command and task_action are mutually exclusive", ErrValidation)
	}
	if !hasCommand && !hasAction {
		return fmt.Errorf("%w: config requires command or task_action", ErrValidation)
	}
	if hasAction {
		if _, found := s.registry.Resolve(action); !found {
			slog.Warn("Task references unregistered action, execution will fail until it is registered",
				slog.String("task_action", action))
		}
	}
	return nil
}

func (s *SchedulerService) hasActiveExecution(ctx context.Context, taskID string) (bool, error) {
	for _, status := range []models.ExecutionStatus{models.StatusRunning, models.StatusPaused} {
		_, total, err := s.store.ListExecutions(ctx, ExecutionFilter{TaskID: taskID, Status: status, PageSize: 1})
		if err != nil {
			return false, err
		}
		if total > 0 {
			return true, nil
		}
	}
	return false, nil
}

// reloadSchedules refreshes cron entries when the engine is up
func (s *SchedulerService) reloadSchedules(ctx context.Context) {
	if !s.engine.IsRunning() {
		return
	}
	if err := s.engine.ReloadTasks(ctx); err != nil {
		slog.Error("Failed to reload schedules", slog.String("error", err.Error()))
	}
}
