package services

import (
	"context"
	"time"

	"go-kestrel/internal/scheduler/models"
)

// TaskFilter narrows and paginates task listings
type TaskFilter struct {
	Kind     models.TaskKind
	Enabled  *bool
	Paused   *bool
	Search   string
	Page     int
	PageSize int
}

// ExecutionFilter narrows and paginates execution history
type ExecutionFilter struct {
	TaskID   string
	Status   models.ExecutionStatus
	Page     int
	PageSize int
}

// ProgressUpdate carries partial progress fields. Nil fields are left as-is.
type ProgressUpdate struct {
	Percent          *float64
	CurrentItem      *string
	TotalItems       *int
	ProcessedItems   *int
	EstimatedEndTime *time.Time
}

// ExecutionControl carries cooperative control flag changes. The terminate
// flag is monotonic; a false value is ignored.
type ExecutionControl struct {
	Pause     *bool
	Terminate *bool
}

// Store is the persistence boundary for tasks and executions. The Mongo
// repository implements it in production; tests substitute an in-memory one.
type Store interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetTaskByName(ctx context.Context, name string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]models.Task, int64, error)
	SetTaskEnabled(ctx context.Context, id string, enabled bool, by string) error
	SetTaskPaused(ctx context.Context, id string, paused bool, by string) error

	// NewExecution inserts an execution after passing the single-instance
	// gate. Returns ErrExecutionConflict when the task already has an
	// active execution.
	NewExecution(ctx context.Context, execution *models.TaskExecution) error
	GetExecution(ctx context.Context, id string) (*models.TaskExecution, error)
	SetExecutionWorker(ctx context.Context, id string, workerID string) error
	UpdateExecutionProgress(ctx context.Context, id string, update ProgressUpdate) error
	SetExecutionControl(ctx context.Context, id string, control ExecutionControl) error

	// FinishExecution closes an execution: terminal status, end time,
	// duration, compacted result. A no-op when the row is already terminal.
	FinishExecution(ctx context.Context, id string, status models.ExecutionStatus, result models.Result, errorMessage string) error

	// ForceTerminate closes an execution unconditionally, recording the
	// given error message. Used by the sweeper and forced cleanup.
	ForceTerminate(ctx context.Context, id string, errorMessage string) error

	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]models.TaskExecution, int64, error)
	ListActiveExecutions(ctx context.Context) ([]models.TaskExecution, error)
	GetLatestExecution(ctx context.Context, taskID string) (*models.TaskExecution, error)

	Stats(ctx context.Context, taskID string) (*models.TaskStats, error)
	CleanupExecutions(ctx context.Context, olderThan time.Duration) (int64, error)
}
