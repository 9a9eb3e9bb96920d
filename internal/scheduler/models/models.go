package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskKind discriminates how a task is scheduled and executed
type TaskKind string

const (
	TaskKindManual   TaskKind = "manual"
	TaskKindCommon   TaskKind = "common"
	TaskKindWorkflow TaskKind = "workflow"
)

// ExecutionStatus represents the state of a single execution attempt
type ExecutionStatus string

const (
	StatusPending    ExecutionStatus = "pending"
	StatusRunning    ExecutionStatus = "running"
	StatusPaused     ExecutionStatus = "paused"
	StatusSuccess    ExecutionStatus = "success"
	StatusFailed     ExecutionStatus = "failed"
	StatusCompleted  ExecutionStatus = "completed"
	StatusTerminated ExecutionStatus = "terminated"
)

// Terminal reports whether the status is final. Executions are never
// re-opened; resumption creates a new execution instead.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCompleted, StatusTerminated:
		return true
	}
	return false
}

// Active reports whether the execution occupies its task's single-instance slot
func (s ExecutionStatus) Active() bool {
	return s == StatusRunning || s == StatusPaused
}

// CreatedByScheduler is the auditor identity for engine-initiated writes
const CreatedByScheduler = "scheduler"

// Task is the schedulable unit. At most one of CronExpression and
// IntervalSeconds may be set; manual tasks carry neither.
type Task struct {
	ID              string                 `json:"id" bson:"_id"`
	Name            string                 `json:"name" bson:"name"`
	JobID           string                 `json:"job_id" bson:"job_id"`
	Description     string                 `json:"description,omitempty" bson:"description,omitempty"`
	Kind            TaskKind               `json:"task_type" bson:"task_type"`
	CronExpression  string                 `json:"cron_expression,omitempty" bson:"cron_expression,omitempty"`
	IntervalSeconds int                    `json:"interval_seconds,omitempty" bson:"interval_seconds,omitempty"`
	Enabled         bool                   `json:"enabled" bson:"enabled"`
	Paused          bool                   `json:"paused" bson:"paused"`
	Config          map[string]interface{} `json:"config" bson:"config"`
	MaxRetries      int                    `json:"max_retries" bson:"max_retries"`
	RetryInterval   int                    `json:"retry_interval" bson:"retry_interval"` // seconds
	CreatedBy       string                 `json:"created_by,omitempty" bson:"created_by,omitempty"`
	CreatedTime     time.Time              `json:"created_time" bson:"created_time"`
	UpdatedBy       string                 `json:"updated_by,omitempty" bson:"updated_by,omitempty"`
	UpdatedTime     time.Time              `json:"updated_time" bson:"updated_time"`
}

// Scheduled reports whether the task fires from the schedule source
func (t *Task) Scheduled() bool {
	return t.CronExpression != "" || t.IntervalSeconds > 0
}

// Command returns the external command from the task config, if any
func (t *Task) Command() (string, bool) {
	v, ok := t.Config["command"].(string)
	return v, ok && v != ""
}

// TaskAction returns the registered action name from the task config, if any
func (t *Task) TaskAction() (string, bool) {
	v, ok := t.Config["task_action"].(string)
	return v, ok && v != ""
}

// TimeoutSeconds returns the command timeout from the task config, or 0 when unset
func (t *Task) TimeoutSeconds() int {
	switch v := t.Config["timeout_seconds"].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Result is the free-form outcome of an execution, persisted as a document
type Result map[string]interface{}

// TaskExecution is one attempt at running a task
type TaskExecution struct {
	ID                    string          `json:"id" bson:"_id"`
	TaskID                string          `json:"task_id" bson:"task_id"`
	Status                ExecutionStatus `json:"status" bson:"status"`
	StartTime             time.Time       `json:"start_time" bson:"start_time"`
	EndTime               *time.Time      `json:"end_time,omitempty" bson:"end_time,omitempty"`
	DurationSeconds       float64         `json:"duration_seconds" bson:"duration_seconds"`
	ProgressPercent       float64         `json:"progress_percent" bson:"progress_percent"`
	CurrentItem           string          `json:"current_item,omitempty" bson:"current_item,omitempty"`
	TotalItems            int             `json:"total_items" bson:"total_items"`
	ProcessedItems        int             `json:"processed_items" bson:"processed_items"`
	EstimatedEndTime      *time.Time      `json:"estimated_end_time,omitempty" bson:"estimated_end_time,omitempty"`
	IsPaused              bool            `json:"is_paused" bson:"is_paused"`
	TerminateRequested    bool            `json:"terminate_requested" bson:"terminate_requested"`
	Result                Result          `json:"result,omitempty" bson:"result,omitempty"`
	ErrorMessage          string          `json:"error_message,omitempty" bson:"error_message,omitempty"`
	RetryCount            int             `json:"retry_count" bson:"retry_count"`
	ResumeFromExecutionID string          `json:"resume_from_execution_id,omitempty" bson:"resume_from_execution_id,omitempty"`
	WorkerID              string          `json:"worker_id,omitempty" bson:"worker_id,omitempty"`
	CreatedBy             string          `json:"created_by,omitempty" bson:"created_by,omitempty"`
	UpdatedBy             string          `json:"updated_by,omitempty" bson:"updated_by,omitempty"`
}

// Workflow configuration, stored inside Task.Config for workflow tasks.

const (
	WorkflowSerial   = "serial"
	WorkflowParallel = "parallel"

	OnFailureStop     = "stop"
	OnFailureContinue = "continue"
)

// WorkflowNode declares one child task and its intra-workflow dependencies
type WorkflowNode struct {
	TaskID       string   `json:"task_id"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// WorkflowConfig describes the DAG a workflow task orchestrates
type WorkflowConfig struct {
	WorkflowType          string         `json:"workflow_type"`
	Tasks                 []WorkflowNode `json:"tasks"`
	OnFailure             string         `json:"on_failure,omitempty"`
	ResumeFromExecutionID string         `json:"resume_from_execution_id,omitempty"`
}

// ParseWorkflowConfig decodes the opaque config document of a workflow task.
// Values round-trip through JSON so both API maps and bson documents decode.
func ParseWorkflowConfig(config map[string]interface{}) (*WorkflowConfig, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("invalid workflow config: %w", err)
	}

	var cfg WorkflowConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("invalid workflow config: %w", err)
	}

	if cfg.WorkflowType == "" {
		cfg.WorkflowType = WorkflowSerial
	}
	if cfg.OnFailure == "" {
		cfg.OnFailure = OnFailureStop
	}
	return &cfg, nil
}

// WorkflowTaskResult is one child's entry in the parent workflow result
type WorkflowTaskResult struct {
	Status  ExecutionStatus `json:"status"`
	Result  Result          `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Skipped bool            `json:"skipped,omitempty"`
}

// ParseWorkflowTaskResults extracts the task_results map from a stored
// workflow result document. Returns an empty map when absent or malformed.
func ParseWorkflowTaskResults(result Result) map[string]WorkflowTaskResult {
	out := make(map[string]WorkflowTaskResult)
	raw, ok := result["task_results"]
	if !ok {
		return out
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return out
	}
	if err := json.Unmarshal(encoded, &out); err != nil {
		return map[string]WorkflowTaskResult{}
	}
	return out
}

// TaskStats aggregates execution outcomes, optionally scoped to one task
type TaskStats struct {
	TotalTasks      int64      `json:"total_tasks"`
	EnabledTasks    int64      `json:"enabled_tasks"`
	TotalExecutions int64      `json:"total_executions"`
	SuccessCount    int64      `json:"success_count"`
	FailedCount     int64      `json:"failed_count"`
	TerminatedCount int64      `json:"terminated_count"`
	RunningCount    int64      `json:"running_count"`
	AverageRuntime  string     `json:"average_runtime"`
	LastExecution   *time.Time `json:"last_execution,omitempty"`
}

// EngineStats describes the runtime worker pool
type EngineStats struct {
	WorkerCount      int   `json:"worker_count"`
	QueueSize        int   `json:"queue_size"`
	ActiveExecutions int   `json:"active_executions"`
	TotalExecuted    int64 `json:"total_executed"`
	IsRunning        bool  `json:"is_running"`
}
