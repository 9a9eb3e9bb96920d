package dto

import (
	"go-kestrel/internal/scheduler/models"
)

// TaskResponse wraps a single task
type TaskResponse struct {
	Task *models.Task `json:"task"`
}

// TaskListResponse is a paginated task list
type TaskListResponse struct {
	Tasks    []models.Task `json:"tasks"`
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

// ExecutionResponse wraps a single execution
type ExecutionResponse struct {
	Execution *models.TaskExecution `json:"execution"`
}

// ExecutionListResponse is a paginated execution history
type ExecutionListResponse struct {
	Executions []models.TaskExecution `json:"executions"`
	Total      int64                  `json:"total"`
	Page       int                    `json:"page"`
	PageSize   int                    `json:"page_size"`
}

// TriggerResponse reports a manual trigger outcome
type TriggerResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
}

// StatsResponse combines store and engine statistics
type StatsResponse struct {
	Tasks  *models.TaskStats   `json:"tasks"`
	Engine *models.EngineStats `json:"engine"`
}

// WorkflowValidationResponse reports workflow config validation
type WorkflowValidationResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}
