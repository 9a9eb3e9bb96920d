package dto

// TaskCreateRequest creates a new scheduled task
type TaskCreateRequest struct {
	Name            string                 `json:"name" validate:"required,min=1,max=100"`
	Description     string                 `json:"description,omitempty" validate:"max=500"`
	Kind            string                 `json:"task_type" validate:"required,task_kind"`
	CronExpression  string                 `json:"cron_expression,omitempty" validate:"omitempty,cron_expr"`
	IntervalSeconds int                    `json:"interval_seconds,omitempty" validate:"omitempty,min=1"`
	Enabled         *bool                  `json:"enabled,omitempty"`
	Paused          bool                   `json:"paused,omitempty"`
	Config          map[string]interface{} `json:"config" validate:"required"`
	MaxRetries      int                    `json:"max_retries,omitempty" validate:"min=0,max=10"`
	RetryInterval   int                    `json:"retry_interval,omitempty" validate:"min=0,max=86400"`
	CreatedBy       string                 `json:"created_by,omitempty"`
}

// TaskUpdateRequest patches an existing task. Nil fields are left untouched.
type TaskUpdateRequest struct {
	Name            *string                `json:"name,omitempty" validate:"omitempty,min=1,max=100"`
	Description     *string                `json:"description,omitempty" validate:"omitempty,max=500"`
	CronExpression  *string                `json:"cron_expression,omitempty" validate:"omitempty,cron_expr"`
	IntervalSeconds *int                   `json:"interval_seconds,omitempty" validate:"omitempty,min=1"`
	Enabled         *bool                  `json:"enabled,omitempty"`
	Paused          *bool                  `json:"paused,omitempty"`
	Config          map[string]interface{} `json:"config,omitempty"`
	MaxRetries      *int                   `json:"max_retries,omitempty" validate:"omitempty,min=0,max=10"`
	RetryInterval   *int                   `json:"retry_interval,omitempty" validate:"omitempty,min=0,max=86400"`
	UpdatedBy       string                 `json:"updated_by,omitempty"`
}

// TaskListQuery filters and paginates the task list
type TaskListQuery struct {
	Kind     string `json:"task_type,omitempty" validate:"omitempty,task_kind"`
	Enabled  *bool  `json:"enabled,omitempty"`
	Paused   *bool  `json:"paused,omitempty"`
	Search   string `json:"search,omitempty" validate:"max=100"`
	Page     int    `json:"page,omitempty" validate:"min=0"`
	PageSize int    `json:"page_size,omitempty" validate:"min=0,max=500"`
}

// ExecutionListQuery paginates one task's execution history
type ExecutionListQuery struct {
	TaskID   string `json:"task_id" validate:"required"`
	Status   string `json:"status,omitempty" validate:"omitempty,execution_status"`
	Page     int    `json:"page,omitempty" validate:"min=0"`
	PageSize int    `json:"page_size,omitempty" validate:"min=0,max=500"`
}
