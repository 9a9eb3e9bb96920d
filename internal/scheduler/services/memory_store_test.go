package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go-kestrel/internal/scheduler/models"
)

// memStore is an in-memory Store used by the service tests. The single
// mutex makes the check-then-insert gate atomic, mirroring what the Redis
// lock provides for the Mongo repository.
type memStore struct {
	mu             sync.Mutex
	tasks          map[string]*models.Task
	executions     map[string]*models.TaskExecution
	maxResultChars int
}

func newMemStore() *memStore {
	return &memStore{
		tasks:          make(map[string]*models.Task),
		executions:     make(map[string]*models.TaskExecution),
		maxResultChars: 60000,
	}
}

func copyTask(t *models.Task) *models.Task {
	c := *t
	return &c
}

func copyExecution(e *models.TaskExecution) *models.TaskExecution {
	c := *e
	return &c
}

func (m *memStore) CreateTask(_ context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.tasks {
		if existing.Name == task.Name {
			return ErrValidation
		}
	}
	now := time.Now().UTC()
	task.CreatedTime = now
	task.UpdatedTime = now
	m.tasks[task.ID] = copyTask(task)
	return nil
}

func (m *memStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return copyTask(task), nil
}

func (m *memStore) GetTaskByName(_ context.Context, name string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.tasks {
		if task.Name == name {
			return copyTask(task), nil
		}
	}
	return nil, ErrTaskNotFound
}

func (m *memStore) UpdateTask(_ context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return ErrTaskNotFound
	}
	task.UpdatedTime = time.Now().UTC()
	m.tasks[task.ID] = copyTask(task)
	return nil
}

func (m *memStore) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *memStore) ListTasks(_ context.Context, filter TaskFilter) ([]models.Task, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Task
	for _, task := range m.tasks {
		if filter.Kind != "" && task.Kind != filter.Kind {
			continue
		}
		if filter.Enabled != nil && task.Enabled != *filter.Enabled {
			continue
		}
		if filter.Paused != nil && task.Paused != *filter.Paused {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(task.Name), strings.ToLower(filter.Search)) {
			continue
		}
		out = append(out, *copyTask(task))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedTime.After(out[j].CreatedTime) })
	return out, int64(len(out)), nil
}

func (m *memStore) SetTaskEnabled(_ context.Context, id string, enabled bool, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Enabled = enabled
	task.UpdatedBy = by
	return nil
}

func (m *memStore) SetTaskPaused(_ context.Context, id string, paused bool, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Paused = paused
	task.UpdatedBy = by
	return nil
}

func (m *memStore) NewExecution(_ context.Context, execution *models.TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.executions {
		if existing.TaskID == execution.TaskID && existing.Status.Active() {
			return ErrExecutionConflict
		}
	}
	m.executions[execution.ID] = copyExecution(execution)
	return nil
}

func (m *memStore) GetExecution(_ context.Context, id string) (*models.TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	execution, ok := m.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return copyExecution(execution), nil
}

func (m *memStore) SetExecutionWorker(_ context.Context, id string, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	execution, ok := m.executions[id]
	if !ok {
		return ErrExecutionNotFound
	}
	execution.WorkerID = workerID
	return nil
}

func (m *memStore) UpdateExecutionProgress(_ context.Context, id string, update ProgressUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	execution, ok := m.executions[id]
	if !ok {
		return ErrExecutionNotFound
	}
	if update.Percent != nil {
		execution.ProgressPercent = *update.Percent
	}
	if update.CurrentItem != nil {
		execution.CurrentItem = *update.CurrentItem
	}
	if update.TotalItems != nil {
		execution.TotalItems = *update.TotalItems
	}
	if update.ProcessedItems != nil {
		execution.ProcessedItems = *update.ProcessedItems
	}
	if update.EstimatedEndTime != nil {
		execution.EstimatedEndTime = update.EstimatedEndTime
	}
	return nil
}

func (m *memStore) SetExecutionControl(_ context.Context, id string, control ExecutionControl) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	execution, ok := m.executions[id]
	if !ok || execution.Status.Terminal() {
		return ErrExecutionNotFound
	}
	if control.Pause != nil {
		execution.IsPaused = *control.Pause
		if *control.Pause {
			execution.Status = models.StatusPaused
		} else {
			execution.Status = models.StatusRunning
		}
	}
	if control.Terminate != nil && *control.Terminate {
		execution.TerminateRequested = true
	}
	return nil
}

func (m *memStore) FinishExecution(_ context.Context, id string, status models.ExecutionStatus, result models.Result, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	execution, ok := m.executions[id]
	if !ok {
		return ErrExecutionNotFound
	}
	if execution.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	execution.Status = status
	execution.EndTime = &now
	execution.DurationSeconds = now.Sub(execution.StartTime).Seconds()
	execution.IsPaused = false
	if result != nil {
		execution.Result = CompactResult(result, m.maxResultChars)
	}
	if errorMessage != "" {
		execution.ErrorMessage = errorMessage
	}
	if status == models.StatusSuccess {
		execution.ProgressPercent = 100
	}
	return nil
}

func (m *memStore) ForceTerminate(_ context.Context, id string, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	execution, ok := m.executions[id]
	if !ok {
		return ErrExecutionNotFound
	}
	if execution.Status.Terminal() {
		// A worker already closed the row; its outcome stands
		return nil
	}
	now := time.Now().UTC()
	execution.Status = models.StatusTerminated
	execution.EndTime = &now
	execution.DurationSeconds = now.Sub(execution.StartTime).Seconds()
	execution.IsPaused = false
	execution.TerminateRequested = true
	if errorMessage != "" {
		execution.ErrorMessage = errorMessage
	}
	return nil
}

func (m *memStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]models.TaskExecution, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TaskExecution
	for _, execution := range m.executions {
		if filter.TaskID != "" && execution.TaskID != filter.TaskID {
			continue
		}
		if filter.Status != "" && execution.Status != filter.Status {
			continue
		}
		out = append(out, *copyExecution(execution))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, int64(len(out)), nil
}

func (m *memStore) ListActiveExecutions(_ context.Context) ([]models.TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TaskExecution
	for _, execution := range m.executions {
		if execution.Status.Active() {
			out = append(out, *copyExecution(execution))
		}
	}
	return out, nil
}

func (m *memStore) GetLatestExecution(_ context.Context, taskID string) (*models.TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.TaskExecution
	for _, execution := range m.executions {
		if execution.TaskID != taskID {
			continue
		}
		if latest == nil || execution.StartTime.After(latest.StartTime) {
			latest = execution
		}
	}
	if latest == nil {
		return nil, ErrExecutionNotFound
	}
	return copyExecution(latest), nil
}

func (m *memStore) Stats(_ context.Context, taskID string) (*models.TaskStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &models.TaskStats{AverageRuntime: "0s"}
	for _, task := range m.tasks {
		if taskID != "" && task.ID != taskID {
			continue
		}
		stats.TotalTasks++
		if task.Enabled {
			stats.EnabledTasks++
		}
	}
	for _, execution := range m.executions {
		if taskID != "" && execution.TaskID != taskID {
			continue
		}
		stats.TotalExecutions++
		switch execution.Status {
		case models.StatusSuccess, models.StatusCompleted:
			stats.SuccessCount++
		case models.StatusFailed:
			stats.FailedCount++
		case models.StatusTerminated:
			stats.TerminatedCount++
		case models.StatusRunning, models.StatusPaused:
			stats.RunningCount++
		}
	}
	return stats, nil
}

func (m *memStore) CleanupExecutions(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var removed int64
	for id, execution := range m.executions {
		if execution.Status.Terminal() && execution.EndTime != nil && execution.EndTime.Before(cutoff) {
			delete(m.executions, id)
			removed++
		}
	}
	return removed, nil
}
