package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go-kestrel/internal/scheduler/models"
	"go-kestrel/pkg/config"
	"go-kestrel/pkg/database"
)

const (
	tasksCollection      = "scheduled_tasks"
	executionsCollection = "task_executions"

	// gateLockTTL bounds how long a crashed process can hold a creation lock
	gateLockTTL = 30 * time.Second

	gateLockRetries  = 10
	gateLockInterval = 50 * time.Millisecond
)

// Repository is the Mongo-backed Store. Execution creation is serialized
// per task through a short-lived Redis lock so concurrent schedulers cannot
// both pass the active-execution check.
type Repository struct {
	mongodb        *database.MongoDB
	redis          *database.Redis
	maxResultChars int
}

// NewRepository creates the production store
func NewRepository(mongodb *database.MongoDB, redis *database.Redis) *Repository {
	return &Repository{
		mongodb:        mongodb,
		redis:          redis,
		maxResultChars: config.GetMaxResultChars(),
	}
}

func (r *Repository) tasks() *mongo.Collection {
	return r.mongodb.Collection(tasksCollection)
}

func (r *Repository) executions() *mongo.Collection {
	return r.mongodb.Collection(executionsCollection)
}

// Task operations

func (r *Repository) CreateTask(ctx context.Context, task *models.Task) error {
	now := time.Now().UTC()
	task.CreatedTime = now
	task.UpdatedTime = now

	if _, err := r.tasks().InsertOne(ctx, task); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: task name %q already exists", ErrValidation, task.Name)
		}
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (r *Repository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	err := r.tasks().FindOne(ctx, bson.M{"_id": id}).Decode(&task)
	if err == mongo.ErrNoDocuments {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

func (r *Repository) GetTaskByName(ctx context.Context, name string) (*models.Task, error) {
	var task models.Task
	err := r.tasks().FindOne(ctx, bson.M{"name": name}).Decode(&task)
	if err == mongo.ErrNoDocuments {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task by name: %w", err)
	}
	return &task, nil
}

func (r *Repository) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedTime = time.Now().UTC()

	result, err := r.tasks().ReplaceOne(ctx, bson.M{"_id": task.ID}, task)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: task name %q already exists", ErrValidation, task.Name)
		}
		return fmt.Errorf("failed to update task: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (r *Repository) DeleteTask(ctx context.Context, id string) error {
	result, err := r.tasks().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (r *Repository) ListTasks(ctx context.Context, filter TaskFilter) ([]models.Task, int64, error) {
	query := bson.M{}
	if filter.Kind != "" {
		query["task_type"] = filter.Kind
	}
	if filter.Enabled != nil {
		query["enabled"] = *filter.Enabled
	}
	if filter.Paused != nil {
		query["paused"] = *filter.Paused
	}
	if filter.Search != "" {
		query["name"] = bson.M{"$regex": filter.Search, "$options": "i"}
	}

	total, err := r.tasks().CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_time", Value: -1}})
	if filter.PageSize > 0 {
		opts.SetSkip(int64(filter.Page * filter.PageSize)).SetLimit(int64(filter.PageSize))
	}

	cursor, err := r.tasks().Find(ctx, query, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer cursor.Close(ctx)

	var tasks []models.Task
	if err := cursor.All(ctx, &tasks); err != nil {
		return nil, 0, fmt.Errorf("failed to decode tasks: %w", err)
	}
	return tasks, total, nil
}

func (r *Repository) SetTaskEnabled(ctx context.Context, id string, enabled bool, by string) error {
	return r.setTaskFlag(ctx, id, bson.M{"enabled": enabled}, by)
}

func (r *Repository) SetTaskPaused(ctx context.Context, id string, paused bool, by string) error {
	return r.setTaskFlag(ctx, id, bson.M{"paused": paused}, by)
}

func (r *Repository) setTaskFlag(ctx context.Context, id string, fields bson.M, by string) error {
	fields["updated_time"] = time.Now().UTC()
	if by != "" {
		fields["updated_by"] = by
	}

	result, err := r.tasks().UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("failed to update task flags: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Execution operations

// NewExecution implements the single-instance gate. The Redis lock only
// serializes the check-then-insert window; it is released immediately after
// the insert, not held for the execution's lifetime.
func (r *Repository) NewExecution(ctx context.Context, execution *models.TaskExecution) error {
	lockKey := fmt.Sprintf("kestrel:scheduler:gate:%s", execution.TaskID)

	acquired := false
	for attempt := 0; attempt < gateLockRetries; attempt++ {
		ok, err := r.redis.AcquireLock(ctx, lockKey, execution.ID, gateLockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire execution gate: %w", err)
		}
		if ok {
			acquired = true
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(gateLockInterval):
		}
	}
	if !acquired {
		return ErrExecutionConflict
	}
	defer func() {
		if err := r.redis.ReleaseLock(context.WithoutCancel(ctx), lockKey, execution.ID); err != nil {
			slog.Warn("Failed to release execution gate",
				slog.String("task_id", execution.TaskID),
				slog.String("error", err.Error()))
		}
	}()

	active, err := r.executions().CountDocuments(ctx, bson.M{
		"task_id": execution.TaskID,
		"status":  bson.M{"$in": []models.ExecutionStatus{models.StatusRunning, models.StatusPaused}},
	})
	if err != nil {
		return fmt.Errorf("failed to check active executions: %w", err)
	}
	if active > 0 {
		return ErrExecutionConflict
	}

	if _, err := r.executions().InsertOne(ctx, execution); err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

func (r *Repository) GetExecution(ctx context.Context, id string) (*models.TaskExecution, error) {
	var execution models.TaskExecution
	err := r.executions().FindOne(ctx, bson.M{"_id": id}).Decode(&execution)
	if err == mongo.ErrNoDocuments {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return &execution, nil
}

func (r *Repository) SetExecutionWorker(ctx context.Context, id string, workerID string) error {
	result, err := r.executions().UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"worker_id": workerID}})
	if err != nil {
		return fmt.Errorf("failed to set execution worker: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func (r *Repository) UpdateExecutionProgress(ctx context.Context, id string, update ProgressUpdate) error {
	fields := bson.M{}
	if update.Percent != nil {
		fields["progress_percent"] = *update.Percent
	}
	if update.CurrentItem != nil {
		fields["current_item"] = *update.CurrentItem
	}
	if update.TotalItems != nil {
		fields["total_items"] = *update.TotalItems
	}
	if update.ProcessedItems != nil {
		fields["processed_items"] = *update.ProcessedItems
	}
	if update.EstimatedEndTime != nil {
		fields["estimated_end_time"] = *update.EstimatedEndTime
	}
	if len(fields) == 0 {
		return nil
	}

	result, err := r.executions().UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("failed to update execution progress: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

// SetExecutionControl applies pause/terminate flags. Only active executions
// are affected; the terminate flag never transitions back to false.
func (r *Repository) SetExecutionControl(ctx context.Context, id string, control ExecutionControl) error {
	fields := bson.M{}
	if control.Pause != nil {
		fields["is_paused"] = *control.Pause
		if *control.Pause {
			fields["status"] = models.StatusPaused
		} else {
			fields["status"] = models.StatusRunning
		}
	}
	if control.Terminate != nil && *control.Terminate {
		fields["terminate_requested"] = true
	}
	if len(fields) == 0 {
		return nil
	}

	result, err := r.executions().UpdateOne(ctx, bson.M{
		"_id":    id,
		"status": bson.M{"$in": []models.ExecutionStatus{models.StatusRunning, models.StatusPaused}},
	}, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("failed to update execution control: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func (r *Repository) FinishExecution(ctx context.Context, id string, status models.ExecutionStatus, result models.Result, errorMessage string) error {
	execution, err := r.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if execution.Status.Terminal() {
		// Already closed, likely by forced termination. Keep that outcome.
		return nil
	}

	now := time.Now().UTC()
	fields := bson.M{
		"status":           status,
		"end_time":         now,
		"duration_seconds": now.Sub(execution.StartTime).Seconds(),
		"is_paused":        false,
	}
	if result != nil {
		fields["result"] = CompactResult(result, r.maxResultChars)
	}
	if errorMessage != "" {
		fields["error_message"] = errorMessage
	}
	if status == models.StatusSuccess {
		fields["progress_percent"] = 100.0
	}

	updateResult, err := r.executions().UpdateOne(ctx, bson.M{
		"_id":    id,
		"status": bson.M{"$in": []models.ExecutionStatus{models.StatusRunning, models.StatusPaused, models.StatusPending}},
	}, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}
	if updateResult.MatchedCount == 0 {
		// Lost the race against a forced close. Not an error.
		return nil
	}
	return nil
}

func (r *Repository) ForceTerminate(ctx context.Context, id string, errorMessage string) error {
	execution, err := r.GetExecution(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	fields := bson.M{
		"status":              models.StatusTerminated,
		"end_time":            now,
		"duration_seconds":    now.Sub(execution.StartTime).Seconds(),
		"is_paused":           false,
		"terminate_requested": true,
	}
	if errorMessage != "" {
		fields["error_message"] = errorMessage
	}

	// Only non-terminal rows are eligible. A worker closing the row between
	// our read and this write keeps its outcome; MatchedCount 0 is not an
	// error.
	if _, err := r.executions().UpdateOne(ctx, bson.M{
		"_id":    id,
		"status": bson.M{"$in": []models.ExecutionStatus{models.StatusRunning, models.StatusPaused, models.StatusPending}},
	}, bson.M{"$set": fields}); err != nil {
		return fmt.Errorf("failed to force-terminate execution: %w", err)
	}
	return nil
}

func (r *Repository) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]models.TaskExecution, int64, error) {
	query := bson.M{}
	if filter.TaskID != "" {
		query["task_id"] = filter.TaskID
	}
	if filter.Status != "" {
		query["status"] = filter.Status
	}

	total, err := r.executions().CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
	}

	opts := options.Find().SetSort(bson.D{{Key: "start_time", Value: -1}})
	if filter.PageSize > 0 {
		opts.SetSkip(int64(filter.Page * filter.PageSize)).SetLimit(int64(filter.PageSize))
	}

	cursor, err := r.executions().Find(ctx, query, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list executions: %w", err)
	}
	defer cursor.Close(ctx)

	var executions []models.TaskExecution
	if err := cursor.All(ctx, &executions); err != nil {
		return nil, 0, fmt.Errorf("failed to decode executions: %w", err)
	}
	return executions, total, nil
}

func (r *Repository) ListActiveExecutions(ctx context.Context) ([]models.TaskExecution, error) {
	cursor, err := r.executions().Find(ctx, bson.M{
		"status": bson.M{"$in": []models.ExecutionStatus{models.StatusRunning, models.StatusPaused}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list active executions: %w", err)
	}
	defer cursor.Close(ctx)

	var executions []models.TaskExecution
	if err := cursor.All(ctx, &executions); err != nil {
		return nil, fmt.Errorf("failed to decode active executions: %w", err)
	}
	return executions, nil
}

func (r *Repository) GetLatestExecution(ctx context.Context, taskID string) (*models.TaskExecution, error) {
	var execution models.TaskExecution
	opts := options.FindOne().SetSort(bson.D{{Key: "start_time", Value: -1}})
	err := r.executions().FindOne(ctx, bson.M{"task_id": taskID}, opts).Decode(&execution)
	if err == mongo.ErrNoDocuments {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest execution: %w", err)
	}
	return &execution, nil
}

func (r *Repository) Stats(ctx context.Context, taskID string) (*models.TaskStats, error) {
	stats := &models.TaskStats{}

	taskQuery := bson.M{}
	if taskID != "" {
		taskQuery["_id"] = taskID
	}
	total, err := r.tasks().CountDocuments(ctx, taskQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	stats.TotalTasks = total

	enabledQuery := bson.M{"enabled": true}
	if taskID != "" {
		enabledQuery["_id"] = taskID
	}
	enabled, err := r.tasks().CountDocuments(ctx, enabledQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to count enabled tasks: %w", err)
	}
	stats.EnabledTasks = enabled

	execQuery := bson.M{}
	if taskID != "" {
		execQuery["task_id"] = taskID
	}

	countByStatus := func(statuses ...models.ExecutionStatus) (int64, error) {
		q := bson.M{"status": bson.M{"$in": statuses}}
		if taskID != "" {
			q["task_id"] = taskID
		}
		return r.executions().CountDocuments(ctx, q)
	}

	if stats.TotalExecutions, err = r.executions().CountDocuments(ctx, execQuery); err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}
	if stats.SuccessCount, err = countByStatus(models.StatusSuccess, models.StatusCompleted); err != nil {
		return nil, fmt.Errorf("failed to count successes: %w", err)
	}
	if stats.FailedCount, err = countByStatus(models.StatusFailed); err != nil {
		return nil, fmt.Errorf("failed to count failures: %w", err)
	}
	if stats.TerminatedCount, err = countByStatus(models.StatusTerminated); err != nil {
		return nil, fmt.Errorf("failed to count terminations: %w", err)
	}
	if stats.RunningCount, err = countByStatus(models.StatusRunning, models.StatusPaused); err != nil {
		return nil, fmt.Errorf("failed to count running executions: %w", err)
	}

	// Average runtime over closed executions
	matchStage := bson.M{"end_time": bson.M{"$ne": nil}}
	if taskID != "" {
		matchStage["task_id"] = taskID
	}
	pipeline := []bson.M{
		{"$match": matchStage},
		{"$group": bson.M{
			"_id":          nil,
			"avg_duration": bson.M{"$avg": "$duration_seconds"},
			"last_start":   bson.M{"$max": "$start_time"},
		}},
	}
	cursor, err := r.executions().Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate execution stats: %w", err)
	}
	defer cursor.Close(ctx)

	var agg []struct {
		AvgDuration float64   `bson:"avg_duration"`
		LastStart   time.Time `bson:"last_start"`
	}
	if err := cursor.All(ctx, &agg); err != nil {
		return nil, fmt.Errorf("failed to decode execution stats: %w", err)
	}
	if len(agg) > 0 {
		stats.AverageRuntime = (time.Duration(agg[0].AvgDuration * float64(time.Second))).Round(time.Millisecond).String()
		last := agg[0].LastStart
		stats.LastExecution = &last
	} else {
		stats.AverageRuntime = "0s"
	}

	return stats, nil
}

// CleanupExecutions removes terminal executions older than the retention window
func (r *Repository) CleanupExecutions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := r.executions().DeleteMany(ctx, bson.M{
		"status":   bson.M{"$in": []models.ExecutionStatus{models.StatusSuccess, models.StatusFailed, models.StatusCompleted, models.StatusTerminated}},
		"end_time": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean up executions: %w", err)
	}
	return result.DeletedCount, nil
}
