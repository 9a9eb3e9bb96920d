package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-kestrel/internal/scheduler/models"
)

func newTestEngine(t *testing.T, store Store) (*EngineService, *Registry) {
	t.Helper()

	registry := NewRegistry()
	engine := NewEngineService(store, registry, EngineConfig{
		Workers:               2,
		QueueSize:             16,
		Location:              time.UTC,
		DefaultCommandTimeout: time.Minute,
		PausePollInterval:     10 * time.Millisecond,
	})
	engine.SetOrchestrator(NewOrchestrator(store, engine))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, engine.Start(ctx))
	t.Cleanup(func() {
		engine.Stop()
		cancel()
	})
	return engine, registry
}

func commonTask(id, action string) *models.Task {
	return &models.Task{
		ID:      id,
		Name:    "task-" + id,
		Kind:    models.TaskKindCommon,
		Enabled: true,
		Config:  map[string]interface{}{"task_action": action},
	}
}

func waitForStatus(t *testing.T, store Store, executionID string, status models.ExecutionStatus) *models.TaskExecution {
	t.Helper()

	var execution *models.TaskExecution
	require.Eventually(t, func() bool {
		e, err := store.GetExecution(context.Background(), executionID)
		if err != nil {
			return false
		}
		execution = e
		return e.Status == status
	}, 5*time.Second, 10*time.Millisecond, "execution never reached %s", status)
	return execution
}

func TestTriggerTaskRunsToSuccess(t *testing.T) {
	store := newMemStore()
	engine, registry := newTestEngine(t, store)
	ctx := context.Background()

	require.NoError(t, registry.Register("greet", ExecutorFunc(
		func(ctx context.Context, task *models.Task, execution *models.TaskExecution, progress ProgressFunc) (models.Result, error) {
			return models.Result{"message": "hello"}, nil
		})))
	require.NoError(t, store.CreateTask(ctx, commonTask("t1", "greet")))

	execution, err := engine.TriggerTask(ctx, "t1")
	require.NoError(t, err)

	finished := waitForStatus(t, store, execution.ID, models.StatusSuccess)
	assert.Equal(t, 100.0, finished.ProgressPercent)
	assert.Equal(t, "hello", finished.Result["message"])
	assert.NotNil(t, finished.EndTime)
	assert.Greater(t, finished.DurationSeconds, 0.0)
	assert.False(t, engine.IsExecutionLive(execution.ID))
}

func TestTriggerDisabledTaskFails(t *testing.T) {
	store := newMemStore()
	engine, _ := newTestEngine(t, store)
	ctx := context.Background()

	task := commonTask("t1", "noop")
	task.Enabled = false
	require.NoError(t, store.CreateTask(ctx, task))

	_, err := engine.TriggerTask(ctx, "t1")
	require.ErrorIs(t, err, ErrValidation)
}

func TestSingleInstanceGate(t *testing.T) {
	store := newMemStore()
	engine, registry := newTestEngine(t, store)
	ctx := context.Background()

	release := make(chan struct{})
	require.NoError(t, registry.Register("block", ExecutorFunc(
		func(ctx context.Context, task *models.Task, execution *models.TaskExecution, progress ProgressFunc) (models.Result, error) {
			<-release
			return models.Result{"done": true}, nil
		})))
	require.NoError(t, store.CreateTask(ctx, commonTask("t1", "block")))

	first, err := engine.TriggerTask(ctx, "t1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return engine.IsExecutionLive(first.ID)
	}, 5*time.Second, 10*time.Millisecond)

	_, err = engine.TriggerTask(ctx, "t1")
	require.ErrorIs(t, err, ErrExecutionConflict)

	close(release)
	waitForStatus(t, store, first.ID, models.StatusSuccess)

	// Slot released, a new run is admitted
	release = make(chan struct{})
	close(release)
	_, err = engine.TriggerTask(ctx, "t1")
	require.NoError(t, err)
}

func TestRetryPolicySpawnsFreshExecutions(t *testing.T) {
	store := newMemStore()
	engine, registry := newTestEngine(t, store)
	ctx := context.Background()

	require.NoError(t, registry.Register("flaky", ExecutorFunc(
		func(ctx context.Context, task *models.Task, execution *models.TaskExecution, progress ProgressFunc) (models.Result, error) {
			return nil, fmt.Errorf("backend unavailable")
		})))

	task := commonTask("t1", "flaky")
	task.MaxRetries = 2
	task.RetryInterval = 0
	require.NoError(t, store.CreateTask(ctx, task))

	_, err := engine.TriggerTask(ctx, "t1")
	require.NoError(t, err)

	var executions []models.TaskExecution
	require.Eventually(t, func() bool {
		all, _, err := store.ListExecutions(ctx, ExecutionFilter{TaskID: "t1"})
		if err != nil {
			return false
		}
		executions = all
		if len(all) != 3 {
			return false
		}
		for _, e := range all {
			if e.Status != models.StatusFailed {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "expected 3 failed executions")

	retryCounts := map[int]bool{}
	for _, e := range executions {
		retryCounts[e.RetryCount] = true
		assert.Equal(t, "backend unavailable", e.ErrorMessage)
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, retryCounts,
		"each attempt is its own execution with an incremented retry count")
}

func TestTerminationNeverRetries(t *testing.T) {
	store := newMemStore()
	engine, registry := newTestEngine(t, store)
	ctx := context.Background()

	require.NoError(t, registry.Register("loop", ExecutorFunc(
		func(ctx context.Context, task *models.Task, execution *models.TaskExecution, progress ProgressFunc) (models.Result, error) {
			for {
				if err := progress(ctx, ProgressUpdate{}); err != nil {
					return nil, err
				}
				select {
				case <-time.After(5 * time.Millisecond):
				case <-ctx.Done():
					return nil, ErrTerminateRequested
				}
			}
		})))

	task := commonTask("t1", "loop")
	task.MaxRetries = 3
	require.NoError(t, store.CreateTask(ctx, task))

	execution, err := engine.TriggerTask(ctx, "t1")
	require.NoError(t, err)

	terminate := true
	require.Eventually(t, func() bool {
		return store.SetExecutionControl(ctx, execution.ID, ExecutionControl{Terminate: &terminate}) == nil
	}, 5*time.Second, 10*time.Millisecond)

	waitForStatus(t, store, execution.ID, models.StatusTerminated)

	// No retry follows a user-requested termination
	time.Sleep(100 * time.Millisecond)
	all, total, err := store.ListExecutions(ctx, ExecutionFilter{TaskID: "t1"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, models.StatusTerminated, all[0].Status)
}

func TestContextCancelledByTerminateEndsTerminated(t *testing.T) {
	store := newMemStore()
	engine, registry := newTestEngine(t, store)
	ctx := context.Background()

	// The action propagates the context error instead of mapping it to
	// ErrTerminateRequested itself
	require.NoError(t, registry.Register("ctxloop", ExecutorFunc(
		func(ctx context.Context, task *models.Task, execution *models.TaskExecution, progress ProgressFunc) (models.Result, error) {
			for {
				if err := progress(ctx, ProgressUpdate{}); err != nil {
					<-ctx.Done()
					return nil, ctx.Err()
				}
				select {
				case <-time.After(5 * time.Millisecond):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		})))

	task := commonTask("t1", "ctxloop")
	task.MaxRetries = 3
	require.NoError(t, store.CreateTask(ctx, task))

	execution, err := engine.TriggerTask(ctx, "t1")
	require.NoError(t, err)

	terminate := true
	require.Eventually(t, func() bool {
		return store.SetExecutionControl(ctx, execution.ID, ExecutionControl{Terminate: &terminate}) == nil
	}, 5*time.Second, 10*time.Millisecond)

	finished := waitForStatus(t, store, execution.ID, models.StatusTerminated)
	assert.Equal(t, "execution terminated by request", finished.ErrorMessage)

	// A cancellation caused by terminate is not an action failure; no retries
	time.Sleep(100 * time.Millisecond)
	_, total, err := store.ListExecutions(ctx, ExecutionFilter{TaskID: "t1"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestPauseSuspendsAndResumeContinues(t *testing.T) {
	store := newMemStore()
	engine, registry := newTestEngine(t, store)
	ctx := context.Background()

	require.NoError(t, registry.Register("steps", ExecutorFunc(
		func(ctx context.Context, task *models.Task, execution *models.TaskExecution, progress ProgressFunc) (models.Result, error) {
			total := 200
			for i := 1; i <= total; i++ {
				processed := i
				if err := progress(ctx, ProgressUpdate{ProcessedItems: &processed, TotalItems: &total}); err != nil {
					return nil, err
				}
				time.Sleep(2 * time.Millisecond)
			}
			return models.Result{"steps": total}, nil
		})))
	require.NoError(t, store.CreateTask(ctx, commonTask("t1", "steps")))

	execution, err := engine.TriggerTask(ctx, "t1")
	require.NoError(t, err)

	pause := true
	require.Eventually(t, func() bool {
		return store.SetExecutionControl(ctx, execution.ID, ExecutionControl{Pause: &pause}) == nil
	}, 5*time.Second, 10*time.Millisecond)

	paused := waitForStatus(t, store, execution.ID, models.StatusPaused)
	assert.True(t, paused.IsPaused)

	// Progress freezes while paused
	frozen := paused.ProcessedItems
	time.Sleep(100 * time.Millisecond)
	current, err := store.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, current.ProcessedItems, frozen+1, "at most the in-flight step lands after pausing")

	resume := false
	require.NoError(t, store.SetExecutionControl(ctx, execution.ID, ExecutionControl{Pause: &resume}))

	finished := waitForStatus(t, store, execution.ID, models.StatusSuccess)
	assert.Equal(t, 100.0, finished.ProgressPercent)
}

func TestTerminateWhilePausedEndsTerminated(t *testing.T) {
	store := newMemStore()
	engine, registry := newTestEngine(t, store)
	ctx := context.Background()

	require.NoError(t, registry.Register("steps", ExecutorFunc(
		func(ctx context.Context, task *models.Task, execution *models.TaskExecution, progress ProgressFunc) (models.Result, error) {
			for {
				if err := progress(ctx, ProgressUpdate{}); err != nil {
					return nil, err
				}
				time.Sleep(2 * time.Millisecond)
			}
		})))
	require.NoError(t, store.CreateTask(ctx, commonTask("t1", "steps")))

	execution, err := engine.TriggerTask(ctx, "t1")
	require.NoError(t, err)

	pause := true
	require.Eventually(t, func() bool {
		return store.SetExecutionControl(ctx, execution.ID, ExecutionControl{Pause: &pause}) == nil
	}, 5*time.Second, 10*time.Millisecond)
	waitForStatus(t, store, execution.ID, models.StatusPaused)

	terminate := true
	require.NoError(t, store.SetExecutionControl(ctx, execution.ID, ExecutionControl{Terminate: &terminate}))

	finished := waitForStatus(t, store, execution.ID, models.StatusTerminated)
	assert.False(t, finished.IsPaused, "pause flag clears on termination")
}

func TestProgressComputesPercentAndEta(t *testing.T) {
	store := newMemStore()
	engine, registry := newTestEngine(t, store)
	ctx := context.Background()

	reported := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, registry.Register("half", ExecutorFunc(
		func(ctx context.Context, task *models.Task, execution *models.TaskExecution, progress ProgressFunc) (models.Result, error) {
			time.Sleep(20 * time.Millisecond)
			processed, total := 5, 10
			if err := progress(ctx, ProgressUpdate{ProcessedItems: &processed, TotalItems: &total}); err != nil {
				return nil, err
			}
			close(reported)
			<-release
			return models.Result{}, nil
		})))
	require.NoError(t, store.CreateTask(ctx, commonTask("t1", "half")))

	execution, err := engine.TriggerTask(ctx, "t1")
	require.NoError(t, err)

	select {
	case <-reported:
	case <-time.After(5 * time.Second):
		t.Fatal("action never reported progress")
	}

	current, err := store.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, 50.0, current.ProgressPercent)
	assert.Equal(t, 5, current.ProcessedItems)
	assert.Equal(t, 10, current.TotalItems)
	require.NotNil(t, current.EstimatedEndTime)
	assert.True(t, current.EstimatedEndTime.After(current.StartTime))

	close(release)
	waitForStatus(t, store, execution.ID, models.StatusSuccess)
}

func TestUnresolvableTaskFailsExecution(t *testing.T) {
	store := newMemStore()
	engine, _ := newTestEngine(t, store)
	ctx := context.Background()

	task := &models.Task{
		ID:      "t1",
		Name:    "misconfigured",
		Kind:    models.TaskKindCommon,
		Enabled: true,
		Config:  map[string]interface{}{},
	}
	require.NoError(t, store.CreateTask(ctx, task))

	execution, err := engine.TriggerTask(ctx, "t1")
	require.NoError(t, err)

	finished := waitForStatus(t, store, execution.ID, models.StatusFailed)
	assert.Contains(t, finished.ErrorMessage, "neither command, task_action nor workflow")
}

func TestUnregisteredActionFailsExecution(t *testing.T) {
	store := newMemStore()
	engine, _ := newTestEngine(t, store)
	ctx := context.Background()

	require.NoError(t, store.CreateTask(ctx, commonTask("t1", "missing")))

	execution, err := engine.TriggerTask(ctx, "t1")
	require.NoError(t, err)

	finished := waitForStatus(t, store, execution.ID, models.StatusFailed)
	assert.Contains(t, finished.ErrorMessage, "no action registered")
}

func TestWorkflowThroughEngine(t *testing.T) {
	store := newMemStore()
	engine, registry := newTestEngine(t, store)
	ctx := context.Background()

	require.NoError(t, registry.Register("step", ExecutorFunc(
		func(ctx context.Context, task *models.Task, execution *models.TaskExecution, progress ProgressFunc) (models.Result, error) {
			return models.Result{"task": task.ID}, nil
		})))

	require.NoError(t, store.CreateTask(ctx, commonTask("a", "step")))
	require.NoError(t, store.CreateTask(ctx, commonTask("b", "step")))

	workflow := &models.Task{
		ID:      "wf",
		Name:    "pipeline",
		Kind:    models.TaskKindWorkflow,
		Enabled: true,
		Config: map[string]interface{}{
			"workflow_type": "serial",
			"tasks": []interface{}{
				map[string]interface{}{"task_id": "a"},
				map[string]interface{}{"task_id": "b", "dependencies": []interface{}{"a"}},
			},
		},
	}
	require.NoError(t, store.CreateTask(ctx, workflow))

	execution, err := engine.TriggerTask(ctx, "wf")
	require.NoError(t, err)

	finished := waitForStatus(t, store, execution.ID, models.StatusSuccess)
	assert.EqualValues(t, 2, finished.Result["success_count"])
	assert.EqualValues(t, 0, finished.Result["failed_count"])

	// Children ran as ordinary executions with their own rows
	for _, childID := range []string{"a", "b"} {
		_, total, err := store.ListExecutions(ctx, ExecutionFilter{TaskID: childID})
		require.NoError(t, err)
		assert.EqualValues(t, 1, total, "child %s has one execution", childID)
	}
}

func TestEngineStats(t *testing.T) {
	store := newMemStore()
	engine, registry := newTestEngine(t, store)
	ctx := context.Background()

	require.NoError(t, registry.Register("greet", ExecutorFunc(
		func(ctx context.Context, task *models.Task, execution *models.TaskExecution, progress ProgressFunc) (models.Result, error) {
			return models.Result{}, nil
		})))
	require.NoError(t, store.CreateTask(ctx, commonTask("t1", "greet")))

	execution, err := engine.TriggerTask(ctx, "t1")
	require.NoError(t, err)
	waitForStatus(t, store, execution.ID, models.StatusSuccess)

	require.Eventually(t, func() bool {
		return engine.GetStats().TotalExecuted == 1
	}, 5*time.Second, 10*time.Millisecond)

	stats := engine.GetStats()
	assert.Equal(t, 2, stats.WorkerCount)
	assert.True(t, stats.IsRunning)
	assert.Equal(t, 0, stats.ActiveExecutions)
}

func TestScheduleSpec(t *testing.T) {
	cronTask := &models.Task{CronExpression: "*/5 * * * *"}
	assert.Equal(t, "*/5 * * * *", scheduleSpec(cronTask))

	intervalTask := &models.Task{IntervalSeconds: 30}
	assert.Equal(t, "@every 30s", scheduleSpec(intervalTask))
}

func TestDispatchRejectedWhenStopped(t *testing.T) {
	store := newMemStore()
	registry := NewRegistry()
	engine := NewEngineService(store, registry, EngineConfig{Workers: 1, QueueSize: 1})

	_, err := engine.Dispatch(context.Background(), commonTask("t1", "x"), 0, "", "manual")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrExecutionConflict))
}
