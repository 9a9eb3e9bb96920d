package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-kestrel/internal/scheduler/models"
)

// fakeLiveness marks a fixed set of execution ids as live
type fakeLiveness map[string]bool

func (f fakeLiveness) IsExecutionLive(executionID string) bool {
	return f[executionID]
}

func activeExecution(store *memStore, id, taskID string, paused bool) {
	status := models.StatusRunning
	if paused {
		status = models.StatusPaused
	}
	store.executions[id] = &models.TaskExecution{
		ID:        id,
		TaskID:    taskID,
		Status:    status,
		IsPaused:  paused,
		StartTime: time.Now().UTC().Add(-time.Hour),
		WorkerID:  "worker-0",
	}
}

func TestSweepTerminatesOrphans(t *testing.T) {
	store := newMemStore()
	activeExecution(store, "orphan", "t1", false)
	activeExecution(store, "live", "t2", false)

	sweeper := NewSweeper(store, fakeLiveness{"live": true}, time.Minute)
	orphans := sweeper.Sweep(context.Background())
	assert.Equal(t, 1, orphans)

	ctx := context.Background()

	orphaned, err := store.GetExecution(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, models.StatusTerminated, orphaned.Status)
	assert.Equal(t, orphanedExecutionMessage, orphaned.ErrorMessage)
	assert.True(t, orphaned.TerminateRequested)
	assert.False(t, orphaned.IsPaused)
	assert.NotNil(t, orphaned.EndTime)

	live, err := store.GetExecution(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, live.Status, "live executions are untouched")
}

func TestSweepRecoversPausedOrphans(t *testing.T) {
	store := newMemStore()
	activeExecution(store, "paused-orphan", "t1", true)

	sweeper := NewSweeper(store, fakeLiveness{}, time.Minute)
	assert.Equal(t, 1, sweeper.Sweep(context.Background()))

	orphaned, err := store.GetExecution(context.Background(), "paused-orphan")
	require.NoError(t, err)
	assert.Equal(t, models.StatusTerminated, orphaned.Status)
	assert.False(t, orphaned.IsPaused, "pause state is cleared so the slot frees up")
}

func TestSweepFreesSingleInstanceSlot(t *testing.T) {
	store := newMemStore()
	activeExecution(store, "orphan", "t1", false)

	// Slot is occupied before the sweep
	err := store.NewExecution(context.Background(), &models.TaskExecution{
		ID: "blocked", TaskID: "t1", Status: models.StatusRunning, StartTime: time.Now().UTC(),
	})
	require.ErrorIs(t, err, ErrExecutionConflict)

	NewSweeper(store, fakeLiveness{}, time.Minute).Sweep(context.Background())

	err = store.NewExecution(context.Background(), &models.TaskExecution{
		ID: "admitted", TaskID: "t1", Status: models.StatusRunning, StartTime: time.Now().UTC(),
	})
	require.NoError(t, err, "task can run again after recovery")
}

func TestForceTerminatePreservesFinishedRows(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	// Row finished normally between being listed as active and the
	// force-terminate write
	now := time.Now().UTC()
	store.executions["done"] = &models.TaskExecution{
		ID:        "done",
		TaskID:    "t1",
		Status:    models.StatusSuccess,
		StartTime: now.Add(-time.Minute),
		EndTime:   &now,
		Result:    models.Result{"message": "ok"},
	}

	require.NoError(t, store.ForceTerminate(ctx, "done", orphanedExecutionMessage))

	kept, err := store.GetExecution(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, kept.Status, "a finished row keeps its outcome")
	assert.Empty(t, kept.ErrorMessage)
	assert.False(t, kept.TerminateRequested)
}

func TestSweepNothingActive(t *testing.T) {
	store := newMemStore()
	sweeper := NewSweeper(store, fakeLiveness{}, time.Minute)
	assert.Equal(t, 0, sweeper.Sweep(context.Background()))
}
