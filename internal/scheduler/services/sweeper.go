package services

import (
	"context"
	"log/slog"
	"time"
)

// orphanedExecutionMessage marks executions whose worker activity vanished,
// typically after a process restart. Kept verbatim for operator tooling
// that matches on it.
const orphanedExecutionMessage = "运行线程已丢失（可能由于系统重启）"

// livenessChecker reports whether this process owns an execution's worker
// activity. The engine implements it.
type livenessChecker interface {
	IsExecutionLive(executionID string) bool
}

// Sweeper reconciles the store against the in-process liveness registry.
// Executions persisted as active with no live worker activity are closed
// as terminated so their tasks can run again.
type Sweeper struct {
	store    Store
	liveness livenessChecker
	interval time.Duration
}

// NewSweeper creates a recovery sweeper
func NewSweeper(store Store, liveness livenessChecker, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		liveness: liveness,
		interval: interval,
	}
}

// Run sweeps once immediately, then on every tick until the context ends.
// The startup sweep is what recovers executions stranded by a crash.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep closes every orphaned active execution. Returns the orphan count.
func (s *Sweeper) Sweep(ctx context.Context) int {
	active, err := s.store.ListActiveExecutions(ctx)
	if err != nil {
		slog.Error("Sweeper failed to list active executions", slog.String("error", err.Error()))
		return 0
	}

	orphans := 0
	for i := range active {
		execution := &active[i]
		if s.liveness.IsExecutionLive(execution.ID) {
			continue
		}

		if err := s.store.ForceTerminate(ctx, execution.ID, orphanedExecutionMessage); err != nil {
			slog.Error("Sweeper failed to terminate orphaned execution",
				slog.String("execution_id", execution.ID),
				slog.String("task_id", execution.TaskID),
				slog.String("error", err.Error()))
			continue
		}

		orphans++
		slog.Warn("Terminated orphaned execution",
			slog.String("execution_id", execution.ID),
			slog.String("task_id", execution.TaskID),
			slog.String("worker_id", execution.WorkerID))
	}

	if orphans > 0 {
		slog.Info("Recovery sweep completed", slog.Int("orphans", orphans))
	}
	return orphans
}
