// Package scheduler provides durable task scheduling and execution:
// cron and interval schedules, manual triggers, multi-step workflows with
// dependency ordering, cooperative pause/terminate and crash recovery.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"

	"go-kestrel/internal/scheduler/services"
	"go-kestrel/pkg/config"
	"go-kestrel/pkg/database"
	"go-kestrel/pkg/module"
)

// Module wires the scheduler into the application lifecycle
type Module struct {
	*module.BaseModule
	service *services.SchedulerService
}

// New creates the scheduler module
func New(mongodb *database.MongoDB, redis *database.Redis) (*Module, error) {
	service, err := services.NewSchedulerService(mongodb, redis)
	if err != nil {
		return nil, err
	}

	return &Module{
		BaseModule: module.NewBaseModule("scheduler", mongodb, redis),
		service:    service,
	}, nil
}

// Service exposes the scheduler facade so collaborating modules can
// register actions and manage tasks.
func (m *Module) Service() *services.SchedulerService {
	return m.service
}

// Routes registers the module's HTTP surface
func (m *Module) Routes(r chi.Router) {
	m.RegisterHealthRoute(r)
}

// StartBackgroundTasks brings up the engine, the recovery sweeper, the
// retention cleanup loop and the health monitor.
func (m *Module) StartBackgroundTasks(ctx context.Context) {
	slog.Info("Starting scheduler module")

	if err := m.service.Start(ctx); err != nil {
		slog.Error("Failed to start scheduler engine", slog.String("error", err.Error()))
		return
	}

	go m.service.Sweeper().Run(ctx)
	go m.runCleanupLoop(ctx)
	go m.runHealthMonitor(ctx)

	<-m.waitForStop(ctx)
	m.service.Stop()
}

func (m *Module) waitForStop(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
		case <-m.StopChannel():
		}
	}()
	return done
}

// runCleanupLoop removes terminal executions past the retention window
func (m *Module) runCleanupLoop(ctx context.Context) {
	retention := config.GetExecutionRetention()

	ticker := time.NewTicker(12 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.StopChannel():
			return
		case <-ticker.C:
			if _, err := m.service.CleanupExecutions(ctx, retention); err != nil {
				slog.Error("Execution cleanup failed", slog.String("error", err.Error()))
			}
		}
	}
}

// runHealthMonitor periodically logs engine saturation
func (m *Module) runHealthMonitor(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.StopChannel():
			return
		case <-ticker.C:
			stats := m.service.Engine().GetStats()
			slog.Info("Scheduler engine health",
				slog.Int("active_executions", stats.ActiveExecutions),
				slog.Int("queued", stats.QueueSize),
				slog.Int64("total_executed", stats.TotalExecuted),
				slog.Bool("running", stats.IsRunning))
		}
	}
}
