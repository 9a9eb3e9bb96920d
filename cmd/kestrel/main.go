package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "go.uber.org/automaxprocs"

	"go-kestrel/internal/scheduler"
	"go-kestrel/migrations"
	"go-kestrel/pkg/app"
	pkgmigrations "go-kestrel/pkg/migrations"
	"go-kestrel/pkg/version"
)

func main() {
	fmt.Printf("kestrel %s\n", version.GetVersionString())

	appCtx, err := app.InitializeApp("kestrel")
	if err != nil {
		slog.Error("Failed to initialize application", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Apply schema migrations before the engine touches collections
	runner := pkgmigrations.NewRunner(appCtx.MongoDB.Database)
	migrations.RegisterAll(runner)
	if err := runner.Run(ctx); err != nil {
		slog.Error("Failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	schedulerModule, err := scheduler.New(appCtx.MongoDB, appCtx.Redis)
	if err != nil {
		slog.Error("Failed to create scheduler module", slog.String("error", err.Error()))
		os.Exit(1)
	}

	go schedulerModule.StartBackgroundTasks(ctx)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Route("/scheduler", schedulerModule.Routes)

	port := app.GetPort("8080")
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("HTTP server listening", slog.String("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", slog.String("error", err.Error()))
	}

	schedulerModule.Stop()
	cancel()

	if err := appCtx.Shutdown(shutdownCtx); err != nil {
		slog.Error("Application shutdown failed", slog.String("error", err.Error()))
	}
}
