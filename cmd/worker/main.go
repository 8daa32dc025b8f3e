package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jwalitptl/booking-notifier/internal/app"
	"github.com/jwalitptl/booking-notifier/internal/config"
	"github.com/jwalitptl/booking-notifier/pkg/logger"
)

func main() {
	// Load config
	cfg, err := config.LoadConfig(os.Getenv("NOTIFIER_CONFIG"))
	if err != nil {
		logger.NewLogger(nil).Fatal(err, "Failed to load config")
	}

	log := logger.NewLogger(&logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
	}).With("service", "notifier-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal(err, "Failed to initialize application")
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error(err, "Failed to release resources")
		}
	}()

	// Setup health check endpoints
	r, err := a.WorkerRouter()
	if err != nil {
		log.Fatal(err, "Failed to build health router")
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.WorkerPort),
		Handler: r.Engine(),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err, "Health check server failed")
		}
	}()

	log.Info("Worker started", "health_addr", srv.Addr)
	if err := a.RunWorkers(ctx); err != nil {
		log.Error(err, "Workers stopped with error")
	}
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "Health check server forced to shutdown")
	}
}
