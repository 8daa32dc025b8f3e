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
	// Load configuration
	cfg, err := config.LoadConfig(os.Getenv("NOTIFIER_CONFIG"))
	if err != nil {
		logger.NewLogger(nil).Fatal(err, "failed to load configuration")
	}

	log := logger.NewLogger(&logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
	}).With("service", "notifier-api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal(err, "failed to initialize application")
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error(err, "failed to release resources")
		}
	}()

	r, err := a.APIRouter()
	if err != nil {
		log.Fatal(err, "failed to build router")
	}

	if a.Bridge != nil {
		if err := a.Bridge.Start(ctx); err != nil {
			log.Fatal(err, "failed to start realtime bridge")
		}
	}

	workersDone := make(chan struct{})
	if cfg.Server.EmbeddedWorker {
		go func() {
			defer close(workersDone)
			if err := a.RunWorkers(ctx); err != nil {
				log.Error(err, "workers stopped")
			}
		}()
	} else {
		close(workersDone)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("Starting server", "addr", srv.Addr, "embedded_worker", cfg.Server.EmbeddedWorker)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err, "failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "server forced to shutdown")
	}
	<-workersDone

	log.Info("Server exited properly")
}
