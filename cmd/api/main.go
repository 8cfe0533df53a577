package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/claimexport/internal/api"
	"github.com/timmy/claimexport/internal/api/handler"
	"github.com/timmy/claimexport/internal/app"
	"github.com/timmy/claimexport/internal/config"
	"github.com/timmy/claimexport/internal/logger"
	"github.com/timmy/claimexport/internal/service"
)

func main() {
	appLogger := logger.NewFromEnv(nil)
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	// Support CONFIG_PATH environment variable for production deployments
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	a, err := app.New(cfg, appLogger, service.LogObserver{})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize export pipeline")
	}

	// A job left running by a previous process shows up as stale and can be resumed
	if report, err := a.Exports.Status(context.Background()); err == nil && report.Stale {
		appLogger.WithFields(logger.Fields{
			logger.FieldJobID: report.Job.ID,
			"completed":       report.Job.CompletedCount,
			"total":           report.Job.Total,
		}).Warn("Found interrupted export job; POST /api/v1/exports/resume to continue")
	}

	exportHandler := handler.NewExportHandler(a.Exports, a.Assembler, a.Publisher, a.Progress, appLogger)
	healthHandler := handler.NewHealthHandler(a.Exports.Running)
	router := api.SetupRouter(exportHandler, healthHandler, &cfg.Server, appLogger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	// A background export is not waited for; its ledger makes it resumable
	appLogger.Info("Server exited")
}
