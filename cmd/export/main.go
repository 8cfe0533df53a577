package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/timmy/claimexport/internal/app"
	"github.com/timmy/claimexport/internal/config"
	"github.com/timmy/claimexport/internal/domain"
	"github.com/timmy/claimexport/internal/logger"
	"github.com/timmy/claimexport/internal/service"
	"github.com/timmy/claimexport/internal/source"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		Output:      os.Stderr,
		ServiceName: "claimexport",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	csvPath := flag.String("csv", "", "Start a new export from this CSV file")
	testMode := flag.Bool("test-mode", false, "Export only the first few identifiers")
	resume := flag.Bool("resume", false, "Resume the persisted export job")
	status := flag.Bool("status", false, "Print the persisted job status")
	download := flag.String("download", "", "Write the export document to this path ('-' for stdout)")
	partial := flag.Bool("partial", false, "Allow downloading an unfinished job")
	publish := flag.Bool("publish", false, "Upload the export document to the configured output storage")
	reset := flag.Bool("reset", false, "Discard the persisted job and its checkpoints")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	envCfg := logger.LoadFromEnv()
	envCfg.Level = cfg.Log.Level
	envCfg.Format = cfg.Log.Format
	envCfg.LogFile = cfg.Log.File
	envCfg.Output = nil
	appLogger = logger.NewFromEnv(envCfg)
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	a, err := app.New(cfg, appLogger, service.LogObserver{})
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize export pipeline")
	}

	// Handle graceful shutdown; the job stays resumable
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()
	ctx = logger.SetComponent(appLogger.WithContext(ctx), "cli")

	ran := false
	if *reset {
		ran = true
		if err := a.Exports.Reset(ctx); err != nil {
			appLogger.WithError(err).Fatal("Failed to reset export job")
		}
		appLogger.Info("Export job reset")
	}

	if *csvPath != "" {
		ran = true
		stats, err := a.Exports.Start(ctx, source.NewFile(*csvPath), &service.ExportOptions{TestMode: *testMode})
		logStats(appLogger, stats, err, "Export")
	} else if *resume {
		ran = true
		stats, err := a.Exports.Resume(ctx)
		logStats(appLogger, stats, err, "Resume")
	}

	if *status {
		ran = true
		report, err := a.Exports.Status(ctx)
		if errors.Is(err, domain.ErrNoJob) {
			fmt.Println("No export job")
		} else if err != nil {
			appLogger.WithError(err).Fatal("Failed to read job status")
		} else {
			printJSON(report)
		}
	}

	if *download != "" {
		ran = true
		if err := writeDocument(ctx, a, *download, *partial); err != nil {
			appLogger.WithError(err).Fatal("Failed to write export document")
		}
	}

	if *publish {
		ran = true
		result, err := a.Publisher.Publish(ctx)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to publish export document")
		}
		printJSON(result)
	}

	if !ran {
		flag.Usage()
		os.Exit(2)
	}
}

func logStats(log *logger.Logger, stats *service.ExportStats, err error, op string) {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn(op + " interrupted; run with -resume to continue")
			os.Exit(130)
		}
		log.WithError(err).Fatal(op + " failed")
	}
	log.WithFields(logger.Fields{
		"job_id":    stats.JobID,
		"total":     stats.Total,
		"completed": stats.Completed,
		"failed":    stats.Failed,
		"resumed":   stats.Resumed,
		"duration":  stats.EndTime.Sub(stats.StartTime).String(),
	}).Info(op + " completed")
}

// writeDocument streams the assembled document to path.
func writeDocument(ctx context.Context, a *app.App, path string, partial bool) error {
	report, err := a.Exports.Status(ctx)
	if err != nil {
		return err
	}
	if !report.Job.IsDone() && !partial {
		return fmt.Errorf("export has %d of %d claims; pass -partial to write them", report.Job.CompletedCount, report.Job.Total)
	}

	var out io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	bw := bufio.NewWriter(out)
	if _, err := a.Assembler.AssembleCurrent(ctx, bw); err != nil {
		return err
	}
	return bw.Flush()
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
