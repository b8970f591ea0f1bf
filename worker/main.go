package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"export-service/pkg/config"
	"export-service/pkg/database"
	"export-service/pkg/export"
	"export-service/pkg/mq"
	"export-service/pkg/observability"
	"export-service/pkg/pipeline"
	"export-service/pkg/reaper"
	"export-service/pkg/storage"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	runner *pipeline.Runner
	logger *slog.Logger
)

func main() {
	configPath := flag.String("config", os.Getenv("EXPORT_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = observability.NewLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbClient, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		return
	}
	defer dbClient.Close()

	files, err := storage.FromConfig(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to open file storage", "provider", cfg.Storage.Provider, "error", err)
		return
	}
	runner = pipeline.NewRunner(dbClient, dbClient, files, logger)

	mqClient, err := mq.New(cfg.RabbitMQ.URL)
	if err != nil {
		slog.Error("failed to connect to rabbitmq", "error", err)
		return
	}
	defer mqClient.Close()

	if err := mqClient.SetupTopology(); err != nil {
		slog.Error("failed to setup rabbitmq topology", "error", err)
		return
	}

	observability.StartMetricsServer(cfg.Metrics.Addr)

	sched := reaper.NewScheduler(reaper.NewSweeper(dbClient, cfg.Export.StaleAfter, logger), cfg.Export.ReapSchedule)
	if err := sched.Start(ctx); err != nil {
		slog.Error("failed to start reaper", "error", err)
		return
	}

	deliveries, err := mqClient.ConsumeJobs(cfg.Export.WorkerConcurrency)
	if err != nil {
		slog.Error("failed to start consuming export jobs", "error", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(cfg.Export.WorkerConcurrency)
	for i := 0; i < cfg.Export.WorkerConcurrency; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-deliveries:
					if !ok {
						return
					}
					handleMessage(msg)
				}
			}
		}()
	}
	slog.Info("export workers started, waiting for jobs...", "concurrency", cfg.Export.WorkerConcurrency)

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutdown signal received, stopping workers...")
	cancel()
	wg.Wait()
	sched.Stop()
	slog.Info("all workers stopped gracefully")
}

func handleMessage(msg amqp.Delivery) {
	jobID := string(msg.Body)
	l := logger.With("job_id", jobID)

	// A run is not cancellable once started.
	err := runner.Run(context.Background(), jobID)
	switch {
	case err == nil:
		msg.Ack(false)
	case errors.Is(err, export.ErrExportFailed):
		// Recorded on the job; exports are not retried.
		msg.Ack(false)
	case errors.Is(err, export.ErrJobNotFound):
		l.Warn("dropping message for unknown export job")
		msg.Nack(false, false) // dead-letter
	default:
		l.Error("export job state could not be updated", "error", err)
		msg.Nack(false, true) // Requeue on transient DB error
	}
}
