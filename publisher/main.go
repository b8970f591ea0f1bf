package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"export-service/pkg/config"
	"export-service/pkg/database"
	"export-service/pkg/mq"
	"export-service/pkg/observability"
)

func main() {
	configPath := flag.String("config", os.Getenv("EXPORT_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return
	}
	defer dbClient.Close()

	mqClient, err := mq.New(cfg.RabbitMQ.URL)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		return
	}
	defer mqClient.Close()

	// Ensure topology exists; safe if already declared
	if err := mqClient.SetupTopology(); err != nil {
		logger.Error("failed to setup rabbitmq topology", "error", err)
		return
	}

	logger.Info("outbox publisher started")
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("outbox publisher stopped")
			return
		case <-ticker.C:
			processOutbox(ctx, dbClient, mqClient, logger)
		}
	}
}

func processOutbox(ctx context.Context, db *database.Client, mqClient *mq.Client, logger *slog.Logger) {
	messages, err := db.FetchOutboxMessages(ctx, 100)
	if err != nil {
		logger.Error("failed to fetch outbox messages", "error", err)
		return
	}
	for _, m := range messages {
		if err := mqClient.PublishJob(ctx, m.Exchange, m.RoutingKey, m.JobID); err != nil {
			logger.Error("failed to publish export job from outbox", "error", err, "job_id", m.JobID)
			continue
		}
		if err := db.DeleteOutboxMessage(ctx, m.ID); err != nil {
			logger.Error("failed to delete outbox message after publish", "error", err, "outbox_id", m.ID)
			continue
		}
		logger.Info("published export job from outbox", "job_id", m.JobID)
	}
}
