package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"export-service/pkg/config"
	"export-service/pkg/database"
	"export-service/pkg/delivery"
	"export-service/pkg/httpapi"
	"export-service/pkg/observability"
	"export-service/pkg/pipeline"
	"export-service/pkg/storage"

	"github.com/gin-gonic/gin"
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
		slog.Error("failed to connect to database", "error", err)
		return
	}
	defer dbClient.Close()

	// In a real deployment migrations run separately (exportctl migrate). The schema is idempotent.
	if err := dbClient.InitSchema(ctx); err != nil {
		slog.Error("failed to initialize schema", "error", err)
	}

	files, err := storage.FromConfig(ctx, cfg.Storage)
	if err != nil {
		slog.Error("failed to open file storage", "provider", cfg.Storage.Provider, "error", err)
		return
	}

	runner := pipeline.NewRunner(dbClient, dbClient, files, logger)

	var opts []pipeline.Option
	var pool *pipeline.Pool
	switch cfg.Export.Dispatch {
	case config.DispatchPool:
		pool = pipeline.NewPool(runner.Run, cfg.Export.PoolSize, cfg.Export.QueueSize, logger)
		// Runs finish even after shutdown starts; Stop drains the queue.
		pool.Start(context.WithoutCancel(ctx))
		opts = append(opts, pipeline.WithPool(pool))
	case config.DispatchQueue:
		opts = append(opts, pipeline.WithQueue())
	}
	service := pipeline.NewService(dbClient, runner, logger, opts...)
	gateway := delivery.NewGateway(dbClient, files, cfg.Delivery.PublicBaseURL, cfg.Delivery.TokenTTL, logger)

	observability.StartMetricsServer(cfg.Metrics.Addr)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), httpapi.RequestLogger(logger))
	httpapi.NewHandler(service, gateway, cfg.Auth.UserHeader, logger).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("API server starting", "addr", cfg.Server.Addr, "dispatch", cfg.Export.Dispatch)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("api server shutdown failed", "error", err)
	}
	if pool != nil {
		pool.Stop()
	}
	slog.Info("API server stopped gracefully")
}
