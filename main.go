package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"revfs/internal/api"
	"revfs/internal/config"
	"revfs/internal/logging"
	"revfs/internal/metrics"
	"revfs/internal/repo"

	"go.uber.org/zap"
)

func main() {
	// REVFS_CONFIG names the config file; unset falls back to
	// config/config.<REVFS_ENV>.json.
	cfg, err := config.Load(os.Getenv("REVFS_CONFIG"))
	if err != nil {
		log.Fatal("failed to load config:", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger:", err)
	}
	defer logger.Sync()

	m := metrics.New()
	r, err := repo.Open(repo.Options{
		Config:  cfg.Repository,
		Hooks:   cfg.Hooks,
		Logger:  logger.Component("repo"),
		Metrics: m,
	})
	if err != nil {
		logger.Fatal("failed to open repository", zap.String("path", cfg.Repository.Path), zap.Error(err))
	}
	defer r.Close()

	handler := api.NewServer(api.NewHandler(r, logger.Component("api")), m, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := api.Serve(ctx, addr, handler, logger.Logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
