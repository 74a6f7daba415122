// Command download syncs the model from object storage without starting the
// job loop. Useful for baking models into images or pre-warming volumes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/podworker/worker/internal/infrastructure/config"
	"github.com/podworker/worker/internal/infrastructure/logger"
	"github.com/podworker/worker/internal/infrastructure/modelstore"
)

func main() {
	var (
		dir      string
		logLevel string
	)

	flag.StringVar(&dir, "dir", "", "Target directory (default: from configuration)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	log, err := logger.New(&logger.Config{
		Level:  logLevel,
		Format: "console",
		Output: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}
	if dir != "" {
		cfg.Model.Dir = dir
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := modelstore.NewClient(&cfg.Storage, modelstore.WithLogger(log))
	if err != nil {
		log.Fatal("Failed to create storage client", zap.Error(err))
	}

	downloader := modelstore.NewDownloader(client, cfg.Model,
		modelstore.WithDownloadLogger(log),
		modelstore.WithMaxRetries(cfg.Storage.MaxRetries),
	)

	manifest, err := downloader.Sync(ctx)
	if err != nil {
		log.Fatal("Model sync failed", zap.Error(err))
	}

	log.Info("Model sync complete",
		zap.String("dir", cfg.Model.Dir),
		zap.String("bucket", manifest.Bucket),
		zap.Int("objects", manifest.TotalObjects),
		zap.Int("succeeded", manifest.Succeeded),
		zap.Int("skipped", manifest.Skipped),
		zap.Int64("bytes", manifest.TotalBytes),
	)
}
