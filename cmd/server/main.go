// The server binary hosts the upload and share workflow API.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dstanner/shutterbox/internal/api"
	"github.com/dstanner/shutterbox/internal/blob"
	"github.com/dstanner/shutterbox/internal/bus"
	"github.com/dstanner/shutterbox/internal/config"
	"github.com/dstanner/shutterbox/internal/database"
	"github.com/dstanner/shutterbox/internal/ingest"
	"github.com/dstanner/shutterbox/internal/logging"
	"github.com/dstanner/shutterbox/internal/repository"
	"github.com/dstanner/shutterbox/internal/share"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Development)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatalw("connect database", "error", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		logger.Fatalw("ensure schema", "error", err)
	}
	images := repository.NewImageRepository(pool)
	shares := repository.NewShareRequestRepository(pool)

	blobs, err := blob.New(cfg)
	if err != nil {
		logger.Fatalw("init blob store", "error", err)
	}
	if err := blobs.EnsureBuckets(ctx); err != nil {
		logger.Fatalw("ensure buckets", "error", err)
	}

	events := bus.NewKafka(cfg.KafkaBrokers, cfg.ConsumerGroup, logger)
	defer events.Close()

	coordinator := ingest.New(images, blobs, events, cfg.MaxFileSize, cfg.AllowedTypes, logger)
	engine := share.NewEngine(images, shares, events, cfg.ShareTTL, logger)

	srv := api.New(cfg, coordinator, engine, images, blobs, logger)
	if err := srv.Run(ctx); err != nil {
		logger.Errorw("server stopped", "error", err)
		os.Exit(1)
	}
}
