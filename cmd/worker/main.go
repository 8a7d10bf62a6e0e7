// The worker binary runs the processing pool, the notification dispatcher,
// and the periodic maintenance sweeps.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/dstanner/shutterbox/internal/blob"
	"github.com/dstanner/shutterbox/internal/bus"
	"github.com/dstanner/shutterbox/internal/config"
	"github.com/dstanner/shutterbox/internal/database"
	"github.com/dstanner/shutterbox/internal/ingest"
	"github.com/dstanner/shutterbox/internal/logging"
	"github.com/dstanner/shutterbox/internal/maintenance"
	"github.com/dstanner/shutterbox/internal/notify"
	"github.com/dstanner/shutterbox/internal/processing"
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

	workers := processing.New(images, blobs, events, processing.Options{
		ThumbnailMaxDim: cfg.ThumbnailMaxDim,
		PreviewMaxDim:   cfg.PreviewMaxDim,
		BlurSigma:       cfg.BlurSigma,
		DerivedQuality:  cfg.DerivedQuality,
		MaxRetries:      cfg.MaxRetries,
		RetryBaseDelay:  cfg.RetryBaseDelay,
		RetryMaxDelay:   cfg.RetryMaxDelay,
	}, logger)

	var channel notify.Channel
	if cfg.NotifyWebhookURL != "" {
		channel = notify.NewWebhookChannel(cfg.NotifyWebhookURL)
	} else {
		channel = &notify.LogChannel{Printf: logger.Infof}
	}
	dispatcher := notify.NewDispatcher(channel, logger)

	coordinator := ingest.New(images, blobs, events, cfg.MaxFileSize, cfg.AllowedTypes, logger)
	engine := share.NewEngine(images, shares, events, cfg.ShareTTL, logger)
	runner := maintenance.NewRunner(engine, coordinator, cfg.ReconcileThreshold, logger)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	tasks := asynq.NewServer(redisOpt, asynq.Config{Concurrency: 2})
	scheduler, err := maintenance.NewScheduler(redisOpt)
	if err != nil {
		logger.Fatalw("init scheduler", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		g.Go(func() error { return workers.Run(gctx, events) })
	}
	g.Go(func() error { return dispatcher.Run(gctx, events) })
	g.Go(func() error {
		go func() {
			<-gctx.Done()
			tasks.Shutdown()
			scheduler.Shutdown()
		}()
		return tasks.Run(runner.Handler())
	})
	g.Go(func() error { return scheduler.Run() })

	logger.Infow("worker running", "concurrency", cfg.WorkerConcurrency)
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Errorw("worker stopped", "error", err)
		os.Exit(1)
	}
}
