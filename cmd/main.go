package main

import (
	"context"
	"flag"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"photoingest/internal/batch"
	"photoingest/internal/cache"
	"photoingest/internal/ingest"
	"photoingest/internal/logging"
	"photoingest/internal/models"
	"photoingest/internal/objectstore"
	"photoingest/internal/processing"
	"photoingest/internal/queue"
	"photoingest/internal/server"
	"photoingest/internal/sessions"
	"photoingest/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := models.LoadConfig(*configPath)
	if err != nil {
		bootLog := logging.New("production", "info")
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	log := logging.New(cfg.Environment, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		repo      storage.Repository
		sessStore sessions.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := storage.NewStorage(ctx, cfg.DatabaseURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init storage")
		}
		defer db.Close()
		repo = db
		sessStore = sessions.NewMemory()
		if cfg.Sessions.Backend == "postgres" {
			sessStore = db.Sessions()
		}
	} else {
		log.Warn().Msg("database_url not set, keeping records in memory")
		repo = storage.NewMemory()
		sessStore = sessions.NewMemory()
	}

	objects, err := objectstore.New(ctx, cfg.ObjectStore, publicBaseURL(cfg), []byte(cfg.JWTSecret))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init object store")
	}
	memObjects, _ := objects.(*objectstore.Memory)

	var q queue.Queue
	if cfg.KafkaBroker != "" {
		q = queue.NewKafka(cfg.KafkaBroker, cfg.KafkaTopic, cfg.KafkaGroup, log)
	} else {
		log.Warn().Msg("kafka_broker not set, using the in-process queue")
		q = queue.NewMemory(1024, log)
	}
	defer q.Close()

	processor := processing.NewProcessor(repo, objects, processing.NewImagingDeriver(cfg.WatermarkText), processing.Options{
		Variants:       cfg.Variants,
		SubtaskLimit:   cfg.Worker.SubtaskLimit,
		AttemptTimeout: cfg.Worker.AttemptTimeout,
		LeaseTTL:       cfg.Worker.LeaseTTL,
		WriteTimeout:   cfg.Worker.WriteTimeout,
		Backoff: processing.Backoff{
			Base:          cfg.Worker.BackoffBase,
			Max:           cfg.Worker.BackoffMax,
			JitterPercent: 20,
		},
	}, log)

	// workers outlive ctx so claimed attempts can finish during shutdown
	pool := queue.NewPool(context.WithoutCancel(ctx), cfg.Worker.Concurrency, processor.Handle, log)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := q.Consume(ctx, pool.Submit); err != nil {
			log.Error().Err(err).Msg("queue consumer stopped")
		}
	}()

	scheduler := processing.NewScheduler(repo, q, cfg.Worker.PollInterval, cfg.Worker.RedeliverAfter, log)
	go scheduler.Run(ctx)

	sweeper := sessions.NewSweeper(sessStore, objects, repo, cfg.Sessions.SweepInterval, cfg.Sessions.DeleteOrphans, log)
	go sweeper.Run(ctx)

	svc := ingest.NewService(ingest.Deps{
		Repo:       repo,
		Sessions:   sessStore,
		Objects:    objects,
		Queue:      q,
		Categories: ingest.NewStaticCategories(cfg.Categories),
		Moderation: ingest.FixedModeration(cfg.DefaultModeration),
		Cache:      cache.NewListing(cfg.Listing.CacheSize, cfg.Listing.CacheTTL),
	}, ingest.OptionsFromConfig(cfg), log)

	srv := server.NewServer(cfg, svc, batch.NewNotifier(log), memObjects, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	<-consumerDone
	pool.Close()
}

func publicBaseURL(cfg *models.Config) string {
	if cfg.ObjectStore.PublicURL != "" {
		return cfg.ObjectStore.PublicURL
	}
	addr := cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}
