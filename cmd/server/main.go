package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"comm_dispatch/internal/cache"
	"comm_dispatch/internal/channel"
	"comm_dispatch/internal/config"
	"comm_dispatch/internal/handlers"
	"comm_dispatch/internal/kafka"
	"comm_dispatch/internal/metrics"
	"comm_dispatch/internal/repository"
	"comm_dispatch/internal/service"
	"comm_dispatch/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---------- config ----------
	cfg := config.Load()

	logger := newLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	// ---------- metrics ----------
	metrics.Register()

	// ---------- db ----------
	pool, err := repository.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		logger.Fatal("db connect failed", zap.Error(err))
	}
	defer pool.Close()

	metrics.StartDBCollectors(ctx, pool, 15*time.Second, logger)

	// ---------- repositories ----------
	outboxRepo := repository.NewOutboxRepository(pool, cfg.Outbox.MaxRetries)
	store := repository.NewStore(
		pool,
		repository.NewCommunicationRepository(pool),
		repository.NewRecipientRepository(pool),
		repository.NewFileRepository(pool),
		outboxRepo,
	)
	directory := repository.NewDirectoryRepository(pool)

	// ---------- redis ----------
	rc := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rc.Close()
	if err := rc.Ping(ctx); err != nil {
		logger.Warn("redis ping failed, view cache and idempotency locks degraded", zap.Error(err))
	}
	cache.StartRedisSizeCollector(ctx, rc.RawClient(), 30*time.Second, logger)

	// ---------- blobs ----------
	blobs, err := storage.NewFSBlobStore(cfg.BlobDir)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}

	// ---------- channels ----------
	registry, err := channel.BuildRegistry(cfg, rc.RawClient(), logger)
	if err != nil {
		logger.Fatal("channel adapters init failed", zap.Error(err))
	}

	// ---------- services ----------
	attachments := service.NewAttachments(store, blobs, rc, cfg.CacheTTL, cfg.PublicBaseURL, logger)
	comms := service.NewCommunicationService(
		store,
		service.NewResolver(directory),
		attachments,
		registry,
		rc,
		cfg.CacheTTL,
		cfg.KafkaTopic,
		logger,
	)
	tracker := service.NewTracker(store, rc, cfg.CacheTTL, cfg.KafkaTopic, cfg.Dispatch.MaxAttempts, logger)
	dispatcher := service.NewDispatcher(store, directory, registry, attachments, tracker, cfg.Dispatch, logger)
	dispatcher.StartStaleSweeper(ctx, time.Minute)

	// ---------- kafka producer + outbox ----------
	producer, err := kafka.NewSyncProducer(cfg.KafkaBrokers)
	if err != nil {
		logger.Fatal("kafka producer init failed", zap.Error(err))
	}
	defer producer.Close()

	outbox := service.NewOutboxSender(
		outboxRepo,
		producer,
		cfg.Outbox.PollInterval,
		cfg.Outbox.BatchSize,
		cfg.Outbox.RetentionDays,
		logger,
	)
	outbox.Start(ctx)

	// ---------- kafka consumer ----------
	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaTopic, dispatcher, logger)
	if err != nil {
		logger.Fatal("kafka consumer init failed", zap.Error(err))
	}
	defer consumer.Close()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Start(ctx); err != nil {
			logger.Error("kafka consumer stopped", zap.Error(err))
		}
	}()

	// ---------- router ----------
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Author-ID", "Idempotency-Key"},
		MaxAge:         300,
	}))
	r.Use(metrics.HTTPMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	h := handlers.NewCommunicationHandler(comms, tracker, attachments, logger)
	handlers.RegisterCommunicationRoutes(r, h)

	// ---------- start server ----------
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.Strings("channels", channelNames(registry)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatch.SendTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}

	// outcomes of in-flight sends are written before the pool closes
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		logger.Warn("kafka consumer did not stop in time")
	}
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		logger.Warn("dispatch rounds still running at exit", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}

func channelNames(reg *channel.Registry) []string {
	out := make([]string, 0)
	for _, c := range reg.Channels() {
		out = append(out, string(c))
	}
	return out
}
