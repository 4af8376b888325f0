package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-skills/internal/config"
	"github.com/stemsi/exstem-skills/internal/database"
	"github.com/stemsi/exstem-skills/internal/evaluation"
	"github.com/stemsi/exstem-skills/internal/events"
	"github.com/stemsi/exstem-skills/internal/handler"
	"github.com/stemsi/exstem-skills/internal/logger"
	"github.com/stemsi/exstem-skills/internal/media"
	"github.com/stemsi/exstem-skills/internal/middleware"
	"github.com/stemsi/exstem-skills/internal/repository"
	"github.com/stemsi/exstem-skills/internal/router"
	"github.com/stemsi/exstem-skills/internal/service"
	"github.com/stemsi/exstem-skills/internal/submission"
	"github.com/stemsi/exstem-skills/internal/validator"
	"github.com/stemsi/exstem-skills/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup("exstem-skills", cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("store", cfg.StoreDriver).
		Str("events", cfg.EventsDriver).
		Msg("Starting ExStem Skills")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.MaxDBConns, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	checks := map[string]handler.Check{"postgres": pool.Ping}

	// ─── Submission Store ──────────────────────────────────────────────
	var store submission.Store
	switch cfg.StoreDriver {
	case "sqlite":
		db, err := database.NewSQLite(ctx, cfg.SQLitePath, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open SQLite")
		}
		defer db.Close()
		store = repository.NewSQLiteSubmissionRepository(db)
		checks["sqlite"] = db.PingContext
	default:
		store = repository.NewSubmissionRepository(pool)
	}
	queueingStore := worker.NewQueueingStore(store, rdb, log)

	// ─── Event Publisher ───────────────────────────────────────────────
	var publisher *events.Publisher
	switch cfg.EventsDriver {
	case "kafka":
		publisher, err = events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.EventsTopic,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Kafka publisher")
		}
	default:
		publisher = events.NewMemoryPublisher(cfg.EventsTopic, log)
	}
	defer publisher.Close()

	// ─── Submission Pipeline ───────────────────────────────────────────
	notifier := service.NewStatusNotifier(rdb)
	statusWorker := worker.NewStatusWorker(rdb, cfg.StatusPollInterval, cfg.StatusPollMaxAge, log)
	evaluator := evaluation.NewClient(evaluation.ClientConfig{
		BaseURL: cfg.EvaluationURL,
		Token:   cfg.EvaluationToken,
		Timeout: cfg.EvaluationTimeout,
	}, log)
	pipeline := submission.NewPipeline(evaluator, queueingStore, log,
		submission.WithEventSink(service.Sinks{publisher, notifier}),
		submission.WithScheduler(statusWorker, cfg.StatusPollInterval),
	)
	statusWorker.SetRefresher(pipeline)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg.JWTSecret)
	exerciseService := service.NewExerciseService(repository.NewExerciseRepository(pool), rdb, log)
	sessionService := service.NewSessionService(exerciseService, pipeline, rdb, service.SessionConfig{
		SpoolDir:       cfg.SpoolDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
		SubmitTimeout:  cfg.SubmitTimeout,
		Prober:         media.FileProber{},
	}, log)
	submissionService := service.NewSubmissionService(pipeline, notifier, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session:    handler.NewSessionHandler(sessionService, cfg.MaxUploadBytes, log),
		Submission: handler.NewSubmissionHandler(submissionService, log),
		WS:         handler.NewWSHandler(sessionService, submissionService, log, cfg.AllowedOrigins),
		System:     handler.NewSystemHandler(rdb, checks, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute)
	persistWorker := worker.NewPersistWorker(store, rdb, log)
	for _, start := range []func(context.Context){limiter.Start, statusWorker.Start, persistWorker.Start} {
		workers.Add(1)
		go func() {
			defer workers.Done()
			start(workerCtx)
		}()
	}

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Load all published exercises into Redis before accepting traffic.
	if err := exerciseService.PrewarmAllCaches(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, limiter, handlers, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Close live sessions so their spool files are released.
	sessionService.Shutdown()

	// 3. Stop background workers; the persist worker drains its queue.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
