package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benvon/idea-tagger/internal/config"
	"github.com/benvon/idea-tagger/internal/database"
	"github.com/benvon/idea-tagger/internal/lock"
	"github.com/benvon/idea-tagger/internal/logger"
	"github.com/benvon/idea-tagger/internal/queue"
	"github.com/benvon/idea-tagger/internal/telemetry"
	"github.com/benvon/idea-tagger/internal/workers"
	"go.uber.org/zap"
)

const (
	serviceName        = "idea-tagger-worker"
	rabbitMQMaxRetries = 10
	// scheduleSlotTTL keeps a claimed sweep slot long enough that no replica
	// claims the same day again
	scheduleSlotTTL = 48 * time.Hour
)

func main() {
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	noSchedule := flag.Bool("no-schedule", false, "Consume jobs without running the daily sweep scheduler")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.RequireQueue(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	debugMode := cfg.WorkerDebugMode || *debugFlag

	zapLogger, err := logger.NewProductionLogger(debugMode)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		_ = logger.Sync(zapLogger)
	}()

	zapLogger.Info("starting_worker",
		zap.Bool("debug_mode", debugMode),
		zap.String("search_language", cfg.SearchLanguage),
		zap.Int("sweep_hour", cfg.SweepHour),
		zap.Int("sweep_concurrency", cfg.SweepConcurrency),
		zap.Duration("bulk_tag_timeout", cfg.BulkTagTimeout),
	)

	if cfg.OTELEnabled && cfg.OTELEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), serviceName, cfg.OTELEndpoint)
		if err != nil {
			zapLogger.Warn("failed_to_initialize_otel_tracer", zap.Error(err))
		} else {
			zapLogger.Info("otel_tracer_initialized", zap.String("endpoint", cfg.OTELEndpoint))
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := telemetry.Shutdown(ctx, tp); err != nil {
					zapLogger.Error("failed_to_shutdown_otel_tracer", zap.Error(err))
				}
			}()
		}
	}

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		zapLogger.Fatal("failed_to_connect_to_database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			zapLogger.Warn("failed_to_close_database_connection", zap.Error(err))
		}
	}()
	zapLogger.Info("connected_to_database")

	dict, err := db.ResolveSearchDictionary(context.Background(), cfg.SearchLanguage)
	if err != nil {
		zapLogger.Fatal("failed_to_resolve_search_dictionary", zap.Error(err))
	}
	if dict.FellBack {
		zapLogger.Warn("search_dictionary_unavailable_using_simple", zap.String("wanted", dict.Wanted))
	}
	zapLogger.Info("search_dictionary_resolved",
		zap.String("dictionary", dict.Dictionary),
		zap.String("column", dict.Column),
	)

	// Redis makes the sweep lock and the schedule slot shared across replicas.
	// Without it only one worker instance may run.
	var sweepLock workers.SweepLock = lock.NewLocalLock()
	var claimer workers.SlotClaimer
	if cfg.RedisURL != "" {
		redisClient, err := lock.NewRedisClient(cfg.RedisURL)
		if err != nil {
			zapLogger.Warn("redis_unavailable_using_local_sweep_lock", zap.Error(err))
		} else {
			defer func() {
				if err := redisClient.Close(); err != nil {
					zapLogger.Warn("failed_to_close_redis_connection", zap.Error(err))
				}
			}()
			sweepLock = lock.NewRedisLock(redisClient, lock.DefaultSweepKey, cfg.SweepLockTTL)
			claimer = lock.NewSlotClaimer(redisClient, lock.DefaultScheduleKeyPrefix, scheduleSlotTTL)
			zapLogger.Info("connected_to_redis")
		}
	}

	jobQueue, err := queue.DialWithRetry(context.Background(), cfg.RabbitMQURL, rabbitMQMaxRetries, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed_to_connect_to_rabbitmq", zap.Error(err))
	}
	defer func() {
		if err := jobQueue.Close(); err != nil {
			zapLogger.Warn("failed_to_close_rabbitmq_connection", zap.Error(err))
		}
	}()
	zapLogger.Info("connected_to_rabbitmq", zap.Int("prefetch", cfg.RabbitMQPrefetch))

	filterRepo := database.NewTagFilterRepository(db)
	bulkTagRepo := database.NewBulkTagRepository(db)

	tagger := workers.NewBulkTagger(filterRepo, bulkTagRepo, workers.NewLogNotifier(zapLogger), workers.BulkTaggerConfig{
		Language: dict.Dictionary,
		Timeout:  cfg.BulkTagTimeout,
	}, zapLogger)
	sweeper := workers.NewSweeper(filterRepo, tagger, sweepLock, cfg.SweepConcurrency, zapLogger)
	processor := workers.NewProcessor(tagger, sweeper, jobQueue, workers.ProcessorConfig{
		RetryDelay:      workers.DefaultRetryDelay,
		SweepRetryDelay: cfg.SweepRetryDelay,
	}, zapLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	if !*noSchedule {
		scheduler := workers.NewScheduler(jobQueue, claimer, cfg.SweepHour, nil, zapLogger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := scheduler.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				zapLogger.Error("sweep_scheduler_stopped_with_error", zap.Error(err))
			}
		}()
	}

	dlqGC := queue.NewGarbageCollector(jobQueue, cfg.DLQGCInterval, cfg.DLQRetention, zapLogger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dlqGC.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			zapLogger.Error("dlq_garbage_collector_stopped_with_error", zap.Error(err))
		}
	}()
	zapLogger.Info("started_dlq_garbage_collector",
		zap.Duration("interval", cfg.DLQGCInterval),
		zap.Duration("retention", cfg.DLQRetention),
	)

	msgChan, errChan, err := jobQueue.Consume(ctx, cfg.RabbitMQPrefetch)
	if err != nil {
		zapLogger.Fatal("failed_to_start_consuming", zap.Error(err))
	}
	zapLogger.Info("worker_started")

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgChan:
				if !ok {
					zapLogger.Info("message_channel_closed")
					return
				}
				if err := processor.ProcessJob(ctx, msg); err != nil {
					zapLogger.Error("failed_to_process_job",
						zap.Error(err),
						zap.String("job_id", msg.GetJob().ID.String()),
						zap.String("job_type", string(msg.GetJob().Type)),
					)
				}
			}
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errChan:
				if !ok {
					return
				}
				zapLogger.Error("queue_error", zap.Error(err))
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	zapLogger.Info("shutdown_signal_received")

	cancel()
	wg.Wait()

	zapLogger.Info("worker_stopped")
}
