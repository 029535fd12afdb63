package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benvon/idea-tagger/internal/config"
	"github.com/benvon/idea-tagger/internal/database"
	"github.com/benvon/idea-tagger/internal/handlers"
	"github.com/benvon/idea-tagger/internal/lock"
	"github.com/benvon/idea-tagger/internal/logger"
	"github.com/benvon/idea-tagger/internal/middleware"
	"github.com/benvon/idea-tagger/internal/queue"
	"github.com/benvon/idea-tagger/internal/telemetry"
	"github.com/benvon/idea-tagger/internal/workers"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.uber.org/zap"
)

const (
	serviceName          = "idea-tagger-api"
	rabbitMQMaxRetries   = 10
	requestTimeout       = 30 * time.Second
	shutdownGracePeriod  = 30 * time.Second
	tracerShutdownPeriod = 5 * time.Second
)

func main() {
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.RequireQueue(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	debugMode := cfg.ServerDebugMode || *debugFlag

	zapLogger, err := logger.NewProductionLogger(debugMode)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		_ = logger.Sync(zapLogger)
	}()

	zapLogger.Info("starting_server",
		zap.Bool("debug_mode", debugMode),
		zap.String("server_port", cfg.ServerPort),
		zap.String("search_language", cfg.SearchLanguage),
		zap.String("rate_limit", cfg.RateLimit),
		zap.Bool("otel_enabled", cfg.OTELEnabled),
	)

	tracingEnabled := false
	if cfg.OTELEnabled {
		if cfg.OTELEndpoint == "" {
			zapLogger.Warn("otel_enabled_but_endpoint_not_configured")
		} else {
			tp, err := telemetry.InitTracer(context.Background(), serviceName, cfg.OTELEndpoint)
			if err != nil {
				zapLogger.Warn("failed_to_initialize_otel_tracer", zap.Error(err))
			} else {
				tracingEnabled = true
				zapLogger.Info("otel_tracer_initialized", zap.String("endpoint", cfg.OTELEndpoint))
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), tracerShutdownPeriod)
					defer cancel()
					if err := telemetry.Shutdown(ctx, tp); err != nil {
						zapLogger.Error("failed_to_shutdown_otel_tracer", zap.Error(err))
					}
				}()
			}
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

	// Redis backs the shared rate limit counters. Without it each instance
	// limits on its own.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = lock.NewRedisClient(cfg.RedisURL)
		if err != nil {
			zapLogger.Warn("redis_unavailable_using_local_rate_limits", zap.Error(err))
			redisClient = nil
		} else {
			zapLogger.Info("connected_to_redis")
			defer func() {
				if err := redisClient.Close(); err != nil {
					zapLogger.Warn("failed_to_close_redis_connection", zap.Error(err))
				}
			}()
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
	zapLogger.Info("connected_to_rabbitmq")

	filterRepo := database.NewTagFilterRepository(db)
	bulkTagRepo := database.NewBulkTagRepository(db)
	searchRepo := database.NewResponseSearchRepository(db)

	tagger := workers.NewBulkTagger(filterRepo, bulkTagRepo, nil, workers.BulkTaggerConfig{
		Language: dict.Dictionary,
		Timeout:  cfg.BulkTagTimeout,
	}, zapLogger)

	settings := handlers.SearchSettings{
		Language:        dict.Dictionary,
		PageSizeDefault: cfg.PageSizeDefault,
		PageSizeMax:     cfg.PageSizeMax,
	}
	filterHandler := handlers.NewTagFilterHandler(filterRepo, tagger, jobQueue, searchRepo, bulkTagRepo, settings, zapLogger)
	searchHandler := handlers.NewSearchHandler(searchRepo, settings, zapLogger)
	sweepHandler := handlers.NewSweepHandler(filterRepo, jobQueue, zapLogger)

	checks := map[string]handlers.HealthCheck{
		"database": db.HealthCheck,
		"rabbitmq": jobQueue.HealthCheck,
	}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	healthChecker := handlers.NewHealthChecker(checks, zapLogger)

	rateLimitMW, err := middleware.RateLimit(redisClient, cfg.RateLimit, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed_to_create_rate_limiter", zap.Error(err))
	}

	r := mux.NewRouter()

	// Middleware registered first is outermost
	if tracingEnabled {
		r.Use(otelmux.Middleware(serviceName))
	}
	r.Use(middleware.Logging(zapLogger))
	r.Use(middleware.SecurityHeaders(cfg.EnableHSTS))
	r.Use(middleware.Audit(zapLogger))
	r.Use(middleware.ErrorHandler(zapLogger))
	r.Use(middleware.MaxRequestSize(middleware.DefaultMaxRequestSize))
	r.Use(middleware.ContentType)
	r.Use(middleware.Timeout(requestTimeout))

	r.HandleFunc("/healthz", healthChecker.HealthCheck).Methods("GET")
	r.Handle("/metrics", telemetry.MetricsHandler()).Methods("GET")

	apiRouter := r.PathPrefix("/api/v1").Subrouter()

	filtersRouter := apiRouter.PathPrefix("/tag-filters").Subrouter()
	filterHandler.RegisterRoutes(filtersRouter)

	filterActionsRouter := apiRouter.PathPrefix("/tag-filters").Subrouter()
	filterActionsRouter.Use(rateLimitMW)
	filterHandler.RegisterActionRoutes(filterActionsRouter)

	searchHandler.RegisterRoutes(apiRouter.PathPrefix("/search").Subrouter())

	sweepsRouter := apiRouter.PathPrefix("/sweeps").Subrouter()
	sweepsRouter.Use(rateLimitMW)
	sweepHandler.RegisterRoutes(sweepsRouter)

	// CORS wraps the router so preflight requests are answered before routing
	handler := middleware.CORS(cfg.FrontendURL, zapLogger)(r)

	srv := &http.Server{
		Addr:           ":" + cfg.ServerPort,
		Handler:        handler,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   requestTimeout + 5*time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		zapLogger.Info("server_starting", zap.String("port", cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("server_failed_to_start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("server_shutting_down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("server_forced_to_shutdown", zap.Error(err))
	}

	zapLogger.Info("server_exited")
}
