// Package main is the entry point for the cotick server.
//
// One process carries every role in the fleet: the HTTP and WebSocket
// surfaces, the Redis expiry scheduler, the Kafka producer and the
// per-server broadcast consumer, and the reconciliation monitor. Horizontal
// scaling is running more identical processes; the completion mutex and the
// per-server consumer groups keep them from stepping on each other.
//
// Graceful shutdown drains in dependency order: the HTTP listener stops
// accepting work, the background loops (consumer, expiry subscriber,
// completion signals, monitor) are cancelled and awaited, the websocket hub
// closes its sessions, and finally the producer and connection pools close.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"

	"cotick/internal/api/handlers"
	"cotick/internal/bus"
	"cotick/internal/config"
	"cotick/internal/core"
	"cotick/internal/db"
	"cotick/internal/monitor"
	"cotick/internal/presence"
	"cotick/internal/scheduler"
	"cotick/internal/telemetry"
	"cotick/internal/timercore"
	"cotick/internal/types"
	"cotick/internal/ws"
)

// channelBuffer sizes the two in-process channels between the timer core and
// the scheduler. Sends are non-blocking; a full channel drops with a log and
// the monitor sweep is the safety net.
const channelBuffer = 64

// sessionGaugeInterval is how often the websocket session count is gauged.
const sessionGaugeInterval = 30 * time.Second

// metricsBackend is everything the process records, satisfied by both
// telemetry.Collector and telemetry.Noop.
type metricsBackend interface {
	core.MetricsCollector
	scheduler.Metrics
	monitor.Metrics
	bus.Metrics
	RecordSessionCount(ctx context.Context, count int)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can cleanly exit on error.
func run() error {
	var provider config.SecretProvider
	if env := os.Getenv("APP_ENV"); env != "" && env != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("cotick server starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"server_instance_id", cfg.ServerInstanceID,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres.
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	timerRepo := db.NewTimerRepository(pool)
	timestampRepo := db.NewTimestampRepository(pool)
	completionLogRepo := db.NewCompletionLogRepository(pool)
	eventLogRepo := db.NewEventLogRepository(pool)

	// Redis: presence index, expiry schedule, rate limiting.
	redisClient, err := presence.NewClient(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() { _ = redisClient.Close() }()

	presenceIndex := presence.NewIndex(redisClient, logger)
	rateLimitStore := presence.NewRateLimitStore(redisClient)

	// Telemetry. Off by default so local development needs no AWS credentials.
	metrics, err := newMetrics(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	// The two in-process channels that keep the timer core and the
	// scheduler decoupled.
	scheduleCh := make(chan types.ScheduleRequest, channelBuffer)
	signalCh := make(chan types.CompletionSignal, channelBuffer)

	hub := ws.NewHub(logger)

	producer, err := bus.NewProducer(cfg.Kafka, metrics, logger)
	if err != nil {
		return fmt.Errorf("creating kafka producer: %w", err)
	}
	defer func() { _ = producer.Close() }()

	service := timercore.NewService(timercore.ServiceConfig{
		Timers:     timerRepo,
		Timestamps: timestampRepo,
		Presence:   presenceIndex,
		Publisher:  producer,
		Hub:        hub,
		Schedule:   scheduleCh,
		ServerID:   cfg.ServerInstanceID,
		Logger:     logger,
	})

	sched := scheduler.New(scheduler.Config{
		Client:   redisClient,
		Timers:   timerRepo,
		Logs:     completionLogRepo,
		Signals:  scheduler.NewChannelDispatcher(signalCh),
		Metrics:  metrics,
		ServerID: cfg.ServerInstanceID,
		LockTTL:  cfg.Scheduler.ProcessingLockTTL,
		Logger:   logger,
	})
	if cfg.Redis.ConfigureKeyspaceEvents {
		sched.ConfigureKeyspaceEvents(ctx)
	}

	dispatcher := timercore.NewDispatcher(presenceIndex, hub, cfg.ServerInstanceID, logger)
	consumer, err := bus.NewConsumer(cfg.Kafka, cfg.ServerInstanceID, dispatcher, eventLogRepo, metrics, logger)
	if err != nil {
		return fmt.Errorf("creating kafka consumer: %w", err)
	}
	defer func() { _ = consumer.Close() }()

	mon := monitor.New(monitor.Config{
		Timers: timerRepo,
		Logs:   completionLogRepo,
		Pruners: []monitor.NamedPruner{
			{Name: "timers", Pruner: timerRepo},
			{Name: "timer_timestamps", Pruner: timestampRepo},
			{Name: "completion_logs", Pruner: completionLogRepo},
			{Name: "timer_events", Pruner: eventLogRepo},
		},
		Metrics: metrics,
		Monitor: cfg.Monitor,
		Logger:  logger,
	})

	// Background loops.
	var workers sync.WaitGroup
	runWorker := func(name string, fn func(context.Context) error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("background loop exited", "worker", name, "error", err)
			}
		}()
	}
	runWorker("kafka-consumer", consumer.Run)
	runWorker("expiry-subscriber", func(ctx context.Context) error {
		return sched.Run(ctx, scheduleCh)
	})
	runWorker("completion-signals", func(ctx context.Context) error {
		return service.RunCompletionSignals(ctx, signalCh)
	})
	runWorker("reconciliation-monitor", mon.Run)
	runWorker("session-gauge", func(ctx context.Context) error {
		ticker := time.NewTicker(sessionGaugeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				metrics.RecordSessionCount(ctx, hub.SessionCount())
			}
		}
	})

	// HTTP chassis.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = metrics
	srv.RateLimitStore = rateLimitStore
	srv.HealthProbes = []core.HealthProbe{
		&db.HealthProbe{Pool: pool},
		&presence.HealthProbe{Client: redisClient},
	}
	srv.WSHandler = ws.NewHandler(ws.HandlerConfig{
		Hub:      hub,
		Presence: presenceIndex,
		Service:  service,
		ServerID: cfg.ServerInstanceID,
		Logger:   logger,
	})

	timerHandler := handlers.NewTimerHandler(service, logger)
	monitoringHandler := handlers.NewMonitoringHandler(mon, presenceIndex, sched, eventLogRepo, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		timerHandler.RegisterRoutes,
		monitoringHandler.RegisterRoutes,
	)
	srv.MountRoutes()

	httpErr := serveHTTP(srv, cfg, logger)

	// Wait for a shutdown signal or a listener failure.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-httpErr.failed:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// Stage 1: stop accepting HTTP work.
	logger.Info("draining http server")
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	if err := httpErr.server.Shutdown(drainCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	// Stage 2: stop the background loops and wait for them.
	logger.Info("stopping background loops")
	cancel()
	workers.Wait()

	// Stage 3: close websocket sessions; presence TTLs reclaim anything the
	// removals miss.
	hub.Shutdown()

	// Stage 4: producer, consumer group, redis, and pool close via defers.
	logger.Info("server stopped cleanly")
	return nil
}

// httpRun couples the listener with its failure channel so the shutdown path
// can both observe a crash and drain cleanly.
type httpRun struct {
	server *http.Server
	failed chan error
}

// serveHTTP starts the listener in a goroutine and returns immediately.
func serveHTTP(srv *core.Server, cfg *config.Config, logger *slog.Logger) httpRun {
	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: websocket sessions outlive any sane value and the
		// API group carries its own per-request context timeout.
		IdleTimeout: 120 * time.Second,
	}

	failed := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
		close(failed)
	}()

	return httpRun{server: server, failed: failed}
}

// newMetrics builds the telemetry backend: a CloudWatch-backed collector when
// metrics are enabled, the no-op otherwise.
func newMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (metricsBackend, error) {
	if !cfg.Observability.EnableMetrics {
		return telemetry.Noop{}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	return telemetry.New(client, cfg.Observability.MetricNamespace, cfg.ServerInstanceID, logger), nil
}

// newLogger creates the process-wide structured logger.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
