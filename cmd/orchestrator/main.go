package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/app/orchestration"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/config/fileloader"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/infra/eventbus/kafka"
	auditStore "github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/infra/storage/audit/postgres"
	batchStore "github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/infra/storage/batch/postgres"
	lockStore "github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/infra/storage/locks/postgres"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/infra/objectstore/localfs"
	csvworker "github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/internal/infra/workers/csv"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/pkg/common/logger"
	"github.com/taiki-nakamoto/csv-parallel-processing-system-sub002/pkg/common/otel"
)

const serviceType = "orchestrator"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	cfg, err := fileloader.NewFileLoader(os.Getenv("APP_CONFIG_FILE")).Load(context.Background())
	if err != nil {
		stdlog.Fatalf("failed to load config: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("ORCHESTRATOR-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, parseLogLevel(cfg.LogLevel), svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prob := 1.0
	if raw := os.Getenv("OTEL_SAMPLING_RATIO"); raw != "" {
		if prob, err = strconv.ParseFloat(raw, 64); err != nil {
			log.Error(ctx, "failed to parse OTEL_SAMPLING_RATIO", "error", err)
			os.Exit(1)
		}
	}
	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceType,
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Probability:      prob,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(serviceType)

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN())
	if err != nil {
		log.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = cfg.Postgres.MinConns
	poolCfg.MaxConns = cfg.Postgres.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}
	log.Info(ctx, "Migrations applied successfully. Starting application...")

	metricCollector, err := orchestration.NewOrchestrationMetrics(otel.GetMeterProvider())
	if err != nil {
		log.Error(ctx, "failed to create metrics collector", "error", err)
		os.Exit(1)
	}

	kafkaCfg := &kafka.Config{
		Brokers:           cfg.Kafka.Brokers,
		FileTriggersTopic: cfg.Kafka.FileTriggersTopic,
		JobLifecycleTopic: cfg.Kafka.JobLifecycleTopic,
		ChunkResultsTopic: cfg.Kafka.ChunkResultsTopic,
		GroupID:           cfg.Kafka.GroupID,
		ClientID:          svcName,
		ServiceType:       serviceType,
	}
	eventBus, err := kafka.ConnectWithRetry(kafkaCfg, log, metricCollector, tracer)
	if err != nil {
		log.Error(ctx, "failed to connect event bus", "error", err)
		os.Exit(1)
	}

	eventPublisher := kafka.NewDomainEventPublisher(eventBus)

	objectStore, err := localfs.NewStore(cfg.ObjectStore.RootDir)
	if err != nil {
		log.Error(ctx, "failed to create object store", "error", err)
		os.Exit(1)
	}

	registry := batchStore.NewJobRegistry(pool, tracer)
	locks := lockStore.NewLockManager(pool, tracer)
	trail := auditStore.NewAuditTrail(pool, tracer)
	processor := csvworker.NewProcessor(objectStore, csvworker.DefaultRowCheck, log, tracer)

	orchestrator := orchestration.NewOrchestrator(
		orchestration.Config{
			MaxChunkSize:        cfg.Orchestrator.MaxChunkSize,
			MaxConcurrentChunks: cfg.Orchestrator.MaxConcurrentChunks,
			ChunkTimeout:        cfg.Orchestrator.ChunkTimeout,
			LeaseDuration:       cfg.Orchestrator.LeaseDuration,
			JobTTL:              cfg.Orchestrator.JobTTL,
			Retry: orchestration.RetryPolicy{
				MaxAttempts:     cfg.Orchestrator.MaxRetryAttempts,
				InitialInterval: cfg.Orchestrator.RetryInitialInterval,
				MaxInterval:     cfg.Orchestrator.RetryMaxInterval,
			},
		},
		registry,
		locks,
		trail,
		eventPublisher,
		objectStore,
		processor,
		processor,
		log,
		metricCollector,
		tracer,
	)

	facilitator := orchestration.NewEventsFacilitator(orchestrator, tracer)
	if err := eventBus.Subscribe(ctx, facilitator.SupportedEvents(), facilitator.HandleEvent); err != nil {
		log.Error(ctx, "failed to subscribe to events", "error", err)
		os.Exit(1)
	}

	log.Info(ctx, "Orchestrator initialized", "upload_bucket", cfg.ObjectStore.UploadBucket)

	sig := <-sigCh
	log.Info(ctx, "Received shutdown signal", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := eventBus.Close(); err != nil {
		log.Error(shutdownCtx, "Failed to close event bus", "error", err)
	}
}

func parseLogLevel(level string) logger.Level {
	switch level {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}

// runMigrations uses golang-migrate to apply all up migrations. It acquires a
// single connection from the pool, runs migrations, and releases it.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("APP_MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file://db/migrations"
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}
