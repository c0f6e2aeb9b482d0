package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"example.com/healthsync/internal/alerts"
	"example.com/healthsync/internal/api"
	"example.com/healthsync/internal/auth"
	"example.com/healthsync/internal/backfill"
	"example.com/healthsync/internal/config"
	"example.com/healthsync/internal/consumer"
	"example.com/healthsync/internal/events"
	"example.com/healthsync/internal/logging"
	"example.com/healthsync/internal/outbox"
	"example.com/healthsync/internal/persistence/postgres"
	"example.com/healthsync/internal/realtime"
	"example.com/healthsync/internal/replay"
	"example.com/healthsync/internal/retry"
	"example.com/healthsync/internal/signature"
	"example.com/healthsync/internal/terra"
	httptransport "example.com/healthsync/internal/transport/http"
	"example.com/healthsync/internal/unified"
	"example.com/healthsync/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthsync-api: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "healthsync-api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthsync-api: build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	repo := postgres.NewRepository(pool, postgres.Topics{MetricsIngested: cfg.IngestTopic, AlertCreated: cfg.AlertTopic})
	catalog := unified.MustDefaultCatalog()
	precedence, err := unified.DefaultPrecedence(catalog)
	if err != nil {
		return fmt.Errorf("load precedence: %w", err)
	}

	webhookOpts := []webhook.Option{webhook.WithLogger(logger)}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		webhookOpts = append(webhookOpts, webhook.WithReplayGuard(replay.NewGuard(replay.NewRedisKVStore(rdb), cfg.ReplayTTL)))
	} else {
		logger.Info("REDIS_ADDR not set; webhook replay protection disabled")
	}
	verifier := signature.NewVerifier(cfg.TerraWebhookSecret, signature.WithTolerance(cfg.SignatureTolerance))
	webhooks, err := webhook.NewService(verifier, repo, repo, catalog, precedence, webhookOpts...)
	if err != nil {
		return fmt.Errorf("build webhook service: %w", err)
	}

	client := terra.NewClient(terra.ClientConfig{
		BaseURL: cfg.TerraBaseURL,
		DevID:   cfg.TerraDevID,
		APIKey:  cfg.TerraAPIKey,
		Timeout: cfg.TerraTimeout,
	}, logger)
	requester := terra.NewRequester(client, repo,
		terra.WithRequestSpacing(cfg.TerraRequestDelay),
		terra.WithUserDelay(cfg.TerraUserDelay),
		terra.WithRequesterLogger(logger),
	)
	checker := terra.NewChecker(client, repo, retry.Policy{
		Attempts:       cfg.CheckAttempts,
		BaseDelay:      cfg.CheckBaseDelay,
		MaxDelay:       retry.DefaultPolicy.MaxDelay,
		AttemptTimeout: cfg.TerraTimeout,
	}, logger)

	history := unified.NewHistoryService(repo, catalog,
		unified.WithWindow(cfg.HistoryWindowDays),
		unified.WithHistoryLogger(logger),
	)
	// Alerts created here reach subscribers through the alert topic like every other alert.
	synth := alerts.NewSynthesizer(
		alerts.Stores{Tokens: repo, Metrics: repo, Alerts: repo, Preferences: repo, Coaches: repo},
		history, catalog, alertConfig(cfg),
		alerts.WithLogger(logger),
	)

	registry := realtime.NewRegistry(32, logger)
	defer registry.Destroy()

	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	defer func() { _ = producer.Close() }()
	dispatcher, err := outbox.NewDispatcher(pool, producer, cfg.OutboxPollInterval, cfg.OutboxBatchSize, outbox.WithDispatcherLogger(logger))
	if err != nil {
		return fmt.Errorf("build outbox dispatcher: %w", err)
	}
	go dispatcher.Start(ctx)

	var wg sync.WaitGroup
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		GroupID:        realtimeGroupID(cfg.KafkaGroupID),
		Topic:          cfg.AlertTopic,
		StartOffset:    kafka.LastOffset,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
	})
	router := consumer.NewRouter(logger).Register(events.TypeAlertCreated, consumer.NewBroadcastHandler(registry))
	broadcaster := consumer.NewProcessor(reader, router, consumer.WithLogger(logger))
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { _ = reader.Close() }()
		logger.Info("realtime broadcaster started", zap.String("topic", cfg.AlertTopic))
		if err := broadcaster.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("realtime broadcaster stopped", zap.Error(err))
		}
	}()

	handler := api.NewHandler(api.Dependencies{
		Webhooks:    webhooks,
		Harness:     webhook.NewHarness(webhooks, repo, cfg.TerraWebhookSecret),
		Backfill:    backfill.NewService(repo, requester, backfill.WithLogger(logger)),
		History:     history,
		Synthesizer: synth,
		Alerts:      repo,
		Tokens:      repo,
		Checker:     checker,
		Realtime:    registry,
	}, api.Options{
		Auth: auth.Config{
			Secret:         cfg.JWTSecret,
			Issuer:         cfg.JWTIssuer,
			ServiceRoleKey: cfg.ServiceRoleKey,
		},
		BackfillDays:     cfg.BackfillDays,
		SyncStaleAfter:   cfg.SyncStaleAfter,
		WebhookRateLimit: cfg.WebhookRateLimit,
		Logger:           logger,
	})

	serverCfg := httptransport.DefaultServerConfig(cfg.HTTPAddress)
	serveErr := httptransport.Serve(ctx, httptransport.NewServer(serverCfg, handler.Routes()), serverCfg, logger)

	stop()
	registry.Destroy()
	dispatcher.Wait()
	wg.Wait()
	return serveErr
}

func alertConfig(cfg config.Config) alerts.Config {
	return alerts.Config{
		StaleAfterDays:    cfg.StaleAfterDays,
		StrainThreshold:   cfg.StrainThreshold,
		RecoveryThreshold: cfg.RecoveryThreshold,
		LookbackDays:      alerts.DefaultConfig.LookbackDays,
	}
}

// realtimeGroupID gives every API instance its own consumer group so each one
// sees every alert for the sockets it holds.
func realtimeGroupID(base string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = fmt.Sprintf("pid-%d", os.Getpid())
	}
	return base + "-realtime-" + host
}
