package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"example.com/healthsync/internal/alerts"
	"example.com/healthsync/internal/config"
	"example.com/healthsync/internal/consumer"
	"example.com/healthsync/internal/events"
	"example.com/healthsync/internal/logging"
	"example.com/healthsync/internal/persistence/postgres"
	httptransport "example.com/healthsync/internal/transport/http"
	"example.com/healthsync/internal/unified"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthsync-consumer: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "healthsync-consumer")
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthsync-consumer: build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	repo := postgres.NewRepository(pool, postgres.Topics{MetricsIngested: cfg.IngestTopic, AlertCreated: cfg.AlertTopic})
	catalog := unified.MustDefaultCatalog()
	history := unified.NewHistoryService(repo, catalog,
		unified.WithWindow(cfg.HistoryWindowDays),
		unified.WithHistoryLogger(logger),
	)
	synth := alerts.NewSynthesizer(
		alerts.Stores{Tokens: repo, Metrics: repo, Alerts: repo, Preferences: repo, Coaches: repo},
		history, catalog,
		alerts.Config{
			StaleAfterDays:    cfg.StaleAfterDays,
			StrainThreshold:   cfg.StrainThreshold,
			RecoveryThreshold: cfg.RecoveryThreshold,
			LookbackDays:      alerts.DefaultConfig.LookbackDays,
		},
		alerts.WithLogger(logger),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	metricsCfg := httptransport.DefaultServerConfig(cfg.MetricsAddress)
	metricsErr := make(chan error, 1)
	go func() {
		metricsErr <- httptransport.Serve(ctx, httptransport.NewServer(metricsCfg, mux), metricsCfg, logger)
	}()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.KafkaBrokers,
		GroupID:         cfg.KafkaGroupID,
		Topic:           cfg.IngestTopic,
		MinBytes:        1e3,
		MaxBytes:        10e6,
		CommitInterval:  time.Second,
		RetentionTime:   24 * time.Hour,
		ReadLagInterval: -1,
	})
	defer func() { _ = reader.Close() }()

	router := consumer.NewRouter(logger).
		Register(events.TypeMetricsIngested, consumer.NewAlertHandler(synth, logger))
	proc := consumer.NewProcessor(reader, router, consumer.WithLogger(logger))

	logger.Info("consumer started", zap.String("topic", cfg.IngestTopic), zap.String("group", cfg.KafkaGroupID))
	if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped with error", zap.Error(err))
	}
	stop()
	if err := <-metricsErr; err != nil {
		logger.Warn("metrics server error", zap.Error(err))
	}
	logger.Info("consumer shut down")
}
