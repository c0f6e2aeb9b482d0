package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"example.com/healthsync/internal/alerts"
	"example.com/healthsync/internal/backfill"
	"example.com/healthsync/internal/config"
	"example.com/healthsync/internal/logging"
	"example.com/healthsync/internal/persistence/postgres"
	"example.com/healthsync/internal/terra"
	httptransport "example.com/healthsync/internal/transport/http"
	"example.com/healthsync/internal/unified"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthsync-scheduler: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "healthsync-scheduler")
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthsync-scheduler: build logger: %v\n", err)
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
	syncs := backfill.NewService(repo, requester, backfill.WithLogger(logger))

	catalog := unified.MustDefaultCatalog()
	history := unified.NewHistoryService(repo, catalog, unified.WithWindow(cfg.HistoryWindowDays), unified.WithHistoryLogger(logger))
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
	metricsCfg := httptransport.DefaultServerConfig(cfg.MetricsAddress)
	metricsErr := make(chan error, 1)
	go func() {
		metricsErr <- httptransport.Serve(ctx, httptransport.NewServer(metricsCfg, mux), metricsCfg, logger)
	}()

	scheduled := func() {
		result, err := syncs.Scheduled(ctx, cfg.BackfillDays, cfg.SyncStaleAfter)
		if err != nil {
			logger.Error("scheduled sync failed", zap.Error(err))
			return
		}
		logger.Info("scheduled sync finished",
			zap.Int("users", result.Users),
			zap.Int("successful", result.Successful),
			zap.Int("failed", result.Failed),
		)
	}
	sweep := func() {
		summary := synth.Sweep(ctx)
		logger.Info("alert sweep finished",
			zap.Int("created", summary.Created),
			zap.Int("failed", summary.Failed),
		)
	}

	syncTicker := time.NewTicker(cfg.SchedulerInterval)
	defer syncTicker.Stop()
	sweepTicker := time.NewTicker(cfg.AlertSweepInterval)
	defer sweepTicker.Stop()

	logger.Info("scheduler started",
		zap.Duration("sync_interval", cfg.SchedulerInterval),
		zap.Duration("sweep_interval", cfg.AlertSweepInterval),
		zap.Duration("stale_after", cfg.SyncStaleAfter),
	)
	scheduled()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-syncTicker.C:
			scheduled()
		case <-sweepTicker.C:
			sweep()
		}
	}

	if err := <-metricsErr; err != nil {
		logger.Warn("metrics server error", zap.Error(err))
	}
	logger.Info("scheduler shut down")
}
