//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/events"
)

func TestRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	pool := startDatabase(t, ctx)
	repo := NewRepository(pool, DefaultTopics)

	require.NoError(t, repo.UpsertToken(ctx, domain.ProviderToken{
		UserID: "user-1", Provider: domain.ProviderWhoop, ExternalUserID: "terra-1", Active: true,
	}))
	token, err := repo.FindTokenByExternalID(ctx, domain.ProviderWhoop, "terra-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", token.UserID)
	require.Nil(t, token.LastSyncAt)

	synced := time.Date(2024, 1, 12, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.TouchLastSync(ctx, "user-1", domain.ProviderWhoop, synced))
	active, err := repo.ListActiveTokens(ctx, domain.TokenFilter{UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.True(t, synced.Equal(*active[0].LastSyncAt))

	changed, err := repo.DeactivateToken(ctx, domain.ProviderWhoop, "terra-1")
	require.NoError(t, err)
	require.True(t, changed)
	changed, err = repo.DeactivateToken(ctx, domain.ProviderWhoop, "terra-1")
	require.NoError(t, err)
	require.False(t, changed)

	_, err = repo.FindTokenByExternalID(ctx, domain.ProviderOura, "missing")
	require.ErrorIs(t, err, domain.ErrTokenNotFound)
}

func TestAppendMetricsWritesOutboxEvent(t *testing.T) {
	ctx := context.Background()
	pool := startDatabase(t, ctx)
	repo := NewRepository(pool, DefaultTopics)

	day := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	n, err := repo.AppendMetrics(ctx, domain.MetricBatch{
		UserID:   "user-1",
		Provider: domain.ProviderWhoop,
		DataType: domain.DataTypeDaily,
		Rows: []domain.RawMetricRow{
			{Metric: "whoop_recovery", Value: 72, Unit: "%", MeasuredOn: day, Source: "WHOOP", Priority: 1, Confidence: 90},
			{Metric: "readiness", Value: 65, Unit: "%", MeasuredOn: day, Source: "OURA", Priority: 2, Confidence: 95},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	records, err := repo.QueryMetrics(ctx, domain.MetricQuery{UserID: "user-1", Metrics: []string{"readiness", "whoop_recovery"}, From: day, To: day})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "whoop_recovery", records[0].Metric, "priority 1 sorts first")
	require.Equal(t, 72.0, *records[0].Value)

	latest, err := repo.LatestRecordedAt(ctx, "user-1", "WHOOP")
	require.NoError(t, err)
	require.NotNil(t, latest)

	var (
		eventType, topic string
		payload          []byte
	)
	require.NoError(t, pool.QueryRow(ctx, `SELECT event_type, topic, payload FROM outbox WHERE user_id = 'user-1'`).Scan(&eventType, &topic, &payload))
	require.Equal(t, events.TypeMetricsIngested, eventType)
	require.Equal(t, DefaultTopics.MetricsIngested, topic)

	var evt events.MetricsIngested
	require.NoError(t, json.Unmarshal(payload, &evt))
	require.Equal(t, 2, evt.Rows)
	require.Equal(t, "2024-01-10", evt.FirstDay)
	require.ElementsMatch(t, []string{"whoop_recovery", "readiness"}, evt.Metrics)
}

func TestAlertsAreIdempotentAndPaginated(t *testing.T) {
	ctx := context.Background()
	pool := startDatabase(t, ctx)
	repo := NewRepository(pool, DefaultTopics)

	base := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	sourced := domain.Alert{
		RecipientID: "user-1", Kind: domain.AlertKindFeed, Type: domain.AlertTypeWorkoutCompleted,
		Category: domain.CategoryWorkoutUpdates, Title: "Workout logged", Message: "Run logged",
		Severity: domain.SeverityInfo, SubjectUserID: "user-1",
		SourceTable: domain.MetricsTable, SourceID: "w-1", CreatedAt: base,
		Metadata: map[string]any{"minutes": 45.0},
	}
	daily := domain.Alert{
		RecipientID: "user-1", Kind: domain.AlertKindAlert, Type: domain.AlertTypeIntegrationStale,
		Category: domain.CategoryIntegrationIssues, Title: "Sync stalled", Message: "WHOOP",
		Severity: domain.SeverityWarning, SubjectUserID: "user-1", AlertDay: "2024-01-10",
		CreatedAt: base.Add(time.Minute),
	}

	for _, alert := range []domain.Alert{sourced, daily} {
		exists, err := repo.AlertExists(ctx, alert.Key())
		require.NoError(t, err)
		require.False(t, exists)

		inserted, err := repo.InsertAlert(ctx, alert)
		require.NoError(t, err)
		require.True(t, inserted)

		inserted, err = repo.InsertAlert(ctx, alert)
		require.NoError(t, err)
		require.False(t, inserted, "natural key must reject the duplicate")

		exists, err = repo.AlertExists(ctx, alert.Key())
		require.NoError(t, err)
		require.True(t, exists)
	}

	page, next, err := repo.ListAlerts(ctx, "user-1", nil, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, domain.AlertTypeIntegrationStale, page[0].Type)
	require.Equal(t, "2024-01-10", page[0].AlertDay)
	require.NotNil(t, next)

	page, _, err = repo.ListAlerts(ctx, "user-1", next, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "w-1", page[0].SourceID)
	require.Equal(t, 45.0, page[0].Metadata["minutes"])

	read := true
	updated, err := repo.UpdateAlert(ctx, "user-1", page[0].ID, domain.AlertPatch{Read: &read})
	require.NoError(t, err)
	require.True(t, updated.Read)
	require.False(t, updated.Dismissed)

	_, err = repo.UpdateAlert(ctx, "someone-else", page[0].ID, domain.AlertPatch{Read: &read})
	require.ErrorIs(t, err, domain.ErrAlertNotFound)

	var outboxed int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE event_type = $1`, events.TypeAlertCreated).Scan(&outboxed))
	require.Equal(t, 2, outboxed)
}

func TestPreferencesAndCoaches(t *testing.T) {
	ctx := context.Background()
	pool := startDatabase(t, ctx)
	repo := NewRepository(pool, DefaultTopics)

	enabled, err := repo.NotificationEnabled(ctx, "user-1", domain.CategoryOvertrainingAlerts)
	require.NoError(t, err)
	require.True(t, enabled, "missing preference defaults to notify")

	_, err = pool.Exec(ctx, `INSERT INTO notification_preferences (user_id, category, enabled) VALUES ('user-1', $1, FALSE)`, string(domain.CategoryOvertrainingAlerts))
	require.NoError(t, err)
	enabled, err = repo.NotificationEnabled(ctx, "user-1", domain.CategoryOvertrainingAlerts)
	require.NoError(t, err)
	require.False(t, enabled)

	_, err = pool.Exec(ctx, `INSERT INTO coach_clients (coach_id, client_id, active) VALUES ('coach-b', 'user-1', TRUE), ('coach-a', 'user-1', TRUE), ('coach-c', 'user-1', FALSE)`)
	require.NoError(t, err)
	coaches, err := repo.CoachesOf(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, []string{"coach-a", "coach-b"}, coaches)
}

func startDatabase(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()
	pg, err := postgrescontainer.Run(ctx, "postgres:16-alpine",
		postgrescontainer.WithDatabase("healthsync"),
		postgrescontainer.WithUsername("healthsync"),
		postgrescontainer.WithPassword("healthsync"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))

	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	files := []string{
		"../../../db/postgres/migrations/0001_init.up.sql",
		"../../../db/postgres/migrations/0002_outbox.up.sql",
	}

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	for _, rel := range files {
		contents, readErr := os.ReadFile(resolvePath(t, rel))
		require.NoError(t, readErr)

		_, execErr := pool.Exec(ctx, string(contents))
		require.NoError(t, execErr)
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
