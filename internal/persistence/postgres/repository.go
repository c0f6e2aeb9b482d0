// Package postgres provides pgx-backed implementations of the domain repositories.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/events"
	"example.com/healthsync/internal/observability"
)

// Topics names the Kafka topics outbox events are routed to.
type Topics struct {
	MetricsIngested string
	AlertCreated    string
}

// DefaultTopics matches the local docker-compose stack.
var DefaultTopics = Topics{
	MetricsIngested: "metric_ingest_events",
	AlertCreated:    "alert_events",
}

// Repository provides Postgres-backed persistence for tokens, metrics, alerts and outbox events.
type Repository struct {
	pool   *pgxpool.Pool
	topics Topics
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool, topics Topics) *Repository {
	if topics.MetricsIngested == "" {
		topics.MetricsIngested = DefaultTopics.MetricsIngested
	}
	if topics.AlertCreated == "" {
		topics.AlertCreated = DefaultTopics.AlertCreated
	}
	return &Repository{pool: pool, topics: topics}
}

// inUserTx runs fn in a transaction scoped to userID for row-level security.
func (r *Repository) inUserTx(ctx context.Context, userID string, fn func(pgx.Tx) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT set_config('app.user_id', $1, true)", userID); err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpsertToken creates or reactivates a provider connection.
func (r *Repository) UpsertToken(ctx context.Context, token domain.ProviderToken) error {
	const stmt = `INSERT INTO provider_tokens (user_id, provider, external_user_id, active, last_sync_at)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (provider, external_user_id) DO UPDATE
        SET user_id = EXCLUDED.user_id,
            active = EXCLUDED.active,
            last_sync_at = COALESCE(EXCLUDED.last_sync_at, provider_tokens.last_sync_at),
            updated_at = NOW()`

	return r.inUserTx(ctx, token.UserID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, stmt, token.UserID, string(token.Provider), token.ExternalUserID, token.Active, token.LastSyncAt)
		return err
	})
}

// DeactivateToken marks a connection inactive without deleting it.
func (r *Repository) DeactivateToken(ctx context.Context, provider domain.Provider, externalUserID string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE provider_tokens SET active = FALSE, updated_at = NOW()
          WHERE provider = $1 AND external_user_id = $2 AND active`,
		string(provider), externalUserID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const tokenColumns = `user_id, provider, external_user_id, active, last_sync_at, created_at, updated_at`

func scanToken(row pgx.Row) (domain.ProviderToken, error) {
	var (
		token    domain.ProviderToken
		provider string
	)
	if err := row.Scan(&token.UserID, &provider, &token.ExternalUserID, &token.Active, &token.LastSyncAt, &token.CreatedAt, &token.UpdatedAt); err != nil {
		return domain.ProviderToken{}, err
	}
	token.Provider = domain.Provider(provider)
	return token, nil
}

// FindTokenByExternalID looks a connection up by the aggregator's user id.
func (r *Repository) FindTokenByExternalID(ctx context.Context, provider domain.Provider, externalUserID string) (*domain.ProviderToken, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM provider_tokens WHERE provider = $1 AND external_user_id = $2`,
		string(provider), externalUserID,
	)
	token, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// ListActiveTokens returns active connections, optionally narrowed by user and provider.
func (r *Repository) ListActiveTokens(ctx context.Context, filter domain.TokenFilter) ([]domain.ProviderToken, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+tokenColumns+` FROM provider_tokens
          WHERE active AND ($1 = '' OR user_id = $1) AND ($2 = '' OR provider = $2)
          ORDER BY user_id, provider, external_user_id`,
		filter.UserID, string(filter.Provider),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []domain.ProviderToken
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// TouchLastSync records a completed sync for every active connection of the user and provider.
func (r *Repository) TouchLastSync(ctx context.Context, userID string, provider domain.Provider, at time.Time) error {
	return r.inUserTx(ctx, userID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE provider_tokens SET last_sync_at = $3, updated_at = NOW()
              WHERE user_id = $1 AND provider = $2 AND active`,
			userID, string(provider), at.UTC(),
		)
		return err
	})
}

var metricColumns = []string{"user_id", "metric", "value", "unit", "measured_on", "source", "priority", "confidence", "external_id", "label", "recorded_at"}

// AppendMetrics copies the batch into unified_metrics and records a metrics.ingested
// outbox event inside the same transaction.
func (r *Repository) AppendMetrics(ctx context.Context, batch domain.MetricBatch) (int, error) {
	if len(batch.Rows) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	input := make([][]any, 0, len(batch.Rows))
	names := make([]string, 0, len(batch.Rows))
	seen := make(map[string]bool)
	first, last := batch.Rows[0].MeasuredOn, batch.Rows[0].MeasuredOn
	for _, row := range batch.Rows {
		recordedAt := row.RecordedAt
		if recordedAt.IsZero() {
			recordedAt = now
		}
		input = append(input, []any{
			batch.UserID, row.Metric, row.Value, nullIfEmpty(row.Unit), row.MeasuredOn,
			nullIfEmpty(row.Source), row.Priority, row.Confidence,
			nullIfEmpty(row.ExternalID), nullIfEmpty(row.Label), recordedAt,
		})
		if !seen[row.Metric] {
			seen[row.Metric] = true
			names = append(names, row.Metric)
		}
		if row.MeasuredOn.Before(first) {
			first = row.MeasuredOn
		}
		if row.MeasuredOn.After(last) {
			last = row.MeasuredOn
		}
	}

	batchID := uuid.NewString()
	var copied int64
	err := r.inUserTx(ctx, batch.UserID, func(tx pgx.Tx) error {
		var err error
		copied, err = tx.CopyFrom(ctx, pgx.Identifier{domain.MetricsTable}, metricColumns, pgx.CopyFromRows(input))
		if err != nil {
			return fmt.Errorf("copy metrics: %w", err)
		}
		return r.insertOutbox(ctx, tx, batch.UserID, "metric_batch", batchID, events.TypeMetricsIngested, events.MetricsIngested{
			BatchID:    batchID,
			UserID:     batch.UserID,
			Provider:   string(batch.Provider),
			DataType:   string(batch.DataType),
			Rows:       int(copied),
			Metrics:    names,
			FirstDay:   first.Format(domain.DateLayout),
			LastDay:    last.Format(domain.DateLayout),
			OccurredAt: now,
		})
	})
	if err != nil {
		return 0, err
	}
	observability.RecordRowsIngested(string(batch.Provider), int(copied), now)
	return int(copied), nil
}

// QueryMetrics returns raw rows in resolution order.
func (r *Repository) QueryMetrics(ctx context.Context, q domain.MetricQuery) ([]domain.RawMetricRecord, error) {
	const query = `SELECT id, user_id, metric, value, unit, measured_on, source, priority, confidence, external_id, label, recorded_at
        FROM unified_metrics
        WHERE user_id = $1 AND metric = ANY($2)
          AND ($3::date IS NULL OR measured_on >= $3::date)
          AND ($4::date IS NULL OR measured_on <= $4::date)
        ORDER BY measured_on, COALESCE(priority, 100), COALESCE(confidence, 0) DESC, id`

	var records []domain.RawMetricRecord
	err := r.inUserTx(ctx, q.UserID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, q.UserID, q.Metrics, nullIfZero(q.From), nullIfZero(q.To))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var rec domain.RawMetricRecord
			if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Metric, &rec.Value, &rec.Unit, &rec.MeasuredOn, &rec.Source, &rec.Priority, &rec.Confidence, &rec.ExternalID, &rec.Label, &rec.RecordedAt); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// LatestRecordedAt returns the newest ingestion time for the user and source.
func (r *Repository) LatestRecordedAt(ctx context.Context, userID, source string) (*time.Time, error) {
	var latest *time.Time
	err := r.inUserTx(ctx, userID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx,
			`SELECT MAX(recorded_at) FROM unified_metrics WHERE user_id = $1 AND source = $2`,
			userID, source,
		).Scan(&latest)
	})
	return latest, err
}

// AlertExists checks the natural key of an alert.
func (r *Repository) AlertExists(ctx context.Context, key domain.AlertKey) (bool, error) {
	var (
		query string
		args  []any
	)
	if key.Sourced() {
		query = `SELECT EXISTS (SELECT 1 FROM lifecycle_alerts WHERE recipient_id = $1 AND source_table = $2 AND source_id = $3)`
		args = []any{key.RecipientID, key.SourceTable, key.SourceID}
	} else {
		query = `SELECT EXISTS (SELECT 1 FROM lifecycle_alerts
                  WHERE recipient_id = $1 AND source_id IS NULL AND type = $2 AND subject_user_id = $3 AND alert_day = $4::date)`
		args = []any{key.RecipientID, string(key.Type), key.SubjectUserID, nullIfEmpty(key.Day)}
	}
	var exists bool
	err := r.inUserTx(ctx, key.RecipientID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, query, args...).Scan(&exists)
	})
	return exists, err
}

// InsertAlert stores the alert unless its natural key is taken. A stored alert
// also records an alert.created outbox event.
func (r *Repository) InsertAlert(ctx context.Context, alert domain.Alert) (bool, error) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	metadata, err := json.Marshal(alert.Metadata)
	if err != nil {
		return false, err
	}
	if alert.Metadata == nil {
		metadata = []byte("{}")
	}

	const stmt = `INSERT INTO lifecycle_alerts (id, recipient_id, kind, type, category, title, message, severity, subject_user_id, source_table, source_id, alert_day, metadata, read, dismissed, created_at)
        VALUES ($1::uuid,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12::date,$13,$14,$15,$16)
        ON CONFLICT DO NOTHING`

	inserted := false
	err = r.inUserTx(ctx, alert.RecipientID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, stmt,
			alert.ID, alert.RecipientID, string(alert.Kind), string(alert.Type), string(alert.Category),
			alert.Title, alert.Message, string(alert.Severity), alert.SubjectUserID,
			nullIfEmpty(alert.SourceTable), nullIfEmpty(alert.SourceID), nullIfEmpty(alert.AlertDay),
			metadata, alert.Read, alert.Dismissed, alert.CreatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		inserted = true
		return r.insertOutbox(ctx, tx, alert.RecipientID, "alert", alert.ID, events.TypeAlertCreated, events.AlertCreated{
			Alert:      alert,
			OccurredAt: alert.CreatedAt,
		})
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

const alertColumns = `id::text, recipient_id, kind, type, category, title, message, severity, subject_user_id, source_table, source_id, alert_day::text, metadata, read, dismissed, created_at`

func scanAlert(row pgx.Row) (domain.Alert, error) {
	var (
		alert                      domain.Alert
		kind, typ, category, sev   string
		sourceTable, sourceID, day *string
		metadata                   []byte
	)
	if err := row.Scan(&alert.ID, &alert.RecipientID, &kind, &typ, &category, &alert.Title, &alert.Message, &sev, &alert.SubjectUserID, &sourceTable, &sourceID, &day, &metadata, &alert.Read, &alert.Dismissed, &alert.CreatedAt); err != nil {
		return domain.Alert{}, err
	}
	alert.Kind = domain.AlertKind(kind)
	alert.Type = domain.AlertType(typ)
	alert.Category = domain.NotificationCategory(category)
	alert.Severity = domain.Severity(sev)
	alert.SourceTable = deref(sourceTable)
	alert.SourceID = deref(sourceID)
	alert.AlertDay = deref(day)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &alert.Metadata); err != nil {
			return domain.Alert{}, fmt.Errorf("decode alert metadata: %w", err)
		}
		if len(alert.Metadata) == 0 {
			alert.Metadata = nil
		}
	}
	return alert, nil
}

// ListAlerts returns the recipient's alerts newest first using keyset pagination.
func (r *Repository) ListAlerts(ctx context.Context, recipientID string, cursor *domain.AlertCursor, limit int) ([]domain.Alert, *domain.AlertCursor, error) {
	args := []any{recipientID, limit}
	query := `SELECT ` + alertColumns + ` FROM lifecycle_alerts WHERE recipient_id = $1`
	if cursor != nil {
		query += ` AND (created_at, id) < ($3, $4::uuid)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $2`

	results := make([]domain.Alert, 0, limit)
	err := r.inUserTx(ctx, recipientID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			alert, err := scanAlert(rows)
			if err != nil {
				return err
			}
			results = append(results, alert)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, nil, err
	}

	var next *domain.AlertCursor
	if limit > 0 && len(results) == limit {
		last := results[len(results)-1]
		next = &domain.AlertCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return results, next, nil
}

// UpdateAlert applies the read/dismissed patch for the alert's recipient.
func (r *Repository) UpdateAlert(ctx context.Context, recipientID, alertID string, patch domain.AlertPatch) (*domain.Alert, error) {
	if _, err := uuid.Parse(alertID); err != nil {
		return nil, domain.ErrAlertNotFound
	}
	var alert domain.Alert
	err := r.inUserTx(ctx, recipientID, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`UPDATE lifecycle_alerts
                SET read = COALESCE($3, read), dismissed = COALESCE($4, dismissed)
              WHERE recipient_id = $1 AND id = $2::uuid
          RETURNING `+alertColumns,
			recipientID, alertID, patch.Read, patch.Dismissed,
		)
		var err error
		alert, err = scanAlert(row)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAlertNotFound
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// NotificationEnabled defaults to true when the user stored no preference.
func (r *Repository) NotificationEnabled(ctx context.Context, userID string, category domain.NotificationCategory) (bool, error) {
	enabled := true
	err := r.inUserTx(ctx, userID, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT enabled FROM notification_preferences WHERE user_id = $1 AND category = $2`,
			userID, string(category),
		).Scan(&enabled)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	})
	return enabled, err
}

// CoachesOf lists the active coaches of a client.
func (r *Repository) CoachesOf(ctx context.Context, clientID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT coach_id FROM coach_clients WHERE client_id = $1 AND active ORDER BY coach_id`,
		clientID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var coaches []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		coaches = append(coaches, id)
	}
	return coaches, rows.Err()
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, userID, aggregateType, aggregateID, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var topic string
	switch eventType {
	case events.TypeMetricsIngested:
		topic = r.topics.MetricsIngested
	case events.TypeAlertCreated:
		topic = r.topics.AlertCreated
	default:
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	const stmt = `INSERT INTO outbox (user_id, aggregate_type, aggregate_id, event_type, topic, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err = tx.Exec(ctx, stmt,
		userID,
		aggregateType,
		aggregateID,
		eventType,
		topic,
		userID,
		body,
		fmt.Sprintf("%s:%s", aggregateID, eventType),
	)
	return err
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullIfZero(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(domain.DateLayout)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var (
	_ domain.TokenRepository      = (*Repository)(nil)
	_ domain.MetricRepository     = (*Repository)(nil)
	_ domain.AlertRepository      = (*Repository)(nil)
	_ domain.PreferenceRepository = (*Repository)(nil)
	_ domain.CoachRepository      = (*Repository)(nil)
)
