package domain

import (
	"context"
	"time"
)

// TokenRepository persists provider authorizations.
type TokenRepository interface {
	UpsertToken(ctx context.Context, token ProviderToken) error
	// DeactivateToken marks the token inactive. It reports false when no active token matched.
	DeactivateToken(ctx context.Context, provider Provider, externalUserID string) (bool, error)
	FindTokenByExternalID(ctx context.Context, provider Provider, externalUserID string) (*ProviderToken, error)
	ListActiveTokens(ctx context.Context, filter TokenFilter) ([]ProviderToken, error)
	TouchLastSync(ctx context.Context, userID string, provider Provider, at time.Time) error
}

// MetricRepository persists raw metric rows.
type MetricRepository interface {
	// AppendMetrics stores the batch and its ingestion event atomically and returns the number of rows written.
	AppendMetrics(ctx context.Context, batch MetricBatch) (int, error)
	// QueryMetrics returns rows ordered by measured day, priority, confidence descending, then id.
	QueryMetrics(ctx context.Context, query MetricQuery) ([]RawMetricRecord, error)
	// LatestRecordedAt returns the most recent ingestion time for a user and source, or nil.
	LatestRecordedAt(ctx context.Context, userID, source string) (*time.Time, error)
}

// AlertRepository persists lifecycle alerts and feed entries.
type AlertRepository interface {
	AlertExists(ctx context.Context, key AlertKey) (bool, error)
	// InsertAlert reports false when an alert with the same natural key already exists.
	InsertAlert(ctx context.Context, alert Alert) (bool, error)
	ListAlerts(ctx context.Context, recipientID string, cursor *AlertCursor, limit int) ([]Alert, *AlertCursor, error)
	UpdateAlert(ctx context.Context, recipientID, alertID string, patch AlertPatch) (*Alert, error)
}

// PreferenceRepository reads notification opt-outs.
type PreferenceRepository interface {
	// NotificationEnabled reports the stored preference, defaulting to true when none exists.
	NotificationEnabled(ctx context.Context, userID string, category NotificationCategory) (bool, error)
}

// CoachRepository reads coach-client links.
type CoachRepository interface {
	CoachesOf(ctx context.Context, clientID string) ([]string, error)
}
