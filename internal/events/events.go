// Package events defines the payloads published through the outbox.
package events

import (
	"time"

	"example.com/healthsync/internal/domain"
)

// Event types.
const (
	TypeMetricsIngested = "metrics.ingested"
	TypeAlertCreated    = "alert.created"
)

// MetricsIngested is emitted once per appended metric batch.
type MetricsIngested struct {
	BatchID    string    `json:"batch_id"`
	UserID     string    `json:"user_id"`
	Provider   string    `json:"provider"`
	DataType   string    `json:"data_type"`
	Rows       int       `json:"rows"`
	Metrics    []string  `json:"metrics"`
	FirstDay   string    `json:"first_day"`
	LastDay    string    `json:"last_day"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AlertCreated carries a newly stored alert to processes holding realtime subscribers.
type AlertCreated struct {
	Alert      domain.Alert `json:"alert"`
	OccurredAt time.Time    `json:"occurred_at"`
}
