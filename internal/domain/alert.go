package domain

import (
	"fmt"
	"time"
)

// AlertKind separates informational feed entries from actionable alerts.
type AlertKind string

const (
	AlertKindAlert AlertKind = "alert"
	AlertKindFeed  AlertKind = "feed"
)

// AlertType is the category a synthesizer rule produces.
type AlertType string

const (
	AlertTypeWorkoutCompleted AlertType = "workout_completed"
	AlertTypeIntegrationStale AlertType = "integration_stale"
	AlertTypeOvertrainingRisk AlertType = "overtraining_risk"
)

// AlertTypes lists the synthesizer categories in evaluation order.
var AlertTypes = []AlertType{AlertTypeWorkoutCompleted, AlertTypeIntegrationStale, AlertTypeOvertrainingRisk}

// ParseAlertType validates a category name.
func ParseAlertType(value string) (AlertType, error) {
	for _, t := range AlertTypes {
		if string(t) == value {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown alert category %q", value)
}

// Severity ranks how urgently an alert should be surfaced.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// NotificationCategory is the preference key a recipient can switch off.
type NotificationCategory string

const (
	CategoryWorkoutUpdates           NotificationCategory = "workout_updates"
	CategoryIntegrationIssues        NotificationCategory = "integration_issues"
	CategoryOvertrainingAlerts       NotificationCategory = "overtraining_alerts"
	CategoryClientOvertrainingAlerts NotificationCategory = "client_overtraining_alerts"
)

// Alert is a lifecycle alert or activity feed entry addressed to one recipient.
type Alert struct {
	ID            string               `json:"id"`
	RecipientID   string               `json:"recipientId"`
	Kind          AlertKind            `json:"kind"`
	Type          AlertType            `json:"type"`
	Category      NotificationCategory `json:"category"`
	Title         string               `json:"title"`
	Message       string               `json:"message"`
	Severity      Severity             `json:"severity"`
	SubjectUserID string               `json:"subjectUserId"`
	SourceTable   string               `json:"sourceTable,omitempty"`
	SourceID      string               `json:"sourceId,omitempty"`
	AlertDay      string               `json:"alertDay,omitempty"`
	Metadata      map[string]any       `json:"metadata,omitempty"`
	Read          bool                 `json:"read"`
	Dismissed     bool                 `json:"dismissed"`
	CreatedAt     time.Time            `json:"createdAt"`
}

// AlertKey is the natural idempotency key of an alert. Source-keyed alerts set
// SourceTable and SourceID; daily alerts set Type, SubjectUserID and Day.
type AlertKey struct {
	RecipientID   string
	SourceTable   string
	SourceID      string
	Type          AlertType
	SubjectUserID string
	Day           string
}

// Key derives the idempotency key for the alert.
func (a Alert) Key() AlertKey {
	if a.SourceTable != "" && a.SourceID != "" {
		return AlertKey{RecipientID: a.RecipientID, SourceTable: a.SourceTable, SourceID: a.SourceID}
	}
	return AlertKey{RecipientID: a.RecipientID, Type: a.Type, SubjectUserID: a.SubjectUserID, Day: a.AlertDay}
}

// Sourced reports whether the key identifies a source record rather than a day.
func (k AlertKey) Sourced() bool {
	return k.SourceTable != ""
}

func (k AlertKey) String() string {
	if k.Sourced() {
		return fmt.Sprintf("%s|%s|%s", k.RecipientID, k.SourceTable, k.SourceID)
	}
	return fmt.Sprintf("%s|%s|%s|%s", k.RecipientID, k.Type, k.SubjectUserID, k.Day)
}

// AlertPatch carries the user-mutable flags of an alert.
type AlertPatch struct {
	Read      *bool
	Dismissed *bool
}

// AlertCursor models the alert listing pagination token.
type AlertCursor struct {
	CreatedAt time.Time
	ID        string
}
