package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DateLayout is the calendar-day format used on the wire and in the store.
const DateLayout = "2006-01-02"

const (
	// DefaultPriority applies when a store row carries no priority; it ranks below every configured source.
	DefaultPriority = 100
	// MetricsTable is the store table holding raw metric rows.
	MetricsTable = "unified_metrics"
	// CaloriesSuffix derives the companion calorie row id from a workout session id.
	CaloriesSuffix = "_calories"
)

// CompanionCaloriesID returns the external id of the calorie row recorded alongside a workout session.
func CompanionCaloriesID(sessionID string) string {
	return sessionID + CaloriesSuffix
}

// RawMetricRow is one provider observation as persisted. Rows are append-only;
// conflicting observations for the same metric and day coexist and are resolved on read.
type RawMetricRow struct {
	ID         int64
	UserID     string
	Metric     string
	Value      float64
	Unit       string
	MeasuredOn time.Time
	Source     string
	Priority   int
	Confidence float64
	ExternalID string
	Label      string
	RecordedAt time.Time
}

// Day returns the measured-on calendar day.
func (r RawMetricRow) Day() string {
	return r.MeasuredOn.Format(DateLayout)
}

// RawMetricRecord is the loosely typed shape a store row arrives in. Every column
// except the sequence id may be absent.
type RawMetricRecord struct {
	ID         int64
	UserID     string
	Metric     string
	Value      *float64
	Unit       *string
	MeasuredOn *time.Time
	Source     *string
	Priority   *int
	Confidence *float64
	ExternalID *string
	Label      *string
	RecordedAt *time.Time
}

// ParseRawMetricRow validates a store record at the boundary so business logic only sees typed rows.
func ParseRawMetricRow(rec RawMetricRecord) (RawMetricRow, error) {
	row := RawMetricRow{
		ID:         rec.ID,
		UserID:     strings.TrimSpace(rec.UserID),
		Metric:     strings.TrimSpace(rec.Metric),
		Priority:   DefaultPriority,
		Unit:       deref(rec.Unit),
		Source:     deref(rec.Source),
		ExternalID: deref(rec.ExternalID),
		Label:      deref(rec.Label),
	}
	if row.UserID == "" {
		return RawMetricRow{}, fmt.Errorf("%w: row %d missing user", ErrInvalidRow, rec.ID)
	}
	if row.Metric == "" {
		return RawMetricRow{}, fmt.Errorf("%w: row %d missing metric", ErrInvalidRow, rec.ID)
	}
	if rec.Value == nil || math.IsNaN(*rec.Value) || math.IsInf(*rec.Value, 0) {
		return RawMetricRow{}, fmt.Errorf("%w: row %d has no finite value", ErrInvalidRow, rec.ID)
	}
	row.Value = *rec.Value
	if rec.MeasuredOn == nil || rec.MeasuredOn.IsZero() {
		return RawMetricRow{}, fmt.Errorf("%w: row %d missing measured_on", ErrInvalidRow, rec.ID)
	}
	row.MeasuredOn = TruncateDay(*rec.MeasuredOn)
	if rec.Priority != nil {
		row.Priority = *rec.Priority
	}
	if rec.Confidence != nil {
		c := *rec.Confidence
		if math.IsNaN(c) || c < 0 || c > 100 {
			return RawMetricRow{}, fmt.Errorf("%w: row %d confidence %v outside 0-100", ErrInvalidRow, rec.ID, c)
		}
		row.Confidence = c
	}
	if rec.RecordedAt != nil {
		row.RecordedAt = rec.RecordedAt.UTC()
	}
	return row, nil
}

// TruncateDay drops the time-of-day component, keeping the calendar date in UTC.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD date or an RFC3339 timestamp into a calendar day.
func ParseDay(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if len(value) >= len(DateLayout) {
		if t, err := time.Parse(DateLayout, value[:len(DateLayout)]); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", value)
}

// HistoryPoint is one resolved value for a canonical metric.
type HistoryPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// MetricQuery selects raw rows for resolution.
type MetricQuery struct {
	UserID  string
	Metrics []string
	From    time.Time
	To      time.Time
}

// MetricBatch is a set of rows ingested together from one delivery.
type MetricBatch struct {
	UserID   string
	Provider Provider
	DataType DataType
	Rows     []RawMetricRow
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
