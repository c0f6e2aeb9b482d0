package domain

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestParseRawMetricRowAcceptsCompleteRecord(t *testing.T) {
	measured := time.Date(2026, 3, 4, 17, 30, 0, 0, time.UTC)
	row, err := ParseRawMetricRow(RawMetricRecord{
		ID:         7,
		UserID:     "user-1",
		Metric:     "whoop_recovery",
		Value:      ptr(72.0),
		Unit:       ptr("%"),
		MeasuredOn: &measured,
		Source:     ptr("WHOOP"),
		Priority:   ptr(1),
		Confidence: ptr(95.0),
	})
	require.NoError(t, err)
	require.Equal(t, "2026-03-04", row.Day())
	require.Equal(t, 1, row.Priority)
	require.Equal(t, 95.0, row.Confidence)
	require.Equal(t, "%", row.Unit)
}

func TestParseRawMetricRowDefaultsPriority(t *testing.T) {
	measured := time.Now()
	row, err := ParseRawMetricRow(RawMetricRecord{ID: 1, UserID: "u", Metric: "steps", Value: ptr(10.0), MeasuredOn: &measured})
	require.NoError(t, err)
	require.Equal(t, DefaultPriority, row.Priority)
	require.Zero(t, row.Confidence)
}

func TestParseRawMetricRowRejectsInvalidRecords(t *testing.T) {
	measured := time.Now()
	cases := map[string]RawMetricRecord{
		"missing user":     {Metric: "steps", Value: ptr(1.0), MeasuredOn: &measured},
		"missing metric":   {UserID: "u", Value: ptr(1.0), MeasuredOn: &measured},
		"nil value":        {UserID: "u", Metric: "steps", MeasuredOn: &measured},
		"nan value":        {UserID: "u", Metric: "steps", Value: ptr(math.NaN()), MeasuredOn: &measured},
		"infinite value":   {UserID: "u", Metric: "steps", Value: ptr(math.Inf(1)), MeasuredOn: &measured},
		"missing date":     {UserID: "u", Metric: "steps", Value: ptr(1.0)},
		"confidence > 100": {UserID: "u", Metric: "steps", Value: ptr(1.0), MeasuredOn: &measured, Confidence: ptr(101.0)},
		"confidence < 0":   {UserID: "u", Metric: "steps", Value: ptr(1.0), MeasuredOn: &measured, Confidence: ptr(-1.0)},
	}
	for name, rec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRawMetricRow(rec)
			require.ErrorIs(t, err, ErrInvalidRow)
		})
	}
}

func TestParseProviderIsCaseInsensitive(t *testing.T) {
	p, err := ParseProvider(" oura ")
	require.NoError(t, err)
	require.Equal(t, ProviderOura, p)

	_, err = ParseProvider("fitbit")
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestParseDayAcceptsTimestamps(t *testing.T) {
	day, err := ParseDay("2026-01-02T23:10:00+02:00")
	require.NoError(t, err)
	require.Equal(t, "2026-01-02", day.Format(DateLayout))

	_, err = ParseDay("yesterday")
	require.Error(t, err)
}

func TestAlertKeySelectsSourceOrDaily(t *testing.T) {
	feed := Alert{RecipientID: "u", SourceTable: MetricsTable, SourceID: "w-1", Type: AlertTypeWorkoutCompleted}
	require.True(t, feed.Key().Sourced())
	require.Equal(t, "u|unified_metrics|w-1", feed.Key().String())

	daily := Alert{RecipientID: "coach", Type: AlertTypeOvertrainingRisk, SubjectUserID: "u", AlertDay: "2026-01-02"}
	require.False(t, daily.Key().Sourced())
	require.Equal(t, "coach|overtraining_risk|u|2026-01-02", daily.Key().String())
}

func TestTokenSyncDue(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Hour)
	require.True(t, ProviderToken{Active: true}.SyncDue(now, 6*time.Hour))
	require.False(t, ProviderToken{Active: true, LastSyncAt: &recent}.SyncDue(now, 6*time.Hour))
	require.False(t, ProviderToken{Active: false}.SyncDue(now, 6*time.Hour))
}
