package unified

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/domain"
)

func day(s string) time.Time {
	t, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestDefaultCatalogAliasesAreDisjoint(t *testing.T) {
	catalog := MustDefaultCatalog()

	owners := map[string]string{}
	for _, canonical := range DefaultCanonicals {
		for _, alias := range canonical.Aliases {
			prev, dup := owners[alias]
			require.False(t, dup, "%q listed under %q and %q", alias, prev, canonical.Name)
			owners[alias] = canonical.Name

			got, ok := catalog.CanonicalFor(alias)
			require.True(t, ok)
			require.Equal(t, canonical.Name, got.Name)
		}
	}
}

func TestNewCatalogRejectsOverlappingAliases(t *testing.T) {
	_, err := NewCatalog([]Canonical{
		{Name: "Recovery Score", Unit: "%", Max: 100, Aliases: []string{"recovery_score", "readiness"}},
		{Name: "Readiness", Unit: "%", Max: 100, Aliases: []string{"readiness"}},
	})
	require.ErrorIs(t, err, ErrAliasOverlap)
	require.ErrorContains(t, err, "readiness")
}

func TestExpandAliasesBuildsReverseIndex(t *testing.T) {
	catalog := MustDefaultCatalog()

	exp, err := catalog.ExpandAliases([]string{"recovery score", "Strain", "Recovery Score"})
	require.NoError(t, err)
	require.Equal(t, RecoveryScore, exp.Reverse["readiness"])
	require.Equal(t, Strain, exp.Reverse["activity_score"])
	require.Len(t, exp.Natives, 8)

	_, err = catalog.ExpandAliases([]string{"VO2 Max"})
	require.ErrorIs(t, err, ErrUnknownMetric)
}

func TestResolvePriorityBeatsConfidence(t *testing.T) {
	catalog := MustDefaultCatalog()
	exp, err := catalog.ExpandAliases([]string{RecoveryScore})
	require.NoError(t, err)

	rows := []domain.RawMetricRow{
		{ID: 1, UserID: "u", Metric: "whoop_recovery", Value: 72, MeasuredOn: day("2024-01-10"), Priority: 1, Confidence: 90},
		{ID: 2, UserID: "u", Metric: "readiness", Value: 68, MeasuredOn: day("2024-01-10"), Priority: 2, Confidence: 95},
	}
	got := Resolve(rows, exp.Reverse)
	require.Equal(t, map[string][]domain.HistoryPoint{
		RecoveryScore: {{Date: "2024-01-10", Value: 72}},
	}, got)
}

func TestResolveTieBreakers(t *testing.T) {
	reverse := map[string]string{"hrv": HRV, "oura_hrv": HRV}
	rows := []domain.RawMetricRow{
		{ID: 9, Metric: "hrv", Value: 40, MeasuredOn: day("2024-01-11"), Priority: 1, Confidence: 80},
		{ID: 3, Metric: "oura_hrv", Value: 55, MeasuredOn: day("2024-01-11"), Priority: 1, Confidence: 95},
		{ID: 5, Metric: "hrv", Value: 61, MeasuredOn: day("2024-01-12"), Priority: 1, Confidence: 90},
		{ID: 4, Metric: "oura_hrv", Value: 62, MeasuredOn: day("2024-01-12"), Priority: 1, Confidence: 90},
	}
	got := Resolve(rows, reverse)
	require.Equal(t, []domain.HistoryPoint{
		{Date: "2024-01-11", Value: 55},
		{Date: "2024-01-12", Value: 62},
	}, got[HRV])
}

func TestResolveIsDeterministicUnderPermutation(t *testing.T) {
	catalog := MustDefaultCatalog()
	exp, err := catalog.ExpandAliases([]string{RecoveryScore, Strain, Steps})
	require.NoError(t, err)

	names := []string{"whoop_recovery", "readiness", "recovery_score", "strain", "activity_score", "steps", "daily_steps"}
	rng := rand.New(rand.NewSource(42))
	var rows []domain.RawMetricRow
	for i := 0; i < 60; i++ {
		rows = append(rows, domain.RawMetricRow{
			ID:         int64(i + 1),
			Metric:     names[rng.Intn(len(names))],
			Value:      float64(rng.Intn(20)),
			MeasuredOn: day("2024-02-01").AddDate(0, 0, rng.Intn(4)),
			Priority:   rng.Intn(3) + 1,
			Confidence: float64(rng.Intn(3) * 10),
		})
	}

	want := Resolve(rows, exp.Reverse)
	for trial := 0; trial < 50; trial++ {
		shuffled := append([]domain.RawMetricRow(nil), rows...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		require.Equal(t, want, Resolve(shuffled, exp.Reverse))
	}
}

func TestResolveUnpersistedRowsIgnoreInputOrder(t *testing.T) {
	reverse := map[string]string{"whoop_hrv": HRV, "oura_hrv": HRV, "hrv": HRV}
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := []domain.RawMetricRow{
		{Metric: "oura_hrv", Value: 48, MeasuredOn: day("2024-03-01"), Source: "OURA", Priority: 1, Confidence: 90, RecordedAt: at},
		{Metric: "whoop_hrv", Value: 52, MeasuredOn: day("2024-03-01"), Source: "WHOOP", Priority: 1, Confidence: 90, RecordedAt: at},
		{Metric: "hrv", Value: 50, MeasuredOn: day("2024-03-01"), Source: "OURA", Priority: 1, Confidence: 90, RecordedAt: at.Add(-time.Hour)},
		{Metric: "hrv", Value: 47, MeasuredOn: day("2024-03-01"), Source: "OURA", Priority: 1, Confidence: 90, RecordedAt: at.Add(-time.Hour)},
	}
	want := map[string][]domain.HistoryPoint{HRV: {{Date: "2024-03-01", Value: 47}}}

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 30; trial++ {
		shuffled := append([]domain.RawMetricRow(nil), rows...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		require.Equal(t, want, Resolve(shuffled, reverse))
	}
}

func TestResolveIgnoresUnrequestedMetrics(t *testing.T) {
	rows := []domain.RawMetricRow{{ID: 1, Metric: "steps", Value: 10, MeasuredOn: day("2024-01-01")}}
	require.Empty(t, Resolve(rows, map[string]string{"hrv": HRV}))
}

func TestNormalizeConvertsUnitsIdempotently(t *testing.T) {
	catalog := MustDefaultCatalog()

	cases := []struct {
		metric string
		value  float64
		unit   string
		want   float64
		unitTo string
	}{
		{"activity_score", 50, "score", 10.5, "strain"},
		{"sleep_duration", 28800, "s", 8, "h"},
		{"weight", 81500, "g", 81.5, "kg"},
		{"workout", 5400, "s", 90, "min"},
		{"whoop_recovery", 72, "%", 72, "%"},
	}
	for _, tc := range cases {
		row := domain.RawMetricRow{Metric: tc.metric, Value: tc.value, Unit: tc.unit}
		once, err := catalog.Normalize(row)
		require.NoError(t, err, tc.metric)
		require.InDelta(t, tc.want, once.Value, 1e-9, tc.metric)
		require.Equal(t, tc.unitTo, once.Unit)

		twice, err := catalog.Normalize(once)
		require.NoError(t, err)
		require.Equal(t, once, twice)
	}
}

func TestNormalizeRejectsInvalidValues(t *testing.T) {
	catalog := MustDefaultCatalog()

	_, err := catalog.Normalize(domain.RawMetricRow{Metric: "whoop_recovery", Value: 140, Unit: "%"})
	require.ErrorIs(t, err, ErrOutOfBounds)

	_, err = catalog.Normalize(domain.RawMetricRow{Metric: "steps", Value: -4, Unit: "steps"})
	require.ErrorIs(t, err, ErrOutOfBounds)

	for _, row := range []domain.RawMetricRow{
		{Metric: "weight", Value: 150, Unit: "oz"},
		{Metric: "activity_score", Value: 15, Unit: "%"},
		{Metric: "activity_score", Value: 15},
		{Metric: "steps", Value: 9000},
	} {
		_, err = catalog.Normalize(row)
		require.ErrorIs(t, err, ErrUnknownUnit, "%s %q", row.Metric, row.Unit)
		require.ErrorIs(t, err, domain.ErrInvalidRow)
		require.Equal(t, "unknown_unit", RejectReason(err))
	}

	_, err = catalog.Normalize(domain.RawMetricRow{Metric: "vo2max", Value: 50})
	require.ErrorIs(t, err, ErrUnknownMetric)
}

func TestDefaultPrecedenceLookupFallsBack(t *testing.T) {
	catalog := MustDefaultCatalog()
	p, err := DefaultPrecedence(catalog)
	require.NoError(t, err)

	require.Equal(t, Rank{Priority: 1, Confidence: 90}, p.Lookup(RecoveryScore, domain.ProviderWhoop))
	require.Equal(t, Rank{Priority: 1, Confidence: 98}, p.Lookup(Weight, domain.ProviderWithings))
	require.Equal(t, p.Providers[domain.ProviderGoogle], p.Lookup(HRV, domain.ProviderGoogle))
	require.Equal(t, p.Default, p.Lookup(HRV, domain.Provider("POLAR")))
}

func TestParsePrecedenceRejectsUnknownEntries(t *testing.T) {
	catalog := MustDefaultCatalog()

	_, err := ParsePrecedence([]byte("metrics:\n  VO2 Max:\n    WHOOP: {priority: 1, confidence: 90}\n"), catalog)
	require.ErrorIs(t, err, ErrUnknownMetric)

	_, err = ParsePrecedence([]byte("providers:\n  FITBIT: {priority: 1, confidence: 90}\n"), catalog)
	require.ErrorIs(t, err, domain.ErrUnknownProvider)

	_, err = ParsePrecedence([]byte("metrics:\n  Steps:\n    GARMIN: {priority: 1, confidence: 120}\n"), catalog)
	require.Error(t, err)
}

type stubMetricRepo struct {
	records []domain.RawMetricRecord
	last    domain.MetricQuery
}

func (s *stubMetricRepo) AppendMetrics(context.Context, domain.MetricBatch) (int, error) {
	return 0, nil
}

func (s *stubMetricRepo) QueryMetrics(_ context.Context, q domain.MetricQuery) ([]domain.RawMetricRecord, error) {
	s.last = q
	return s.records, nil
}

func (s *stubMetricRepo) LatestRecordedAt(context.Context, string, string) (*time.Time, error) {
	return nil, nil
}

func ptr[T any](v T) *T { return &v }

func TestHistoryResolvesAndSkipsMalformedRows(t *testing.T) {
	jan10 := day("2024-01-10")
	jan09 := day("2024-01-09")
	repo := &stubMetricRepo{records: []domain.RawMetricRecord{
		{ID: 1, UserID: "u", Metric: "whoop_recovery", Value: ptr(72.0), Unit: ptr("%"), MeasuredOn: &jan10, Source: ptr("WHOOP"), Priority: ptr(1), Confidence: ptr(90.0)},
		{ID: 2, UserID: "u", Metric: "readiness", Value: ptr(68.0), Unit: ptr("%"), MeasuredOn: &jan10, Source: ptr("OURA"), Priority: ptr(2), Confidence: ptr(95.0)},
		{ID: 3, UserID: "u", Metric: "readiness", Value: nil, MeasuredOn: &jan09, Priority: ptr(1)},
		{ID: 4, UserID: "u", Metric: "readiness", Value: ptr(250.0), Unit: ptr("%"), MeasuredOn: &jan09, Priority: ptr(1)},
		{ID: 5, UserID: "u", Metric: "readiness", Value: ptr(61.0), Unit: ptr("%"), MeasuredOn: &jan09, Priority: ptr(2)},
		{ID: 6, UserID: "u", Metric: "readiness", Value: ptr(9.0), Unit: ptr("points"), MeasuredOn: &jan09, Priority: ptr(0)},
	}}
	svc := NewHistoryService(repo, MustDefaultCatalog(),
		WithWindow(7),
		WithHistoryClock(func() time.Time { return time.Date(2024, 1, 12, 8, 0, 0, 0, time.UTC) }),
	)

	got, err := svc.History(context.Background(), "u", []string{RecoveryScore, Steps}, 0)
	require.NoError(t, err)
	require.Equal(t, map[string][]domain.HistoryPoint{
		RecoveryScore: {{Date: "2024-01-09", Value: 61}, {Date: "2024-01-10", Value: 72}},
	}, got)
	require.Equal(t, "2024-01-06", repo.last.From.Format(domain.DateLayout))
	require.Equal(t, "2024-01-12", repo.last.To.Format(domain.DateLayout))
	require.Contains(t, repo.last.Metrics, "ultrahuman_recovery")
	require.Contains(t, repo.last.Metrics, "daily_steps")
}
