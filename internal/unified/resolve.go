package unified

import (
	"sort"

	"example.com/healthsync/internal/domain"
)

// Resolve picks one row per (canonical metric, day): lowest priority, then highest
// confidence, then lowest store id. Unpersisted rows share id 0, so source, recorded-at,
// metric name and value break the remaining ties and the choice never depends on input
// order. Rows whose metric is not in reverse are ignored.
// The result maps canonical name to date-ascending points; empty canonicals are omitted.
func Resolve(rows []domain.RawMetricRow, reverse map[string]string) map[string][]domain.HistoryPoint {
	ordered := make([]domain.RawMetricRow, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool {
		return outranks(ordered[i], ordered[j])
	})

	type slot struct {
		canonical string
		day       string
	}
	chosen := make(map[slot]bool)
	out := make(map[string][]domain.HistoryPoint)
	for _, row := range ordered {
		canonical, ok := reverse[row.Metric]
		if !ok {
			continue
		}
		key := slot{canonical: canonical, day: row.Day()}
		if chosen[key] {
			continue
		}
		chosen[key] = true
		out[canonical] = append(out[canonical], domain.HistoryPoint{Date: key.day, Value: row.Value})
	}
	// rows were sorted by day first, so each series is already ascending
	return out
}

func outranks(a, b domain.RawMetricRow) bool {
	if !a.MeasuredOn.Equal(b.MeasuredOn) {
		return a.MeasuredOn.Before(b.MeasuredOn)
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	if !a.RecordedAt.Equal(b.RecordedAt) {
		return a.RecordedAt.Before(b.RecordedAt)
	}
	if a.Metric != b.Metric {
		return a.Metric < b.Metric
	}
	return a.Value < b.Value
}
