package unified

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"example.com/healthsync/internal/domain"
)

type conversion struct {
	from  string
	apply func(float64) float64
}

// conversions are keyed by canonical metric. A row whose unit already matches
// the canonical unit is left untouched, which keeps Normalize idempotent.
var conversions = map[string][]conversion{
	Strain: {
		{from: "score", apply: func(v float64) float64 { return v / 100 * 21 }},
	},
	SleepDuration: {
		{from: "s", apply: func(v float64) float64 { return v / 3600 }},
		{from: "min", apply: func(v float64) float64 { return v / 60 }},
	},
	WorkoutDuration: {
		{from: "s", apply: func(v float64) float64 { return v / 60 }},
		{from: "h", apply: func(v float64) float64 { return v * 60 }},
	},
	Weight: {
		{from: "g", apply: func(v float64) float64 { return v / 1000 }},
		{from: "lb", apply: func(v float64) float64 { return v * 0.45359237 }},
	},
	HRV: {
		{from: "s", apply: func(v float64) float64 { return v * 1000 }},
	},
	RecoveryScore: {
		{from: "ratio", apply: func(v float64) float64 { return v * 100 }},
	},
	BodyFat: {
		{from: "ratio", apply: func(v float64) float64 { return v * 100 }},
	},
}

// Normalize converts a row into its canonical unit and validates it against the canonical bounds.
// The metric name is kept as delivered so resolution can still trace the source alias.
func (c *Catalog) Normalize(row domain.RawMetricRow) (domain.RawMetricRow, error) {
	canonical, ok := c.CanonicalFor(row.Metric)
	if !ok {
		return row, fmt.Errorf("%w: %q", ErrUnknownMetric, row.Metric)
	}
	if math.IsNaN(row.Value) || math.IsInf(row.Value, 0) {
		return row, fmt.Errorf("%w: %s value is not finite", domain.ErrInvalidRow, row.Metric)
	}

	// An empty unit is rejected, not assumed canonical.
	unit := strings.ToLower(strings.TrimSpace(row.Unit))
	if unit != strings.ToLower(canonical.Unit) {
		converted := false
		for _, conv := range conversions[canonical.Name] {
			if conv.from == unit {
				row.Value = conv.apply(row.Value)
				converted = true
				break
			}
		}
		if !converted {
			return row, fmt.Errorf("%w: %w: %s unit %q (want %s)", domain.ErrInvalidRow, ErrUnknownUnit, row.Metric, row.Unit, canonical.Unit)
		}
	}
	row.Unit = canonical.Unit

	if row.Value < canonical.Min || row.Value > canonical.Max {
		return row, fmt.Errorf("%w: %s=%v (%v..%v %s)", ErrOutOfBounds, row.Metric, row.Value, canonical.Min, canonical.Max, canonical.Unit)
	}
	return row, nil
}

// RejectReason labels a Normalize error for the rejected-rows metric.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrOutOfBounds):
		return "out_of_bounds"
	case errors.Is(err, ErrUnknownUnit):
		return "unknown_unit"
	default:
		return "invalid"
	}
}
