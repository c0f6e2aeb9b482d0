package terra

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/healthsync/internal/domain"
)

// ErrMalformedData is returned when a data array cannot be decoded at all.
var ErrMalformedData = errors.New("malformed data payload")

// Map turns the data array of a delivery into raw metric rows for userID. Items
// that cannot be decoded or dated are counted in skipped; absent values produce no row.
func Map(provider domain.Provider, dataType domain.DataType, userID string, data json.RawMessage) (rows []domain.RawMetricRow, skipped int, err error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, 0, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}

	m := mapper{provider: provider, userID: userID, recordedAt: time.Now().UTC()}
	for _, item := range items {
		var (
			out []domain.RawMetricRow
			err error
		)
		switch dataType {
		case domain.DataTypeDaily:
			out, err = m.daily(item)
		case domain.DataTypeSleep:
			out, err = m.sleep(item)
		case domain.DataTypeActivity:
			out, err = m.activity(item)
		case domain.DataTypeBody:
			out, err = m.body(item)
		default:
			return nil, 0, fmt.Errorf("%w: %q", domain.ErrUnknownDataType, dataType)
		}
		if err != nil {
			skipped++
			continue
		}
		rows = append(rows, out...)
	}
	return rows, skipped, nil
}

type mapper struct {
	provider   domain.Provider
	userID     string
	recordedAt time.Time
}

func (m mapper) row(metric string, v Number, unit string, on time.Time) (domain.RawMetricRow, bool) {
	if !v.Valid {
		return domain.RawMetricRow{}, false
	}
	return domain.RawMetricRow{
		UserID:     m.userID,
		Metric:     metric,
		Value:      v.Value,
		Unit:       unit,
		MeasuredOn: on,
		Source:     string(m.provider),
		RecordedAt: m.recordedAt,
	}, true
}

func (m mapper) daily(raw json.RawMessage) ([]domain.RawMetricRow, error) {
	var d Daily
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	on, err := domain.ParseDay(d.Metadata.StartTime)
	if err != nil {
		return nil, err
	}

	var rows []domain.RawMetricRow
	add := func(metric string, v Number, unit string) {
		if r, ok := m.row(metric, v, unit, on); ok {
			rows = append(rows, r)
		}
	}
	add(m.recoveryName(), d.Scores.Recovery, "%")
	if d.StrainData.StrainLevel.Valid {
		add(m.strainName(), d.StrainData.StrainLevel, "strain")
	} else {
		add("activity_score", d.Scores.Activity, "score")
	}
	add("steps", d.DistanceData.Steps, "steps")
	add("total_burned_calories", d.CaloriesData.TotalBurnedCalories, "kcal")
	add(m.restingHRName(), d.HeartRateData.Summary.RestingHRBPM, "bpm")
	add(m.hrvName(), d.HeartRateData.Summary.AvgHRVRMSSD, "ms")
	return rows, nil
}

func (m mapper) sleep(raw json.RawMessage) ([]domain.RawMetricRow, error) {
	var s Sleep
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	// sleep belongs to the day the session ends
	anchor := s.Metadata.EndTime
	if anchor == "" {
		anchor = s.Metadata.StartTime
	}
	on, err := domain.ParseDay(anchor)
	if err != nil {
		return nil, err
	}

	var rows []domain.RawMetricRow
	if r, ok := m.row("sleep_duration", s.SleepDurationsData.Asleep.DurationAsleepStateSeconds, "s", on); ok {
		rows = append(rows, r)
	}
	score := s.DataEnrichment.SleepScore
	if !score.Valid {
		score = s.Scores.Sleep
	}
	if r, ok := m.row(m.sleepScoreName(), score, "%", on); ok {
		rows = append(rows, r)
	}
	return rows, nil
}

func (m mapper) activity(raw json.RawMessage) ([]domain.RawMetricRow, error) {
	var a Activity
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	on, err := domain.ParseDay(a.Metadata.StartTime)
	if err != nil {
		return nil, err
	}
	session := strings.TrimSpace(a.Metadata.SummaryID)
	if session == "" {
		return nil, fmt.Errorf("%w: activity without summary_id", ErrMalformedData)
	}

	var rows []domain.RawMetricRow
	if r, ok := m.row("workout", a.ActiveDurationsData.ActivitySeconds, "s", on); ok {
		r.ExternalID = session
		r.Label = a.Metadata.Name
		rows = append(rows, r)
	}
	if r, ok := m.row("workout_calories", a.CaloriesData.TotalBurnedCalories, "kcal", on); ok {
		r.ExternalID = domain.CompanionCaloriesID(session)
		r.Label = a.Metadata.Name
		rows = append(rows, r)
	}
	return rows, nil
}

func (m mapper) body(raw json.RawMessage) ([]domain.RawMetricRow, error) {
	var b Body
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	fallback, fallbackErr := domain.ParseDay(b.Metadata.StartTime)

	var rows []domain.RawMetricRow
	for _, measurement := range b.MeasurementsData.Measurements {
		on, err := domain.ParseDay(measurement.MeasurementTime)
		if err != nil {
			if fallbackErr != nil {
				continue
			}
			on = fallback
		}
		if r, ok := m.row("weight", measurement.WeightKg, "kg", on); ok {
			rows = append(rows, r)
		}
		if r, ok := m.row("body_fat", measurement.BodyfatPercentage, "%", on); ok {
			rows = append(rows, r)
		}
	}
	if fallbackErr == nil {
		if r, ok := m.row(m.restingHRName(), b.HeartData.HeartRateData.Summary.RestingHRBPM, "bpm", fallback); ok {
			rows = append(rows, r)
		}
	}
	if len(rows) == 0 && fallbackErr != nil {
		return nil, fallbackErr
	}
	return rows, nil
}

func (m mapper) recoveryName() string {
	switch m.provider {
	case domain.ProviderWhoop:
		return "whoop_recovery"
	case domain.ProviderOura:
		return "readiness"
	case domain.ProviderUltrahuman:
		return "ultrahuman_recovery"
	default:
		return "recovery_score"
	}
}

func (m mapper) strainName() string {
	if m.provider == domain.ProviderWhoop {
		return "whoop_strain"
	}
	return "strain"
}

func (m mapper) restingHRName() string {
	if m.provider == domain.ProviderWhoop {
		return "whoop_rhr"
	}
	return "resting_hr"
}

func (m mapper) hrvName() string {
	switch m.provider {
	case domain.ProviderWhoop:
		return "whoop_hrv"
	case domain.ProviderOura:
		return "oura_hrv"
	default:
		return "hrv_rmssd"
	}
}

func (m mapper) sleepScoreName() string {
	switch m.provider {
	case domain.ProviderWhoop:
		return "sleep_performance"
	case domain.ProviderOura:
		return "oura_sleep_score"
	default:
		return "sleep_score"
	}
}
