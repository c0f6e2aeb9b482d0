package terra

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// Number is a lenient optional float. Nulls, non-numeric strings and non-finite
// values decode to an invalid Number rather than failing the whole payload.
type Number struct {
	Value float64
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(data []byte) error {
	*n = Number{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		data = []byte(s)
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	n.Value, n.Valid = v, true
	return nil
}

// MarshalJSON implements json.Marshaler.
func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// N builds a valid Number.
func N(v float64) Number { return Number{Value: v, Valid: true} }

// User identifies the connection a webhook refers to.
type User struct {
	UserID      string `json:"user_id"`
	Provider    string `json:"provider"`
	ReferenceID string `json:"reference_id,omitempty"`
	Scopes      string `json:"scopes,omitempty"`
}

// Envelope is the outer shape of every webhook delivery.
type Envelope struct {
	Type        string          `json:"type"`
	Status      string          `json:"status,omitempty"`
	User        User            `json:"user"`
	ReferenceID string          `json:"reference_id,omitempty"`
	Message     string          `json:"message,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Metadata carries the time range and identifiers common to every data item.
type Metadata struct {
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	SummaryID  string `json:"summary_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Type       Number `json:"type"`
	UploadType Number `json:"upload_type"`
}

// HeartRateSummary holds the per-period heart rate aggregates.
type HeartRateSummary struct {
	RestingHRBPM Number `json:"resting_hr_bpm"`
	AvgHRBPM     Number `json:"avg_hr_bpm"`
	AvgHRVRMSSD  Number `json:"avg_hrv_rmssd"`
}

// HeartRateData wraps the heart rate summary.
type HeartRateData struct {
	Summary HeartRateSummary `json:"summary"`
}

// CaloriesData holds energy expenditure.
type CaloriesData struct {
	TotalBurnedCalories Number `json:"total_burned_calories"`
	NetActivityCalories Number `json:"net_activity_calories"`
}

// Daily is one day summary.
type Daily struct {
	Metadata Metadata `json:"metadata"`
	Scores   struct {
		Recovery Number `json:"recovery"`
		Activity Number `json:"activity"`
		Sleep    Number `json:"sleep"`
	} `json:"scores"`
	DistanceData struct {
		Steps Number `json:"steps"`
	} `json:"distance_data"`
	CaloriesData  CaloriesData  `json:"calories_data"`
	HeartRateData HeartRateData `json:"heart_rate_data"`
	StrainData    struct {
		StrainLevel Number `json:"strain_level"`
	} `json:"strain_data"`
}

// Sleep is one sleep session.
type Sleep struct {
	Metadata           Metadata `json:"metadata"`
	SleepDurationsData struct {
		Asleep struct {
			DurationAsleepStateSeconds Number `json:"duration_asleep_state_seconds"`
		} `json:"asleep"`
	} `json:"sleep_durations_data"`
	HeartRateData  HeartRateData `json:"heart_rate_data"`
	DataEnrichment struct {
		SleepScore Number `json:"sleep_score"`
	} `json:"data_enrichment"`
	Scores struct {
		Sleep Number `json:"sleep"`
	} `json:"scores"`
}

// Activity is one workout session.
type Activity struct {
	Metadata            Metadata     `json:"metadata"`
	CaloriesData        CaloriesData `json:"calories_data"`
	ActiveDurationsData struct {
		ActivitySeconds Number `json:"activity_seconds"`
	} `json:"active_durations_data"`
	StrainData struct {
		StrainLevel Number `json:"strain_level"`
	} `json:"strain_data"`
}

// Measurement is a single body composition reading.
type Measurement struct {
	MeasurementTime   string `json:"measurement_time"`
	WeightKg          Number `json:"weight_kg"`
	BodyfatPercentage Number `json:"bodyfat_percentage"`
}

// Body is one body summary.
type Body struct {
	Metadata         Metadata `json:"metadata"`
	MeasurementsData struct {
		Measurements []Measurement `json:"measurements"`
	} `json:"measurements_data"`
	HeartData struct {
		HeartRateData HeartRateData `json:"heart_rate_data"`
	} `json:"heart_data"`
}
