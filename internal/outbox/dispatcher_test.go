package outbox

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/events"
)

func ingestedPayload(t *testing.T) json.RawMessage {
	t.Helper()
	body, err := json.Marshal(events.MetricsIngested{
		BatchID: "b-1", UserID: "user-1", Provider: "WHOOP", DataType: "daily",
		Rows: 3, Metrics: []string{"steps"}, FirstDay: "2024-01-10", LastDay: "2024-01-10",
		OccurredAt: time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return body
}

func TestPayloadValidator(t *testing.T) {
	v, err := NewPayloadValidator()
	require.NoError(t, err)

	require.NoError(t, v.Validate(events.TypeMetricsIngested, ingestedPayload(t)))

	alert, err := json.Marshal(events.AlertCreated{
		Alert: domain.Alert{
			ID: "a-1", RecipientID: "user-1", Kind: domain.AlertKindFeed, Type: domain.AlertTypeWorkoutCompleted,
			Title: "Workout logged", Message: "Run: 30 min",
		},
		OccurredAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, v.Validate(events.TypeAlertCreated, alert))

	require.Error(t, v.Validate("activity.unknown", ingestedPayload(t)))
	require.Error(t, v.Validate(events.TypeMetricsIngested, []byte(`{"batch_id":"b"}`)))
	require.Error(t, v.Validate(events.TypeMetricsIngested, []byte(`not json`)))
	require.Error(t, v.Validate(events.TypeAlertCreated, []byte(`{"alert":{"id":""},"occurred_at":"x"}`)))
}

func TestPrepareGroupsByTopicAndRejectsInvalid(t *testing.T) {
	v, err := NewPayloadValidator()
	require.NoError(t, err)
	at := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	d := &Dispatcher{validator: v, now: func() time.Time { return at }}

	messages := []Message{
		{EventID: 1, UserID: "user-1", EventType: events.TypeMetricsIngested, Topic: "metric_ingest_events", PartitionKey: "user-1", Payload: ingestedPayload(t)},
		{EventID: 2, UserID: "user-2", EventType: events.TypeMetricsIngested, Topic: "metric_ingest_events", PartitionKey: "user-2", Payload: ingestedPayload(t)},
		{EventID: 3, UserID: "user-1", EventType: "activity.unknown", Topic: "metric_ingest_events", PartitionKey: "user-1", Payload: json.RawMessage(`{}`)},
	}

	batches, rejected := d.prepare(messages)
	require.Len(t, batches, 1)
	batch := batches["metric_ingest_events"]
	require.Len(t, batch.records, 2)
	require.Equal(t, []byte("user-2"), batch.records[1].Key)
	require.Equal(t, at, batch.records[0].Time)

	require.Len(t, rejected, 1)
	require.Equal(t, int64(3), rejected[0].msg.EventID)
	require.Contains(t, rejected[0].reason, "no schema for event_type=activity.unknown")
}

func TestMessageRecordHeaders(t *testing.T) {
	rec := Message{EventID: 42, UserID: "user-1", EventType: events.TypeAlertCreated, PartitionKey: "user-1", Payload: json.RawMessage(`{}`)}.Record(time.Now())

	headers := map[string]string{}
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	require.Equal(t, map[string]string{
		HeaderEventType: events.TypeAlertCreated,
		HeaderUserID:    "user-1",
		HeaderEventID:   "42",
	}, headers)
}

func TestBackoffDelay(t *testing.T) {
	m := &DLQManager{baseDelay: time.Minute}
	require.Equal(t, time.Minute, m.backoffDelay(1))
	require.Equal(t, 2*time.Minute, m.backoffDelay(2))
	require.Equal(t, 8*time.Minute, m.backoffDelay(4))
	require.Equal(t, time.Hour, m.backoffDelay(7))
	require.Equal(t, time.Hour, m.backoffDelay(64))
	require.Equal(t, time.Minute, m.backoffDelay(0))
}
