package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordRowsIngestedIgnoresEmptyBatches(t *testing.T) {
	before := testutil.ToFloat64(rowsIngestedCounter.WithLabelValues("OURA"))
	RecordRowsIngested("OURA", 0, time.Now())
	RecordRowsIngested("OURA", 3, time.Unix(1_700_000_000, 0))

	require.Equal(t, before+3, testutil.ToFloat64(rowsIngestedCounter.WithLabelValues("OURA")))
	require.Equal(t, float64(1_700_000_000), testutil.ToFloat64(lastIngestGauge))
}

func TestRecordWebhookLabelsUnknownType(t *testing.T) {
	RecordWebhook("", "rejected")
	require.GreaterOrEqual(t, testutil.ToFloat64(webhookCounter.WithLabelValues("unknown", "rejected")), 1.0)
}
