package terra

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/domain"
)

type call struct {
	dataType domain.DataType
	external string
	start    time.Time
	end      time.Time
}

type stubHistoryClient struct {
	mu    sync.Mutex
	calls []call
	fail  map[string]error
}

func (s *stubHistoryClient) RequestHistory(_ context.Context, dataType domain.DataType, externalUserID string, start, end time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{dataType, externalUserID, start, end})
	return s.fail[externalUserID]
}

type stubSyncRecorder struct {
	touched []string
}

func (s *stubSyncRecorder) TouchLastSync(_ context.Context, userID string, _ domain.Provider, _ time.Time) error {
	s.touched = append(s.touched, userID)
	return nil
}

func fixedNow() time.Time { return time.Date(2024, 1, 10, 15, 4, 0, 0, time.UTC) }

func TestRequestRecordsPartialFailure(t *testing.T) {
	client := &stubHistoryClient{fail: map[string]error{
		"ext-2": &APIError{Status: 500, Path: "/daily", Body: "internal"},
	}}
	syncs := &stubSyncRecorder{}
	requester := NewRequester(client, syncs,
		WithRequestSpacing(0),
		WithUserDelay(0),
		WithRequesterClock(fixedNow),
	)

	summary := requester.Request(context.Background(), domain.ProviderOura, []Target{
		{UserID: "user-1", ExternalID: "ext-1"},
		{UserID: "user-2", ExternalID: "ext-2"},
		{UserID: "user-3", ExternalID: "ext-3"},
	}, 7)

	require.Equal(t, 3, summary.Total)
	require.Equal(t, 2, summary.Successful)
	require.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	require.Equal(t, "user-2", summary.Errors[0].UserID)
	require.Len(t, summary.Errors[0].Failures, len(DataTypesFor(domain.ProviderOura)))

	var user3 int
	for _, c := range client.calls {
		if c.external == "ext-3" {
			user3++
		}
	}
	require.Equal(t, 3, user3, "user 3 must still be processed")
	require.Equal(t, []string{"user-1", "user-2", "user-3"}, syncs.touched)
}

func TestRequestClampsRange(t *testing.T) {
	client := &stubHistoryClient{}
	requester := NewRequester(client, nil, WithRequestSpacing(0), WithUserDelay(0), WithRequesterClock(fixedNow))

	summary := requester.Request(context.Background(), domain.ProviderUltrahuman, []Target{{UserID: "u", ExternalID: "e"}}, 365)
	require.Equal(t, "2023-10-12", summary.StartDate)
	require.Equal(t, "2024-01-10", summary.EndDate)

	summary = requester.Request(context.Background(), domain.ProviderUltrahuman, []Target{{UserID: "u", ExternalID: "e"}}, 0)
	require.Equal(t, "2024-01-03", summary.StartDate)
	require.Equal(t, []domain.DataType{domain.DataTypeDaily, domain.DataTypeSleep}, []domain.DataType{client.calls[0].dataType, client.calls[1].dataType})
}

func TestRequestSpacesCalls(t *testing.T) {
	client := &stubHistoryClient{}
	requester := NewRequester(client, nil, WithRequestSpacing(20*time.Millisecond), WithUserDelay(0), WithRequesterClock(fixedNow))

	started := time.Now()
	requester.Request(context.Background(), domain.ProviderUltrahuman, []Target{{UserID: "u1", ExternalID: "e1"}, {UserID: "u2", ExternalID: "e2"}}, 1)
	require.GreaterOrEqual(t, time.Since(started), 55*time.Millisecond)
	require.Len(t, client.calls, 4)
}

func TestRequestEmptyBatch(t *testing.T) {
	requester := NewRequester(&stubHistoryClient{}, nil, WithRequestSpacing(0), WithUserDelay(0))
	summary := requester.Request(context.Background(), domain.ProviderGarmin, nil, 7)
	require.Zero(t, summary.Total)
	require.Empty(t, summary.Errors)
}

func TestRequestUnknownProviderFailsEveryTarget(t *testing.T) {
	client := &stubHistoryClient{}
	syncs := &stubSyncRecorder{}
	requester := NewRequester(client, syncs, WithRequestSpacing(0), WithUserDelay(0), WithRequesterClock(fixedNow))

	summary := requester.Request(context.Background(), domain.Provider("POLAR"), []Target{
		{UserID: "user-1", ExternalID: "ext-1"},
		{UserID: "user-2", ExternalID: "ext-2"},
	}, 7)

	require.Equal(t, 2, summary.Total)
	require.Zero(t, summary.Successful)
	require.Equal(t, 2, summary.Failed)
	require.Len(t, summary.Errors, 2)
	require.Contains(t, summary.Errors[0].Failures[0].Error, "no data types for provider POLAR")
	require.Empty(t, client.calls)
	require.Empty(t, syncs.touched, "nothing was requested, so last sync stays put")
}
