package terra

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/domain"
)

func TestRequestHistoryBuildsAuthenticatedQuery(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL, DevID: "dev-1", APIKey: "key-1", Timeout: time.Second}, nil)
	start := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	require.NoError(t, client.RequestHistory(context.Background(), domain.DataTypeSleep, "terra-user", start, end))
	require.NotNil(t, got)
	require.Equal(t, http.MethodGet, got.Method)
	require.Equal(t, "/sleep", got.URL.Path)
	require.Equal(t, "terra-user", got.URL.Query().Get("user_id"))
	require.Equal(t, "2024-01-03", got.URL.Query().Get("start_date"))
	require.Equal(t, "2024-01-10", got.URL.Query().Get("end_date"))
	require.Equal(t, "true", got.URL.Query().Get("to_webhook"))
	require.Equal(t, "dev-1", got.Header.Get("dev-id"))
	require.Equal(t, "key-1", got.Header.Get("x-api-key"))
}

func TestRequestHistoryReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL, Timeout: time.Second}, nil)
	err := client.RequestHistory(context.Background(), domain.DataTypeDaily, "u", time.Now(), time.Now())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadGateway, apiErr.Status)
	require.False(t, IsAuthFailure(err))
}

func TestUserInfoAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/userInfo", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL, Timeout: time.Second}, nil)
	_, err := client.UserInfo(context.Background(), "gone")
	require.True(t, IsAuthFailure(err))
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL, Timeout: time.Second}, nil)
	for i := 0; i < 8; i++ {
		err := client.RequestHistory(context.Background(), domain.DataTypeBody, "u", time.Now(), time.Now())
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
	}
	require.Equal(t, 8, calls)
}
