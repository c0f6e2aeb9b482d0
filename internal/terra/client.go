// Package terra talks to the Terra aggregation API and maps its payloads onto raw metric rows.
package terra

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"example.com/healthsync/internal/domain"
)

// APIError is a non-2xx response from the provider API.
type APIError struct {
	Status int
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("terra %s: status %d: %s", e.Path, e.Status, e.Body)
}

// AuthFailure reports whether the provider rejected the connection itself.
func (e *APIError) AuthFailure() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusNotFound
}

// IsAuthFailure unwraps err looking for an auth failure APIError.
func IsAuthFailure(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.AuthFailure()
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL string
	DevID   string
	APIKey  string
	Timeout time.Duration
}

// UserInfo is the subset of the userInfo response used for connectivity checks.
type UserInfo struct {
	Status          string `json:"status"`
	IsAuthenticated bool   `json:"is_authenticated"`
	User            User   `json:"user"`
}

// Client issues authenticated calls to the provider API behind a circuit breaker.
type Client struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker[*resty.Response]
	logger  *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("dev-id", cfg.DevID).
		SetHeader("x-api-key", cfg.APIKey).
		SetHeader("Accept", "application/json")

	c := &Client{http: httpClient, logger: logger}
	c.breaker = gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:        "terra-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// client errors describe the request, not the provider's health
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.Status < http.StatusInternalServerError && apiErr.Status != http.StatusTooManyRequests
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

func (c *Client) get(ctx context.Context, path string, query map[string]string, result any) error {
	_, err := c.breaker.Execute(func() (*resty.Response, error) {
		req := c.http.R().SetContext(ctx).SetQueryParams(query)
		if result != nil {
			req.SetResult(result)
		}
		resp, err := req.Get(path)
		if err != nil {
			return nil, fmt.Errorf("terra %s: %w", path, err)
		}
		if resp.IsError() {
			return resp, &APIError{Status: resp.StatusCode(), Path: path, Body: truncate(resp.String(), 256)}
		}
		return resp, nil
	})
	return err
}

// RequestHistory asks the provider to redeliver dataType for [start, end] to the webhook.
func (c *Client) RequestHistory(ctx context.Context, dataType domain.DataType, externalUserID string, start, end time.Time) error {
	err := c.get(ctx, "/"+string(dataType), map[string]string{
		"user_id":    externalUserID,
		"start_date": start.Format(domain.DateLayout),
		"end_date":   end.Format(domain.DateLayout),
		"to_webhook": "true",
	}, nil)
	if err != nil {
		c.logger.Warn("historical request failed",
			zap.String("data_type", string(dataType)),
			zap.String("terra_user_id", externalUserID),
			zap.Error(err),
		)
	}
	return err
}

// UserInfo fetches the connection state for one provider user.
func (c *Client) UserInfo(ctx context.Context, externalUserID string) (*UserInfo, error) {
	var info UserInfo
	if err := c.get(ctx, "/userInfo", map[string]string{"user_id": externalUserID}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
