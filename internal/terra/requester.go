package terra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/observability"
)

const (
	// MaxHistoryDays caps how far back a single request may reach.
	MaxHistoryDays = 90
	// DefaultHistoryDays applies when the caller does not ask for a range.
	DefaultHistoryDays = 7
)

// ErrNoDataTypes is recorded for every target of a provider with no requestable data types.
var ErrNoDataTypes = errors.New("no data types for provider")

var providerDataTypes = map[domain.Provider][]domain.DataType{
	domain.ProviderWhoop:      {domain.DataTypeDaily, domain.DataTypeSleep, domain.DataTypeActivity, domain.DataTypeBody},
	domain.ProviderGarmin:     {domain.DataTypeBody, domain.DataTypeDaily, domain.DataTypeActivity, domain.DataTypeSleep},
	domain.ProviderWithings:   {domain.DataTypeBody, domain.DataTypeDaily, domain.DataTypeSleep, domain.DataTypeActivity},
	domain.ProviderOura:       {domain.DataTypeDaily, domain.DataTypeSleep, domain.DataTypeActivity},
	domain.ProviderUltrahuman: {domain.DataTypeDaily, domain.DataTypeSleep},
	domain.ProviderGoogle:     {domain.DataTypeBody, domain.DataTypeDaily, domain.DataTypeActivity, domain.DataTypeSleep},
}

// DataTypesFor lists the data types requested for a provider.
func DataTypesFor(p domain.Provider) []domain.DataType {
	return providerDataTypes[p]
}

// HistoryClient issues one historical request.
type HistoryClient interface {
	RequestHistory(ctx context.Context, dataType domain.DataType, externalUserID string, start, end time.Time) error
}

// SyncRecorder stamps a user's last sync time.
type SyncRecorder interface {
	TouchLastSync(ctx context.Context, userID string, provider domain.Provider, at time.Time) error
}

// Target is one connected user to request history for.
type Target struct {
	UserID     string
	ExternalID string
}

// TypeFailure is one failed (user, data type) request.
type TypeFailure struct {
	DataType domain.DataType `json:"dataType,omitempty"`
	Error    string          `json:"error"`
}

// UserFailure groups the failed requests of one user.
type UserFailure struct {
	UserID     string        `json:"userId"`
	ExternalID string        `json:"externalId"`
	Failures   []TypeFailure `json:"failures"`
}

// Summary reports the outcome of one batch.
type Summary struct {
	Provider   domain.Provider `json:"provider"`
	StartDate  string          `json:"startDate"`
	EndDate    string          `json:"endDate"`
	Total      int             `json:"total"`
	Successful int             `json:"successful"`
	Failed     int             `json:"failed"`
	Errors     []UserFailure   `json:"errors"`
}

// Requester serializes historical requests for a batch of users.
type Requester struct {
	client    HistoryClient
	syncs     SyncRecorder
	limiter   *rate.Limiter
	userDelay time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// RequesterOption customises a Requester.
type RequesterOption func(*Requester)

// WithRequestSpacing sets the minimum gap between consecutive outbound calls.
func WithRequestSpacing(d time.Duration) RequesterOption {
	return func(r *Requester) {
		if d <= 0 {
			r.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		r.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithUserDelay sets the pause between users.
func WithUserDelay(d time.Duration) RequesterOption {
	return func(r *Requester) { r.userDelay = d }
}

// WithRequesterLogger overrides the logger.
func WithRequesterLogger(logger *zap.Logger) RequesterOption {
	return func(r *Requester) { r.logger = logger }
}

// WithRequesterClock overrides the clock that anchors the date range.
func WithRequesterClock(now func() time.Time) RequesterOption {
	return func(r *Requester) { r.now = now }
}

// NewRequester constructs a Requester with a one second request spacing and a two second user delay.
func NewRequester(client HistoryClient, syncs SyncRecorder, opts ...RequesterOption) *Requester {
	r := &Requester{
		client:    client,
		syncs:     syncs,
		limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
		userDelay: 2 * time.Second,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Range returns the request window for daysBack, clamped to MaxHistoryDays.
func Range(now time.Time, daysBack int) (time.Time, time.Time) {
	if daysBack <= 0 {
		daysBack = DefaultHistoryDays
	}
	if daysBack > MaxHistoryDays {
		daysBack = MaxHistoryDays
	}
	end := domain.TruncateDay(now.UTC())
	return end.AddDate(0, 0, -daysBack), end
}

// Request asks the provider to redeliver history for every target. Failures are
// recorded per (user, data type) and never stop the batch.
func (r *Requester) Request(ctx context.Context, provider domain.Provider, targets []Target, daysBack int) Summary {
	start, end := Range(r.now(), daysBack)
	summary := Summary{
		Provider:  provider,
		StartDate: start.Format(domain.DateLayout),
		EndDate:   end.Format(domain.DateLayout),
		Total:     len(targets),
		Errors:    []UserFailure{},
	}
	dataTypes := DataTypesFor(provider)
	if len(dataTypes) == 0 {
		reason := fmt.Errorf("%w %s", ErrNoDataTypes, provider).Error()
		for _, target := range targets {
			summary.Failed++
			summary.Errors = append(summary.Errors, UserFailure{
				UserID:     target.UserID,
				ExternalID: target.ExternalID,
				Failures:   []TypeFailure{{Error: reason}},
			})
		}
		r.logger.Warn("no data types for provider", zap.String("provider", string(provider)), zap.Int("total", summary.Total))
		return summary
	}

	for i, target := range targets {
		if i > 0 && r.userDelay > 0 {
			sleep(ctx, r.userDelay)
		}

		var failures []TypeFailure
		for _, dataType := range dataTypes {
			err := r.limiter.Wait(ctx)
			if err == nil {
				err = r.client.RequestHistory(ctx, dataType, target.ExternalID, start, end)
			}
			if err != nil {
				failures = append(failures, TypeFailure{DataType: dataType, Error: err.Error()})
				observability.RecordBackfillRequest(string(provider), string(dataType), "failed")
				continue
			}
			observability.RecordBackfillRequest(string(provider), string(dataType), "requested")
		}

		if r.syncs != nil {
			// detached so a cancelled batch still records what it attempted
			touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := r.syncs.TouchLastSync(touchCtx, target.UserID, provider, r.now().UTC()); err != nil {
				r.logger.Warn("touch last sync failed", zap.String("user_id", target.UserID), zap.Error(err))
			}
			cancel()
		}

		if len(failures) > 0 {
			summary.Failed++
			summary.Errors = append(summary.Errors, UserFailure{UserID: target.UserID, ExternalID: target.ExternalID, Failures: failures})
			continue
		}
		summary.Successful++
	}

	r.logger.Info("historical request batch complete",
		zap.String("provider", string(provider)),
		zap.String("start_date", summary.StartDate),
		zap.String("end_date", summary.EndDate),
		zap.Int("total", summary.Total),
		zap.Int("successful", summary.Successful),
		zap.Int("failed", summary.Failed),
	)
	return summary
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
