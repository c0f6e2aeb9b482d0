// Package backfill decides which provider connections need historical data and
// hands them to the requester one provider at a time.
package backfill

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/terra"
)

// Requester issues historical requests for one provider.
type Requester interface {
	Request(ctx context.Context, provider domain.Provider, targets []terra.Target, daysBack int) terra.Summary
}

// Result aggregates the per-provider summaries of one run.
type Result struct {
	DaysBack   int             `json:"daysBack"`
	Users      int             `json:"users"`
	Successful int             `json:"successful"`
	Failed     int             `json:"failed"`
	Summaries  []terra.Summary `json:"summaries"`
}

func (r *Result) add(s terra.Summary) {
	r.Successful += s.Successful
	r.Failed += s.Failed
	r.Summaries = append(r.Summaries, s)
}

// Service orchestrates backfills over the token store.
type Service struct {
	tokens    domain.TokenRepository
	requester Requester
	logger    *zap.Logger
	now       func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the clock used for staleness decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService constructs a Service.
func NewService(tokens domain.TokenRepository, requester Requester, opts ...Option) *Service {
	s := &Service{tokens: tokens, requester: requester, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backfill requests history for every active connection of one user.
func (s *Service) Backfill(ctx context.Context, userID string, daysBack int) (Result, error) {
	tokens, err := s.tokens.ListActiveTokens(ctx, domain.TokenFilter{UserID: userID})
	if err != nil {
		return Result{}, fmt.Errorf("list tokens: %w", err)
	}
	return s.run(ctx, tokens, daysBack), nil
}

// Scheduled requests history for every active connection whose last sync is
// older than staleAfter or that never synced.
func (s *Service) Scheduled(ctx context.Context, daysBack int, staleAfter time.Duration) (Result, error) {
	tokens, err := s.tokens.ListActiveTokens(ctx, domain.TokenFilter{})
	if err != nil {
		return Result{}, fmt.Errorf("list tokens: %w", err)
	}
	now := s.now().UTC()
	due := tokens[:0:0]
	for _, token := range tokens {
		if token.SyncDue(now, staleAfter) {
			due = append(due, token)
		}
	}
	s.logger.Info("scheduled sync selection", zap.Int("active", len(tokens)), zap.Int("due", len(due)))
	return s.run(ctx, due, daysBack), nil
}

func (s *Service) run(ctx context.Context, tokens []domain.ProviderToken, daysBack int) Result {
	if daysBack <= 0 {
		daysBack = terra.DefaultHistoryDays
	}
	if daysBack > terra.MaxHistoryDays {
		daysBack = terra.MaxHistoryDays
	}
	result := Result{DaysBack: daysBack, Summaries: []terra.Summary{}}

	groups := make(map[domain.Provider][]terra.Target)
	users := make(map[string]bool)
	for _, token := range tokens {
		groups[token.Provider] = append(groups[token.Provider], terra.Target{UserID: token.UserID, ExternalID: token.ExternalUserID})
		users[token.UserID] = true
	}
	result.Users = len(users)

	// providers run in their declared order so summaries are stable
	for _, provider := range domain.Providers {
		targets := groups[provider]
		if len(targets) == 0 {
			continue
		}
		if ctx.Err() != nil {
			s.logger.Warn("backfill interrupted", zap.String("provider", string(provider)), zap.Error(ctx.Err()))
			break
		}
		result.add(s.requester.Request(ctx, provider, targets, daysBack))
	}
	return result
}
