package unified

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/observability"
)

// HistoryService serves resolved metric history from the raw metric store.
type HistoryService struct {
	repo    domain.MetricRepository
	catalog *Catalog
	window  int
	logger  *zap.Logger
	now     func() time.Time
}

// HistoryOption customises a HistoryService.
type HistoryOption func(*HistoryService)

// WithWindow sets the default number of days returned, ending today.
func WithWindow(days int) HistoryOption {
	return func(s *HistoryService) {
		if days > 0 {
			s.window = days
		}
	}
}

// WithHistoryLogger overrides the logger.
func WithHistoryLogger(logger *zap.Logger) HistoryOption {
	return func(s *HistoryService) { s.logger = logger }
}

// WithHistoryClock overrides the clock used to anchor the window.
func WithHistoryClock(now func() time.Time) HistoryOption {
	return func(s *HistoryService) { s.now = now }
}

// NewHistoryService constructs a HistoryService.
func NewHistoryService(repo domain.MetricRepository, catalog *Catalog, opts ...HistoryOption) *HistoryService {
	s := &HistoryService{repo: repo, catalog: catalog, window: 7, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// History returns one series per requested canonical metric over the last days (default window when <= 0).
func (s *HistoryService) History(ctx context.Context, userID string, canonicals []string, days int) (map[string][]domain.HistoryPoint, error) {
	if len(canonicals) == 0 {
		canonicals = s.catalog.Names()
	}
	exp, err := s.catalog.ExpandAliases(canonicals)
	if err != nil {
		return nil, err
	}
	if days <= 0 {
		days = s.window
	}
	to := domain.TruncateDay(s.now().UTC())
	from := to.AddDate(0, 0, -(days - 1))

	records, err := s.repo.QueryMetrics(ctx, domain.MetricQuery{UserID: userID, Metrics: exp.Natives, From: from, To: to})
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}

	rows := make([]domain.RawMetricRow, 0, len(records))
	for _, rec := range records {
		row, err := domain.ParseRawMetricRow(rec)
		if err == nil {
			row, err = s.catalog.Normalize(row)
		}
		if err != nil {
			observability.RecordRowRejected("history", RejectReason(err))
			s.logger.Debug("skipping metric row", zap.Int64("row_id", rec.ID), zap.Error(err))
			continue
		}
		rows = append(rows, row)
	}
	return Resolve(rows, exp.Reverse), nil
}
