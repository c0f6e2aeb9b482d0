// Package alerts derives lifecycle alerts and activity feed entries from ingested metrics.
package alerts

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/observability"
	"example.com/healthsync/internal/realtime"
	"example.com/healthsync/internal/unified"
)

// Publisher pushes created alerts to live listeners.
type Publisher interface {
	Publish(key realtime.Key, payload any) int
}

// Stores groups the repositories the synthesizer reads and writes.
type Stores struct {
	Tokens      domain.TokenRepository
	Metrics     domain.MetricRepository
	Alerts      domain.AlertRepository
	Preferences domain.PreferenceRepository
	Coaches     domain.CoachRepository
}

// Config holds the rule thresholds.
type Config struct {
	StaleAfterDays    int
	StrainThreshold   float64
	RecoveryThreshold float64
	// LookbackDays bounds how many recent days workout and overtraining rules scan.
	LookbackDays int
}

// DefaultConfig flags three silent days, strain above 18 with recovery below 33, over the last two days.
var DefaultConfig = Config{StaleAfterDays: 3, StrainThreshold: 18, RecoveryThreshold: 33, LookbackDays: 2}

// Summary counts synthesizer decisions for one pass.
type Summary struct {
	Created    int            `json:"created"`
	Skipped    int            `json:"skipped"`
	Suppressed int            `json:"suppressed"`
	Failed     int            `json:"failed"`
	Errors     []string       `json:"errors"`
	Alerts     []domain.Alert `json:"alerts,omitempty"`
}

func (s *Summary) merge(other Summary) {
	s.Created += other.Created
	s.Skipped += other.Skipped
	s.Suppressed += other.Suppressed
	s.Failed += other.Failed
	s.Errors = append(s.Errors, other.Errors...)
	s.Alerts = append(s.Alerts, other.Alerts...)
}

func (s *Summary) fail(alertType domain.AlertType, err error) {
	s.Failed++
	s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", alertType, err))
	observability.RecordAlert(string(alertType), "failed")
}

// Synthesizer evaluates alert rules for users.
type Synthesizer struct {
	stores    Stores
	history   *unified.HistoryService
	catalog   *unified.Catalog
	publisher Publisher
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// Option customises a Synthesizer.
type Option func(*Synthesizer)

// WithPublisher sets where created alerts are announced.
func WithPublisher(p Publisher) Option {
	return func(s *Synthesizer) { s.publisher = p }
}

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Synthesizer) { s.logger = logger }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Synthesizer) { s.now = now }
}

// NewSynthesizer constructs a Synthesizer.
func NewSynthesizer(stores Stores, history *unified.HistoryService, catalog *unified.Catalog, cfg Config, opts ...Option) *Synthesizer {
	if cfg.StaleAfterDays <= 0 {
		cfg.StaleAfterDays = DefaultConfig.StaleAfterDays
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = DefaultConfig.LookbackDays
	}
	s := &Synthesizer{
		stores:  stores,
		history: history,
		catalog: catalog,
		cfg:     cfg,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run evaluates the given categories (all when none) for one user. It always
// completes the pass; individual failures are counted in the summary.
func (s *Synthesizer) Run(ctx context.Context, userID string, categories ...domain.AlertType) Summary {
	if len(categories) == 0 {
		categories = domain.AlertTypes
	}
	summary := Summary{Errors: []string{}}
	for _, category := range categories {
		var (
			candidates []domain.Alert
			err        error
		)
		switch category {
		case domain.AlertTypeWorkoutCompleted:
			candidates, err = s.workouts(ctx, userID)
		case domain.AlertTypeIntegrationStale:
			candidates, err = s.stale(ctx, userID)
		case domain.AlertTypeOvertrainingRisk:
			candidates, err = s.overtraining(ctx, userID)
		default:
			err = fmt.Errorf("unknown alert category %q", category)
		}
		if err != nil {
			summary.fail(category, err)
			s.logger.Warn("alert rule failed", zap.String("user_id", userID), zap.String("category", string(category)), zap.Error(err))
		}
		for _, alert := range candidates {
			s.deliver(ctx, alert, &summary)
		}
	}
	return summary
}

// Sweep runs the categories for every user holding an active provider token.
func (s *Synthesizer) Sweep(ctx context.Context, categories ...domain.AlertType) Summary {
	summary := Summary{Errors: []string{}}
	tokens, err := s.stores.Tokens.ListActiveTokens(ctx, domain.TokenFilter{})
	if err != nil {
		summary.Failed++
		summary.Errors = append(summary.Errors, fmt.Sprintf("list tokens: %v", err))
		return summary
	}
	seen := make(map[string]bool)
	var users []string
	for _, token := range tokens {
		if !seen[token.UserID] {
			seen[token.UserID] = true
			users = append(users, token.UserID)
		}
	}
	sort.Strings(users)
	for _, userID := range users {
		if ctx.Err() != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("sweep interrupted: %v", ctx.Err()))
			break
		}
		summary.merge(s.Run(ctx, userID, categories...))
	}
	s.logger.Info("alert sweep complete",
		zap.Int("users", len(users)),
		zap.Int("created", summary.Created),
		zap.Int("skipped", summary.Skipped),
		zap.Int("suppressed", summary.Suppressed),
		zap.Int("failed", summary.Failed),
	)
	return summary
}

func (s *Synthesizer) deliver(ctx context.Context, alert domain.Alert, summary *Summary) {
	exists, err := s.stores.Alerts.AlertExists(ctx, alert.Key())
	if err != nil {
		summary.fail(alert.Type, err)
		return
	}
	if exists {
		summary.Skipped++
		observability.RecordAlert(string(alert.Type), "skipped")
		return
	}

	enabled, err := s.stores.Preferences.NotificationEnabled(ctx, alert.RecipientID, alert.Category)
	if err != nil {
		summary.fail(alert.Type, err)
		return
	}
	if !enabled {
		summary.Suppressed++
		observability.RecordAlert(string(alert.Type), "suppressed")
		return
	}

	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now().UTC()
	}
	inserted, err := s.stores.Alerts.InsertAlert(ctx, alert)
	if err != nil {
		summary.fail(alert.Type, err)
		return
	}
	if !inserted {
		// lost a race with a concurrent pass
		summary.Skipped++
		observability.RecordAlert(string(alert.Type), "skipped")
		return
	}

	summary.Created++
	summary.Alerts = append(summary.Alerts, alert)
	observability.RecordAlert(string(alert.Type), "created")
	if s.publisher != nil {
		s.publisher.Publish(realtime.RecipientKey(alert.RecipientID), alert)
	}
}

func (s *Synthesizer) window() (time.Time, time.Time) {
	to := domain.TruncateDay(s.now().UTC())
	return to.AddDate(0, 0, -(s.cfg.LookbackDays - 1)), to
}

func (s *Synthesizer) workouts(ctx context.Context, userID string) ([]domain.Alert, error) {
	exp, err := s.catalog.ExpandAliases([]string{unified.WorkoutDuration, unified.WorkoutCalories})
	if err != nil {
		return nil, err
	}
	from, to := s.window()
	records, err := s.stores.Metrics.QueryMetrics(ctx, domain.MetricQuery{UserID: userID, Metrics: exp.Natives, From: from, To: to})
	if err != nil {
		return nil, fmt.Errorf("query workouts: %w", err)
	}

	var sessions []domain.RawMetricRow
	calories := make(map[string]domain.RawMetricRow)
	for _, rec := range records {
		row, err := domain.ParseRawMetricRow(rec)
		if err == nil {
			row, err = s.catalog.Normalize(row)
		}
		if err != nil {
			observability.RecordRowRejected("alerts", unified.RejectReason(err))
			continue
		}
		switch exp.Reverse[row.Metric] {
		case unified.WorkoutDuration:
			sessions = append(sessions, row)
		case unified.WorkoutCalories:
			if row.ExternalID != "" {
				calories[row.ExternalID] = row
			}
		}
	}

	alerts := make([]domain.Alert, 0, len(sessions))
	for _, session := range sessions {
		sourceID := session.ExternalID
		if sourceID == "" {
			sourceID = strconv.FormatInt(session.ID, 10)
		}
		name := session.Label
		if name == "" {
			name = "Workout"
		}
		message := fmt.Sprintf("%s logged: %d min", name, int(math.Round(session.Value)))
		metadata := map[string]any{"durationMinutes": session.Value, "source": session.Source, "date": session.Day()}
		if companion, ok := calories[domain.CompanionCaloriesID(sourceID)]; ok {
			message += fmt.Sprintf(", %d kcal", int(math.Round(companion.Value)))
			metadata["calories"] = companion.Value
		}
		alerts = append(alerts, domain.Alert{
			RecipientID:   userID,
			Kind:          domain.AlertKindFeed,
			Type:          domain.AlertTypeWorkoutCompleted,
			Category:      domain.CategoryWorkoutUpdates,
			Title:         "Workout completed",
			Message:       message,
			Severity:      domain.SeverityInfo,
			SubjectUserID: userID,
			SourceTable:   domain.MetricsTable,
			SourceID:      sourceID,
			Metadata:      metadata,
		})
	}
	return alerts, nil
}

func (s *Synthesizer) stale(ctx context.Context, userID string) ([]domain.Alert, error) {
	tokens, err := s.stores.Tokens.ListActiveTokens(ctx, domain.TokenFilter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	now := s.now().UTC()
	threshold := time.Duration(s.cfg.StaleAfterDays) * 24 * time.Hour

	var stale []string
	for _, token := range tokens {
		latest, err := s.stores.Metrics.LatestRecordedAt(ctx, userID, string(token.Provider))
		if err != nil {
			return nil, fmt.Errorf("latest data for %s: %w", token.Provider, err)
		}
		reference := token.CreatedAt
		if latest != nil {
			reference = *latest
		}
		if reference.IsZero() || now.Sub(reference) < threshold {
			continue
		}
		stale = append(stale, string(token.Provider))
	}
	if len(stale) == 0 {
		return nil, nil
	}
	sort.Strings(stale)
	return []domain.Alert{{
		RecipientID:   userID,
		Kind:          domain.AlertKindAlert,
		Type:          domain.AlertTypeIntegrationStale,
		Category:      domain.CategoryIntegrationIssues,
		Title:         "Integration needs attention",
		Message:       fmt.Sprintf("No new data from %s in %d+ days. Reconnect to keep your metrics current.", strings.Join(stale, ", "), s.cfg.StaleAfterDays),
		Severity:      domain.SeverityWarning,
		SubjectUserID: userID,
		AlertDay:      now.Format(domain.DateLayout),
		Metadata:      map[string]any{"providers": stale},
	}}, nil
}

func (s *Synthesizer) overtraining(ctx context.Context, userID string) ([]domain.Alert, error) {
	series, err := s.history.History(ctx, userID, []string{unified.Strain, unified.RecoveryScore}, s.cfg.LookbackDays)
	if err != nil {
		return nil, fmt.Errorf("resolve strain and recovery: %w", err)
	}
	recovery := make(map[string]float64, len(series[unified.RecoveryScore]))
	for _, p := range series[unified.RecoveryScore] {
		recovery[p.Date] = p.Value
	}

	var flagged []domain.HistoryPoint
	for _, strain := range series[unified.Strain] {
		rec, ok := recovery[strain.Date]
		if ok && strain.Value > s.cfg.StrainThreshold && rec < s.cfg.RecoveryThreshold {
			flagged = append(flagged, domain.HistoryPoint{Date: strain.Date, Value: strain.Value})
		}
	}
	if len(flagged) == 0 {
		return nil, nil
	}

	coaches, err := s.stores.Coaches.CoachesOf(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list coaches: %w", err)
	}

	var alerts []domain.Alert
	for _, day := range flagged {
		rec := recovery[day.Date]
		metadata := map[string]any{"strain": day.Value, "recovery": rec}
		alerts = append(alerts, domain.Alert{
			RecipientID:   userID,
			Kind:          domain.AlertKindAlert,
			Type:          domain.AlertTypeOvertrainingRisk,
			Category:      domain.CategoryOvertrainingAlerts,
			Title:         "Overtraining risk",
			Message:       fmt.Sprintf("Strain %.1f with recovery %.0f%% on %s. Consider a lighter day.", day.Value, rec, day.Date),
			Severity:      domain.SeverityCritical,
			SubjectUserID: userID,
			AlertDay:      day.Date,
			Metadata:      metadata,
		})
		for _, coachID := range coaches {
			alerts = append(alerts, domain.Alert{
				RecipientID:   coachID,
				Kind:          domain.AlertKindAlert,
				Type:          domain.AlertTypeOvertrainingRisk,
				Category:      domain.CategoryClientOvertrainingAlerts,
				Title:         "Client overtraining risk",
				Message:       fmt.Sprintf("Your client logged strain %.1f with recovery %.0f%% on %s.", day.Value, rec, day.Date),
				Severity:      domain.SeverityWarning,
				SubjectUserID: userID,
				AlertDay:      day.Date,
				Metadata:      metadata,
			})
		}
	}
	return alerts, nil
}
