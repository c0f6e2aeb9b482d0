// Package memory provides an in-process implementation of the repository interfaces for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/healthsync/internal/domain"
)

type tokenKey struct {
	provider domain.Provider
	external string
}

type prefKey struct {
	userID   string
	category domain.NotificationCategory
}

// Store keeps every record in maps guarded by one mutex.
type Store struct {
	mu      sync.Mutex
	tokens  map[tokenKey]domain.ProviderToken
	metrics []domain.RawMetricRecord
	batches []domain.MetricBatch
	alerts  []domain.Alert
	prefs   map[prefKey]bool
	coaches map[string][]string
	nextID  int64

	// FailInsert, when set, is returned by InsertAlert for matching alerts.
	FailInsert func(domain.Alert) error
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		tokens:  make(map[tokenKey]domain.ProviderToken),
		prefs:   make(map[prefKey]bool),
		coaches: make(map[string][]string),
	}
}

// UpsertToken implements domain.TokenRepository.
func (s *Store) UpsertToken(_ context.Context, token domain.ProviderToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tokenKey{token.Provider, token.ExternalUserID}
	now := time.Now().UTC()
	if existing, ok := s.tokens[key]; ok {
		token.CreatedAt = existing.CreatedAt
		if token.LastSyncAt == nil {
			token.LastSyncAt = existing.LastSyncAt
		}
	} else if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}
	token.UpdatedAt = now
	s.tokens[key] = token
	return nil
}

// DeactivateToken implements domain.TokenRepository.
func (s *Store) DeactivateToken(_ context.Context, provider domain.Provider, externalUserID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tokenKey{provider, externalUserID}
	token, ok := s.tokens[key]
	if !ok || !token.Active {
		return false, nil
	}
	token.Active = false
	token.UpdatedAt = time.Now().UTC()
	s.tokens[key] = token
	return true, nil
}

// FindTokenByExternalID implements domain.TokenRepository.
func (s *Store) FindTokenByExternalID(_ context.Context, provider domain.Provider, externalUserID string) (*domain.ProviderToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[tokenKey{provider, externalUserID}]
	if !ok {
		return nil, domain.ErrTokenNotFound
	}
	return &token, nil
}

// ListActiveTokens implements domain.TokenRepository.
func (s *Store) ListActiveTokens(_ context.Context, filter domain.TokenFilter) ([]domain.ProviderToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ProviderToken
	for _, token := range s.tokens {
		if !token.Active {
			continue
		}
		if filter.UserID != "" && token.UserID != filter.UserID {
			continue
		}
		if filter.Provider != "" && token.Provider != filter.Provider {
			continue
		}
		out = append(out, token)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Provider < out[j].Provider
	})
	return out, nil
}

// TouchLastSync implements domain.TokenRepository.
func (s *Store) TouchLastSync(_ context.Context, userID string, provider domain.Provider, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, token := range s.tokens {
		if token.UserID == userID && token.Provider == provider {
			at := at
			token.LastSyncAt = &at
			s.tokens[key] = token
		}
	}
	return nil
}

// AppendMetrics implements domain.MetricRepository.
func (s *Store) AppendMetrics(_ context.Context, batch domain.MetricBatch) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range batch.Rows {
		s.nextID++
		batch.Rows[i].ID = s.nextID
		if batch.Rows[i].RecordedAt.IsZero() {
			batch.Rows[i].RecordedAt = time.Now().UTC()
		}
		s.metrics = append(s.metrics, toRecord(batch.Rows[i]))
	}
	s.batches = append(s.batches, batch)
	return len(batch.Rows), nil
}

// InsertRecord stores a raw record as-is, bypassing validation. ID is assigned when zero.
func (s *Store) InsertRecord(rec domain.RawMetricRecord) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == 0 {
		s.nextID++
		rec.ID = s.nextID
	}
	s.metrics = append(s.metrics, rec)
	return rec.ID
}

// Batches returns every ingested batch in arrival order.
func (s *Store) Batches() []domain.MetricBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.MetricBatch(nil), s.batches...)
}

// QueryMetrics implements domain.MetricRepository.
func (s *Store) QueryMetrics(_ context.Context, q domain.MetricQuery) ([]domain.RawMetricRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make(map[string]bool, len(q.Metrics))
	for _, name := range q.Metrics {
		names[name] = true
	}
	var out []domain.RawMetricRecord
	for _, rec := range s.metrics {
		if rec.UserID != q.UserID || !names[rec.Metric] {
			continue
		}
		if rec.MeasuredOn != nil {
			if !q.From.IsZero() && rec.MeasuredOn.Before(q.From) {
				continue
			}
			if !q.To.IsZero() && rec.MeasuredOn.After(q.To) {
				continue
			}
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return recordLess(out[i], out[j]) })
	return out, nil
}

// LatestRecordedAt implements domain.MetricRepository.
func (s *Store) LatestRecordedAt(_ context.Context, userID, source string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *time.Time
	for _, rec := range s.metrics {
		if rec.UserID != userID || rec.Source == nil || *rec.Source != source || rec.RecordedAt == nil {
			continue
		}
		if latest == nil || rec.RecordedAt.After(*latest) {
			at := *rec.RecordedAt
			latest = &at
		}
	}
	return latest, nil
}

// AlertExists implements domain.AlertRepository.
func (s *Store) AlertExists(_ context.Context, key domain.AlertKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(key) >= 0, nil
}

// InsertAlert implements domain.AlertRepository.
func (s *Store) InsertAlert(_ context.Context, alert domain.Alert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailInsert != nil {
		if err := s.FailInsert(alert); err != nil {
			return false, err
		}
	}
	if s.findLocked(alert.Key()) >= 0 {
		return false, nil
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	s.alerts = append(s.alerts, alert)
	return true, nil
}

// ListAlerts implements domain.AlertRepository, newest first.
func (s *Store) ListAlerts(_ context.Context, recipientID string, cursor *domain.AlertCursor, limit int) ([]domain.Alert, *domain.AlertCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var mine []domain.Alert
	for _, alert := range s.alerts {
		if alert.RecipientID == recipientID {
			mine = append(mine, alert)
		}
	}
	sort.Slice(mine, func(i, j int) bool {
		if !mine[i].CreatedAt.Equal(mine[j].CreatedAt) {
			return mine[i].CreatedAt.After(mine[j].CreatedAt)
		}
		return mine[i].ID > mine[j].ID
	})
	out := make([]domain.Alert, 0, limit)
	for _, alert := range mine {
		if cursor != nil {
			if alert.CreatedAt.After(cursor.CreatedAt) || (alert.CreatedAt.Equal(cursor.CreatedAt) && alert.ID >= cursor.ID) {
				continue
			}
		}
		out = append(out, alert)
		if len(out) == limit {
			break
		}
	}
	var next *domain.AlertCursor
	if limit > 0 && len(out) == limit {
		last := out[len(out)-1]
		next = &domain.AlertCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return out, next, nil
}

// UpdateAlert implements domain.AlertRepository.
func (s *Store) UpdateAlert(_ context.Context, recipientID, alertID string, patch domain.AlertPatch) (*domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, alert := range s.alerts {
		if alert.ID != alertID || alert.RecipientID != recipientID {
			continue
		}
		if patch.Read != nil {
			s.alerts[i].Read = *patch.Read
		}
		if patch.Dismissed != nil {
			s.alerts[i].Dismissed = *patch.Dismissed
		}
		updated := s.alerts[i]
		return &updated, nil
	}
	return nil, domain.ErrAlertNotFound
}

// Alerts returns every stored alert.
func (s *Store) Alerts() []domain.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Alert(nil), s.alerts...)
}

// NotificationEnabled implements domain.PreferenceRepository.
func (s *Store) NotificationEnabled(_ context.Context, userID string, category domain.NotificationCategory) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enabled, ok := s.prefs[prefKey{userID, category}]
	if !ok {
		return true, nil
	}
	return enabled, nil
}

// SetPreference stores a notification preference.
func (s *Store) SetPreference(userID string, category domain.NotificationCategory, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[prefKey{userID, category}] = enabled
}

// CoachesOf implements domain.CoachRepository.
func (s *Store) CoachesOf(_ context.Context, clientID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.coaches[clientID]...), nil
}

// LinkCoach records a coach-client relationship.
func (s *Store) LinkCoach(coachID, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coaches[clientID] = append(s.coaches[clientID], coachID)
}

func (s *Store) findLocked(key domain.AlertKey) int {
	for i, alert := range s.alerts {
		if alert.Key() == key {
			return i
		}
	}
	return -1
}

func toRecord(row domain.RawMetricRow) domain.RawMetricRecord {
	rec := domain.RawMetricRecord{
		ID:     row.ID,
		UserID: row.UserID,
		Metric: row.Metric,
	}
	value, measured, recorded := row.Value, row.MeasuredOn, row.RecordedAt
	priority, confidence := row.Priority, row.Confidence
	rec.Value = &value
	rec.MeasuredOn = &measured
	rec.RecordedAt = &recorded
	rec.Priority = &priority
	rec.Confidence = &confidence
	rec.Unit = optional(row.Unit)
	rec.Source = optional(row.Source)
	rec.ExternalID = optional(row.ExternalID)
	rec.Label = optional(row.Label)
	return rec
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func recordLess(a, b domain.RawMetricRecord) bool {
	ad, bd := dayOf(a.MeasuredOn), dayOf(b.MeasuredOn)
	if !ad.Equal(bd) {
		return ad.Before(bd)
	}
	ap, bp := intOr(a.Priority, domain.DefaultPriority), intOr(b.Priority, domain.DefaultPriority)
	if ap != bp {
		return ap < bp
	}
	ac, bc := floatOr(a.Confidence, 0), floatOr(b.Confidence, 0)
	if ac != bc {
		return ac > bc
	}
	return a.ID < b.ID
}

func dayOf(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func intOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

func floatOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}
