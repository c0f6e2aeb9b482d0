package domain

import "time"

// ProviderToken records one user's authorization to pull data from one provider.
type ProviderToken struct {
	UserID         string
	Provider       Provider
	ExternalUserID string
	Active         bool
	LastSyncAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SyncDue reports whether the token has not been synced within staleAfter.
func (t ProviderToken) SyncDue(now time.Time, staleAfter time.Duration) bool {
	if !t.Active {
		return false
	}
	if t.LastSyncAt == nil {
		return true
	}
	return now.Sub(*t.LastSyncAt) >= staleAfter
}

// TokenFilter narrows token listings. Zero values match everything.
type TokenFilter struct {
	UserID   string
	Provider Provider
}
