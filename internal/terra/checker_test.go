package terra

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/persistence/memory"
	"example.com/healthsync/internal/retry"
)

type stubUserInfo struct {
	errs  []error
	calls int
}

func (s *stubUserInfo) UserInfo(context.Context, string) (*UserInfo, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &UserInfo{Status: "success", IsAuthenticated: true}, nil
}

var quick = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}

func seedToken(t *testing.T, store *memory.Store) domain.ProviderToken {
	t.Helper()
	token := domain.ProviderToken{UserID: "user-1", Provider: domain.ProviderWhoop, ExternalUserID: "ext-1", Active: true}
	require.NoError(t, store.UpsertToken(context.Background(), token))
	return token
}

func TestCheckRetriesTransientFailures(t *testing.T) {
	store := memory.NewStore()
	token := seedToken(t, store)
	client := &stubUserInfo{errs: []error{errors.New("timeout"), &APIError{Status: 503}}}

	status, err := NewChecker(client, store, quick, nil).Check(context.Background(), token)
	require.NoError(t, err)
	require.True(t, status.Connected)
	require.Equal(t, 3, status.Attempts)
}

func TestCheckDeactivatesOnAuthFailure(t *testing.T) {
	store := memory.NewStore()
	token := seedToken(t, store)
	client := &stubUserInfo{errs: []error{&APIError{Status: 401, Path: "/userInfo"}}}

	status, err := NewChecker(client, store, quick, nil).Check(context.Background(), token)
	require.NoError(t, err)
	require.False(t, status.Connected)
	require.False(t, status.Active)
	require.Equal(t, 1, client.calls)

	stored, err := store.FindTokenByExternalID(context.Background(), domain.ProviderWhoop, "ext-1")
	require.NoError(t, err)
	require.False(t, stored.Active)
}

func TestCheckGivesUpAfterThreeAttempts(t *testing.T) {
	store := memory.NewStore()
	token := seedToken(t, store)
	down := &APIError{Status: 500}
	client := &stubUserInfo{errs: []error{down, down, down, down}}

	status, err := NewChecker(client, store, quick, nil).Check(context.Background(), token)
	require.NoError(t, err)
	require.False(t, status.Connected)
	require.True(t, status.Active)
	require.Equal(t, 3, status.Attempts)
	require.NotEmpty(t, status.Error)
}
