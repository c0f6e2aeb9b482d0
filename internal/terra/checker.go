package terra

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/retry"
)

// UserInfoClient looks up a provider connection.
type UserInfoClient interface {
	UserInfo(ctx context.Context, externalUserID string) (*UserInfo, error)
}

// Status is the result of a connectivity check.
type Status struct {
	Provider  domain.Provider `json:"provider"`
	Connected bool            `json:"connected"`
	Active    bool            `json:"active"`
	Attempts  int             `json:"attempts"`
	Error     string          `json:"error,omitempty"`
	CheckedAt time.Time       `json:"checkedAt"`
}

// Checker verifies a provider connection is still usable.
type Checker struct {
	client UserInfoClient
	tokens domain.TokenRepository
	policy retry.Policy
	logger *zap.Logger
}

// NewChecker constructs a Checker.
func NewChecker(client UserInfoClient, tokens domain.TokenRepository, policy retry.Policy, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{client: client, tokens: tokens, policy: policy, logger: logger}
}

// Check calls the provider with bounded retries. An auth failure deactivates the
// token and is not retried. Only persistence failures are returned as errors.
func (c *Checker) Check(ctx context.Context, token domain.ProviderToken) (Status, error) {
	status := Status{Provider: token.Provider, Active: token.Active}
	if !token.Active {
		status.Error = "integration is not connected"
		status.CheckedAt = time.Now().UTC()
		return status, nil
	}

	attempts, err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		info, err := c.client.UserInfo(ctx, token.ExternalUserID)
		if err != nil {
			if IsAuthFailure(err) {
				return retry.Permanent(err)
			}
			return err
		}
		if !info.IsAuthenticated {
			return retry.Permanent(&APIError{Status: 401, Path: "/userInfo", Body: "user not authenticated"})
		}
		return nil
	})
	status.Attempts = attempts
	status.CheckedAt = time.Now().UTC()

	if err == nil {
		status.Connected = true
		return status, nil
	}
	status.Error = err.Error()

	if IsAuthFailure(err) {
		status.Active = false
		if _, derr := c.tokens.DeactivateToken(ctx, token.Provider, token.ExternalUserID); derr != nil {
			return status, fmt.Errorf("deactivate token: %w", derr)
		}
		c.logger.Info("deactivated provider token after auth failure",
			zap.String("user_id", token.UserID),
			zap.String("provider", string(token.Provider)),
		)
	}
	return status, nil
}
