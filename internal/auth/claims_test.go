package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{Secret: "test-secret", Issuer: "healthsync.identity", ServiceRoleKey: "service-key"}

func signToken(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func userClaims(scopes any) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":    "user-1",
		"iss":    testConfig.Issuer,
		"exp":    time.Now().Add(time.Hour).Unix(),
		"scopes": scopes,
	}
}

func TestParseUserToken(t *testing.T) {
	claims, err := Parse(signToken(t, userClaims("sync:write metrics:read"), testConfig.Secret), testConfig)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.False(t, claims.ServiceRole)
	require.True(t, claims.HasScope(ScopeSyncWrite))
	require.True(t, claims.HasScope(ScopeMetricsRead))
	require.False(t, claims.HasScope(ScopeSyncAdmin))

	claims, err = Parse(signToken(t, userClaims([]any{"alerts:write", ""}), testConfig.Secret), testConfig)
	require.NoError(t, err)
	require.Len(t, claims.Scopes, 1)
}

func TestParseRejectsBadTokens(t *testing.T) {
	_, err := Parse("  ", testConfig)
	require.ErrorIs(t, err, ErrMissingToken)

	_, err = Parse(signToken(t, userClaims("sync:write"), "other-secret"), testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer := userClaims("sync:write")
	wrongIssuer["iss"] = "elsewhere"
	_, err = Parse(signToken(t, wrongIssuer, testConfig.Secret), testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	expired := userClaims("sync:write")
	expired["exp"] = time.Now().Add(-time.Minute).Unix()
	_, err = Parse(signToken(t, expired, testConfig.Secret), testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	noSubject := userClaims("sync:write")
	delete(noSubject, "sub")
	_, err = Parse(signToken(t, noSubject, testConfig.Secret), testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseServiceRoleKey(t *testing.T) {
	claims, err := Parse("service-key", testConfig)
	require.NoError(t, err)
	require.True(t, claims.ServiceRole)
	require.Equal(t, ServiceRoleSubject, claims.Subject)
	for _, scope := range AllScopes {
		require.True(t, claims.HasScope(scope))
	}

	_, err = Parse("service-key", Config{Secret: testConfig.Secret, Issuer: testConfig.Issuer})
	require.ErrorIs(t, err, ErrInvalidToken, "an unset key never matches")
}

func TestMiddleware(t *testing.T) {
	var seen *Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := NewMiddleware(testConfig, func(r *http.Request) bool { return r.URL.Path == "/healthz" }).Wrap(next)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/alerts", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Contains(t, rr.Body.String(), "missing bearer token")

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/alerts", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, userClaims("alerts:write"), testConfig.Secret))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "user-1", seen.Subject)

	req = httptest.NewRequest(http.MethodGet, "/v1/realtime/alerts?access_token=service-key", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code, "query tokens are only honoured on upgrades")

	req.Header.Set("Upgrade", "websocket")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.True(t, seen.ServiceRole)
}
