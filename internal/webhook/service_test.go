package webhook

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/persistence/memory"
	"example.com/healthsync/internal/replay"
	"example.com/healthsync/internal/signature"
	"example.com/healthsync/internal/unified"
)

const secret = "whsec_test"

func newService(t *testing.T, store *memory.Store, opts ...Option) *Service {
	t.Helper()
	catalog := unified.MustDefaultCatalog()
	precedence, err := unified.DefaultPrecedence(catalog)
	require.NoError(t, err)
	svc, err := NewService(signature.NewVerifier(secret), store, store, catalog, precedence, opts...)
	require.NoError(t, err)
	return svc
}

func signed(body string) Request {
	return Request{Body: []byte(body), Signature: signature.Sign(secret, []byte(body), time.Now(), signature.FormatDotted)}
}

func connect(t *testing.T, store *memory.Store) {
	t.Helper()
	require.NoError(t, store.UpsertToken(context.Background(), domain.ProviderToken{
		UserID: "user-1", Provider: domain.ProviderWhoop, ExternalUserID: "terra-1", Active: true,
	}))
}

const dailyBody = `{"type":"daily","user":{"user_id":"terra-1","provider":"WHOOP"},"data":[{
	"metadata":{"start_time":"2024-01-10T00:00:00Z"},
	"scores":{"recovery":72},
	"strain_data":{"strain_level":14.5},
	"distance_data":{"steps":"9001"},
	"heart_rate_data":{"summary":{"resting_hr_bpm":400}}
}]}`

func TestProcessRejectsBadSignatures(t *testing.T) {
	store := memory.NewStore()
	svc := newService(t, store)

	_, err := svc.Process(context.Background(), Request{Body: []byte(dailyBody)}, Options{})
	require.ErrorIs(t, err, signature.ErrMissingSignature)

	req := signed(dailyBody)
	req.Body = append([]byte(nil), req.Body...)
	req.Body[len(req.Body)-2] = ' '
	_, err = svc.Process(context.Background(), req, Options{})
	require.ErrorIs(t, err, signature.ErrInvalidSignature)
	require.Empty(t, store.Batches())
}

func TestProcessRejectsInvalidEnvelopes(t *testing.T) {
	svc := newService(t, memory.NewStore())
	for _, body := range []string{
		`{"type":"daily"}`,
		`{"user":{"user_id":"x","provider":"WHOOP"}}`,
		`{"type":"daily","user":{"user_id":"","provider":"WHOOP"}}`,
		`{"type":"daily","user":{"user_id":"x","provider":"WHOOP"},"data":{"not":"an array"}}`,
		`not json`,
	} {
		_, err := svc.Process(context.Background(), signed(body), Options{})
		require.ErrorIs(t, err, ErrInvalidEnvelope, body)
	}
}

func TestProcessIngestsDataForConnectedUser(t *testing.T) {
	store := memory.NewStore()
	connect(t, store)
	svc := newService(t, store)

	res, err := svc.Process(context.Background(), signed(dailyBody), Options{})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "daily", res.Type)
	require.Equal(t, 3, res.Inserted)
	require.Equal(t, 1, res.Skipped, "resting heart rate of 400 is out of bounds")

	batches := store.Batches()
	require.Len(t, batches, 1)
	require.Equal(t, "user-1", batches[0].UserID)
	require.Equal(t, domain.DataTypeDaily, batches[0].DataType)
	for _, row := range batches[0].Rows {
		if row.Metric == "whoop_recovery" {
			require.Equal(t, 1, row.Priority)
			require.Equal(t, 90.0, row.Confidence)
		}
	}
}

func TestProcessIgnoresUnknownUsers(t *testing.T) {
	store := memory.NewStore()
	res, err := newService(t, store).Process(context.Background(), signed(dailyBody), Options{})
	require.NoError(t, err)
	require.Equal(t, "unknown user", res.Ignored)
	require.Zero(t, res.Inserted)
	require.Empty(t, store.Batches())
}

func TestProcessDryRunWritesNothing(t *testing.T) {
	store := memory.NewStore()
	connect(t, store)

	res, err := newService(t, store).Process(context.Background(), signed(dailyBody), Options{DryRun: true})
	require.NoError(t, err)
	require.True(t, res.DryRun)
	require.Equal(t, 3, res.Inserted)
	require.Empty(t, store.Batches())
}

func TestProcessAuthAndDeauthLifecycle(t *testing.T) {
	store := memory.NewStore()
	svc := newService(t, store)
	ctx := context.Background()

	res, err := svc.Process(ctx, signed(`{"type":"auth","status":"success","user":{"user_id":"terra-9","provider":"oura","reference_id":"user-9"}}`), Options{})
	require.NoError(t, err)
	require.Empty(t, res.Ignored)

	token, err := store.FindTokenByExternalID(ctx, domain.ProviderOura, "terra-9")
	require.NoError(t, err)
	require.Equal(t, "user-9", token.UserID)
	require.True(t, token.Active)

	_, err = svc.Process(ctx, signed(`{"type":"deauth","user":{"user_id":"terra-9","provider":"OURA"}}`), Options{})
	require.NoError(t, err)
	token, err = store.FindTokenByExternalID(ctx, domain.ProviderOura, "terra-9")
	require.NoError(t, err)
	require.False(t, token.Active)

	res, err = svc.Process(ctx, signed(`{"type":"access_revoked","user":{"user_id":"terra-9","provider":"OURA"}}`), Options{})
	require.NoError(t, err)
	require.Equal(t, "no active connection", res.Ignored)

	_, err = svc.Process(ctx, signed(`{"type":"auth","user":{"user_id":"terra-10","provider":"OURA"}}`), Options{})
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestProcessAcknowledgesHealthchecksAndUnknownTypes(t *testing.T) {
	svc := newService(t, memory.NewStore())

	res, err := svc.Process(context.Background(), signed(`{"type":"healthcheck"}`), Options{})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Empty(t, res.Ignored)

	res, err = svc.Process(context.Background(), signed(`{"type":"nutrition","user":{"user_id":"t","provider":"WHOOP"}}`), Options{})
	require.NoError(t, err)
	require.Equal(t, "unsupported event type", res.Ignored)
}

func TestProcessDetectsRedeliveries(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := memory.NewStore()
	connect(t, store)
	svc := newService(t, store, WithReplayGuard(replay.NewGuard(replay.NewRedisKVStore(client), time.Hour)))
	req := signed(dailyBody)

	first, err := svc.Process(context.Background(), req, Options{})
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := svc.Process(context.Background(), req, Options{})
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Len(t, store.Batches(), 1)
}

func TestHarnessSignsFixtures(t *testing.T) {
	store := memory.NewStore()
	connect(t, store)
	harness := NewHarness(newService(t, store), store, secret)

	for _, dataType := range []string{"daily", "sleep", "activity", "body"} {
		out, err := harness.Run(context.Background(), HarnessRequest{Type: dataType, UserID: "user-1"})
		require.NoError(t, err, dataType)
		require.True(t, out.Result.DryRun)
		require.Positive(t, out.Result.Inserted, dataType)
		require.Equal(t, "terra-1", out.ExternalUserID)
		require.NoError(t, signature.NewVerifier(secret).Verify(out.Payload, out.Signature))
	}
	require.Empty(t, store.Batches())

	live := false
	out, err := harness.Run(context.Background(), HarnessRequest{DryRun: &live, UserID: "user-1"})
	require.NoError(t, err)
	require.Equal(t, 6, out.Result.Inserted)
	require.Len(t, store.Batches(), 1)

	var env map[string]any
	require.NoError(t, json.Unmarshal(out.Payload, &env))
	require.Equal(t, "daily", env["type"])
}
