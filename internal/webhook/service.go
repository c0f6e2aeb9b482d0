// Package webhook verifies, validates and ingests aggregator webhook deliveries.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/observability"
	"example.com/healthsync/internal/replay"
	"example.com/healthsync/internal/terra"
	"example.com/healthsync/internal/unified"
)

// ErrInvalidEnvelope is returned when a verified body is not a well-formed delivery.
var ErrInvalidEnvelope = errors.New("invalid webhook envelope")

// Event types acknowledged without data.
const (
	TypeAuth          = "auth"
	TypeDeauth        = "deauth"
	TypeAccessRevoked = "access_revoked"
	TypeHealthcheck   = "healthcheck"
)

// Request is one raw delivery.
type Request struct {
	Body      []byte
	Signature string
}

// Options alter how a delivery is processed.
type Options struct {
	// DryRun verifies, validates and maps the delivery without writing anything.
	DryRun bool
}

// Result is the acknowledgement returned to the sender.
type Result struct {
	Success   bool   `json:"success"`
	Type      string `json:"type"`
	Inserted  int    `json:"inserted"`
	Skipped   int    `json:"skipped"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Ignored   string `json:"ignored,omitempty"`
	DryRun    bool   `json:"dryRun,omitempty"`
}

// Verifier checks a delivery signature.
type Verifier interface {
	Verify(body []byte, header string) error
}

// Service processes deliveries.
type Service struct {
	verifier   Verifier
	tokens     domain.TokenRepository
	metrics    domain.MetricRepository
	catalog    *unified.Catalog
	precedence *unified.Precedence
	guard      *replay.Guard
	schema     *jsonschema.Schema
	logger     *zap.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithReplayGuard enables duplicate-delivery detection.
func WithReplayGuard(guard *replay.Guard) Option {
	return func(s *Service) { s.guard = guard }
}

// WithLogger overrides the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService constructs a Service.
func NewService(verifier Verifier, tokens domain.TokenRepository, metrics domain.MetricRepository, catalog *unified.Catalog, precedence *unified.Precedence, opts ...Option) (*Service, error) {
	schema, err := compileEnvelopeSchema()
	if err != nil {
		return nil, err
	}
	s := &Service{
		verifier:   verifier,
		tokens:     tokens,
		metrics:    metrics,
		catalog:    catalog,
		precedence: precedence,
		schema:     schema,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Process handles one delivery. Signature errors wrap the signature package
// sentinels; malformed envelopes wrap ErrInvalidEnvelope; anything else is internal.
func (s *Service) Process(ctx context.Context, req Request, opts Options) (Result, error) {
	if err := s.verifier.Verify(req.Body, req.Signature); err != nil {
		observability.RecordWebhook("", "unauthorized")
		return Result{}, err
	}
	if err := validateEnvelope(s.schema, req.Body); err != nil {
		observability.RecordWebhook("", "invalid")
		return Result{}, err
	}
	var env terra.Envelope
	if err := json.Unmarshal(req.Body, &env); err != nil {
		observability.RecordWebhook("", "invalid")
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	result := Result{Success: true, Type: env.Type, DryRun: opts.DryRun}
	fingerprint := replay.Fingerprint(req.Body)
	if s.guard != nil && !opts.DryRun {
		seen, err := s.guard.Seen(ctx, fingerprint)
		if err != nil {
			s.logger.Warn("replay check unavailable", zap.Error(err))
		} else if seen {
			result.Duplicate = true
			observability.RecordWebhook(env.Type, "duplicate")
			return result, nil
		}
	}

	var err error
	switch env.Type {
	case TypeAuth:
		err = s.handleAuth(ctx, env, opts, &result)
	case TypeDeauth, TypeAccessRevoked:
		err = s.handleDeauth(ctx, env, opts, &result)
	case TypeHealthcheck:
	case string(domain.DataTypeBody), string(domain.DataTypeDaily), string(domain.DataTypeActivity), string(domain.DataTypeSleep):
		err = s.handleData(ctx, env, domain.DataType(env.Type), opts, &result)
	default:
		result.Ignored = "unsupported event type"
	}
	if err != nil {
		observability.RecordWebhook(env.Type, "failed")
		return Result{}, err
	}

	if s.guard != nil && !opts.DryRun {
		if err := s.guard.Mark(ctx, fingerprint); err != nil {
			s.logger.Warn("replay mark failed", zap.Error(err))
		}
	}
	outcome := "processed"
	if result.Ignored != "" {
		outcome = "ignored"
	}
	observability.RecordWebhook(env.Type, outcome)
	s.logger.Info("webhook processed",
		zap.String("type", env.Type),
		zap.String("provider", env.User.Provider),
		zap.Int("inserted", result.Inserted),
		zap.Int("skipped", result.Skipped),
		zap.Bool("dry_run", opts.DryRun),
		zap.String("ignored", result.Ignored),
	)
	return result, nil
}

func (s *Service) handleAuth(ctx context.Context, env terra.Envelope, opts Options, result *Result) error {
	if strings.EqualFold(env.Status, "error") {
		result.Ignored = "authentication failed upstream"
		return nil
	}
	provider, err := domain.ParseProvider(env.User.Provider)
	if err != nil {
		result.Ignored = "unsupported provider"
		return nil
	}
	userID := strings.TrimSpace(env.User.ReferenceID)
	if userID == "" {
		userID = strings.TrimSpace(env.ReferenceID)
	}
	if userID == "" {
		return fmt.Errorf("%w: auth event without reference_id", ErrInvalidEnvelope)
	}
	if opts.DryRun {
		return nil
	}
	if err := s.tokens.UpsertToken(ctx, domain.ProviderToken{
		UserID:         userID,
		Provider:       provider,
		ExternalUserID: env.User.UserID,
		Active:         true,
	}); err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	return nil
}

func (s *Service) handleDeauth(ctx context.Context, env terra.Envelope, opts Options, result *Result) error {
	provider, err := domain.ParseProvider(env.User.Provider)
	if err != nil {
		result.Ignored = "unsupported provider"
		return nil
	}
	if opts.DryRun {
		return nil
	}
	changed, err := s.tokens.DeactivateToken(ctx, provider, env.User.UserID)
	if err != nil {
		return fmt.Errorf("deactivate token: %w", err)
	}
	if !changed {
		result.Ignored = "no active connection"
	}
	return nil
}

func (s *Service) handleData(ctx context.Context, env terra.Envelope, dataType domain.DataType, opts Options, result *Result) error {
	provider, err := domain.ParseProvider(env.User.Provider)
	if err != nil {
		result.Ignored = "unsupported provider"
		return nil
	}
	token, err := s.tokens.FindTokenByExternalID(ctx, provider, env.User.UserID)
	if errors.Is(err, domain.ErrTokenNotFound) {
		result.Ignored = "unknown user"
		return nil
	}
	if err != nil {
		return fmt.Errorf("find token: %w", err)
	}

	rows, skipped, err := terra.Map(provider, dataType, token.UserID, env.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	for i := 0; i < skipped; i++ {
		observability.RecordRowRejected("ingest", "undecodable")
	}

	accepted := make([]domain.RawMetricRow, 0, len(rows))
	for _, row := range rows {
		normalized, err := s.prepare(row, provider)
		if err != nil {
			skipped++
			observability.RecordRowRejected("ingest", unified.RejectReason(err))
			s.logger.Debug("skipping metric row", zap.String("metric", row.Metric), zap.Error(err))
			continue
		}
		accepted = append(accepted, normalized)
	}
	result.Skipped = skipped

	if opts.DryRun {
		// report what would have been written
		result.Inserted = len(accepted)
		return nil
	}
	if len(accepted) == 0 {
		return nil
	}
	inserted, err := s.metrics.AppendMetrics(ctx, domain.MetricBatch{
		UserID:   token.UserID,
		Provider: provider,
		DataType: dataType,
		Rows:     accepted,
	})
	if err != nil {
		return fmt.Errorf("append metrics: %w", err)
	}
	result.Inserted = inserted
	return nil
}

// prepare stamps the source rank and normalizes the row into its canonical unit.
func (s *Service) prepare(row domain.RawMetricRow, provider domain.Provider) (domain.RawMetricRow, error) {
	canonical, ok := s.catalog.CanonicalFor(row.Metric)
	if !ok {
		return row, fmt.Errorf("%w: %q", unified.ErrUnknownMetric, row.Metric)
	}
	rank := s.precedence.Lookup(canonical.Name, provider)
	row.Priority = rank.Priority
	row.Confidence = rank.Confidence
	return s.catalog.Normalize(row)
}
