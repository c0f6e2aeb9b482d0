package webhook

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/signature"
	"example.com/healthsync/internal/terra"
)

//go:embed fixtures/*.json
var fixtures embed.FS

// HarnessRequest describes a synthetic delivery.
type HarnessRequest struct {
	DryRun   *bool  `json:"dryRun,omitempty"`
	Type     string `json:"type,omitempty" validate:"omitempty,oneof=auth deauth healthcheck body daily activity sleep"`
	Provider string `json:"provider,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

// HarnessResult reports the signed delivery and how it was processed.
type HarnessResult struct {
	Type           string          `json:"type"`
	Provider       string          `json:"provider"`
	ExternalUserID string          `json:"externalUserId"`
	Signature      string          `json:"signature"`
	Payload        json.RawMessage `json:"payload"`
	Result         Result          `json:"result"`
}

// Harness signs fixture deliveries with the live secret and feeds them through the Service.
type Harness struct {
	service *Service
	tokens  domain.TokenRepository
	secret  string
	now     func() time.Time
}

// NewHarness constructs a Harness.
func NewHarness(service *Service, tokens domain.TokenRepository, secret string) *Harness {
	return &Harness{service: service, tokens: tokens, secret: secret, now: time.Now}
}

// Run builds, signs and processes one synthetic delivery. Dry run is the default.
func (h *Harness) Run(ctx context.Context, req HarnessRequest) (HarnessResult, error) {
	eventType := req.Type
	if eventType == "" {
		eventType = string(domain.DataTypeDaily)
	}
	providerName := req.Provider
	if providerName == "" {
		providerName = string(domain.ProviderWhoop)
	}
	provider, err := domain.ParseProvider(providerName)
	if err != nil {
		return HarnessResult{}, err
	}
	userID := req.UserID
	if userID == "" {
		userID = "webhook-test-user"
	}
	dryRun := req.DryRun == nil || *req.DryRun

	externalID := "test-" + userID
	tokens, err := h.tokens.ListActiveTokens(ctx, domain.TokenFilter{UserID: userID, Provider: provider})
	if err != nil {
		return HarnessResult{}, fmt.Errorf("list tokens: %w", err)
	}
	if len(tokens) > 0 {
		externalID = tokens[0].ExternalUserID
	}

	now := h.now().UTC()
	env := terra.Envelope{
		Type:   eventType,
		Status: "success",
		User:   terra.User{UserID: externalID, Provider: string(provider), ReferenceID: userID},
	}
	if _, err := domain.ParseDataType(eventType); err == nil {
		data, err := fixture(eventType, now)
		if err != nil {
			return HarnessResult{}, err
		}
		env.Data = data
	}
	body, err := json.Marshal(env)
	if err != nil {
		return HarnessResult{}, err
	}
	header := signature.Sign(h.secret, body, now, signature.FormatDotted)

	result, err := h.service.Process(ctx, Request{Body: body, Signature: header}, Options{DryRun: dryRun})
	if err != nil {
		return HarnessResult{}, err
	}
	return HarnessResult{
		Type:           eventType,
		Provider:       string(provider),
		ExternalUserID: externalID,
		Signature:      header,
		Payload:        body,
		Result:         result,
	}, nil
}

func fixture(dataType string, now time.Time) (json.RawMessage, error) {
	raw, err := fixtures.ReadFile("fixtures/" + dataType + ".json")
	if err != nil {
		return nil, fmt.Errorf("no fixture for %s: %w", dataType, err)
	}
	day := domain.TruncateDay(now)
	replacer := strings.NewReplacer(
		"{{DATE}}", day.Format(domain.DateLayout),
		"{{PREV}}", day.AddDate(0, 0, -1).Format(domain.DateLayout),
		"{{NEXT}}", day.AddDate(0, 0, 1).Format(domain.DateLayout),
	)
	return json.RawMessage(replacer.Replace(string(raw))), nil
}
