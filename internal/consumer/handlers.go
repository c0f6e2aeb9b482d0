package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"example.com/healthsync/internal/alerts"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/events"
	"example.com/healthsync/internal/realtime"
)

// AlertRunner evaluates alert rules for one user.
type AlertRunner interface {
	Run(ctx context.Context, userID string, categories ...domain.AlertType) alerts.Summary
}

// categoriesFor maps an ingested data type to the rules its rows can trigger.
func categoriesFor(dataType domain.DataType) []domain.AlertType {
	switch dataType {
	case domain.DataTypeActivity:
		return []domain.AlertType{domain.AlertTypeWorkoutCompleted, domain.AlertTypeOvertrainingRisk}
	case domain.DataTypeDaily, domain.DataTypeSleep:
		return []domain.AlertType{domain.AlertTypeOvertrainingRisk}
	default:
		return nil
	}
}

// AlertHandler runs the synthesizer for the user named in a metrics.ingested event.
type AlertHandler struct {
	runner AlertRunner
	logger *zap.Logger
}

// NewAlertHandler constructs an AlertHandler.
func NewAlertHandler(runner AlertRunner, logger *zap.Logger) *AlertHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertHandler{runner: runner, logger: logger}
}

// Handle implements Handler. Rule failures are returned so the message stays uncommitted.
func (h *AlertHandler) Handle(ctx context.Context, msg Message) error {
	var evt events.MetricsIngested
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return fmt.Errorf("decode %s: %w", msg.EventType, err)
	}
	if evt.UserID == "" {
		return fmt.Errorf("%s without user_id", msg.EventType)
	}
	dataType, err := domain.ParseDataType(evt.DataType)
	if err != nil {
		return err
	}
	categories := categoriesFor(dataType)
	if len(categories) == 0 {
		return nil
	}

	summary := h.runner.Run(ctx, evt.UserID, categories...)
	h.logger.Info("alerts synthesized",
		zap.String("user_id", evt.UserID),
		zap.String("batch_id", evt.BatchID),
		zap.Int("created", summary.Created),
		zap.Int("skipped", summary.Skipped),
		zap.Int("suppressed", summary.Suppressed),
		zap.Int("failed", summary.Failed),
	)
	if summary.Failed > 0 {
		return fmt.Errorf("alert synthesis failed: %s", strings.Join(summary.Errors, "; "))
	}
	return nil
}

// Broadcaster fans alert events out to live subscribers.
type Broadcaster interface {
	Publish(key realtime.Key, payload any) int
}

// BroadcastHandler relays alert.created events into the process's realtime registry.
type BroadcastHandler struct {
	registry Broadcaster
}

// NewBroadcastHandler constructs a BroadcastHandler.
func NewBroadcastHandler(registry Broadcaster) *BroadcastHandler {
	return &BroadcastHandler{registry: registry}
}

// Handle implements Handler.
func (h *BroadcastHandler) Handle(_ context.Context, msg Message) error {
	var evt events.AlertCreated
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return fmt.Errorf("decode %s: %w", msg.EventType, err)
	}
	if evt.Alert.RecipientID == "" {
		return fmt.Errorf("%s without recipient", msg.EventType)
	}
	h.registry.Publish(realtime.RecipientKey(evt.Alert.RecipientID), evt.Alert)
	return nil
}
