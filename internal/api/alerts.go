package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"example.com/healthsync/internal/alerts"
	"example.com/healthsync/internal/auth"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/persistence"
	"example.com/healthsync/internal/unified"
)

const (
	defaultAlertPage = 20
	maxAlertPage     = 100
)

// HistoryResponse carries one resolved series per canonical metric.
type HistoryResponse struct {
	Metrics map[string][]domain.HistoryPoint `json:"metrics"`
}

func (h *Handler) metricsHistory(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsWithScope(w, r, auth.ScopeMetricsRead)
	if !ok {
		return
	}

	var canonicals []string
	for _, name := range strings.Split(r.URL.Query().Get("metrics"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			canonicals = append(canonicals, name)
		}
	}
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 365 {
			writeError(w, http.StatusBadRequest, "validation_failed", "days must be between 1 and 365")
			return
		}
		days = parsed
	}

	series, err := h.deps.History.History(r.Context(), targetUser(claims, r.URL.Query().Get("user_id")), canonicals, days)
	if err != nil {
		if errors.Is(err, unified.ErrUnknownMetric) {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		h.logger.Error("history query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Metrics: series})
}

// SynthesizeRequest is the payload for POST /v1/alerts/synthesize.
type SynthesizeRequest struct {
	Categories []string `json:"categories,omitempty" validate:"dive,oneof=workout_completed integration_stale overtraining_risk"`
	UserID     string   `json:"userId,omitempty"`
	// All sweeps every connected user. Service role only.
	All bool `json:"all,omitempty"`
}

func (h *Handler) synthesizeAlerts(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsWithScope(w, r, auth.ScopeAlertsWrite)
	if !ok {
		return
	}
	var req SynthesizeRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	categories := make([]domain.AlertType, 0, len(req.Categories))
	for _, raw := range req.Categories {
		category, err := domain.ParseAlertType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		categories = append(categories, category)
	}

	var summary alerts.Summary
	if req.All {
		if !claims.ServiceRole {
			writeError(w, http.StatusForbidden, "forbidden", "service role required")
			return
		}
		summary = h.deps.Synthesizer.Sweep(r.Context(), categories...)
	} else {
		summary = h.deps.Synthesizer.Run(r.Context(), targetUser(claims, req.UserID), categories...)
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListAlertsResponse packages one page of alerts.
type ListAlertsResponse struct {
	Items      []domain.Alert `json:"items"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsWithScope(w, r, "")
	if !ok {
		return
	}

	limit := defaultAlertPage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, maxAlertPage)
		}
	}
	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	items, next, err := h.deps.Alerts.ListAlerts(r.Context(), claims.Subject, cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if items == nil {
		items = []domain.Alert{}
	}
	writeJSON(w, http.StatusOK, ListAlertsResponse{Items: items, NextCursor: persistence.EncodeCursor(next)})
}

// UpdateAlertRequest is the payload for PATCH /v1/alerts/{id}.
type UpdateAlertRequest struct {
	Read      *bool `json:"read,omitempty"`
	Dismissed *bool `json:"dismissed,omitempty"`
}

func (h *Handler) updateAlert(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsWithScope(w, r, "")
	if !ok {
		return
	}
	var req UpdateAlertRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Read == nil && req.Dismissed == nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "read or dismissed is required")
		return
	}

	alert, err := h.deps.Alerts.UpdateAlert(r.Context(), claims.Subject, chi.URLParam(r, "id"), domain.AlertPatch{
		Read:      req.Read,
		Dismissed: req.Dismissed,
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlertNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "alert not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, alert)
}
