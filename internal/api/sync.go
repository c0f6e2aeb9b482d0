package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"example.com/healthsync/internal/auth"
	"example.com/healthsync/internal/domain"
)

// statusCheckTimeout bounds one connectivity check including retries.
const statusCheckTimeout = 30 * time.Second

// BackfillRequest is the payload for POST /v1/sync/backfill and /v1/sync/scheduled.
type BackfillRequest struct {
	DaysBack int    `json:"daysBack,omitempty" validate:"gte=0"`
	UserID   string `json:"userId,omitempty"`
}

func (h *Handler) backfill(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsWithScope(w, r, auth.ScopeSyncWrite)
	if !ok {
		return
	}
	var req BackfillRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	result, err := h.deps.Backfill.Backfill(r.Context(), targetUser(claims, req.UserID), h.daysBack(req.DaysBack))
	if err != nil {
		h.logger.Error("backfill failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) scheduledSync(w http.ResponseWriter, r *http.Request) {
	if _, ok := serviceClaims(w, r); !ok {
		return
	}
	var req BackfillRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	result, err := h.deps.Backfill.Scheduled(r.Context(), h.daysBack(req.DaysBack), h.opts.SyncStaleAfter)
	if err != nil {
		h.logger.Error("scheduled sync failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) daysBack(requested int) int {
	if requested > 0 {
		return requested
	}
	return h.opts.BackfillDays
}

// integrationStatus checks the caller's connection to one provider.
func (h *Handler) integrationStatus(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsWithScope(w, r, auth.ScopeSyncWrite)
	if !ok {
		return
	}
	provider, err := domain.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	userID := targetUser(claims, r.URL.Query().Get("user_id"))
	tokens, err := h.deps.Tokens.ListActiveTokens(r.Context(), domain.TokenFilter{UserID: userID, Provider: provider})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	token := domain.ProviderToken{UserID: userID, Provider: provider}
	if len(tokens) > 0 {
		token = tokens[0]
	}

	ctx, cancel := context.WithTimeout(r.Context(), statusCheckTimeout)
	defer cancel()
	status, err := h.deps.Checker.Check(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrTokenNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		h.logger.Error("integration check failed", zap.String("provider", string(provider)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}
