// Package api exposes the HTTP surface of the healthsync service.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"example.com/healthsync/internal/alerts"
	"example.com/healthsync/internal/auth"
	"example.com/healthsync/internal/backfill"
	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/realtime"
	"example.com/healthsync/internal/terra"
	"example.com/healthsync/internal/unified"
	"example.com/healthsync/internal/webhook"
)

const maxBodyBytes = 5 << 20

// Dependencies are the services the handlers delegate to.
type Dependencies struct {
	Webhooks    *webhook.Service
	Harness     *webhook.Harness
	Backfill    *backfill.Service
	History     *unified.HistoryService
	Synthesizer *alerts.Synthesizer
	Alerts      domain.AlertRepository
	Tokens      domain.TokenRepository
	Checker     *terra.Checker
	Realtime    *realtime.Registry
}

// Options tune request handling.
type Options struct {
	Auth             auth.Config
	BackfillDays     int
	SyncStaleAfter   time.Duration
	WebhookRateLimit int // Requests per minute per client IP; zero disables limiting.
	Logger           *zap.Logger
}

// Handler coordinates HTTP requests with the ingestion, sync and alert services.
type Handler struct {
	deps     Dependencies
	opts     Options
	validate *validator.Validate
	logger   *zap.Logger
}

// NewHandler builds a Handler.
func NewHandler(deps Dependencies, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		deps:     deps,
		opts:     opts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Routes returns the router for every endpoint.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(h.logger))
	r.Use(corsHandler())

	r.Get("/healthz", healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(webhookCORS)
		r.Options("/webhooks/terra", emptyOK)
		r.With(webhookRateLimit(h.opts.WebhookRateLimit)).Post("/webhooks/terra", h.terraWebhook)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.NewMiddleware(h.opts.Auth, nil).Wrap)

		r.Post("/sync/backfill", h.backfill)
		r.Post("/sync/scheduled", h.scheduledSync)
		r.Post("/webhooks/test", h.webhookTest)
		r.Get("/metrics/history", h.metricsHistory)
		r.Post("/alerts/synthesize", h.synthesizeAlerts)
		r.Get("/alerts", h.listAlerts)
		r.Patch("/alerts/{id}", h.updateAlert)
		r.Get("/integrations/{provider}/status", h.integrationStatus)
		r.Get("/realtime/alerts", h.realtimeAlerts)
	})
	return r
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// claimsWithScope resolves the caller and checks one scope, writing the error response when it fails.
func claimsWithScope(w http.ResponseWriter, r *http.Request, scope string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if scope != "" && !claims.HasScope(scope) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return nil, false
	}
	return claims, true
}

// serviceClaims admits the service role and callers holding sync:admin.
func serviceClaims(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.ServiceRole && !claims.HasScope(auth.ScopeSyncAdmin) {
		writeError(w, http.StatusForbidden, "forbidden", "service role required")
		return nil, false
	}
	return claims, true
}

// targetUser lets privileged callers act on behalf of another user.
func targetUser(claims *auth.Claims, requested string) string {
	if requested != "" && (claims.ServiceRole || claims.HasScope(auth.ScopeSyncAdmin)) {
		return requested
	}
	return claims.Subject
}

// decodeBody parses an optional JSON body into dst and validates it.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", validationDetail(err))
		return false
	}
	return true
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	if fe.Param() != "" {
		return fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"error":  code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
