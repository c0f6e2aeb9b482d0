package api

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"example.com/healthsync/internal/domain"
	"example.com/healthsync/internal/signature"
	"example.com/healthsync/internal/webhook"
)

// terraWebhook accepts a signed Terra delivery.
func (h *Handler) terraWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to read body")
		return
	}

	result, err := h.deps.Webhooks.Process(r.Context(), webhook.Request{
		Body:      body,
		Signature: r.Header.Get(signature.Header),
	}, webhook.Options{})
	if err != nil {
		h.writeWebhookError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) writeWebhookError(w http.ResponseWriter, err error) {
	switch {
	case isSignatureError(err):
		h.logger.Warn("rejected webhook signature", zap.Error(err))
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid signature")
	case errors.Is(err, webhook.ErrInvalidEnvelope):
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
	default:
		h.logger.Error("webhook processing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error", "webhook processing failed")
	}
}

func isSignatureError(err error) bool {
	return errors.Is(err, signature.ErrMissingSignature) ||
		errors.Is(err, signature.ErrMalformedSignature) ||
		errors.Is(err, signature.ErrInvalidSignature) ||
		errors.Is(err, signature.ErrTimestampExpired)
}

// webhookTest signs a fixture delivery with the live secret and runs it through the pipeline.
func (h *Handler) webhookTest(w http.ResponseWriter, r *http.Request) {
	if _, ok := serviceClaims(w, r); !ok {
		return
	}
	var req webhook.HarnessRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	result, err := h.deps.Harness.Run(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownProvider) {
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		h.writeWebhookError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
