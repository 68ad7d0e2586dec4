package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"payment-reconciler/internal/logcontext"
	"payment-reconciler/internal/processor"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
)

const SignatureHeader = "Stripe-Signature"

var (
	requestsAcceptedCounter = metrics.GetOrCreateCounter(`webhook_requests_total{result="accepted"}`)
	requestsRejectedCounter = metrics.GetOrCreateCounter(`webhook_requests_total{result="rejected"}`)
	requestsFailedCounter   = metrics.GetOrCreateCounter(`webhook_requests_total{result="failed"}`)
)

type receivedResponse struct {
	Received bool `json:"received"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type Handler struct {
	pipeline     *Pipeline
	maxBodyBytes int64
	logger       *slog.Logger
}

func NewHandler(pipeline *Pipeline, maxBodyBytes int64, logger *slog.Logger) *Handler {
	return &Handler{pipeline: pipeline, maxBodyBytes: maxBodyBytes, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logcontext.AppendCtx(r.Context(), slog.String("requestId", uuid.NewString()))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		h.logger.WarnContext(ctx, "Error reading webhook body", "error", err)
		requestsRejectedCounter.Inc()
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unreadable body"})
		return
	}

	_, err = h.pipeline.Handle(ctx, body, r.Header.Get(SignatureHeader))
	switch {
	case err == nil:
		requestsAcceptedCounter.Inc()
		writeJSON(w, http.StatusOK, receivedResponse{Received: true})
	case errors.Is(err, processor.ErrSignatureInvalid):
		requestsRejectedCounter.Inc()
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid signature"})
	default:
		requestsFailedCounter.Inc()
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "processing failed"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
