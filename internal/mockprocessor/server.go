package mockprocessor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"payment-reconciler/internal/payload"
)

const contentType = "application/json"

// sessionObject is a checkout session as the processor API renders it.
type sessionObject struct {
	Object string `json:"object"`
	payload.CheckoutSession
}

type listResponse struct {
	Object  string          `json:"object"`
	URL     string          `json:"url"`
	HasMore bool            `json:"has_more"`
	Data    []sessionObject `json:"data"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Server imitates the processor's checkout session listing from an in-memory
// table keyed by payment intent id.
type Server struct {
	mu       sync.RWMutex
	sessions map[string][]payload.CheckoutSession
	logger   *slog.Logger
}

func NewServer(logger *slog.Logger) *Server {
	return &Server{sessions: map[string][]payload.CheckoutSession{}, logger: logger}
}

func (s *Server) AddSession(session payload.CheckoutSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := session.PaymentIntentID()
	s.sessions[id] = append(s.sessions[id], session)
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/checkout/sessions", s.listSessions)
	return loggingMiddleware(s.logger, mux)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	paymentIntentID := r.URL.Query().Get("payment_intent")
	if paymentIntentID == "" {
		var resp errorResponse
		resp.Error.Type = "invalid_request_error"
		resp.Error.Message = "payment_intent is required"
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	s.mu.RLock()
	sessions := s.sessions[paymentIntentID]
	s.mu.RUnlock()

	resp := listResponse{Object: "list", URL: "/v1/checkout/sessions", Data: []sessionObject{}}
	for _, session := range sessions {
		resp.Data = append(resp.Data, sessionObject{Object: "checkout.session", CheckoutSession: session})
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
