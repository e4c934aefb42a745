// Package server exposes notification sending and the VAPID public key over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chainguard-dev/clog"
	"github.com/gorilla/mux"

	"github.com/atscard/webpush"
	"github.com/atscard/webpush/metrics"
)

const maxBodySize = 64 << 10

// Notifier sends notifications to all of a user's subscriptions.
type Notifier interface {
	Enabled() bool
	Notify(ctx context.Context, userID, title, body string, data map[string]any) (int, error)
}

// Server handles the push API.
type Server struct {
	notifier  Notifier
	publicKey string
	metrics   *metrics.Metrics
}

// New creates a Server. publicKey is the VAPID application server key
// handed to browsers; it is empty when sending is disabled.
func New(notifier Notifier, publicKey string, m *metrics.Metrics) *Server {
	return &Server{
		notifier:  notifier,
		publicKey: publicKey,
		metrics:   m,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(requestLogger)
	r.Use(s.metrics.Middleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/vapid-public-key", s.getPublicKey).Methods(http.MethodGet)
	api.HandleFunc("/notify", s.notify).Methods(http.MethodPost)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := clog.FromContext(r.Context()).With("method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(clog.WithLogger(r.Context(), log)))
	})
}

func (s *Server) getPublicKey(w http.ResponseWriter, r *http.Request) {
	if s.publicKey == "" {
		writeError(r.Context(), w, http.StatusInternalServerError, "VAPID keys not configured")
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"publicKey": s.publicKey})
}

type notifyRequest struct {
	UserID string         `json:"user_id"`
	Title  string         `json:"title"`
	Body   string         `json:"body"`
	Data   map[string]any `json:"data,omitempty"`
}

func (s *Server) notify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req notifyRequest
	if err := decode(w, r, &req); err != nil {
		writeError(ctx, w, http.StatusBadRequest, "Invalid notification")
		return
	}
	if req.UserID == "" || req.Title == "" {
		writeError(ctx, w, http.StatusBadRequest, "user_id and title are required")
		return
	}

	sent, err := s.notifier.Notify(ctx, req.UserID, req.Title, req.Body, req.Data)
	switch {
	case errors.Is(err, webpush.ErrPayloadTooLarge):
		writeError(ctx, w, http.StatusRequestEntityTooLarge, "Notification too large")
		return
	case err != nil:
		clog.FromContext(ctx).Errorf("sending notification: %v", err)
		writeError(ctx, w, http.StatusInternalServerError, "Failed to send notification")
		return
	}

	writeJSON(ctx, w, http.StatusOK, map[string]any{
		"sent":    sent,
		"enabled": s.notifier.Enabled(),
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, obj any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		clog.FromContext(ctx).Warnf("encoding response: %v", err)
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	writeJSON(ctx, w, status, map[string]string{"error": msg})
}
