// Package api exposes the REST fallback surface: notification polling
// and acknowledgement for clients without a live websocket, plus the
// health endpoint. All state changes mirror what the websocket events do,
// backed by the same store.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tutorlink/internal/auth"
	"tutorlink/internal/store"
	"tutorlink/pkg/types"
)

const defaultPerPage = 20

// StatsSource reports live connection counts for the health response.
type StatsSource interface {
	Stats() map[string]int
}

// NotificationStore is the persistence surface the REST layer needs.
type NotificationStore interface {
	ListNotifications(ctx context.Context, userID string, page, perPage int) ([]*types.Notification, error)
	MarkNotificationRead(ctx context.Context, notificationID, userID string) (*types.Notification, error)
	MarkAllNotificationsRead(ctx context.Context, userID string) error
	ClearNotifications(ctx context.Context, userID string) error
	HealthCheck(ctx context.Context) error
}

type Server struct {
	store    NotificationStore
	verifier *auth.Verifier
	stats    StatsSource
	logger   *slog.Logger
}

func NewServer(st NotificationStore, verifier *auth.Verifier, stats StatsSource, logger *slog.Logger) *Server {
	return &Server{store: st, verifier: verifier, stats: stats, logger: logger}
}

// Routes builds the REST router. The websocket endpoint is mounted
// separately by the application.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)

	r.Route("/api/notifications", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/", s.handleListNotifications)
		r.Put("/read-all", s.handleMarkAllRead)
		r.Put("/{id}/read", s.handleMarkRead)
		r.Delete("/clear/{userID}", s.handleClear)
	})

	return r
}

type ctxKey int

const claimsKey ctxKey = 0

func claimsFrom(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(claimsKey).(*auth.Claims)
	return claims
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.verifier.FromRequest(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid or missing access token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		s.logger.Error("health check failed", "error", err)
		respondError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.stats.Stats(),
	})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			respondError(w, http.StatusBadRequest, "page must be a positive integer")
			return
		}
		page = parsed
	}

	notifications, err := s.store.ListNotifications(r.Context(), claims.UserID, page, defaultPerPage)
	if err != nil {
		s.logger.Error("list notifications failed", "user", claims.UserID, "error", err)
		respondError(w, http.StatusInternalServerError, "could not load notifications")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"notifications": notifications,
		"page":          page,
		"perPage":       defaultPerPage,
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	notificationID := chi.URLParam(r, "id")

	updated, err := s.store.MarkNotificationRead(r.Context(), notificationID, claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotificationNotFound) {
			respondError(w, http.StatusNotFound, "notification not found")
			return
		}
		s.logger.Error("mark notification read failed",
			"notification", notificationID, "user", claims.UserID, "error", err)
		respondError(w, http.StatusInternalServerError, "could not update notification")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"notification": updated})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)

	if err := s.store.MarkAllNotificationsRead(r.Context(), claims.UserID); err != nil {
		s.logger.Error("mark all read failed", "user", claims.UserID, "error", err)
		respondError(w, http.StatusInternalServerError, "could not update notifications")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	userID := chi.URLParam(r, "userID")

	// Clearing is destructive; the path must name the caller.
	if userID != claims.UserID {
		respondError(w, http.StatusForbidden, "cannot clear another user's notifications")
		return
	}

	if err := s.store.ClearNotifications(r.Context(), userID); err != nil {
		s.logger.Error("clear notifications failed", "user", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "could not clear notifications")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
