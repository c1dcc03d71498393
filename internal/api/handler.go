package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/felipepmaragno/bizcard/internal/domain"
	"github.com/felipepmaragno/bizcard/internal/httputil"
	"github.com/felipepmaragno/bizcard/internal/notifications"
	"github.com/felipepmaragno/bizcard/internal/repository"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	Version = "0.3.0"

	defaultCheckTimeout = 3 * time.Second
	alertTimeout        = 5 * time.Second
)

// UpstreamHealth reports whether the completion API is reachable.
type UpstreamHealth interface {
	HealthCheck(ctx context.Context) error
}

type HandlerConfig struct {
	// Relay serves the streaming chat endpoint. It receives every method so
	// that it can answer preflight and 405 itself.
	Relay      http.Handler
	Businesses repository.BusinessRepository

	// Upstream may be nil when no API key is configured.
	Upstream     UpstreamHealth
	Checkers     []HealthChecker
	CheckTimeout time.Duration

	// Notifier receives an alert when the upstream health check fails. Optional.
	Notifier notifications.Notifier
}

type Handler struct {
	businesses   repository.BusinessRepository
	upstream     UpstreamHealth
	checkTimeout time.Duration
	notifier     notifications.Notifier
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	checkTimeout := cfg.CheckTimeout
	if checkTimeout == 0 {
		checkTimeout = defaultCheckTimeout
	}

	h := &Handler{
		businesses:   cfg.Businesses,
		upstream:     cfg.Upstream,
		checkTimeout: checkTimeout,
		notifier:     cfg.Notifier,
		mux:          http.NewServeMux(),
	}

	if cfg.Relay != nil {
		h.mux.Handle("/relay", cfg.Relay)
		h.mux.Handle("/api/chat", cfg.Relay)
	}
	h.mux.HandleFunc("GET /v1/businesses/{id}", h.handleGetBusiness)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.Handle("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, checkTimeout))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleGetBusiness(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if h.businesses == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "tenant store not configured", "")
		return
	}

	biz, err := h.businesses.GetBusiness(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrBusinessNotFound):
		httputil.WriteError(w, http.StatusNotFound, "business not found", "")
		return
	case errors.Is(err, domain.ErrStoreNotConfigured):
		httputil.WriteError(w, http.StatusServiceUnavailable, "tenant store not configured", "")
		return
	case err != nil:
		slog.Error("business lookup failed", "business_id", id, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "business lookup failed", "")
		return
	}

	if biz.Name == "" {
		biz.Name = biz.ID
	}
	if biz.Services == nil {
		biz.Services = []string{}
	}

	httputil.WriteJSON(w, http.StatusOK, biz)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	upstream := "not_configured"
	status := "healthy"

	if h.upstream != nil {
		ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
		defer cancel()

		if err := h.upstream.HealthCheck(ctx); err != nil {
			slog.Warn("upstream health check failed", "error", err)
			upstream = "unhealthy"
			status = "degraded"
			h.alertUnavailable(err)
		} else {
			upstream = "ok"
		}
	} else {
		status = "degraded"
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"version":  Version,
		"upstream": upstream,
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) alertUnavailable(err error) {
	if h.notifier == nil {
		return
	}
	n := notifications.Notification{
		Type:    notifications.NotificationUpstreamUnavailable,
		Message: "Upstream health check failed",
		Data:    map[string]any{"error": err.Error()},
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := h.notifier.Send(ctx, n); err != nil {
			slog.Warn("failed to send notification", "error", err, "type", n.Type)
		}
	}()
}
