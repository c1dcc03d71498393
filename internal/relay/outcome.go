package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/felipepmaragno/bizcard/internal/domain"
	"github.com/felipepmaragno/bizcard/internal/metrics"
	"github.com/felipepmaragno/bizcard/internal/notifications"
	"github.com/felipepmaragno/bizcard/internal/provider/openai"
	"github.com/felipepmaragno/bizcard/internal/queue"
	"github.com/felipepmaragno/bizcard/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
)

type sessionResult struct {
	tenantID  string
	requestID string
	outcome   outcome
	usage     domain.Usage
	chunks    int
	start     time.Time
}

// upstreamFailed answers a request whose upstream call failed before any
// frame was written.
func (h *Handler) upstreamFailed(w http.ResponseWriter, span trace.Span, tenantID, requestID string, err error) {
	detail := err.Error()
	errorType := "transport"

	var statusErr *openai.StatusError
	if errors.As(err, &statusErr) {
		detail = statusErr.Detail()
		errorType = "status_" + statusClass(statusErr.StatusCode)
	}

	metrics.RecordUpstreamError(errorType)
	telemetry.AddErrorAttribute(span, err)

	slog.Error("upstream call failed",
		"error", err,
		"error_type", errorType,
		"tenant_id", tenantID,
		"request_id", requestID,
	)

	h.notify(notifications.Notification{
		Type:      notifications.NotificationUpstreamError,
		TenantID:  tenantID,
		RequestID: requestID,
		Message:   msgUpstreamError,
		Data:      map[string]any{"error_type": errorType, "detail": detail},
	})

	h.reject(w, http.StatusInternalServerError, msgUpstreamError, detail, requestID)
}

// complete records a session that reached the upstream.
func (h *Handler) complete(span trace.Span, res sessionResult) {
	latency := time.Since(res.start)
	costUSD := h.cost.Calculate(h.model, res.usage)

	metrics.RecordSession(string(res.outcome), latency.Seconds())
	metrics.RecordTokens(h.model, res.usage.PromptTokens, res.usage.CompletionTokens)
	metrics.RecordCost(h.model, costUSD)

	telemetry.AddTokenAttributes(span, res.usage.PromptTokens, res.usage.CompletionTokens)
	telemetry.AddOutcomeAttributes(span, string(res.outcome), res.chunks)

	attrs := []any{
		"request_id", res.requestID,
		"tenant_id", res.tenantID,
		"model", h.model,
		"outcome", res.outcome,
		"chunks", res.chunks,
		"prompt_tokens", res.usage.PromptTokens,
		"completion_tokens", res.usage.CompletionTokens,
		"latency_ms", latency.Milliseconds(),
	}

	switch res.outcome {
	case outcomeTimeout:
		metrics.RecordUpstreamError("timeout")
		telemetry.AddErrorAttribute(span, domain.ErrUpstreamTimeout)
		slog.Warn("relay session timed out", attrs...)
		h.notify(notifications.Notification{
			Type:      notifications.NotificationUpstreamTimeout,
			TenantID:  res.tenantID,
			RequestID: res.requestID,
			Message:   msgUpstreamTimeout,
			Data:      map[string]any{"chunks": res.chunks},
		})
	case outcomeInterrupted:
		metrics.RecordUpstreamError("interrupted")
		telemetry.AddErrorAttribute(span, domain.ErrStreamInterrupted)
		slog.Warn("relay session interrupted", attrs...)
		h.notify(notifications.Notification{
			Type:      notifications.NotificationStreamInterrupted,
			TenantID:  res.tenantID,
			RequestID: res.requestID,
			Message:   msgStreamInterrupted,
		})
	default:
		slog.Info("relay session completed", attrs...)
	}

	h.publishUsage(queue.UsageEvent{
		RequestID:        res.requestID,
		TenantID:         res.tenantID,
		Model:            h.model,
		Outcome:          string(res.outcome),
		PromptTokens:     res.usage.PromptTokens,
		CompletionTokens: res.usage.CompletionTokens,
		Chunks:           res.chunks,
		CostUSD:          costUSD,
		LatencyMs:        latency.Milliseconds(),
		CreatedAt:        time.Now().UTC(),
	})
}

// notify and publishUsage run detached from the request: the response must
// end without waiting on AWS.
func (h *Handler) notify(n notifications.Notification) {
	if h.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := h.notifier.Send(ctx, n); err != nil {
			slog.Warn("failed to send notification", "error", err, "type", n.Type, "request_id", n.RequestID)
		}
	}()
}

func (h *Handler) publishUsage(ev queue.UsageEvent) {
	if h.usage == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := h.usage.PublishUsage(ctx, ev); err != nil {
			slog.Warn("failed to publish usage", "error", err, "request_id", ev.RequestID)
		}
	}()
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code == http.StatusTooManyRequests:
		return "429"
	case code >= 400:
		return "4xx"
	default:
		return "other"
	}
}
