// Package relay implements the streaming chat endpoint. It forwards a chat
// turn to the upstream completion API and re-emits the upstream stream as a
// normalized sequence of SSE frames: ready, chunk*, then exactly one of done
// or error.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/bizcard/internal/bizctx"
	"github.com/felipepmaragno/bizcard/internal/cost"
	"github.com/felipepmaragno/bizcard/internal/domain"
	"github.com/felipepmaragno/bizcard/internal/httputil"
	"github.com/felipepmaragno/bizcard/internal/metrics"
	"github.com/felipepmaragno/bizcard/internal/notifications"
	"github.com/felipepmaragno/bizcard/internal/queue"
	"github.com/felipepmaragno/bizcard/internal/telemetry"
	"github.com/google/uuid"
)

const (
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 60 * time.Second

	temperature  = 0.2
	maxBodyBytes = 1 << 20

	// budget for side effects that run after the response is complete
	sideEffectTimeout = 5 * time.Second

	// slack past the relay timeout for writing the terminal frame
	writeDeadlineMargin = 5 * time.Second
)

const (
	msgInvalidJSON       = "Invalid JSON body"
	msgInvalidPayload    = "Invalid payload. Expect { tenantId, messages[] }."
	msgDebugFailed       = "KB debug failed"
	msgNotConfigured     = "Server not configured: missing OPENAI_API_KEY."
	msgUpstreamError     = "Upstream error"
	msgUpstreamTimeout   = "Upstream timeout"
	msgStreamInterrupted = "Upstream stream interrupted"
	msgDebugOK           = "Admin OK"
)

// Upstream opens a streaming chat completion. The returned body is owned by
// the caller and must honour ctx cancellation.
type Upstream interface {
	OpenStream(ctx context.Context, req domain.UpstreamRequest) (io.ReadCloser, error)
}

type Config struct {
	// Upstream is nil when no API key is configured.
	Upstream Upstream
	Fetcher  bizctx.Fetcher
	Model    string
	Timeout  time.Duration

	InjectContext bool
	MaxSnippets   int

	Usage    queue.UsagePublisher
	Notifier notifications.Notifier
	Cost     *cost.Calculator
}

type Handler struct {
	upstream      Upstream
	fetcher       bizctx.Fetcher
	model         string
	timeout       time.Duration
	injectContext bool
	maxSnippets   int
	usage         queue.UsagePublisher
	notifier      notifications.Notifier
	cost          *cost.Calculator
}

func NewHandler(cfg Config) *Handler {
	h := &Handler{
		upstream:      cfg.Upstream,
		fetcher:       cfg.Fetcher,
		model:         cfg.Model,
		timeout:       cfg.Timeout,
		injectContext: cfg.InjectContext,
		maxSnippets:   cfg.MaxSnippets,
		usage:         cfg.Usage,
		notifier:      cfg.Notifier,
		cost:          cfg.Cost,
	}
	if h.model == "" {
		h.model = DefaultModel
	}
	if h.timeout <= 0 {
		h.timeout = DefaultTimeout
	}
	if h.maxSnippets <= 0 {
		h.maxSnippets = DefaultMaxSnippets
	}
	if h.cost == nil {
		h.cost = cost.NewCalculator()
	}
	return h
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "content-type")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORS(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost:
	default:
		w.Header().Set("Allow", "POST, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	h.handleChat(w, r, requestID)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request, requestID string) {
	ctx, span := telemetry.StartSpan(r.Context(), "relay.session")
	defer span.End()

	start := time.Now()

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "Streaming unsupported", "")
		return
	}
	sess := newSession(w, flusher)

	var tenantID string
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic: %v", rec)
			slog.Error("relay session panicked",
				"error", err,
				"request_id", requestID,
				"tenant_id", tenantID,
			)
			telemetry.AddErrorAttribute(span, err)
			if sess.open {
				sess.finish(domain.Failure(msgStreamInterrupted))
				return
			}
			httputil.WriteError(w, http.StatusInternalServerError, msgUpstreamError, err.Error())
		}
	}()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.reject(w, http.StatusBadRequest, msgInvalidJSON, "", requestID)
		return
	}

	req, err := parseRequest(body)
	switch {
	case errors.Is(err, errMalformedBody):
		h.reject(w, http.StatusBadRequest, msgInvalidJSON, "", requestID)
		return
	case err != nil:
		slog.Debug("invalid relay payload", "error", err, "request_id", requestID)
		h.reject(w, http.StatusBadRequest, msgInvalidPayload, "", requestID)
		return
	}
	tenantID = req.TenantID

	var clientTraceID string
	if req.TraceID != nil {
		clientTraceID = *req.TraceID
	}
	telemetry.AddSessionAttributes(span, tenantID, h.model, requestID, clientTraceID)

	if req.DebugMode == domain.DebugModeKB {
		h.handleDebug(ctx, w, sess, req, requestID)
		return
	}

	if h.upstream == nil {
		h.reject(w, http.StatusInternalServerError, msgNotConfigured, "", requestID)
		return
	}

	upstreamReq := domain.UpstreamRequest{
		Model:         h.model,
		Stream:        true,
		Temperature:   temperature,
		StreamOptions: &domain.StreamOptions{IncludeUsage: true},
		Messages:      buildMessages(tenantID, h.contextMessage(ctx, tenantID, requestID), req.Messages),
	}

	streamCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stream, err := h.upstream.OpenStream(streamCtx, upstreamReq)
	if err != nil {
		h.upstreamFailed(w, span, tenantID, requestID, err)
		return
	}
	defer stream.Close()

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	timer := time.AfterFunc(h.timeout, func() { cancel(domain.ErrUpstreamTimeout) })
	defer timer.Stop()

	// The server's WriteTimeout counts from the request headers, so it is
	// re-armed from stream open.
	deadline := time.Now().Add(h.timeout + writeDeadlineMargin)
	if err := http.NewResponseController(w).SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Warn("failed to extend write deadline", "error", err, "request_id", requestID)
	}

	if err := sess.start(req.TraceID); err != nil {
		h.complete(span, sessionResult{
			tenantID:  tenantID,
			requestID: requestID,
			outcome:   outcomeClientGone,
			start:     start,
		})
		return
	}

	out, usage := sess.relay(streamCtx, stream)
	timer.Stop()

	h.complete(span, sessionResult{
		tenantID:  tenantID,
		requestID: requestID,
		outcome:   out,
		usage:     usage,
		chunks:    sess.chunks,
		start:     start,
	})
}

// contextMessage looks up business facts for the prompt. Lookup problems
// only cost the model some context, so they are logged and dropped.
func (h *Handler) contextMessage(ctx context.Context, tenantID, requestID string) *domain.Message {
	if !h.injectContext || h.fetcher == nil {
		return nil
	}

	biz, err := h.fetcher.Business(ctx, tenantID)
	if err != nil {
		slog.Warn("business lookup failed", "error", err, "tenant_id", tenantID, "request_id", requestID)
		return nil
	}
	chunks, err := h.fetcher.Knowledge(ctx, tenantID)
	if err != nil {
		slog.Warn("knowledge lookup failed", "error", err, "tenant_id", tenantID, "request_id", requestID)
		chunks = nil
	}

	msg, ok := businessContext(biz, chunks, h.maxSnippets)
	if !ok {
		return nil
	}
	return &msg
}

func (h *Handler) handleDebug(ctx context.Context, w http.ResponseWriter, sess *session, req domain.ChatRequest, requestID string) {
	var (
		biz    *domain.Business
		chunks []domain.KnowledgeChunk
		err    error
	)
	if h.fetcher != nil {
		biz, err = h.fetcher.Business(ctx, req.TenantID)
		if err == nil {
			chunks, err = h.fetcher.Knowledge(ctx, req.TenantID)
		}
	}
	if err != nil {
		slog.Error("kb debug failed", "error", err, "tenant_id", req.TenantID, "request_id", requestID)
		h.reject(w, http.StatusInternalServerError, msgDebugFailed, err.Error(), requestID)
		return
	}

	var info *domain.BusinessInfo
	if biz != nil {
		info = &domain.BusinessInfo{Name: biz.Name, CalendlyURL: biz.CalendlyURL}
	}

	if err := sess.start(req.TraceID); err != nil {
		return
	}
	_ = sess.emit(domain.Info(msgDebugOK, info, len(chunks)))
	sess.finish(domain.Done(nil))

	slog.Info("kb debug served",
		"request_id", requestID,
		"tenant_id", req.TenantID,
		"biz_found", biz != nil,
		"kb_count", len(chunks),
	)
}

func (h *Handler) reject(w http.ResponseWriter, status int, message, detail, requestID string) {
	metrics.RecordRequestError(strconv.Itoa(status))
	slog.Warn("relay request rejected",
		"status", status,
		"error", message,
		"request_id", requestID,
	)
	httputil.WriteError(w, status, message, detail)
}
