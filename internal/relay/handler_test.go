package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"
	"time"

	"github.com/felipepmaragno/bizcard/internal/bizctx"
	"github.com/felipepmaragno/bizcard/internal/domain"
	"github.com/felipepmaragno/bizcard/internal/notifications"
	"github.com/felipepmaragno/bizcard/internal/provider/openai"
	"github.com/felipepmaragno/bizcard/internal/queue"
	"github.com/felipepmaragno/bizcard/internal/repository"
	"github.com/felipepmaragno/bizcard/internal/sse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test doubles
// =============================================================================

// MockUpstream implements Upstream with a func field.
type MockUpstream struct {
	OpenStreamFunc func(ctx context.Context, req domain.UpstreamRequest) (io.ReadCloser, error)
	calls          atomic.Int32
}

func (m *MockUpstream) OpenStream(ctx context.Context, req domain.UpstreamRequest) (io.ReadCloser, error) {
	m.calls.Add(1)
	return m.OpenStreamFunc(ctx, req)
}

// MockFetcher implements bizctx.Fetcher.
type MockFetcher struct {
	BusinessFunc  func(ctx context.Context, tenantID string) (*domain.Business, error)
	KnowledgeFunc func(ctx context.Context, tenantID string) ([]domain.KnowledgeChunk, error)
}

func (m *MockFetcher) Business(ctx context.Context, tenantID string) (*domain.Business, error) {
	if m.BusinessFunc != nil {
		return m.BusinessFunc(ctx, tenantID)
	}
	return nil, nil
}

func (m *MockFetcher) Knowledge(ctx context.Context, tenantID string) ([]domain.KnowledgeChunk, error) {
	if m.KnowledgeFunc != nil {
		return m.KnowledgeFunc(ctx, tenantID)
	}
	return []domain.KnowledgeChunk{}, nil
}

// frames renders upstream SSE records the way the completion API sends them.
func frames(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: " + p + "\n\n")
	}
	return b.String()
}

func deltaFrame(content string) string {
	data, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]any{"content": content}}},
	})
	return string(data)
}

const helloStream = `data: {"choices":[{"delta":{"role":"assistant"}}]}

data: {"choices":[{"delta":{"content":"Hel"}}]}

: keep-alive

data: {"choices":[{"delta":{"content":"lo"}}]}

data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2}}

data: [DONE]

`

// newUpstreamServer starts a fake completion API and returns a provider
// pointed at it.
func newUpstreamServer(t *testing.T, handler http.HandlerFunc) *openai.Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return openai.NewWithClient("sk-test", srv.URL, srv.Client())
}

func streamingUpstream(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, body)
	}
}

func postRelay(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/relay", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEvents(t *testing.T, body []byte) []domain.Envelope {
	t.Helper()
	var dec sse.EventDecoder
	return dec.Feed(body)
}

func eventTypes(events []domain.Envelope) []domain.EventType {
	types := make([]domain.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

// assertWellFormed checks ready first and exactly one terminal frame last.
func assertWellFormed(t *testing.T, events []domain.Envelope) {
	t.Helper()
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventReady, events[0].Type, "first frame must be ready")

	terminals := 0
	for i, ev := range events {
		if ev.Type == domain.EventDone || ev.Type == domain.EventError {
			terminals++
			assert.Equal(t, len(events)-1, i, "terminal frame must be last")
		}
	}
	assert.Equal(t, 1, terminals, "exactly one terminal frame")
}

const validBody = `{"tenantId":"acme","messages":[{"role":"user","content":"hi"}]}`

// =============================================================================
// Streaming
// =============================================================================

func TestRelay_HelloScenario(t *testing.T) {
	type captured struct {
		auth string
		body domain.UpstreamRequest
	}
	seen := make(chan captured, 1)
	provider := newUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		var c captured
		c.auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&c.body)
		seen <- c
		streamingUpstream(helloStream)(w, r)
	})

	h := NewHandler(Config{Upstream: provider})
	rec := postRelay(t, h, validBody)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache, no-transform", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	events := decodeEvents(t, rec.Body.Bytes())
	assertWellFormed(t, events)
	assert.Equal(t, []domain.EventType{
		domain.EventReady, domain.EventChunk, domain.EventChunk, domain.EventDone,
	}, eventTypes(events))

	assert.Equal(t, "Hel", events[1].Delta)
	assert.Equal(t, "lo", events[2].Delta)
	require.NotNil(t, events[3].Usage)
	assert.Equal(t, domain.Usage{PromptTokens: 5, CompletionTokens: 2}, *events[3].Usage)

	var text strings.Builder
	for _, ev := range events {
		text.WriteString(ev.Delta)
	}
	assert.Equal(t, "Hello", text.String())

	c := <-seen
	upstreamBody := c.body
	assert.Equal(t, "Bearer sk-test", c.auth)
	assert.Equal(t, DefaultModel, upstreamBody.Model)
	assert.True(t, upstreamBody.Stream)
	assert.InDelta(t, 0.2, upstreamBody.Temperature, 1e-9)
	require.NotNil(t, upstreamBody.StreamOptions)
	assert.True(t, upstreamBody.StreamOptions.IncludeUsage)
	require.Len(t, upstreamBody.Messages, 2)
	assert.Equal(t, domain.RoleSystem, upstreamBody.Messages[0].Role)
	assert.Contains(t, upstreamBody.Messages[0].Content, "Tenant: acme.")
	assert.Equal(t, domain.Message{Role: domain.RoleUser, Content: "hi"}, upstreamBody.Messages[1])
}

func TestRelay_ReadyEchoesTraceID(t *testing.T) {
	provider := newUpstreamServer(t, streamingUpstream(frames("[DONE]")))
	h := NewHandler(Config{Upstream: provider})

	rec := postRelay(t, h, `{"tenantId":"acme","messages":[],"traceId":"t-123"}`)
	assert.True(t, strings.HasPrefix(rec.Body.String(), `data: {"type":"ready","traceId":"t-123"}`+"\n\n"))

	rec = postRelay(t, h, `{"tenantId":"acme","messages":[]}`)
	assert.True(t, strings.HasPrefix(rec.Body.String(), `data: {"type":"ready","traceId":null}`+"\n\n"))
}

func TestRelay_UsageLastValueWins(t *testing.T) {
	provider := newUpstreamServer(t, streamingUpstream(frames(
		`{"choices":[],"usage":{"prompt_tokens":3,"completion_tokens":1}}`,
		deltaFrame("a"),
		`{"choices":[],"usage":{"prompt_tokens":7}}`,
		`{"choices":[],"usage":{"completion_tokens":4}}`,
		"[DONE]",
	)))
	h := NewHandler(Config{Upstream: provider})

	events := decodeEvents(t, postRelay(t, h, validBody).Body.Bytes())
	assertWellFormed(t, events)

	last := events[len(events)-1]
	require.NotNil(t, last.Usage)
	assert.Equal(t, domain.Usage{PromptTokens: 7, CompletionTokens: 4}, *last.Usage)
}

func TestRelay_EndWithoutSentinel(t *testing.T) {
	provider := newUpstreamServer(t, streamingUpstream(frames(deltaFrame("partial"))))
	h := NewHandler(Config{Upstream: provider})

	rec := postRelay(t, h, validBody)
	events := decodeEvents(t, rec.Body.Bytes())

	assertWellFormed(t, events)
	assert.Equal(t, []domain.EventType{domain.EventReady, domain.EventChunk, domain.EventDone}, eventTypes(events))
	assert.Contains(t, rec.Body.String(), `{"type":"done","usage":{"promptTokens":0,"completionTokens":0}}`)
}

func TestRelay_IgnoresFramesAfterSentinel(t *testing.T) {
	provider := newUpstreamServer(t, streamingUpstream(frames(deltaFrame("one"), "[DONE]", deltaFrame("two"))))
	h := NewHandler(Config{Upstream: provider})

	events := decodeEvents(t, postRelay(t, h, validBody).Body.Bytes())

	assertWellFormed(t, events)
	assert.Equal(t, []domain.EventType{domain.EventReady, domain.EventChunk, domain.EventDone}, eventTypes(events))
}

func TestRelay_SplitUpstreamWrites(t *testing.T) {
	stream := frames(deltaFrame("héllo"), deltaFrame(" wörld"), "[DONE]")
	provider := newUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < len(stream); i += 3 {
			end := min(i+3, len(stream))
			io.WriteString(w, stream[i:end])
			flusher.Flush()
		}
	})
	h := NewHandler(Config{Upstream: provider})

	events := decodeEvents(t, postRelay(t, h, validBody).Body.Bytes())

	assertWellFormed(t, events)
	require.Len(t, events, 4)
	assert.Equal(t, "héllo", events[1].Delta)
	assert.Equal(t, " wörld", events[2].Delta)
}

func TestRelay_Timeout(t *testing.T) {
	release := make(chan struct{})
	provider := newUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, frames(deltaFrame("slow")))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	t.Cleanup(func() { close(release) })

	notifier := notifications.NewInMemoryNotifier()
	h := NewHandler(Config{
		Upstream: provider,
		Timeout:  50 * time.Millisecond,
		Notifier: notifier,
	})

	start := time.Now()
	rec := postRelay(t, h, validBody)
	assert.Less(t, time.Since(start), 5*time.Second)

	events := decodeEvents(t, rec.Body.Bytes())
	assertWellFormed(t, events)
	assert.Equal(t, []domain.EventType{domain.EventReady, domain.EventChunk, domain.EventError}, eventTypes(events))
	assert.Equal(t, "Upstream timeout", events[2].Message)

	assert.Eventually(t, func() bool {
		for _, n := range notifier.GetNotifications() {
			if n.Type == notifications.NotificationUpstreamTimeout {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestRelay_TimeoutFrameAfterSlowUpstreamHeaders(t *testing.T) {
	provider := newUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, frames(deltaFrame("late")))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	h := NewHandler(Config{Upstream: provider, Timeout: 200 * time.Millisecond})

	// the server write deadline expires before the relay timer would fire
	srv := httptest.NewUnstartedServer(h)
	srv.Config.WriteTimeout = 250 * time.Millisecond
	srv.Start()
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/relay", "application/json", strings.NewReader(validBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	events := decodeEvents(t, body)
	assertWellFormed(t, events)
	assert.Equal(t, "Upstream timeout", events[len(events)-1].Message)
}

func TestRelay_TimeoutWithUnresponsiveBody(t *testing.T) {
	// a body that ignores cancellation until it is closed
	pr, pw := io.Pipe()
	upstream := &MockUpstream{OpenStreamFunc: func(ctx context.Context, req domain.UpstreamRequest) (io.ReadCloser, error) {
		go io.WriteString(pw, frames(deltaFrame("x")))
		return pr, nil
	}}
	t.Cleanup(func() { pw.Close() })

	h := NewHandler(Config{Upstream: upstream, Timeout: 30 * time.Millisecond})
	events := decodeEvents(t, postRelay(t, h, validBody).Body.Bytes())

	assertWellFormed(t, events)
	assert.Equal(t, domain.EventError, events[len(events)-1].Type)
	assert.Equal(t, "Upstream timeout", events[len(events)-1].Message)
}

func TestRelay_MidStreamReadError(t *testing.T) {
	upstream := &MockUpstream{OpenStreamFunc: func(ctx context.Context, req domain.UpstreamRequest) (io.ReadCloser, error) {
		return io.NopCloser(io.MultiReader(
			strings.NewReader(frames(deltaFrame("par"))),
			iotest.ErrReader(errors.New("connection reset by peer")),
		)), nil
	}}
	h := NewHandler(Config{Upstream: upstream})

	events := decodeEvents(t, postRelay(t, h, validBody).Body.Bytes())

	assertWellFormed(t, events)
	assert.Equal(t, []domain.EventType{domain.EventReady, domain.EventChunk, domain.EventError}, eventTypes(events))
	assert.Equal(t, "Upstream stream interrupted", events[2].Message)
}

type panickingReader struct{ sent bool }

func (r *panickingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, frames(deltaFrame("ok"))), nil
	}
	panic("decoder exploded")
}

func TestRelay_PanicAfterStreamOpen(t *testing.T) {
	upstream := &MockUpstream{OpenStreamFunc: func(ctx context.Context, req domain.UpstreamRequest) (io.ReadCloser, error) {
		return io.NopCloser(&panickingReader{}), nil
	}}
	h := NewHandler(Config{Upstream: upstream})

	events := decodeEvents(t, postRelay(t, h, validBody).Body.Bytes())

	assertWellFormed(t, events)
	assert.Equal(t, "Upstream stream interrupted", events[len(events)-1].Message)
}

func TestRelay_ClientDisconnectStopsSilently(t *testing.T) {
	release := make(chan struct{})
	provider := newUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, frames(deltaFrame("a")))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	t.Cleanup(func() { close(release) })
	h := NewHandler(Config{Upstream: provider, Timeout: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/relay", strings.NewReader(validBody)).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after client disconnect")
	}

	for _, ev := range decodeEvents(t, rec.Body.Bytes()) {
		assert.NotEqual(t, domain.EventDone, ev.Type)
		assert.NotEqual(t, domain.EventError, ev.Type)
	}
}

func TestRelay_PublishesUsage(t *testing.T) {
	provider := newUpstreamServer(t, streamingUpstream(helloStream))
	pub := queue.NewInMemoryPublisher()
	h := NewHandler(Config{Upstream: provider, Usage: pub})

	rec := postRelay(t, h, validBody)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool { return len(pub.Events()) == 1 }, time.Second, 10*time.Millisecond)
	ev := pub.Events()[0]
	assert.Equal(t, "acme", ev.TenantID)
	assert.Equal(t, "done", ev.Outcome)
	assert.Equal(t, 5, ev.PromptTokens)
	assert.Equal(t, 2, ev.CompletionTokens)
	assert.Equal(t, 2, ev.Chunks)
	assert.Equal(t, rec.Header().Get("X-Request-ID"), ev.RequestID)
	assert.Greater(t, ev.CostUSD, 0.0)
}

// =============================================================================
// Pre-stream failures
// =============================================================================

func TestRelay_Validation(t *testing.T) {
	upstream := &MockUpstream{OpenStreamFunc: func(ctx context.Context, req domain.UpstreamRequest) (io.ReadCloser, error) {
		t.Fatal("upstream must not be called")
		return nil, nil
	}}
	h := NewHandler(Config{Upstream: upstream})

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"malformed json", `{"tenantId":`, "Invalid JSON body"},
		{"missing tenant", `{"messages":[]}`, "Invalid payload. Expect { tenantId, messages[] }."},
		{"empty tenant", `{"tenantId":"","messages":[]}`, "Invalid payload. Expect { tenantId, messages[] }."},
		{"numeric tenant", `{"tenantId":42,"messages":[]}`, "Invalid payload. Expect { tenantId, messages[] }."},
		{"missing messages", `{"tenantId":"acme"}`, "Invalid payload. Expect { tenantId, messages[] }."},
		{"null messages", `{"tenantId":"acme","messages":null}`, "Invalid payload. Expect { tenantId, messages[] }."},
		{"object messages", `{"tenantId":"acme","messages":{}}`, "Invalid payload. Expect { tenantId, messages[] }."},
		{"unknown role", `{"tenantId":"acme","messages":[{"role":"tool","content":"x"}]}`, "Invalid payload. Expect { tenantId, messages[] }."},
		{"empty body", ``, "Invalid payload. Expect { tenantId, messages[] }."},
		{"array body", `[]`, "Invalid payload. Expect { tenantId, messages[] }."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postRelay(t, h, tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.NotContains(t, rec.Header().Get("Content-Type"), "event-stream")
			assert.Empty(t, rec.Header().Get("Cache-Control"))
			assert.JSONEq(t, `{"error":"`+tt.wantErr+`"}`, rec.Body.String())
		})
	}
	assert.Zero(t, upstream.calls.Load())
}

func TestRelay_BizIDAlias(t *testing.T) {
	var tenantInPrompt string
	upstream := &MockUpstream{OpenStreamFunc: func(ctx context.Context, req domain.UpstreamRequest) (io.ReadCloser, error) {
		tenantInPrompt = req.Messages[0].Content
		return io.NopCloser(strings.NewReader(frames("[DONE]"))), nil
	}}
	h := NewHandler(Config{Upstream: upstream})

	rec := postRelay(t, h, `{"bizId":"legacy-biz","messages":[]}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, tenantInPrompt, "Tenant: legacy-biz.")
}

func TestRelay_MissingAPIKey(t *testing.T) {
	h := NewHandler(Config{})

	rec := postRelay(t, h, validBody)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Server not configured: missing OPENAI_API_KEY."}`, rec.Body.String())
}

func TestRelay_UpstreamNonSuccess(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantDetail string
	}{
		{"body as detail", http.StatusInternalServerError, `{"error":{"message":"boom"}}`, `{"error":{"message":"boom"}}`},
		{"status as detail", http.StatusBadGateway, "", "502"},
		{"rate limited", http.StatusTooManyRequests, "slow down", "slow down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := newUpstreamServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			notifier := notifications.NewInMemoryNotifier()
			h := NewHandler(Config{Upstream: provider, Notifier: notifier})

			rec := postRelay(t, h, validBody)

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.NotContains(t, rec.Body.String(), "ready")

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "Upstream error", body["error"])
			assert.Equal(t, tt.wantDetail, body["detail"])

			assert.Eventually(t, func() bool { return len(notifier.GetNotifications()) == 1 }, time.Second, 10*time.Millisecond)
		})
	}
}

func TestRelay_UpstreamUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h := NewHandler(Config{Upstream: openai.NewWithClient("sk-test", url, http.DefaultClient)})
	rec := postRelay(t, h, validBody)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"Upstream error"`)
	assert.Contains(t, rec.Body.String(), `"detail":`)
}

func TestRelay_PanicBeforeStreamOpen(t *testing.T) {
	fetcher := &MockFetcher{BusinessFunc: func(ctx context.Context, tenantID string) (*domain.Business, error) {
		panic("store exploded")
	}}
	upstream := &MockUpstream{OpenStreamFunc: func(ctx context.Context, req domain.UpstreamRequest) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(frames("[DONE]"))), nil
	}}
	h := NewHandler(Config{Upstream: upstream, Fetcher: fetcher, InjectContext: true})

	rec := postRelay(t, h, validBody)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "store exploded")
	assert.Zero(t, upstream.calls.Load())
}

// =============================================================================
// Methods and CORS
// =============================================================================

func TestRelay_Options(t *testing.T) {
	h := NewHandler(Config{})
	req := httptest.NewRequest(http.MethodOptions, "/relay", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "content-type", rec.Header().Get("Access-Control-Allow-Headers"))
}

func TestRelay_MethodNotAllowed(t *testing.T) {
	h := NewHandler(Config{})

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(method, "/relay", nil))

			assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
			assert.Contains(t, rec.Body.String(), "Method Not Allowed")
		})
	}
}

// =============================================================================
// Knowledge-base debug branch
// =============================================================================

func TestRelay_DebugKB(t *testing.T) {
	repo := repository.NewInMemoryBusinessRepository()
	repo.PutBusiness(&domain.Business{ID: "acme", Name: "Acme Plumbing"})
	repo.PutKnowledge("acme", []domain.KnowledgeChunk{
		{ID: "1", Text: "We fix leaks."},
		{ID: "2", Text: "Open 9-5."},
		{ID: "3", Text: "Emergency line available."},
	})

	upstream := &MockUpstream{OpenStreamFunc: func(ctx context.Context, req domain.UpstreamRequest) (io.ReadCloser, error) {
		t.Fatal("debug branch must not call the upstream")
		return nil, nil
	}}
	h := NewHandler(Config{
		Upstream: upstream,
		Fetcher:  bizctx.NewCachedFetcher(bizctx.Config{Repo: repo}),
	})

	rec := postRelay(t, h, `{"tenantId":"acme","messages":[],"debugMode":"kb"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeEvents(t, rec.Body.Bytes())
	assertWellFormed(t, events)
	assert.Equal(t, []domain.EventType{domain.EventReady, domain.EventInfo, domain.EventDone}, eventTypes(events))

	assert.Contains(t, rec.Body.String(),
		`{"type":"info","message":"Admin OK","biz":{"name":"Acme Plumbing","calendlyUrl":null},"kbCount":3}`)
	assert.Contains(t, rec.Body.String(), `data: {"type":"done"}`+"\n\n")
	assert.Zero(t, upstream.calls.Load())
}

func TestRelay_DebugKB_LegacyFieldAndUnknownTenant(t *testing.T) {
	h := NewHandler(Config{Fetcher: &MockFetcher{}})

	rec := postRelay(t, h, `{"bizId":"ghost","messages":[],"debug":"kb"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"biz":null,"kbCount":0`)
}

func TestRelay_DebugKB_FetchFailure(t *testing.T) {
	h := NewHandler(Config{Fetcher: &MockFetcher{
		KnowledgeFunc: func(ctx context.Context, tenantID string) ([]domain.KnowledgeChunk, error) {
			return nil, errors.New("permission denied")
		},
	}})

	rec := postRelay(t, h, `{"tenantId":"acme","messages":[],"debugMode":"kb"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"KB debug failed","detail":"permission denied"}`, rec.Body.String())
}

// =============================================================================
// Business context injection
// =============================================================================

func TestRelay_InjectsBusinessContext(t *testing.T) {
	calendly := "https://calendly.com/acme"
	fetcher := &MockFetcher{
		BusinessFunc: func(ctx context.Context, tenantID string) (*domain.Business, error) {
			return &domain.Business{ID: tenantID, Name: "Acme", Services: []string{"Repairs"}, CalendlyURL: &calendly}, nil
		},
		KnowledgeFunc: func(ctx context.Context, tenantID string) ([]domain.KnowledgeChunk, error) {
			return []domain.KnowledgeChunk{{ID: "1", Text: "Open weekends."}}, nil
		},
	}

	var sent []domain.Message
	upstream := &MockUpstream{OpenStreamFunc: func(ctx context.Context, req domain.UpstreamRequest) (io.ReadCloser, error) {
		sent = req.Messages
		return io.NopCloser(strings.NewReader(frames("[DONE]"))), nil
	}}
	h := NewHandler(Config{Upstream: upstream, Fetcher: fetcher, InjectContext: true})

	postRelay(t, h, validBody)

	require.Len(t, sent, 3)
	assert.Equal(t, domain.RoleSystem, sent[1].Role)
	assert.Contains(t, sent[1].Content, "Business: Acme")
	assert.Contains(t, sent[1].Content, calendly)
	assert.Contains(t, sent[1].Content, "- Open weekends.")
	assert.Equal(t, domain.RoleUser, sent[2].Role)
}

func TestRelay_ContextLookupFailureIsIgnored(t *testing.T) {
	fetcher := &MockFetcher{BusinessFunc: func(ctx context.Context, tenantID string) (*domain.Business, error) {
		return nil, errors.New("store down")
	}}

	var sent []domain.Message
	upstream := &MockUpstream{OpenStreamFunc: func(ctx context.Context, req domain.UpstreamRequest) (io.ReadCloser, error) {
		sent = req.Messages
		return io.NopCloser(strings.NewReader(frames("[DONE]"))), nil
	}}
	h := NewHandler(Config{Upstream: upstream, Fetcher: fetcher, InjectContext: true})

	rec := postRelay(t, h, validBody)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, sent, 2)
}
