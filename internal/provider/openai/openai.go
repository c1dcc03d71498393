package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/felipepmaragno/bizcard/internal/domain"
	"github.com/felipepmaragno/bizcard/internal/httputil"
)

const DefaultBaseURL = "https://api.openai.com/v1"

// maxErrorBody bounds how much of a failed response is kept for diagnostics.
const maxErrorBody = 64 << 10

// StatusError is returned when the upstream answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("openai error: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return domain.ErrUpstream
}

// Detail is the diagnostic text surfaced to callers: the body, or the status
// code when the body is empty.
func (e *StatusError) Detail() string {
	if strings.TrimSpace(e.Body) != "" {
		return e.Body
	}
	return strconv.Itoa(e.StatusCode)
}

type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func New(apiKey, baseURL string) *Provider {
	return NewWithClient(apiKey, baseURL, httputil.NewClient(httputil.StreamingConfig()))
}

func NewWithClient(apiKey, baseURL string, client *http.Client) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Provider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (p *Provider) ID() string {
	return "openai"
}

// OpenStream issues a streaming chat completion and returns the raw SSE body
// once the upstream has confirmed a successful response. The caller owns the
// body and must close it; cancelling ctx aborts the read.
func (p *Provider) OpenStream(ctx context.Context, req domain.UpstreamRequest) (io.ReadCloser, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, fmt.Errorf("%w: empty response body", domain.ErrUpstream)
	}

	return resp.Body, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openai unhealthy: status=%d", resp.StatusCode)
	}

	return nil
}
