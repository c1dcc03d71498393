package domain

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body accepted by the relay endpoint.
type ChatRequest struct {
	TenantID  string    `json:"tenantId"`
	Messages  []Message `json:"messages"`
	TraceID   *string   `json:"traceId,omitempty"`
	DebugMode string    `json:"debugMode,omitempty"`
}

// DebugModeKB skips the completion API and reports tenant store connectivity.
const DebugModeKB = "kb"

// Usage holds the token accounting reported by the upstream. Values are
// replaced, never summed, as new frames report them.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

type Business struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Tagline     string    `json:"tagline,omitempty"`
	Email       string    `json:"email,omitempty"`
	Services    []string  `json:"services"`
	CalendlyURL *string   `json:"calendlyUrl"`
	LogoURL     *string   `json:"logoUrl"`
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
}

type KnowledgeChunk struct {
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	Source    string     `json:"source"`
	Tags      []string   `json:"tags"`
	Embedding []float64  `json:"embedding"`
	UpdatedAt *time.Time `json:"updatedAt"`
}

// UpstreamRequest is the body sent to the chat-completion API.
type UpstreamRequest struct {
	Model         string         `json:"model"`
	Stream        bool           `json:"stream"`
	Temperature   float64        `json:"temperature"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
	Messages      []Message      `json:"messages"`
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}
