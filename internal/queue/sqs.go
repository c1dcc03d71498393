// Package queue publishes per-session usage events for downstream billing
// and analytics consumers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// UsageEvent describes one relay session that reached the upstream.
type UsageEvent struct {
	RequestID        string    `json:"request_id"`
	TenantID         string    `json:"tenant_id"`
	Model            string    `json:"model"`
	Outcome          string    `json:"outcome"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Chunks           int       `json:"chunks"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMs        int64     `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

type UsagePublisher interface {
	PublishUsage(ctx context.Context, event UsageEvent) error
}

type SQSPublisher struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSPublisher(ctx context.Context, region, queueURL string) (*SQSPublisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSQSPublisherWithConfig(cfg, queueURL), nil
}

func NewSQSPublisherWithConfig(cfg aws.Config, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (p *SQSPublisher) PublishUsage(ctx context.Context, event UsageEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"TenantID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.TenantID),
			},
			"RequestID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.RequestID),
			},
			"Outcome": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Outcome),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	return nil
}

type InMemoryPublisher struct {
	mu     sync.Mutex
	events []UsageEvent
}

func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{events: make([]UsageEvent, 0)}
}

func (p *InMemoryPublisher) PublishUsage(ctx context.Context, event UsageEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *InMemoryPublisher) Events() []UsageEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]UsageEvent, len(p.events))
	copy(result, p.events)
	return result
}
