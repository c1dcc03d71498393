package cost

import (
	"sync"

	"github.com/felipepmaragno/bizcard/internal/domain"
)

type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

var defaultPricing = map[string]ModelPricing{
	"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4o":        {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4.1-mini":  {InputPer1K: 0.0004, OutputPer1K: 0.0016},
	"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
}

// Calculator estimates the upstream cost of a relay session from the usage
// the upstream reported. Unknown models cost zero.
type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

func NewCalculator() *Calculator {
	pricing := make(map[string]ModelPricing, len(defaultPricing))
	for model, p := range defaultPricing {
		pricing[model] = p
	}
	return &Calculator{pricing: pricing}
}

func (c *Calculator) Calculate(model string, usage domain.Usage) float64 {
	c.mu.RLock()
	pricing, ok := c.pricing[model]
	c.mu.RUnlock()
	if !ok {
		return 0
	}

	inputCost := float64(usage.PromptTokens) / 1000 * pricing.InputPer1K
	outputCost := float64(usage.CompletionTokens) / 1000 * pricing.OutputPer1K

	return inputCost + outputCost
}

func (c *Calculator) SetPricing(model string, pricing ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[model] = pricing
}

// Known reports whether model has a price entry.
func (c *Calculator) Known(model string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.pricing[model]
	return ok
}
