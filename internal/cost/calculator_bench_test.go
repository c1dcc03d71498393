package cost

import (
	"testing"

	"github.com/felipepmaragno/bizcard/internal/domain"
)

func BenchmarkCalculator_Calculate(b *testing.B) {
	calc := NewCalculator()
	usage := domain.Usage{PromptTokens: 512, CompletionTokens: 128}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		calc.Calculate("gpt-4o-mini", usage)
	}
}

func BenchmarkCalculator_Calculate_Parallel(b *testing.B) {
	calc := NewCalculator()
	usage := domain.Usage{PromptTokens: 512, CompletionTokens: 128}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			calc.Calculate("gpt-4o-mini", usage)
		}
	})
}
