package relay

import (
	"fmt"
	"strings"

	"github.com/felipepmaragno/bizcard/internal/domain"
)

const preamble = "You are a concise assistant in a business card app. Keep replies short; don't invent facts. " +
	"If booking is requested and a Calendly link exists in context, include it. Tenant: %s."

// DefaultMaxSnippets caps how many knowledge chunks are placed in the prompt.
const DefaultMaxSnippets = 5

func systemPreamble(tenantID string) domain.Message {
	return domain.Message{Role: domain.RoleSystem, Content: fmt.Sprintf(preamble, tenantID)}
}

// businessContext renders what the store knows about the tenant as a system
// message. It returns false when there is nothing worth sending.
func businessContext(biz *domain.Business, chunks []domain.KnowledgeChunk, maxSnippets int) (domain.Message, bool) {
	var b strings.Builder

	if biz != nil {
		fmt.Fprintf(&b, "Business: %s\n", biz.Name)
		if biz.Tagline != "" {
			fmt.Fprintf(&b, "Tagline: %s\n", biz.Tagline)
		}
		if len(biz.Services) > 0 {
			fmt.Fprintf(&b, "Services: %s\n", strings.Join(biz.Services, ", "))
		}
		if biz.CalendlyURL != nil && *biz.CalendlyURL != "" {
			fmt.Fprintf(&b, "Calendly: %s\n", *biz.CalendlyURL)
		}
	}

	n := 0
	for _, c := range chunks {
		if n == maxSnippets {
			break
		}
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		if n == 0 {
			b.WriteString("Knowledge:\n")
		}
		fmt.Fprintf(&b, "- %s\n", text)
		n++
	}

	if b.Len() == 0 {
		return domain.Message{}, false
	}

	return domain.Message{
		Role:    domain.RoleSystem,
		Content: "Context for this business (use only these facts):\n" + strings.TrimRight(b.String(), "\n"),
	}, true
}

func buildMessages(tenantID string, contextMsg *domain.Message, history []domain.Message) []domain.Message {
	msgs := make([]domain.Message, 0, len(history)+2)
	msgs = append(msgs, systemPreamble(tenantID))
	if contextMsg != nil {
		msgs = append(msgs, *contextMsg)
	}
	return append(msgs, history...)
}
