package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felipepmaragno/bizcard/internal/domain"
)

// BusinessRepository reads tenant profiles and their knowledge base.
type BusinessRepository interface {
	GetBusiness(ctx context.Context, id string) (*domain.Business, error)
	ListKnowledge(ctx context.Context, businessID string) ([]domain.KnowledgeChunk, error)
}

type InMemoryBusinessRepository struct {
	mu         sync.RWMutex
	businesses map[string]*domain.Business
	knowledge  map[string][]domain.KnowledgeChunk
}

func NewInMemoryBusinessRepository() *InMemoryBusinessRepository {
	return &InMemoryBusinessRepository{
		businesses: make(map[string]*domain.Business),
		knowledge:  make(map[string][]domain.KnowledgeChunk),
	}
}

// NewSeededBusinessRepository returns a store holding the demo tenant used by
// local development.
func NewSeededBusinessRepository() *InMemoryBusinessRepository {
	repo := NewInMemoryBusinessRepository()

	calendly := "https://calendly.com/demo-plumbing/visit"
	now := time.Now()
	repo.PutBusiness(&domain.Business{
		ID:          "demo-plumbing",
		Name:        "Demo Plumbing Co.",
		Tagline:     "Fast, friendly, licensed.",
		Email:       "hello@demo-plumbing.example",
		Services:    []string{"Leak repair", "Drain cleaning", "Water heater install"},
		CalendlyURL: &calendly,
		UpdatedAt:   now,
	})
	repo.PutKnowledge("demo-plumbing", []domain.KnowledgeChunk{
		{ID: "hours", Text: "Open Monday to Saturday, 8am to 6pm.", Source: "seed", Tags: []string{"hours"}, UpdatedAt: &now},
		{ID: "area", Text: "We serve the greater metro area within 30 miles.", Source: "seed", Tags: []string{"area"}, UpdatedAt: &now},
		{ID: "quote", Text: "Quotes are free for jobs booked within 14 days.", Source: "seed", Tags: []string{"pricing"}, UpdatedAt: &now},
	})

	return repo
}

func (r *InMemoryBusinessRepository) GetBusiness(ctx context.Context, id string) (*domain.Business, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	biz, ok := r.businesses[id]
	if !ok {
		return nil, domain.ErrBusinessNotFound
	}

	cp := *biz
	return &cp, nil
}

func (r *InMemoryBusinessRepository) ListKnowledge(ctx context.Context, businessID string) ([]domain.KnowledgeChunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chunks := make([]domain.KnowledgeChunk, len(r.knowledge[businessID]))
	copy(chunks, r.knowledge[businessID])
	return chunks, nil
}

func (r *InMemoryBusinessRepository) PutBusiness(biz *domain.Business) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.businesses[biz.ID] = biz
}

func (r *InMemoryBusinessRepository) PutKnowledge(businessID string, chunks []domain.KnowledgeChunk) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sorted := make([]domain.KnowledgeChunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	r.knowledge[businessID] = sorted
}
