// Package bizctx resolves the business profile and knowledge snippets for a
// tenant, serving repeated reads from a time-bound cache.
package bizctx

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/felipepmaragno/bizcard/internal/cache"
	"github.com/felipepmaragno/bizcard/internal/domain"
	"github.com/felipepmaragno/bizcard/internal/metrics"
	"github.com/felipepmaragno/bizcard/internal/repository"
)

// Fetcher returns cached-or-fresh tenant context. A nil business with a nil
// error means the tenant is unknown or the store is not configured.
type Fetcher interface {
	Business(ctx context.Context, tenantID string) (*domain.Business, error)
	Knowledge(ctx context.Context, tenantID string) ([]domain.KnowledgeChunk, error)
}

type Config struct {
	Repo           repository.BusinessRepository
	BusinessCache  cache.Cache[*domain.Business]
	KnowledgeCache cache.Cache[[]domain.KnowledgeChunk]
	TTL            time.Duration
}

type CachedFetcher struct {
	repo     repository.BusinessRepository
	bizCache cache.Cache[*domain.Business]
	kbCache  cache.Cache[[]domain.KnowledgeChunk]
	ttl      time.Duration
}

func NewCachedFetcher(cfg Config) *CachedFetcher {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = cache.DefaultTTL
	}

	f := &CachedFetcher{
		repo:     cfg.Repo,
		bizCache: cfg.BusinessCache,
		kbCache:  cfg.KnowledgeCache,
		ttl:      ttl,
	}
	if f.bizCache == nil {
		f.bizCache = cache.Nop[*domain.Business]{}
	}
	if f.kbCache == nil {
		f.kbCache = cache.Nop[[]domain.KnowledgeChunk]{}
	}
	return f
}

func (f *CachedFetcher) Business(ctx context.Context, tenantID string) (*domain.Business, error) {
	if biz, ok := f.bizCache.Get(ctx, tenantID); ok && biz != nil {
		metrics.RecordCacheHit("business")
		return biz, nil
	}
	metrics.RecordCacheMiss("business")

	biz, err := f.repo.GetBusiness(ctx, tenantID)
	if errors.Is(err, domain.ErrStoreNotConfigured) || errors.Is(err, domain.ErrBusinessNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if biz.Name == "" {
		biz.Name = tenantID
	}
	if biz.Services == nil {
		biz.Services = []string{}
	}

	if err := f.bizCache.Set(ctx, tenantID, biz, f.ttl); err != nil {
		slog.Warn("failed to cache business", "error", err, "tenant_id", tenantID)
	}
	return biz, nil
}

func (f *CachedFetcher) Knowledge(ctx context.Context, tenantID string) ([]domain.KnowledgeChunk, error) {
	if chunks, ok := f.kbCache.Get(ctx, tenantID); ok {
		metrics.RecordCacheHit("knowledge")
		return chunks, nil
	}
	metrics.RecordCacheMiss("knowledge")

	chunks, err := f.repo.ListKnowledge(ctx, tenantID)
	if errors.Is(err, domain.ErrStoreNotConfigured) {
		return []domain.KnowledgeChunk{}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := f.kbCache.Set(ctx, tenantID, chunks, f.ttl); err != nil {
		slog.Warn("failed to cache knowledge", "error", err, "tenant_id", tenantID)
	}
	return chunks, nil
}
