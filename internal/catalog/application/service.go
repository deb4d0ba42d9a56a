package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/orderlab/commerce-backend/internal/cache"
	"github.com/orderlab/commerce-backend/internal/catalog/domain"
)

// productCacheTTL bounds staleness of the cached read path.
const productCacheTTL = 10 * time.Minute

// ProductStore is the authoritative catalog surface the service wraps.
type ProductStore interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	CreateProduct(ctx context.Context, p domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, id string, patch domain.ProductPatch) (*domain.Product, error)
}

// Cache is the read-through/refresh-on-write surface of the cache layer.
type Cache interface {
	Get(ctx context.Context, key string, dest any) bool
	Set(ctx context.Context, key string, value any, ttl time.Duration)
	Delete(ctx context.Context, keys ...string)
}

// Service is the cached catalog read/write path. Order validation does not
// use this path; it reads the store directly so correctness never depends
// on cache freshness.
type Service struct {
	log   *slog.Logger
	store ProductStore
	cache Cache
}

func NewService(log *slog.Logger, store ProductStore, c Cache) *Service {
	return &Service{log: log, store: store, cache: c}
}

// GetProduct serves from cache when possible and populates it on a miss.
// Returns (nil, nil) when the product does not exist.
func (s *Service) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	key := cache.ProductKey(id)

	var cached domain.Product
	if s.cache.Get(ctx, key, &cached) {
		s.log.Debug("product cache hit", "product_id", id)
		return &cached, nil
	}

	p, err := s.store.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if p != nil {
		s.cache.Set(ctx, key, p, productCacheTTL)
	}
	return p, nil
}

func (s *Service) CreateProduct(ctx context.Context, p domain.Product) (*domain.Product, error) {
	return s.store.CreateProduct(ctx, p)
}

// UpdateProduct writes through the store and refreshes the cached entry, so
// the cached read path converges immediately rather than waiting for TTL.
func (s *Service) UpdateProduct(ctx context.Context, id string, patch domain.ProductPatch) (*domain.Product, error) {
	p, err := s.store.UpdateProduct(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	s.cache.Set(ctx, cache.ProductKey(id), p, productCacheTTL)
	return p, nil
}

// MarkOutOfStock zeroes a product's stock, used by the catalog command
// consumer.
func (s *Service) MarkOutOfStock(ctx context.Context, id string) (*domain.Product, error) {
	zero := 0
	return s.UpdateProduct(ctx, id, domain.ProductPatch{Stock: &zero})
}
