package application

import (
	"context"
	"errors"
	"log/slog"

	"github.com/orderlab/commerce-backend/internal/cache"
	"github.com/orderlab/commerce-backend/internal/order/domain"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100

	// fallbackScanLimit bounds the unfiltered window fetched when the
	// repository cannot filter natively.
	fallbackScanLimit = 1000
)

// Service owns the order lifecycle business rules: existence checks, stock
// validation, total computation, the status state machine and stock
// restitution. Both entry points (HTTP and the Kafka command consumer) call
// into this type with the same inputs.
//
// Oversell protection: the service runs the full read-only validation scan
// first (fail fast, nothing mutated on failure), and the repository then
// re-checks every decrement as an atomic conditional update inside its
// transaction. Two racing creations of the last unit cannot both succeed;
// the loser's transaction aborts with ErrInsufficientStock.
type Service struct {
	log      *slog.Logger
	repo     OrderRepository
	users    UserReader
	products ProductReader
	cache    CacheInvalidator
}

func NewService(log *slog.Logger, repo OrderRepository, users UserReader, products ProductReader, inv CacheInvalidator) *Service {
	return &Service{log: log, repo: repo, users: users, products: products, cache: inv}
}

type CreateOrderInput struct {
	UserID string            `json:"user_id"`
	Items  []domain.ItemSpec `json:"items"`
}

// UpdateOrderInput carries an order patch. Status is the raw value as
// received from the caller; it is validated against the closed status set
// here, not at the boundary.
type UpdateOrderInput struct {
	Status *string           `json:"status,omitempty"`
	Items  []domain.ItemSpec `json:"items,omitempty"`
}

func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*domain.Order, error) {
	user, err := s.users.GetUser(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, domain.NewNotFound("user", in.UserID)
	}

	if err := validateItemSpecs(in.Items); err != nil {
		return nil, err
	}

	// Full validation scan before any mutation: if item k fails, items
	// 1..k-1 must not have been decremented.
	for _, it := range in.Items {
		p, err := s.products.GetProduct(ctx, it.ProductID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, domain.NewNotFound("product", it.ProductID)
		}
		if it.Quantity > p.Stock {
			return nil, domain.NewInsufficientStock(it.ProductID, it.Quantity, p.Stock)
		}
	}

	o, err := s.repo.Create(ctx, in.UserID, in.Items)
	if err != nil {
		return nil, err
	}

	s.invalidateProducts(ctx, in.Items)
	s.cache.DeleteByPattern(ctx, cache.OrderListPattern)

	s.log.Info("order created",
		"order_id", o.ID, "user_id", o.UserID,
		"total", o.Total.String(), "items", len(o.Items))
	return o, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := s.repo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, domain.NewNotFound("order", orderID)
	}
	return o, nil
}

// ListOrders returns (total_matching, page). When the repository cannot
// filter natively it reports ErrFilterUnsupported and the same filters and
// pagination are applied here over a bounded unfiltered window; for any
// fixed criteria both paths yield the same (total, page) pair.
func (s *Service) ListOrders(ctx context.Context, q ListQuery) (int, []domain.Order, error) {
	if q.Limit <= 0 {
		q.Limit = defaultPageSize
	}
	if q.Limit > maxPageSize {
		q.Limit = maxPageSize
	}
	if q.Offset < 0 {
		return 0, nil, domain.NewInvalidArgument("offset must not be negative")
	}

	total, page, err := s.repo.List(ctx, q)
	if err == nil {
		return total, page, nil
	}
	if !errors.Is(err, ErrFilterUnsupported) {
		return 0, nil, err
	}

	_, all, err := s.repo.List(ctx, ListQuery{Limit: fallbackScanLimit})
	if err != nil {
		return 0, nil, err
	}

	filtered := all[:0:0]
	for _, o := range all {
		if q.UserID != nil && o.UserID != *q.UserID {
			continue
		}
		if q.Status != nil && o.Status != *q.Status {
			continue
		}
		filtered = append(filtered, o)
	}

	total = len(filtered)
	if q.Offset >= total {
		return total, []domain.Order{}, nil
	}
	end := q.Offset + q.Limit
	if end > total {
		end = total
	}
	return total, filtered[q.Offset:end], nil
}

func (s *Service) UpdateOrder(ctx context.Context, orderID string, in UpdateOrderInput) (*domain.Order, error) {
	var patch domain.Patch

	if in.Status != nil {
		st, err := domain.ParseStatus(*in.Status)
		if err != nil {
			return nil, err
		}
		patch.Status = &st
	}
	if in.Items != nil {
		if err := validateItemSpecs(in.Items); err != nil {
			return nil, err
		}
		patch.Items = in.Items
	}
	if patch.Status == nil && patch.Items == nil {
		return nil, domain.NewInvalidArgument("update requires status or items")
	}

	existing, err := s.repo.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, domain.NewNotFound("order", orderID)
	}

	if patch.Status != nil && !existing.Status.CanTransitionTo(*patch.Status) {
		return nil, domain.NewInvalidArgument("cannot transition order %s from %s to %s",
			orderID, existing.Status, *patch.Status)
	}

	if patch.Items != nil {
		if err := s.validateItemDeltas(ctx, existing, patch.Items); err != nil {
			return nil, err
		}
	}

	updated, err := s.repo.Update(ctx, orderID, patch)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		// Deleted between the read above and the transaction.
		return nil, domain.NewNotFound("order", orderID)
	}

	s.invalidateAfterUpdate(ctx, existing, updated, patch)

	s.log.Info("order updated",
		"order_id", updated.ID, "status", updated.Status,
		"total", updated.Total.String(), "items", len(updated.Items))
	return updated, nil
}

func (s *Service) DeleteOrder(ctx context.Context, orderID string) error {
	o, err := s.repo.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if o == nil {
		return domain.NewNotFound("order", orderID)
	}
	if err := s.repo.Delete(ctx, orderID); err != nil {
		return err
	}

	s.cache.Delete(ctx, cache.OrderKey(orderID))
	s.cache.DeleteByPattern(ctx, cache.OrderListPattern)
	s.log.Info("order deleted", "order_id", orderID)
	return nil
}

// validateItemDeltas runs the pre-transaction stock scan for an items patch.
// Only quantity growth relative to the current line needs available stock;
// the repository's conditional updates remain the authoritative check.
func (s *Service) validateItemDeltas(ctx context.Context, existing *domain.Order, incoming []domain.ItemSpec) error {
	current := make(map[string]int, len(existing.Items))
	for _, it := range existing.Items {
		current[it.ProductID] = it.Quantity
	}
	for _, it := range incoming {
		p, err := s.products.GetProduct(ctx, it.ProductID)
		if err != nil {
			return err
		}
		if p == nil {
			return domain.NewNotFound("product", it.ProductID)
		}
		if delta := it.Quantity - current[it.ProductID]; delta > p.Stock {
			return domain.NewInsufficientStock(it.ProductID, delta, p.Stock)
		}
	}
	return nil
}

func (s *Service) invalidateAfterUpdate(ctx context.Context, before, after *domain.Order, patch domain.Patch) {
	touched := map[string]struct{}{}
	if patch.Items != nil {
		for _, it := range before.Items {
			touched[it.ProductID] = struct{}{}
		}
		for _, it := range after.Items {
			touched[it.ProductID] = struct{}{}
		}
	}
	if patch.Status != nil && *patch.Status == domain.StatusCancelled && before.Status != domain.StatusCancelled {
		// Restitution wrote stock back for every line on the order.
		for _, it := range after.Items {
			touched[it.ProductID] = struct{}{}
		}
	}

	keys := make([]string, 0, len(touched)+1)
	for id := range touched {
		keys = append(keys, cache.ProductKey(id))
	}
	keys = append(keys, cache.OrderKey(after.ID))
	s.cache.Delete(ctx, keys...)
	s.cache.DeleteByPattern(ctx, cache.OrderListPattern)
}

func (s *Service) invalidateProducts(ctx context.Context, items []domain.ItemSpec) {
	keys := make([]string, 0, len(items))
	for _, it := range items {
		keys = append(keys, cache.ProductKey(it.ProductID))
	}
	s.cache.Delete(ctx, keys...)
}

func validateItemSpecs(items []domain.ItemSpec) error {
	if len(items) == 0 {
		return domain.NewInvalidArgument("order must have at least one item")
	}
	// All quantities are checked before any stock lookup so validation
	// order never depends on item position. Product ids must be distinct:
	// an order carries at most one line per product, and the keyed diff
	// on update relies on that.
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if it.ProductID == "" {
			return domain.NewInvalidArgument("item product_id is required")
		}
		if it.Quantity <= 0 {
			return domain.NewInvalidArgument("quantity must be greater than 0 for product %s", it.ProductID)
		}
		if seen[it.ProductID] {
			return domain.NewInvalidArgument("duplicate item for product %s", it.ProductID)
		}
		seen[it.ProductID] = true
	}
	return nil
}
