package application

import (
	"context"
	"errors"

	catalog "github.com/orderlab/commerce-backend/internal/catalog/domain"
	"github.com/orderlab/commerce-backend/internal/identity"
	"github.com/orderlab/commerce-backend/internal/order/domain"
)

// ErrFilterUnsupported is returned by an OrderRepository whose backing store
// cannot apply user/status filters natively. The service then falls back to
// fetching a bounded unfiltered window and filtering in-process, producing
// the same (total, page) pair.
var ErrFilterUnsupported = errors.New("list filters unsupported")

// ListQuery selects a page of orders. Filters apply before pagination;
// ordering is insertion order by creation.
type ListQuery struct {
	Limit  int
	Offset int
	UserID *string
	Status *domain.Status
}

// OrderRepository is the persistence boundary for orders and their items.
// Create and Update run inside a single transaction: stock decrements are
// conditional (stock_quantity >= quantity) so a lost race surfaces as
// ErrInsufficientStock and rolls the whole operation back.
type OrderRepository interface {
	Create(ctx context.Context, userID string, items []domain.ItemSpec) (*domain.Order, error)
	// GetByID returns (nil, nil) when no such order exists.
	GetByID(ctx context.Context, orderID string) (*domain.Order, error)
	List(ctx context.Context, q ListQuery) (int, []domain.Order, error)
	// Update applies the patch atomically and returns the resulting order,
	// or (nil, nil) when the order is absent.
	Update(ctx context.Context, orderID string, patch domain.Patch) (*domain.Order, error)
	// Delete removes the order and cascades to its items. Deleting an
	// absent order is a no-op.
	Delete(ctx context.Context, orderID string) error
}

// ProductReader serves the authoritative catalog reads used for order
// validation. Validation never goes through the cache.
type ProductReader interface {
	// GetProduct returns (nil, nil) when the product is absent.
	GetProduct(ctx context.Context, id string) (*catalog.Product, error)
}

type UserReader interface {
	// GetUser returns (nil, nil) when the user is absent.
	GetUser(ctx context.Context, id string) (*identity.User, error)
}

// CacheInvalidator drops cached representations of entities this core
// mutates as a side effect. Implementations log and swallow backend errors;
// a failed invalidation only extends staleness to the cache TTL.
type CacheInvalidator interface {
	Delete(ctx context.Context, keys ...string)
	DeleteByPattern(ctx context.Context, pattern string) int
}
