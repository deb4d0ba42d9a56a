// Package memory provides in-memory implementations of the order core's
// ports with the same semantics as the Postgres backend: conditional stock
// decrements, keyed item diff, exactly-once restitution. Unit tests across
// the service and both entry points run against these.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	catalog "github.com/orderlab/commerce-backend/internal/catalog/domain"
	"github.com/orderlab/commerce-backend/internal/identity"
	"github.com/orderlab/commerce-backend/internal/order/application"
	"github.com/orderlab/commerce-backend/internal/order/domain"
)

type stockDelta struct {
	productID string
	delta     int
}

// ProductStore holds catalog rows guarded by one lock, so multi-product
// stock adjustments are all-or-nothing exactly like a transaction.
type ProductStore struct {
	mu       sync.Mutex
	products map[string]catalog.Product
}

func NewProductStore() *ProductStore {
	return &ProductStore{products: map[string]catalog.Product{}}
}

func (s *ProductStore) Put(p catalog.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

func (s *ProductStore) GetProduct(_ context.Context, id string) (*catalog.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, nil
	}
	cp := p
	return &cp, nil
}

func (s *ProductStore) CreateProduct(_ context.Context, p catalog.Product) (*catalog.Product, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
	cp := p
	return &cp, nil
}

func (s *ProductStore) UpdateProduct(_ context.Context, id string, patch catalog.ProductPatch) (*catalog.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, nil
	}
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.Price != nil {
		p.Price = *patch.Price
	}
	if patch.Stock != nil {
		p.Stock = *patch.Stock
	}
	p.UpdatedAt = time.Now().UTC()
	s.products[id] = p
	cp := p
	return &cp, nil
}

// Stock is a test helper exposing current stock for assertions.
func (s *ProductStore) Stock(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products[id].Stock
}

// apply validates and applies a set of stock deltas atomically: positive
// deltas consume stock (conditional on availability), negative deltas credit
// it back. On any failure nothing is changed. Returns the current price per
// touched product for snapshotting.
func (s *ProductStore) apply(deltas []stockDelta) (map[string]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range deltas {
		p, ok := s.products[d.productID]
		if !ok {
			return nil, domain.NewNotFound("product", d.productID)
		}
		if d.delta > 0 && p.Stock < d.delta {
			return nil, domain.NewInsufficientStock(d.productID, d.delta, p.Stock)
		}
	}

	prices := make(map[string]decimal.Decimal, len(deltas))
	for _, d := range deltas {
		p := s.products[d.productID]
		p.Stock -= d.delta
		p.UpdatedAt = time.Now().UTC()
		s.products[d.productID] = p
		prices[d.productID] = p.Price
	}
	return prices, nil
}

type UserStore struct {
	mu    sync.Mutex
	users map[string]identity.User
}

func NewUserStore() *UserStore {
	return &UserStore{users: map[string]identity.User{}}
}

func (s *UserStore) Put(u identity.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *UserStore) GetUser(_ context.Context, id string) (*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	cp := u
	return &cp, nil
}

// Cache records every invalidation and serves Get/Set for the read path,
// covering both cache ports.
type Cache struct {
	mu       sync.Mutex
	entries  map[string][]byte
	Deleted  []string
	Patterns []string
}

func NewCache() *Cache {
	return &Cache{entries: map[string][]byte{}}
}

func (c *Cache) Get(_ context.Context, key string, dest any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.entries[key]
	if !ok {
		return false
	}
	return json.Unmarshal(data, dest) == nil
}

func (c *Cache) Set(_ context.Context, key string, value any, _ time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = data
}

func (c *Cache) Delete(_ context.Context, keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	c.Deleted = append(c.Deleted, keys...)
}

func (c *Cache) DeleteByPattern(_ context.Context, pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Patterns = append(c.Patterns, pattern)
	return 0
}

// OrderStore implements application.OrderRepository over maps, preserving
// insertion order for pagination.
type OrderStore struct {
	mu       sync.Mutex
	products *ProductStore
	users    *UserStore
	orders   map[string]*domain.Order
	seq      []string

	// FilterNatively, when false, makes List report ErrFilterUnsupported
	// for filtered queries, forcing the service's in-process fallback.
	FilterNatively bool
}

func NewOrderStore(products *ProductStore, users *UserStore) *OrderStore {
	return &OrderStore{
		products:       products,
		users:          users,
		orders:         map[string]*domain.Order{},
		FilterNatively: true,
	}
}

func (s *OrderStore) Create(ctx context.Context, userID string, items []domain.ItemSpec) (*domain.Order, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, domain.NewNotFound("user", userID)
	}

	deltas := make([]stockDelta, 0, len(items))
	for _, it := range items {
		deltas = append(deltas, stockDelta{productID: it.ProductID, delta: it.Quantity})
	}
	prices, err := s.products.apply(deltas)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	o := &domain.Order{
		ID:        uuid.New().String(),
		UserID:    userID,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, it := range items {
		o.Items = append(o.Items, domain.OrderItem{
			ID:        uuid.New().String(),
			OrderID:   o.ID,
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: prices[it.ProductID],
		})
	}
	o.Total = domain.SumItems(o.Items)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
	s.seq = append(s.seq, o.ID)
	return copyOrder(o), nil
}

func (s *OrderStore) GetByID(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, nil
	}
	return copyOrder(o), nil
}

func (s *OrderStore) List(_ context.Context, q application.ListQuery) (int, []domain.Order, error) {
	filtered := q.UserID != nil || q.Status != nil
	if filtered && !s.FilterNatively {
		return 0, nil, application.ErrFilterUnsupported
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	matching := []*domain.Order{}
	for _, id := range s.seq {
		o := s.orders[id]
		if q.UserID != nil && o.UserID != *q.UserID {
			continue
		}
		if q.Status != nil && o.Status != *q.Status {
			continue
		}
		matching = append(matching, o)
	}

	total := len(matching)
	page := []domain.Order{}
	for i := q.Offset; i < total && len(page) < q.Limit; i++ {
		page = append(page, *copyOrder(matching[i]))
	}
	return total, page, nil
}

func (s *OrderStore) Update(_ context.Context, orderID string, patch domain.Patch) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, nil
	}
	prev := o.Status
	next := *copyOrder(o)

	if patch.Items != nil {
		if err := s.applyItemDiff(&next, patch.Items); err != nil {
			return nil, err
		}
	}

	if patch.Status != nil {
		target := *patch.Status
		if !prev.CanTransitionTo(target) {
			return nil, domain.NewConflict("order %s is %s, cannot move to %s", orderID, prev, target)
		}
		if target == domain.StatusCancelled && prev != domain.StatusCancelled {
			credits := make([]stockDelta, 0, len(next.Items))
			for _, it := range next.Items {
				credits = append(credits, stockDelta{productID: it.ProductID, delta: -it.Quantity})
			}
			if _, err := s.products.apply(credits); err != nil {
				return nil, err
			}
		}
		next.Status = target
	}

	next.UpdatedAt = time.Now().UTC()
	s.orders[orderID] = &next
	return copyOrder(&next), nil
}

func (s *OrderStore) applyItemDiff(o *domain.Order, incoming []domain.ItemSpec) error {
	existing := make(map[string]domain.OrderItem, len(o.Items))
	for _, it := range o.Items {
		existing[it.ProductID] = it
	}

	seen := make(map[string]bool, len(incoming))
	deltas := make([]stockDelta, 0, len(incoming))
	for _, spec := range incoming {
		seen[spec.ProductID] = true
		delta := spec.Quantity
		if ex, ok := existing[spec.ProductID]; ok {
			delta = spec.Quantity - ex.Quantity
		}
		deltas = append(deltas, stockDelta{productID: spec.ProductID, delta: delta})
	}
	for pid, ex := range existing {
		if !seen[pid] {
			deltas = append(deltas, stockDelta{productID: pid, delta: -ex.Quantity})
		}
	}

	prices, err := s.products.apply(deltas)
	if err != nil {
		return err
	}

	items := make([]domain.OrderItem, 0, len(incoming))
	for _, spec := range incoming {
		if ex, ok := existing[spec.ProductID]; ok {
			ex.Quantity = spec.Quantity
			ex.UnitPrice = prices[spec.ProductID]
			items = append(items, ex)
			continue
		}
		items = append(items, domain.OrderItem{
			ID:        uuid.New().String(),
			OrderID:   o.ID,
			ProductID: spec.ProductID,
			Quantity:  spec.Quantity,
			UnitPrice: prices[spec.ProductID],
		})
	}
	o.Items = items
	o.Total = domain.SumItems(items)
	return nil
}

func (s *OrderStore) Delete(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[orderID]; !ok {
		return nil
	}
	delete(s.orders, orderID)
	for i, id := range s.seq {
		if id == orderID {
			s.seq = append(s.seq[:i], s.seq[i+1:]...)
			break
		}
	}
	return nil
}

func copyOrder(o *domain.Order) *domain.Order {
	cp := *o
	cp.Items = append([]domain.OrderItem(nil), o.Items...)
	return &cp
}
