package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orderlab/commerce-backend/internal/catalog/domain"
)

// Store is the authoritative product catalog. The order core reads it for
// validation and adjusts stock through its own transactions; this type
// carries the plain read/write surface used by the catalog service.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{log: log, pool: pool}
}

// GetProduct returns (nil, nil) when the product is absent.
func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := s.pool.QueryRow(ctx, `SELECT id, name, description, price, stock_quantity, created_at, updated_at
		FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, p domain.Product) (*domain.Product, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx, `INSERT INTO products (id, name, description, price, stock_quantity, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		p.ID, p.Name, p.Description, p.Price, p.Stock, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProduct applies the non-nil patch fields and returns the updated
// product, or (nil, nil) when the product is absent.
func (s *Store) UpdateProduct(ctx context.Context, id string, patch domain.ProductPatch) (*domain.Product, error) {
	var p domain.Product
	err := s.pool.QueryRow(ctx, `UPDATE products SET
			name           = COALESCE($2, name),
			description    = COALESCE($3, description),
			price          = COALESCE($4, price),
			stock_quantity = COALESCE($5, stock_quantity),
			updated_at     = now()
		WHERE id = $1
		RETURNING id, name, description, price, stock_quantity, created_at, updated_at`,
		id, patch.Name, patch.Description, patch.Price, patch.Stock).
		Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
