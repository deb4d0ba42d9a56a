package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orderlab/commerce-backend/internal/identity"
)

type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{log: log, pool: pool}
}

// GetUser returns (nil, nil) when the user is absent.
func (s *Store) GetUser(ctx context.Context, id string) (*identity.User, error) {
	var u identity.User
	err := s.pool.QueryRow(ctx, `SELECT id, name, email, created_at FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u identity.User) (*identity.User, error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	u.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `INSERT INTO users (id, name, email, created_at) VALUES ($1,$2,$3,$4)`,
		u.ID, u.Name, u.Email, u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
