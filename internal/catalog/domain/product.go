package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalog entity. Stock is the one piece of mutable shared
// state in the system; the order core only ever changes it through
// conditional updates inside its own transactions.
type Product struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock_quantity"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ProductPatch is the partial-update shape of the catalog write surface.
// Nil fields are left untouched.
type ProductPatch struct {
	Name        *string          `json:"name,omitempty"`
	Description *string          `json:"description,omitempty"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Stock       *int             `json:"stock_quantity,omitempty"`
}
