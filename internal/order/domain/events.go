package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outbox event types emitted alongside order mutations, in the same
// transaction as the rows they describe.
const (
	EventOrderCreated   = "OrderCreated"
	EventOrderUpdated   = "OrderUpdated"
	EventOrderCancelled = "OrderCancelled"
)

type OrderCreated struct {
	OrderID   string          `json:"order_id"`
	UserID    string          `json:"user_id"`
	Total     decimal.Decimal `json:"total_amount"`
	Items     []ItemSpec      `json:"items"`
	CreatedAt time.Time       `json:"created_at"`
}

type OrderUpdated struct {
	OrderID   string          `json:"order_id"`
	Status    Status          `json:"status"`
	Total     decimal.Decimal `json:"total_amount"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type OrderCancelled struct {
	OrderID     string     `json:"order_id"`
	Restocked   []ItemSpec `json:"restocked"`
	CancelledAt time.Time  `json:"cancelled_at"`
}
