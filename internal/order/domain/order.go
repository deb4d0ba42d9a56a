package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// validTransitions defines the allowed forward moves per status. Cancellation
// is reachable from every non-terminal state; delivered and cancelled are
// terminal.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered, StatusCancelled},
	StatusDelivered:  {},
	StatusCancelled:  {},
}

// ParseStatus validates a raw status value against the closed status set.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := validTransitions[st]; !ok {
		return "", NewInvalidArgument("unknown status %q", s)
	}
	return st, nil
}

// CanTransitionTo reports whether an order may move from s to target.
// Repeating the current status is treated as an allowed no-op.
func (s Status) CanTransitionTo(target Status) bool {
	if s == target {
		return true
	}
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == target {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return len(validTransitions[s]) == 0
}

type Order struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Status    Status          `json:"status"`
	Items     []OrderItem     `json:"items"`
	Total     decimal.Decimal `json:"total_amount"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// OrderItem is one product line on an order. UnitPrice is a snapshot of the
// product price at the time the line was created or last updated, not a live
// reference into the catalog.
type OrderItem struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// ItemSpec is the caller-supplied shape of an order line: which product and
// how many. Prices are never accepted from callers.
type ItemSpec struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Patch describes an order update. A nil Status leaves the status untouched.
// A nil Items slice leaves the item set untouched; a non-nil slice is the
// complete replacement set, keyed by product id.
type Patch struct {
	Status *Status
	Items  []ItemSpec
}

// SumItems computes the order total from a set of lines. The stored
// total_amount must always equal this sum over the current items.
func SumItems(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}
