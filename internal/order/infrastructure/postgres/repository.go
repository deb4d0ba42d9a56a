package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/orderlab/commerce-backend/internal/order/application"
	"github.com/orderlab/commerce-backend/internal/order/domain"
	"github.com/orderlab/commerce-backend/pkg/tracing"
)

// Repository persists orders and their items. Every mutating method runs in
// a single transaction; stock decrements are conditional updates so a
// concurrent race rolls the whole operation back instead of overselling.
type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func (r *Repository) Create(ctx context.Context, userID string, items []domain.ItemSpec) (*domain.Order, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	// Defense in depth: the service already resolved the user, but this
	// transaction must not trust a stale check.
	var one int
	if err := tx.QueryRow(ctx, `SELECT 1 FROM users WHERE id=$1`, userID).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFound("user", userID)
		}
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
		price, err := decrementStock(ctx, tx, it.ProductID, it.Quantity)
		if err != nil {
			return nil, err
		}
		o.Items = append(o.Items, domain.OrderItem{
			ID:        uuid.New().String(),
			OrderID:   o.ID,
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: price,
		})
	}
	o.Total = domain.SumItems(o.Items)

	_, err = tx.Exec(ctx, `INSERT INTO orders (id, user_id, status, total_amount, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		o.ID, o.UserID, o.Status, o.Total, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return nil, err
	}

	batch := &pgx.Batch{}
	for i, item := range o.Items {
		batch.Queue(`INSERT INTO order_items (id, order_id, product_id, quantity, unit_price, line_no)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			item.ID, item.OrderID, item.ProductID, item.Quantity, item.UnitPrice, i+1)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, err
	}

	err = insertOutbox(ctx, tx, o.ID, domain.EventOrderCreated, domain.OrderCreated{
		OrderID:   o.ID,
		UserID:    o.UserID,
		Total:     o.Total,
		Items:     items,
		CreatedAt: o.CreatedAt,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *Repository) GetByID(ctx context.Context, orderID string) (*domain.Order, error) {
	var o domain.Order
	err := r.pool.QueryRow(ctx, `SELECT id, user_id, status, total_amount, created_at, updated_at
		FROM orders WHERE id=$1`, orderID).
		Scan(&o.ID, &o.UserID, &o.Status, &o.Total, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	items, err := loadItems(ctx, r.pool, orderID)
	if err != nil {
		return nil, err
	}
	o.Items = items
	return &o, nil
}

func (r *Repository) List(ctx context.Context, q application.ListQuery) (int, []domain.Order, error) {
	where := ` WHERE 1=1`
	args := []any{}
	if q.UserID != nil {
		args = append(args, *q.UserID)
		where += fmt.Sprintf(` AND user_id = $%d`, len(args))
	}
	if q.Status != nil {
		args = append(args, *q.Status)
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM orders`+where, args...).Scan(&total); err != nil {
		return 0, nil, err
	}

	args = append(args, q.Limit, q.Offset)
	rows, err := r.pool.Query(ctx, `SELECT id, user_id, status, total_amount, created_at, updated_at
		FROM orders`+where+fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	orders := []domain.Order{}
	for rows.Next() {
		var o domain.Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.Status, &o.Total, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return 0, nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}

	for i := range orders {
		items, err := loadItems(ctx, r.pool, orders[i].ID)
		if err != nil {
			return 0, nil, err
		}
		orders[i].Items = items
	}
	return total, orders, nil
}

func (r *Repository) Update(ctx context.Context, orderID string, patch domain.Patch) (*domain.Order, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var o domain.Order
	err = tx.QueryRow(ctx, `SELECT id, user_id, status, total_amount, created_at, updated_at
		FROM orders WHERE id=$1 FOR UPDATE`, orderID).
		Scan(&o.ID, &o.UserID, &o.Status, &o.Total, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	items, err := loadItems(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	o.Items = items
	prev := o.Status

	// Item reconciliation runs before any status handling so that a patch
	// combining items and cancellation restitutes the final item set.
	if patch.Items != nil {
		if err := r.applyItemDiff(ctx, tx, &o, patch.Items); err != nil {
			return nil, err
		}
	}

	cancelling := false
	if patch.Status != nil {
		next := *patch.Status
		// Re-checked under the row lock: a failure here means the order
		// moved concurrently after the service's optimistic check.
		if !prev.CanTransitionTo(next) {
			return nil, domain.NewConflict("order %s is %s, cannot move to %s", orderID, prev, next)
		}
		// Restitution fires exactly once, keyed off the pre-update
		// status: re-cancelling a cancelled order is a stock no-op.
		if next == domain.StatusCancelled && prev != domain.StatusCancelled {
			cancelling = true
			for _, it := range o.Items {
				if _, err := creditStock(ctx, tx, it.ProductID, it.Quantity); err != nil {
					return nil, err
				}
			}
		}
		o.Status = next
	}

	o.UpdatedAt = time.Now().UTC()
	_, err = tx.Exec(ctx, `UPDATE orders SET status=$2, total_amount=$3, updated_at=$4 WHERE id=$1`,
		o.ID, o.Status, o.Total, o.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if cancelling {
		restocked := make([]domain.ItemSpec, 0, len(o.Items))
		for _, it := range o.Items {
			restocked = append(restocked, domain.ItemSpec{ProductID: it.ProductID, Quantity: it.Quantity})
		}
		err = insertOutbox(ctx, tx, o.ID, domain.EventOrderCancelled, domain.OrderCancelled{
			OrderID: o.ID, Restocked: restocked, CancelledAt: o.UpdatedAt,
		})
	} else {
		err = insertOutbox(ctx, tx, o.ID, domain.EventOrderUpdated, domain.OrderUpdated{
			OrderID: o.ID, Status: o.Status, Total: o.Total, UpdatedAt: o.UpdatedAt,
		})
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *Repository) Delete(ctx context.Context, orderID string) error {
	// Items cascade via the FK; deleting an absent order is a no-op here,
	// the service surfaces not-found where callers need it.
	_, err := r.pool.Exec(ctx, `DELETE FROM orders WHERE id=$1`, orderID)
	return err
}

// applyItemDiff reconciles the order's current items against the incoming
// replacement set, keyed by product id: shared keys update the row in place
// and refresh the price snapshot, new keys insert, missing keys delete.
// Quantity deltas are applied to product stock in the same transaction.
func (r *Repository) applyItemDiff(ctx context.Context, tx pgx.Tx, o *domain.Order, incoming []domain.ItemSpec) error {
	existing := make(map[string]domain.OrderItem, len(o.Items))
	maxLine := 0
	for _, it := range o.Items {
		existing[it.ProductID] = it
	}
	if err := tx.QueryRow(ctx, `SELECT COALESCE(max(line_no),0) FROM order_items WHERE order_id=$1`, o.ID).
		Scan(&maxLine); err != nil {
		return err
	}

	seen := make(map[string]bool, len(incoming))
	next := make([]domain.OrderItem, 0, len(incoming))

	for _, spec := range incoming {
		seen[spec.ProductID] = true
		var price decimal.Decimal
		var err error

		if ex, ok := existing[spec.ProductID]; ok {
			switch delta := spec.Quantity - ex.Quantity; {
			case delta > 0:
				price, err = decrementStock(ctx, tx, spec.ProductID, delta)
			case delta < 0:
				price, err = creditStock(ctx, tx, spec.ProductID, -delta)
			default:
				price, err = productPrice(ctx, tx, spec.ProductID)
			}
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `UPDATE order_items SET quantity=$3, unit_price=$4
				WHERE order_id=$1 AND product_id=$2`,
				o.ID, spec.ProductID, spec.Quantity, price)
			if err != nil {
				return err
			}
			ex.Quantity = spec.Quantity
			ex.UnitPrice = price
			next = append(next, ex)
			continue
		}

		price, err = decrementStock(ctx, tx, spec.ProductID, spec.Quantity)
		if err != nil {
			return err
		}
		item := domain.OrderItem{
			ID:        uuid.New().String(),
			OrderID:   o.ID,
			ProductID: spec.ProductID,
			Quantity:  spec.Quantity,
			UnitPrice: price,
		}
		maxLine++
		_, err = tx.Exec(ctx, `INSERT INTO order_items (id, order_id, product_id, quantity, unit_price, line_no)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			item.ID, item.OrderID, item.ProductID, item.Quantity, item.UnitPrice, maxLine)
		if err != nil {
			return err
		}
		next = append(next, item)
	}

	for pid, ex := range existing {
		if seen[pid] {
			continue
		}
		if _, err := creditStock(ctx, tx, pid, ex.Quantity); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM order_items WHERE order_id=$1 AND product_id=$2`, o.ID, pid); err != nil {
			return err
		}
	}

	o.Items = next
	o.Total = domain.SumItems(next)
	return nil
}

// decrementStock is the atomic conditional decrement: it only succeeds while
// stock covers the quantity, and distinguishes a missing product from an
// insufficient one for the error taxonomy.
func decrementStock(ctx context.Context, tx pgx.Tx, productID string, qty int) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := tx.QueryRow(ctx, `UPDATE products
		SET stock_quantity = stock_quantity - $2, updated_at = now()
		WHERE id = $1 AND stock_quantity >= $2
		RETURNING price`, productID, qty).Scan(&price)
	if err == nil {
		return price, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, err
	}

	var available int
	err = tx.QueryRow(ctx, `SELECT stock_quantity FROM products WHERE id=$1`, productID).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, domain.NewNotFound("product", productID)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.Zero, domain.NewInsufficientStock(productID, qty, available)
}

func creditStock(ctx context.Context, tx pgx.Tx, productID string, qty int) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := tx.QueryRow(ctx, `UPDATE products
		SET stock_quantity = stock_quantity + $2, updated_at = now()
		WHERE id = $1
		RETURNING price`, productID, qty).Scan(&price)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, domain.NewNotFound("product", productID)
	}
	return price, err
}

func productPrice(ctx context.Context, tx pgx.Tx, productID string) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := tx.QueryRow(ctx, `SELECT price FROM products WHERE id=$1`, productID).Scan(&price)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, domain.NewNotFound("product", productID)
	}
	return price, err
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadItems(ctx context.Context, q querier, orderID string) ([]domain.OrderItem, error) {
	rows, err := q.Query(ctx, `SELECT id, order_id, product_id, quantity, unit_price
		FROM order_items WHERE order_id=$1 ORDER BY line_no`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func insertOutbox(ctx context.Context, tx pgx.Tx, aggregateID, eventType string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, traceparent, status)
		VALUES ($1,$2,$3,$4,$5,'pending')`,
		"order", aggregateID, eventType, payload, tracing.TraceparentFromContext(ctx))
	return err
}
