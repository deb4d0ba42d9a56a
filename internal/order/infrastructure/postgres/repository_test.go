package postgres

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/orderlab/commerce-backend/internal/identity"
	identitypg "github.com/orderlab/commerce-backend/internal/identity/postgres"
	"github.com/orderlab/commerce-backend/internal/order/application"
	"github.com/orderlab/commerce-backend/internal/order/domain"
)

// Runs against a real Postgres via testcontainers; enable with
// INTEGRATION_TESTS=1.
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run container-backed tests")
	}

	ctx := context.Background()
	pgC, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("commerce"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	url, err := pgC.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, EnsureSchema(ctx, pool))
	return pool
}

func seed(t *testing.T, pool *pgxpool.Pool, userID string, products map[string]struct {
	price string
	stock int
}) {
	t.Helper()
	ctx := context.Background()
	_, err := identitypg.NewStore(slog.Default(), pool).CreateUser(ctx, identity.User{
		ID: userID, Name: "Ada", Email: userID + "@example.com",
	})
	require.NoError(t, err)
	for id, p := range products {
		_, err := pool.Exec(ctx, `INSERT INTO products (id, name, price, stock_quantity) VALUES ($1, $2, $3, $4)`,
			id, "product "+id, p.price, p.stock)
		require.NoError(t, err)
	}
}

func stockOf(t *testing.T, pool *pgxpool.Pool, productID string) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(),
		`SELECT stock_quantity FROM products WHERE id=$1`, productID).Scan(&n))
	return n
}

func TestRepository_CreateAndOutbox(t *testing.T) {
	pool := setupPool(t)
	repo := NewRepository(slog.Default(), pool)
	ctx := context.Background()

	seed(t, pool, "u-1", map[string]struct {
		price string
		stock int
	}{
		"p-a": {"50.00", 100},
		"p-b": {"19.99", 5},
	})

	o, err := repo.Create(ctx, "u-1", []domain.ItemSpec{
		{ProductID: "p-a", Quantity: 2},
		{ProductID: "p-b", Quantity: 1},
	})
	require.NoError(t, err)
	assert.True(t, o.Total.Equal(decimal.RequireFromString("119.99")))
	assert.Equal(t, 98, stockOf(t, pool, "p-a"))
	assert.Equal(t, 4, stockOf(t, pool, "p-b"))

	got, err := repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "p-a", got.Items[0].ProductID, "items keep insertion order")

	var eventType, status string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT type, status FROM outbox WHERE aggregate_id=$1`, o.ID).Scan(&eventType, &status))
	assert.Equal(t, domain.EventOrderCreated, eventType)
	assert.Equal(t, "pending", status)

	missing, err := repo.GetByID(ctx, uuid.New().String())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRepository_CreateRollsBackOnInsufficientStock(t *testing.T) {
	pool := setupPool(t)
	repo := NewRepository(slog.Default(), pool)
	ctx := context.Background()

	seed(t, pool, "u-1", map[string]struct {
		price string
		stock int
	}{
		"p-a": {"50.00", 100},
		"p-b": {"19.99", 5},
	})

	_, err := repo.Create(ctx, "u-1", []domain.ItemSpec{
		{ProductID: "p-a", Quantity: 2},
		{ProductID: "p-b", Quantity: 6},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientStock))
	assert.Equal(t, 100, stockOf(t, pool, "p-a"), "earlier decrement rolled back")

	var orders int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM orders`).Scan(&orders))
	assert.Zero(t, orders)
}

func TestRepository_ConcurrentLastUnit(t *testing.T) {
	pool := setupPool(t)
	repo := NewRepository(slog.Default(), pool)
	ctx := context.Background()

	seed(t, pool, "u-1", map[string]struct {
		price string
		stock int
	}{
		"p-last": {"5.00", 1},
	})

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Create(ctx, "u-1", []domain.ItemSpec{{ProductID: "p-last", Quantity: 1}})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, insufficient int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInsufficientStock):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, insufficient)
	assert.Equal(t, 0, stockOf(t, pool, "p-last"))
}

func TestRepository_UpdateDiffAndCancel(t *testing.T) {
	pool := setupPool(t)
	repo := NewRepository(slog.Default(), pool)
	ctx := context.Background()

	seed(t, pool, "u-1", map[string]struct {
		price string
		stock int
	}{
		"p-a": {"50.00", 100},
		"p-b": {"19.99", 5},
	})

	o, err := repo.Create(ctx, "u-1", []domain.ItemSpec{{ProductID: "p-a", Quantity: 2}})
	require.NoError(t, err)
	lineID := o.Items[0].ID

	updated, err := repo.Update(ctx, o.ID, domain.Patch{
		Items: []domain.ItemSpec{
			{ProductID: "p-a", Quantity: 3},
			{ProductID: "p-b", Quantity: 1},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, updated)
	require.Len(t, updated.Items, 2)
	assert.Equal(t, lineID, updated.Items[0].ID, "shared key updates the row in place")
	assert.Equal(t, 97, stockOf(t, pool, "p-a"))
	assert.Equal(t, 4, stockOf(t, pool, "p-b"))
	assert.True(t, updated.Total.Equal(decimal.RequireFromString("169.99")))

	cancelled := domain.StatusCancelled
	updated, err = repo.Update(ctx, o.ID, domain.Patch{Status: &cancelled})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, updated.Status)
	assert.Equal(t, 100, stockOf(t, pool, "p-a"))
	assert.Equal(t, 5, stockOf(t, pool, "p-b"))

	var cancelEvents int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM outbox WHERE aggregate_id=$1 AND type=$2`,
		o.ID, domain.EventOrderCancelled).Scan(&cancelEvents))
	assert.Equal(t, 1, cancelEvents)

	// Re-cancelling must not restock again.
	_, err = repo.Update(ctx, o.ID, domain.Patch{Status: &cancelled})
	require.NoError(t, err)
	assert.Equal(t, 100, stockOf(t, pool, "p-a"))

	absent, err := repo.Update(ctx, uuid.New().String(), domain.Patch{Status: &cancelled})
	require.NoError(t, err)
	assert.Nil(t, absent)
}

func TestOutboxStore_ReclaimsExpiredLeases(t *testing.T) {
	pool := setupPool(t)
	store := NewOutboxStore(slog.Default(), pool)
	ctx := context.Background()

	insert := func(aggregateID, status, leaseOffset string) {
		_, err := pool.Exec(ctx, `INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, status, relay_id, lease_until)
			VALUES ('order', $1, 'OrderCreated', '{}', $2, 'crashed-relay', now() + $3::interval)`,
			aggregateID, status, leaseOffset)
		require.NoError(t, err)
	}
	insert("o-pending", "pending", "0 seconds")
	insert("o-expired", "in_progress", "-1 minute")
	insert("o-leased", "in_progress", "1 minute")
	insert("o-sent", "sent", "-1 minute")

	events, err := store.LockBatch(ctx, "relay-a", 10, 5*time.Second)
	require.NoError(t, err)

	got := make([]string, 0, len(events))
	for _, e := range events {
		got = append(got, e.AggregateID)
	}
	assert.ElementsMatch(t, []string{"o-pending", "o-expired"}, got,
		"pending rows and expired leases are picked up, live leases and sent rows are not")

	// The reclaimed batch is leased to the new relay; an immediate second
	// poll sees nothing.
	events, err = store.LockBatch(ctx, "relay-b", 10, 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, events)

	var relayID string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT relay_id FROM outbox WHERE aggregate_id='o-expired'`).Scan(&relayID))
	assert.Equal(t, "relay-a", relayID)
}

func TestRepository_ListAndDelete(t *testing.T) {
	pool := setupPool(t)
	repo := NewRepository(slog.Default(), pool)
	ctx := context.Background()

	seed(t, pool, "u-1", map[string]struct {
		price string
		stock int
	}{
		"p-a": {"50.00", 100},
	})
	_, err := identitypg.NewStore(slog.Default(), pool).CreateUser(ctx, identity.User{
		ID: "u-2", Name: "Grace", Email: "u-2@example.com",
	})
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 5; i++ {
		user := "u-1"
		if i == 4 {
			user = "u-2"
		}
		o, err := repo.Create(ctx, user, []domain.ItemSpec{{ProductID: "p-a", Quantity: 1}})
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}

	u1 := "u-1"
	total, page, err := repo.List(ctx, application.ListQuery{Limit: 2, Offset: 2, UserID: &u1})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)

	st := domain.StatusPending
	total, _, err = repo.List(ctx, application.ListQuery{Limit: 10, Status: &st, UserID: &u1})
	require.NoError(t, err)
	assert.Equal(t, 4, total)

	require.NoError(t, repo.Delete(ctx, ids[0]))
	var itemRows int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM order_items WHERE order_id=$1`, ids[0]).Scan(&itemRows))
	assert.Zero(t, itemRows, "delete cascades to items")

	require.NoError(t, repo.Delete(ctx, ids[0]), "deleting an absent order is a no-op")
}
