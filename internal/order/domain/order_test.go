package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for _, raw := range []string{"pending", "processing", "shipped", "delivered", "cancelled"} {
		st, err := ParseStatus(raw)
		require.NoError(t, err)
		assert.Equal(t, raw, string(st))
	}

	_, err := ParseStatus("refunded")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = ParseStatus("")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestCanTransitionTo(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusProcessing},
		{StatusPending, StatusCancelled},
		{StatusProcessing, StatusShipped},
		{StatusProcessing, StatusCancelled},
		{StatusShipped, StatusDelivered},
		{StatusShipped, StatusCancelled},
	}
	for _, tc := range allowed {
		assert.True(t, tc.from.CanTransitionTo(tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	forbidden := []struct{ from, to Status }{
		{StatusPending, StatusShipped},
		{StatusPending, StatusDelivered},
		{StatusProcessing, StatusDelivered},
		{StatusShipped, StatusProcessing},
		{StatusDelivered, StatusCancelled},
		{StatusDelivered, StatusPending},
		{StatusCancelled, StatusPending},
		{StatusCancelled, StatusProcessing},
	}
	for _, tc := range forbidden {
		assert.False(t, tc.from.CanTransitionTo(tc.to), "%s -> %s should be rejected", tc.from, tc.to)
	}
}

func TestCanTransitionTo_SameStatusIsNoOp(t *testing.T) {
	for _, st := range []Status{StatusPending, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled} {
		assert.True(t, st.CanTransitionTo(st), "%s -> %s must be an allowed no-op", st, st)
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, StatusDelivered.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.False(t, StatusShipped.Terminal())
}

func TestSumItems(t *testing.T) {
	items := []OrderItem{
		{ProductID: "a", Quantity: 2, UnitPrice: decimal.RequireFromString("50.00")},
		{ProductID: "b", Quantity: 3, UnitPrice: decimal.RequireFromString("9.99")},
	}
	assert.True(t, SumItems(items).Equal(decimal.RequireFromString("129.97")))
	assert.True(t, SumItems(nil).IsZero())
}

func TestErrorTaxonomy(t *testing.T) {
	err := NewNotFound("order", "o-1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "o-1")

	err = NewInsufficientStock("p-1", 5, 2)
	assert.True(t, errors.Is(err, ErrInsufficientStock))
	var ise *InsufficientStockError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, 5, ise.Requested)
	assert.Equal(t, 2, ise.Available)

	assert.True(t, errors.Is(NewInvalidArgument("bad %s", "field"), ErrInvalidArgument))
	assert.True(t, errors.Is(NewConflict("raced"), ErrConflict))
}
