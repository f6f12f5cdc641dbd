package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/mifflin_roller/internal/broker"
	"github.com/eddiefleurent/mifflin_roller/internal/models"
)

// stubBroker implements broker.Broker for reconciler testing.
type stubBroker struct {
	positions    []models.Position
	marketOrders []string // "SIDE qty conid"
}

var _ broker.Broker = (*stubBroker)(nil)

func (s *stubBroker) ConnectCtx(context.Context) error { return nil }
func (s *stubBroker) GetPositionsCtx(context.Context) ([]models.Position, error) {
	return s.positions, nil
}
func (s *stubBroker) GetCashBalanceCtx(context.Context, string) (float64, error) { return 0, nil }
func (s *stubBroker) GetQuoteCtx(context.Context, int64) (models.Quote, error) {
	return models.Quote{}, nil
}
func (s *stubBroker) ResolveFutureCtx(context.Context, string) (models.Contract, error) {
	return models.Contract{}, nil
}
func (s *stubBroker) GetCallStrikesCtx(context.Context, string, string) ([]float64, error) {
	return nil, nil
}
func (s *stubBroker) ResolveCallCtx(context.Context, string, string, float64) (models.Contract, error) {
	return models.Contract{}, nil
}
func (s *stubBroker) GetOpenOrdersCtx(context.Context) ([]broker.OrderStatus, error) {
	return nil, nil
}
func (s *stubBroker) PlaceLimitOrderCtx(_ context.Context, c models.Contract, side models.OrderSide,
	qty int, price float64, clientOrderID string) (string, error) {
	return "", fmt.Errorf("unexpected limit order")
}
func (s *stubBroker) PlaceMarketableOrderCtx(_ context.Context, c models.Contract, side models.OrderSide,
	qty int, priceCap float64, clientOrderID string) (string, error) {
	return "", fmt.Errorf("unexpected marketable order")
}
func (s *stubBroker) PlaceMarketOrderCtx(_ context.Context, c models.Contract,
	side models.OrderSide, qty int) (string, error) {
	s.marketOrders = append(s.marketOrders, fmt.Sprintf("%s %d %d", side, qty, c.ConID))
	return fmt.Sprintf("mkt-%d", len(s.marketOrders)), nil
}
func (s *stubBroker) CancelOrderCtx(context.Context, string) error { return nil }
func (s *stubBroker) GetOrderStatusCtx(context.Context, string) (*broker.OrderStatus, error) {
	return &broker.OrderStatus{Status: "filled"}, nil
}

func futurePosition(conID int64, qty float64) models.Position {
	return models.Position{
		Contract: models.Contract{ConID: conID, Symbol: "MES", LocalSymbol: "MES SEP26",
			SecType: models.SecurityFuture, Multiplier: 5},
		Quantity: qty,
		AvgCost:  30000,
	}
}

func callPosition(conID int64, strike, qty float64) models.Position {
	return models.Position{
		Contract: models.Contract{ConID: conID, Symbol: "MES",
			LocalSymbol: fmt.Sprintf("MES 20260904 C%.0f", strike),
			SecType:     models.SecurityFutureOption, Expiry: "20260904",
			Strike: strike, Right: models.RightCall, Multiplier: 5},
		Quantity: qty,
		AvgCost:  -50,
	}
}

func testLogger() *log.Logger {
	return log.New(os.Stdout, "", 0)
}

func TestReconcile_CleanBookDoesNothing(t *testing.T) {
	b := &stubBroker{positions: []models.Position{
		futurePosition(1, 1),
		callPosition(2, 6000, -1),
	}}
	NewReconciler(b, testLogger(), "MES", 1).Reconcile(context.Background())
	assert.Empty(t, b.marketOrders)
}

func TestReconcile_ClosesExtraShortCalls(t *testing.T) {
	b := &stubBroker{positions: []models.Position{
		futurePosition(1, 2),
		callPosition(2, 6000, -1),
		callPosition(3, 6010, -2),
	}}
	NewReconciler(b, testLogger(), "MES", 2).Reconcile(context.Background())

	// The first-listed short stays, even when a later one is larger.
	require.Len(t, b.marketOrders, 1)
	assert.Equal(t, "BUY 2 3", b.marketOrders[0])
}

func TestReconcile_ClosesLongOptions(t *testing.T) {
	b := &stubBroker{positions: []models.Position{
		futurePosition(1, 1),
		callPosition(2, 6000, 1), // long call, never intended
	}}
	NewReconciler(b, testLogger(), "MES", 1).Reconcile(context.Background())

	require.Len(t, b.marketOrders, 1)
	assert.Equal(t, "SELL 1 2", b.marketOrders[0])
}

func TestReconcile_TrimsUncoveredShorts(t *testing.T) {
	b := &stubBroker{positions: []models.Position{
		futurePosition(1, 1),
		callPosition(2, 6000, -3),
	}}
	NewReconciler(b, testLogger(), "MES", 1).Reconcile(context.Background())

	require.Len(t, b.marketOrders, 1)
	assert.Equal(t, "BUY 2 2", b.marketOrders[0])
}

func TestReconcile_IgnoresOtherUnderlyings(t *testing.T) {
	es := models.Position{
		Contract: models.Contract{ConID: 9, Symbol: "ES", LocalSymbol: "ES 20260904 C6000",
			SecType: models.SecurityFutureOption, Expiry: "20260904",
			Strike: 6000, Right: models.RightCall, Multiplier: 50},
		Quantity: 2,
		AvgCost:  -500,
	}
	b := &stubBroker{positions: []models.Position{
		futurePosition(1, 1),
		callPosition(2, 6000, -1),
		es, // someone else's trade; never ours to close
	}}
	NewReconciler(b, testLogger(), "MES", 1).Reconcile(context.Background())
	assert.Empty(t, b.marketOrders)
}

func TestReconcile_Idempotent(t *testing.T) {
	b := &stubBroker{positions: []models.Position{
		futurePosition(1, 1),
		callPosition(2, 6000, -1),
	}}
	r := NewReconciler(b, testLogger(), "MES", 1)
	r.Reconcile(context.Background())
	r.Reconcile(context.Background())
	assert.Empty(t, b.marketOrders, "a clean book must never trigger orders")
}

func TestClassify(t *testing.T) {
	future := futurePosition(1, 1)
	call := callPosition(2, 6000, -1)

	t.Run("normal shape", func(t *testing.T) {
		f, c, drift := classify([]models.Position{future, call}, "MES")
		require.NotNil(t, f)
		require.NotNil(t, c)
		assert.False(t, drift)
		assert.Equal(t, int64(2), c.Contract.ConID)
	})

	t.Run("no call", func(t *testing.T) {
		f, c, drift := classify([]models.Position{future}, "MES")
		require.NotNil(t, f)
		assert.Nil(t, c)
		assert.False(t, drift)
	})

	t.Run("stacked shorts are drift", func(t *testing.T) {
		extra := callPosition(3, 6010, -1)
		_, c, drift := classify([]models.Position{future, call, extra}, "MES")
		assert.Nil(t, c)
		assert.True(t, drift)
	})

	t.Run("long option is drift", func(t *testing.T) {
		long := callPosition(3, 6010, 1)
		_, _, drift := classify([]models.Position{future, call, long}, "MES")
		assert.True(t, drift)
	})

	t.Run("uncovered short is drift", func(t *testing.T) {
		big := callPosition(2, 6000, -2)
		_, c, drift := classify([]models.Position{future, big}, "MES")
		assert.Nil(t, c)
		assert.True(t, drift)
	})

	t.Run("other symbols ignored", func(t *testing.T) {
		es := models.Position{
			Contract: models.Contract{ConID: 9, Symbol: "ES", SecType: models.SecurityFuture, Multiplier: 50},
			Quantity: 1,
		}
		f, c, drift := classify([]models.Position{es}, "MES")
		assert.Nil(t, f)
		assert.Nil(t, c)
		assert.False(t, drift)
	})
}
