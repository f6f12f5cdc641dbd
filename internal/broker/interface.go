// Package broker defines the gateway boundary and its implementations.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/eddiefleurent/mifflin_roller/internal/models"
	"github.com/sony/gobreaker"
)

// ErrStaleQuote is returned when no usable NBBO could be obtained even after
// the fallback re-query.
var ErrStaleQuote = errors.New("stale or invalid quote")

// OrderStatus is the gateway's view of a working or terminal order.
type OrderStatus struct {
	OrderID        string
	ConID          int64
	Side           models.OrderSide
	Status         string // submitted, pre_submitted, filled, cancelled, rejected, inactive
	OrderType      string
	LimitPrice     float64
	Quantity       float64
	FilledQuantity float64
	AvgFillPrice   float64
}

// Terminal reports whether the order can no longer produce fills.
func (o *OrderStatus) Terminal() bool {
	switch o.Status {
	case "filled", "cancelled", "canceled", "rejected", "expired", "inactive":
		return true
	default:
		return false
	}
}

// Filled reports whether the full quantity executed, with an epsilon for
// float quantities.
func (o *OrderStatus) Filled() bool {
	const epsilon = 1e-6
	if o.Status == "filled" {
		return true
	}
	if o.Quantity <= epsilon || o.FilledQuantity <= epsilon {
		return false
	}
	return o.FilledQuantity >= o.Quantity-epsilon
}

// Broker defines the interface for interacting with the brokerage gateway.
// All failures from this boundary are non-fatal to the process.
type Broker interface {
	// Session
	ConnectCtx(ctx context.Context) error

	// Account
	GetPositionsCtx(ctx context.Context) ([]models.Position, error)
	GetCashBalanceCtx(ctx context.Context, currency string) (float64, error)

	// Market data
	GetQuoteCtx(ctx context.Context, conID int64) (models.Quote, error)

	// Contract resolution
	ResolveFutureCtx(ctx context.Context, symbol string) (models.Contract, error)
	GetCallStrikesCtx(ctx context.Context, symbol, expiry string) ([]float64, error)
	ResolveCallCtx(ctx context.Context, symbol, expiry string, strike float64) (models.Contract, error)

	// Orders
	GetOpenOrdersCtx(ctx context.Context) ([]OrderStatus, error)
	PlaceLimitOrderCtx(ctx context.Context, contract models.Contract, side models.OrderSide,
		quantity int, price float64, clientOrderID string) (string, error)
	PlaceMarketableOrderCtx(ctx context.Context, contract models.Contract, side models.OrderSide,
		quantity int, priceCap float64, clientOrderID string) (string, error)
	PlaceMarketOrderCtx(ctx context.Context, contract models.Contract, side models.OrderSide,
		quantity int) (string, error)
	CancelOrderCtx(ctx context.Context, orderID string) error
	GetOrderStatusCtx(ctx context.Context, orderID string) (*OrderStatus, error)
}

// Ensure implementations satisfy Broker at compile time.
var (
	_ Broker = (*GatewayClient)(nil)
	_ Broker = (*CircuitBreakerBroker)(nil)
)

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality so
// a flapping gateway stops being hammered with calls.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "GatewayCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// ConnectCtx wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) ConnectCtx(ctx context.Context) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.ConnectCtx(ctx)
	})
	return err
}

// GetPositionsCtx wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetPositionsCtx(ctx context.Context) ([]models.Position, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Position, error) {
		return b.GetPositionsCtx(ctx)
	})
}

// GetCashBalanceCtx wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetCashBalanceCtx(ctx context.Context, currency string) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) {
		return b.GetCashBalanceCtx(ctx, currency)
	})
}

// GetQuoteCtx wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetQuoteCtx(ctx context.Context, conID int64) (models.Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (models.Quote, error) {
		return b.GetQuoteCtx(ctx, conID)
	})
}

// ResolveFutureCtx wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) ResolveFutureCtx(ctx context.Context, symbol string) (models.Contract, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (models.Contract, error) {
		return b.ResolveFutureCtx(ctx, symbol)
	})
}

// GetCallStrikesCtx wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetCallStrikesCtx(ctx context.Context, symbol, expiry string) ([]float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]float64, error) {
		return b.GetCallStrikesCtx(ctx, symbol, expiry)
	})
}

// ResolveCallCtx wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) ResolveCallCtx(ctx context.Context, symbol, expiry string, strike float64) (models.Contract, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (models.Contract, error) {
		return b.ResolveCallCtx(ctx, symbol, expiry, strike)
	})
}

// GetOpenOrdersCtx wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetOpenOrdersCtx(ctx context.Context) ([]OrderStatus, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]OrderStatus, error) {
		return b.GetOpenOrdersCtx(ctx)
	})
}

// PlaceLimitOrderCtx wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) PlaceLimitOrderCtx(ctx context.Context, contract models.Contract,
	side models.OrderSide, quantity int, price float64, clientOrderID string) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.PlaceLimitOrderCtx(ctx, contract, side, quantity, price, clientOrderID)
	})
}

// PlaceMarketableOrderCtx wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) PlaceMarketableOrderCtx(ctx context.Context, contract models.Contract,
	side models.OrderSide, quantity int, priceCap float64, clientOrderID string) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.PlaceMarketableOrderCtx(ctx, contract, side, quantity, priceCap, clientOrderID)
	})
}

// PlaceMarketOrderCtx wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) PlaceMarketOrderCtx(ctx context.Context, contract models.Contract,
	side models.OrderSide, quantity int) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.PlaceMarketOrderCtx(ctx, contract, side, quantity)
	})
}

// CancelOrderCtx wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) CancelOrderCtx(ctx context.Context, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrderCtx(ctx, orderID)
	})
	return err
}

// GetOrderStatusCtx wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetOrderStatusCtx(ctx context.Context, orderID string) (*OrderStatus, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderStatus, error) {
		return b.GetOrderStatusCtx(ctx, orderID)
	})
}

// FetchQuoteWithFallback fetches a snapshot quote and, when the NBBO is
// invalid (nil, non-positive, or inverted), retries exactly once before
// giving up with ErrStaleQuote.
func FetchQuoteWithFallback(ctx context.Context, b Broker, conID int64) (models.Quote, error) {
	q, err := b.GetQuoteCtx(ctx, conID)
	if err == nil && q.Valid() {
		return q, nil
	}

	q2, err2 := b.GetQuoteCtx(ctx, conID)
	if err2 == nil && q2.Valid() {
		return q2, nil
	}

	// One-sided books still carry information for display paths; surface
	// the best data we saw alongside the typed error.
	if err2 == nil {
		return q2, ErrStaleQuote
	}
	if err == nil {
		return q, ErrStaleQuote
	}
	return models.Quote{}, fmt.Errorf("quote fetch failed: %w", err2)
}
