// Package exec implements stepped order execution: a passive limit worked
// near the touch first, then after a short wait exactly one marketable
// capped order. The sequence never leaves more than one working order per
// contract and never chases a fill beyond the slippage cap.
package exec

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/eddiefleurent/mifflin_roller/internal/broker"
	"github.com/eddiefleurent/mifflin_roller/internal/models"
	"github.com/eddiefleurent/mifflin_roller/internal/summary"
	"github.com/eddiefleurent/mifflin_roller/internal/util"
)

// ErrUnfilled reports that both execution phases completed without a fill.
// The caller's next cycle re-evaluates from scratch; nothing is left working.
var ErrUnfilled = errors.New("order unfilled after stepped execution")

// thresholdOffset is how far through the spread the passive limit is priced:
// one tick past the near touch, never through the far touch.
const thresholdOffset = util.TickSize

// Options configures an execution engine.
type Options struct {
	CancellationDelay time.Duration
	SlippageCapTicks  int
	// FallbackWait bounds how long the marketable order is given to report
	// a fill before the sequence gives up.
	FallbackWait time.Duration
	// PollInterval is the order status polling cadence.
	PollInterval time.Duration
}

// Engine runs the two-phase sequence against a broker. The summary board's
// in-flight flag is held for the whole sequence so fill logs print cleanly.
type Engine struct {
	broker broker.Broker
	board  *summary.Board
	logger *log.Logger
	opts   Options
}

func NewEngine(b broker.Broker, board *summary.Board, logger *log.Logger, opts Options) *Engine {
	if opts.CancellationDelay <= 0 {
		opts.CancellationDelay = 5 * time.Second
	}
	if opts.SlippageCapTicks <= 0 {
		opts.SlippageCapTicks = 8
	}
	if opts.FallbackWait <= 0 {
		opts.FallbackWait = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &Engine{broker: b, board: board, logger: logger, opts: opts}
}

// Execute runs the full sequence for one contract and returns the fill.
// Preconditions: any working order on the same contract and side is
// cancelled first, and a sell is refused if the account is already short
// the contract.
func (e *Engine) Execute(ctx context.Context, contract models.Contract,
	side models.OrderSide, quantity int) (*models.Fill, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("invalid order quantity %d", quantity)
	}

	e.board.SetOrderInFlight(true)
	defer e.board.SetOrderInFlight(false)

	if err := e.cancelWorking(ctx, contract.ConID, side); err != nil {
		return nil, err
	}
	if side == models.SideSell {
		if err := e.refuseDoubleShort(ctx, contract); err != nil {
			return nil, err
		}
	}

	quote, err := broker.FetchQuoteWithFallback(ctx, e.broker, contract.ConID)
	if err != nil {
		return nil, fmt.Errorf("quote for %s: %w", contract.LocalSymbol, err)
	}

	// Phase 1: passive limit one tick past the near touch. Wide books are
	// the caller's judgment call; the sequence itself trades through them
	// so flattens and restores always go out.
	limitPrice := thresholdPrice(quote, side)
	fill, err := e.workLimit(ctx, contract, side, quantity, limitPrice)
	if err != nil {
		return nil, err
	}
	if fill != nil {
		return fill, nil
	}

	// Phase 2: exactly one marketable order capped past the far touch.
	quote, err = broker.FetchQuoteWithFallback(ctx, e.broker, contract.ConID)
	if err != nil {
		return nil, fmt.Errorf("refreshing quote for fallback on %s: %w", contract.LocalSymbol, err)
	}
	priceCap := e.slippageCap(quote, side)
	return e.marketable(ctx, contract, side, quantity, priceCap)
}

// cancelWorking clears any live order on the same contract and side so the
// sequence starts from a clean book.
func (e *Engine) cancelWorking(ctx context.Context, conID int64, side models.OrderSide) error {
	open, err := e.broker.GetOpenOrdersCtx(ctx)
	if err != nil {
		return fmt.Errorf("checking open orders: %w", err)
	}
	for _, o := range open {
		if o.ConID != conID || o.Side != side {
			continue
		}
		e.logger.Printf("Cancelling stale %s order %s on conid %d before execution", o.Side, o.OrderID, conID)
		if err := e.broker.CancelOrderCtx(ctx, o.OrderID); err != nil {
			return fmt.Errorf("cancelling stale order %s: %w", o.OrderID, err)
		}
		e.awaitCancel(ctx, o.OrderID)
	}
	return nil
}

// awaitCancel gives a cancel a few polls to reach a terminal state before a
// replacement order goes out. A cancel still pending after the window is
// logged and left to the venue.
func (e *Engine) awaitCancel(ctx context.Context, orderID string) {
	deadline := time.Now().Add(4 * e.opts.PollInterval)
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := e.broker.GetOrderStatusCtx(ctx, orderID)
			if err == nil && status.Terminal() {
				return
			}
			if time.Now().After(deadline) {
				e.logger.Printf("Cancel of %s not yet confirmed, proceeding", orderID)
				return
			}
		}
	}
}

// refuseDoubleShort aborts a sell when any short option already exists in
// the underlying's option class. Selling against an existing short at any
// strike would stack a second short call, which the strategy never intends.
func (e *Engine) refuseDoubleShort(ctx context.Context, contract models.Contract) error {
	positions, err := e.broker.GetPositionsCtx(ctx)
	if err != nil {
		return fmt.Errorf("checking positions before sell: %w", err)
	}
	for i := range positions {
		p := &positions[i]
		if p.Contract.IsOption() && p.Contract.Symbol == contract.Symbol && p.IsShort() {
			return fmt.Errorf("already short %.0f of %s; refusing to sell more",
				p.AbsQuantity(), p.Contract.LocalSymbol)
		}
	}
	return nil
}

// thresholdPrice gives up one tick from the near touch but never crosses
// the far touch.
func thresholdPrice(q models.Quote, side models.OrderSide) float64 {
	if side == models.SideSell {
		return math.Min(q.Bid+thresholdOffset, q.Ask)
	}
	return math.Max(q.Ask-thresholdOffset, q.Bid)
}

// slippageCap bounds the fallback order: past the far touch by the
// configured number of ticks, so a thin book cannot fill at an absurd price.
func (e *Engine) slippageCap(q models.Quote, side models.OrderSide) float64 {
	ticks := float64(e.opts.SlippageCapTicks) * util.TickSize
	if side == models.SideSell {
		return util.RoundToTick(q.Bid-ticks, util.TickSize)
	}
	return util.RoundToTick(q.Ask+ticks, util.TickSize)
}

func (e *Engine) workLimit(ctx context.Context, contract models.Contract,
	side models.OrderSide, quantity int, price float64) (*models.Fill, error) {
	clientID := newClientOrderID()
	e.logger.Printf("Phase 1: %s %d %s limit %.2f (cOID %s)",
		side, quantity, contract.LocalSymbol, price, clientID)

	orderID, err := e.broker.PlaceLimitOrderCtx(ctx, contract, side, quantity, price, clientID)
	if err != nil {
		return nil, fmt.Errorf("placing threshold limit: %w", err)
	}

	status, err := e.awaitFill(ctx, orderID, e.opts.CancellationDelay)
	if err != nil {
		return nil, err
	}
	if status != nil && status.Filled() {
		return e.fillFrom(contract, side, status), nil
	}

	e.logger.Printf("Phase 1 unfilled after %v, cancelling order %s", e.opts.CancellationDelay, orderID)
	if err := e.broker.CancelOrderCtx(ctx, orderID); err != nil {
		return nil, fmt.Errorf("cancelling threshold limit %s: %w", orderID, err)
	}

	// The cancel can race a fill; trust the final status, not the cancel ack.
	final, err := e.broker.GetOrderStatusCtx(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("confirming cancel of %s: %w", orderID, err)
	}
	if final.Filled() {
		e.logger.Printf("Order %s filled during cancellation at %.2f", orderID, final.AvgFillPrice)
		return e.fillFrom(contract, side, final), nil
	}
	return nil, nil
}

func (e *Engine) marketable(ctx context.Context, contract models.Contract,
	side models.OrderSide, quantity int, priceCap float64) (*models.Fill, error) {
	clientID := newClientOrderID()
	e.logger.Printf("Phase 2: %s %d %s marketable capped at %.2f (cOID %s)",
		side, quantity, contract.LocalSymbol, priceCap, clientID)

	orderID, err := e.broker.PlaceMarketableOrderCtx(ctx, contract, side, quantity, priceCap, clientID)
	if err != nil {
		return nil, fmt.Errorf("placing marketable order: %w", err)
	}

	status, err := e.awaitFill(ctx, orderID, e.opts.FallbackWait)
	if err != nil {
		return nil, err
	}
	if status != nil && status.Filled() {
		return e.fillFrom(contract, side, status), nil
	}
	return nil, fmt.Errorf("marketable order %s for %s: %w", orderID, contract.LocalSymbol, ErrUnfilled)
}

// awaitFill polls the order status until it fills, goes terminal, or the
// window elapses. A nil status with nil error means the window elapsed with
// the order still working.
func (e *Engine) awaitFill(ctx context.Context, orderID string, window time.Duration) (*broker.OrderStatus, error) {
	deadline := time.Now().Add(window)
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("execution canceled waiting on order %s: %w", orderID, ctx.Err())
		case <-ticker.C:
			status, err := e.broker.GetOrderStatusCtx(ctx, orderID)
			if err != nil {
				e.logger.Printf("Status poll for order %s failed: %v", orderID, err)
			} else if status.Filled() || status.Terminal() {
				return status, nil
			}
			if time.Now().After(deadline) {
				return nil, nil
			}
		}
	}
}

func (e *Engine) fillFrom(contract models.Contract, side models.OrderSide, status *broker.OrderStatus) *models.Fill {
	e.logger.Printf("FILLED: %s %.0f %s @ %.2f",
		side, status.FilledQuantity, contract.LocalSymbol, status.AvgFillPrice)
	return &models.Fill{
		Contract: contract,
		Side:     side,
		Quantity: status.FilledQuantity,
		Price:    status.AvgFillPrice,
	}
}

func newClientOrderID() string {
	return "mroll-" + uuid.NewString()[:18]
}
