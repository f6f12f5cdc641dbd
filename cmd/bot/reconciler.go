package main

import (
	"context"
	"log"
	"time"

	"github.com/eddiefleurent/mifflin_roller/internal/broker"
	"github.com/eddiefleurent/mifflin_roller/internal/models"
)

const reconcileTimeout = 30 * time.Second

// Reconciler restores the account to the strategy's intended shape: exactly
// one long futures position with at most quantity short calls against it.
// Manual trades, partial assignments and crash recovery all funnel through
// here.
type Reconciler struct {
	broker     broker.Broker
	logger     *log.Logger
	underlying string
	quantity   int
}

func NewReconciler(b broker.Broker, logger *log.Logger, underlying string, quantity int) *Reconciler {
	return &Reconciler{broker: b, logger: logger, underlying: underlying, quantity: quantity}
}

// Reconcile applies three corrections, each idempotent and best-effort:
// stacked short calls beyond the first are closed, long options are closed,
// and short calls exceeding the futures size are trimmed. Errors are logged
// and the next pass retries; nothing here aborts the bot.
func (r *Reconciler) Reconcile(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, reconcileTimeout)
	defer cancel()

	positions, err := r.broker.GetPositionsCtx(rctx)
	if err != nil {
		r.logger.Printf("Reconcile: fetching positions failed: %v", err)
		return
	}

	var futuresQty float64
	var shortCalls []*models.Position
	var longOptions []*models.Position
	for i := range positions {
		p := &positions[i]
		// Only the tracked underlying; anything else in the account is not
		// ours to touch.
		if p.Contract.Symbol != r.underlying {
			continue
		}
		switch {
		case p.Contract.SecType == models.SecurityFuture && p.IsLong():
			futuresQty += p.AbsQuantity()
		case p.Contract.IsOption() && p.IsShort():
			shortCalls = append(shortCalls, p)
		case p.Contract.IsOption() && p.IsLong():
			longOptions = append(longOptions, p)
		}
	}

	// Long options have no place in this book; sell them off.
	for _, p := range longOptions {
		r.logger.Printf("Reconcile: closing unexpected long option %s x%.0f",
			p.Contract.LocalSymbol, p.AbsQuantity())
		r.closeOut(rctx, p, models.SideSell, int(p.AbsQuantity()))
	}

	// Stacked shorts: keep the first listed, buy back the rest.
	if len(shortCalls) > 1 {
		for _, p := range shortCalls[1:] {
			r.logger.Printf("Reconcile: closing extra short call %s x%.0f",
				p.Contract.LocalSymbol, p.AbsQuantity())
			r.closeOut(rctx, p, models.SideBuy, int(p.AbsQuantity()))
		}
		shortCalls = shortCalls[:1]
	}

	// Shorts beyond the futures size (or the configured quantity) are
	// uncovered; trim them down.
	if len(shortCalls) == 1 {
		p := shortCalls[0]
		allowed := futuresQty
		if float64(r.quantity) < allowed {
			allowed = float64(r.quantity)
		}
		if excess := p.AbsQuantity() - allowed; excess > 0 {
			r.logger.Printf("Reconcile: short call %s x%.0f exceeds cover %.0f, buying back %.0f",
				p.Contract.LocalSymbol, p.AbsQuantity(), allowed, excess)
			r.closeOut(rctx, p, models.SideBuy, int(excess))
		}
	}
}

// closeOut flattens drift with a plain market order. These corrections are
// rare and small; immediacy beats price improvement here.
func (r *Reconciler) closeOut(ctx context.Context, p *models.Position, side models.OrderSide, quantity int) {
	if quantity <= 0 {
		return
	}
	orderID, err := r.broker.PlaceMarketOrderCtx(ctx, p.Contract, side, quantity)
	if err != nil {
		r.logger.Printf("Reconcile: %s %d %s failed: %v", side, quantity, p.Contract.LocalSymbol, err)
		return
	}
	r.logger.Printf("Reconcile: placed %s %d %s (order %s)", side, quantity, p.Contract.LocalSymbol, orderID)
}
