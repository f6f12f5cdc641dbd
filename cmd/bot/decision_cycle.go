package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/mifflin_roller/internal/broker"
	"github.com/eddiefleurent/mifflin_roller/internal/market"
	"github.com/eddiefleurent/mifflin_roller/internal/models"
	"github.com/eddiefleurent/mifflin_roller/internal/strategy"
	"github.com/eddiefleurent/mifflin_roller/internal/summary"
	"github.com/eddiefleurent/mifflin_roller/internal/util"
)

// fillQuiet is how many summary prints a fill suppresses so the fill report
// stays on screen.
const fillQuiet = 2

// decide runs one pass of the decision loop: session gating, position
// refresh, roll evaluation and, when triggered, the close-then-open roll.
func (b *Bot) decide(ctx context.Context) error {
	now := b.clock.Now()

	if !b.gateSession(now) {
		return nil
	}

	// An execution sequence from a previous pass may still be working.
	if b.board.Snapshot().OrderInFlight {
		return nil
	}
	if now.Before(b.cooldownUntil) {
		return nil
	}

	if err := b.refreshPositions(ctx); err != nil {
		return err
	}
	if b.future == nil {
		return fmt.Errorf("no long %s futures position; nothing to cover", b.config.Strategy.Underlying)
	}

	if b.clock.InFlattenWindow(now) && b.flattenedSession != market.DateKey(now) {
		return b.flatten(ctx, now)
	}
	if b.flattenedSession == market.DateKey(now) {
		// Stay flat into the Friday close.
		return nil
	}

	if b.call == nil {
		return b.restoreCall(ctx)
	}
	return b.evaluateRoll(ctx)
}

// gateSession pauses the loop while the session is closed and reports
// whether trading work should happen this pass.
func (b *Bot) gateSession(now time.Time) bool {
	session := b.clock.Session(now)
	b.board.Update(func(s *summary.Snapshot) { s.SessionState = string(session) })

	if session == market.SessionOpen {
		if b.machine.Current() == models.StateWaitingForMarket {
			resume := models.StateHolding
			if b.call == nil {
				resume = models.StateNoPosition
			}
			if err := b.machine.Transition(resume, models.ConditionSessionOpen); err != nil {
				b.logger.Printf("Session-open transition: %v", err)
			}
			b.logger.Println("Session open, resuming")
			b.board.SetPaused(false)
		}
		b.syncEngineState()
		return true
	}

	if b.machine.Current() != models.StateWaitingForMarket {
		if b.machine.CanTransition(models.StateWaitingForMarket, models.ConditionSessionClosed) {
			_ = b.machine.Transition(models.StateWaitingForMarket, models.ConditionSessionClosed)
		}
		b.board.Update(func(s *summary.Snapshot) {
			s.EngineState = string(b.machine.Current())
			s.NextOpen = b.clock.NextOpen(now)
		})
		b.board.SetPaused(true)
	}
	return false
}

func (b *Bot) syncEngineState() {
	b.board.Update(func(s *summary.Snapshot) { s.EngineState = string(b.machine.Current()) })
}

// refreshPositions pulls live positions and identifies the long future and
// the single short call the strategy manages. Drift beyond that shape is
// handed to the reconciler.
func (b *Bot) refreshPositions(ctx context.Context) error {
	positions, err := b.broker.GetPositionsCtx(ctx)
	if err != nil {
		return fmt.Errorf("refreshing positions: %w", err)
	}

	future, call, drift := classify(positions, b.config.Strategy.Underlying)
	if drift {
		b.logger.Println("Position drift detected, reconciling before trading")
		b.recon.Reconcile(ctx)
		return fmt.Errorf("position drift; retrying next cycle")
	}

	hadCall := b.call != nil
	b.future = future
	b.call = call

	if hadCall && call == nil && b.machine.Current() == models.StateHolding {
		b.logger.Println("Short call disappeared (expired, assigned or manually closed)")
		if err := b.machine.Transition(models.StateOpening, models.ConditionPositionLost); err != nil {
			b.logger.Printf("Position-lost transition: %v", err)
		}
	}

	b.board.Update(func(s *summary.Snapshot) {
		if call != nil {
			s.CallStrike = call.Contract.Strike
			s.CallExpiry = call.Contract.Expiry
			if entry, err := call.EntryPrice(); err == nil {
				s.EntryPrice = entry
			}
		} else {
			s.CallStrike = 0
			s.CallExpiry = ""
			s.EntryPrice = 0
		}
	})
	return nil
}

// classify splits the account's positions into the managed long future and
// short call. drift is true when the account holds anything else on the
// underlying: stacked shorts, a long option, or shorts exceeding the
// futures size.
func classify(positions []models.Position, underlying string) (future, call *models.Position, drift bool) {
	var shortCalls []*models.Position
	var futuresQty float64

	for i := range positions {
		p := &positions[i]
		if p.Contract.Symbol != underlying {
			continue
		}
		switch {
		case p.Contract.SecType == models.SecurityFuture && p.IsLong():
			future = p
			futuresQty = p.AbsQuantity()
		case p.Contract.IsOption() && p.IsShort():
			shortCalls = append(shortCalls, p)
		case p.Contract.IsOption() && p.IsLong():
			drift = true
		}
	}

	if len(shortCalls) > 1 {
		return future, nil, true
	}
	if len(shortCalls) == 1 {
		call = shortCalls[0]
		if call.AbsQuantity() > futuresQty {
			return future, nil, true
		}
	}
	return future, call, drift
}

// flatten buys back the short call ahead of the Friday close so no option
// rides through the weekend.
func (b *Bot) flatten(ctx context.Context, now time.Time) error {
	b.flattenedSession = market.DateKey(now)
	if b.call == nil {
		b.logger.Println("Flatten window: already flat")
		return nil
	}

	b.logger.Printf("Flatten window: buying back %s before the close", b.call.Contract.LocalSymbol)
	fill, err := b.executor.Execute(ctx, b.call.Contract, models.SideBuy, int(b.call.AbsQuantity()))
	if err != nil {
		// Allow the window to retry on the next pass rather than staying
		// marked flat with a live short.
		b.flattenedSession = ""
		return fmt.Errorf("flatten buyback: %w", err)
	}
	b.logger.Printf("Flattened at %.2f; staying flat into the weekend", fill.Price)
	b.call = nil
	b.board.SkipNext(fillQuiet)

	if err := b.machine.Transition(models.StateNoPosition, models.ConditionFlattened); err != nil {
		b.logger.Printf("Flatten transition: %v", err)
	}
	b.syncEngineState()
	return nil
}

// restoreCall re-establishes the missing short call one strike above the
// money, then stamps a fresh baseline.
func (b *Bot) restoreCall(ctx context.Context) error {
	if b.machine.Current() == models.StateNoPosition {
		if err := b.machine.Transition(models.StateOpening, models.ConditionOpenSubmitted); err != nil {
			b.logger.Printf("Open-submitted transition: %v", err)
		}
	}
	b.syncEngineState()

	futurePx, err := b.futurePrice(ctx)
	if err != nil {
		return fmt.Errorf("future quote for restore: %w", err)
	}

	expiry := b.clock.OptionExpiry(b.clock.Now())
	strikes, err := b.broker.GetCallStrikesCtx(ctx, b.config.Strategy.Underlying, expiry)
	if err != nil {
		return fmt.Errorf("strike chain for restore: %w", err)
	}
	strike, err := strategy.RestoreStrike(strikes, futurePx)
	if err != nil {
		return fmt.Errorf("choosing restore strike: %w", err)
	}

	contract, err := b.broker.ResolveCallCtx(ctx, b.config.Strategy.Underlying, expiry, strike)
	if err != nil {
		return fmt.Errorf("resolving restore call: %w", err)
	}

	b.logger.Printf("Restoring short call: SELL %d %s (future at %.2f)",
		b.config.Strategy.Quantity, contract.LocalSymbol, futurePx)
	fill, err := b.executor.Execute(ctx, contract, models.SideSell, b.config.Strategy.Quantity)
	if err != nil {
		if terr := b.machine.Transition(models.StateNoPosition, models.ConditionOpenUnfilled); terr != nil {
			b.logger.Printf("Open-unfilled transition: %v", terr)
		}
		b.syncEngineState()
		return fmt.Errorf("restore sell: %w", err)
	}

	b.logger.Printf("Restored short call %s at %.2f", fill.Contract.LocalSymbol, fill.Price)
	b.afterFill(ctx)
	b.confirmRestore(ctx)
	condition := models.ConditionOpenFilled
	if b.machine.Previous() == models.StateHolding {
		condition = models.ConditionRestored
	}
	if err := b.machine.Transition(models.StateHolding, condition); err != nil {
		b.logger.Printf("Restore transition: %v", err)
	}
	b.syncEngineState()
	return nil
}

// futurePrice returns the futures mark. Futures books thin out around the
// maintenance break, so a one-sided quote falls back to last or close
// rather than stalling the cycle.
func (b *Bot) futurePrice(ctx context.Context) (float64, error) {
	quote, err := broker.FetchQuoteWithFallback(ctx, b.broker, b.future.Contract.ConID)
	if err != nil {
		if errors.Is(err, broker.ErrStaleQuote) {
			if mark := quote.MarkPrice(); mark > 0 {
				return mark, nil
			}
		}
		return 0, err
	}
	return quote.Mid(), nil
}

// confirmRestore queries positions once right after a restore fill and
// warns when the short call has not shown up yet. The next cycle's refresh
// settles the truth either way.
func (b *Bot) confirmRestore(ctx context.Context) {
	positions, err := b.broker.GetPositionsCtx(ctx)
	if err != nil {
		b.logger.Printf("Restore confirmation query failed: %v", err)
		return
	}
	if _, call, _ := classify(positions, b.config.Strategy.Underlying); call == nil {
		b.logger.Println("Restore fill not yet visible in positions; verifying next cycle")
	}
}

// evaluateRoll compares the live call P&L and the future's move off the
// baseline, then runs the close-then-open roll when a threshold pair trips.
func (b *Bot) evaluateRoll(ctx context.Context) error {
	callQuote, err := broker.FetchQuoteWithFallback(ctx, b.broker, b.call.Contract.ConID)
	if err != nil {
		return fmt.Errorf("call quote: %w", err)
	}
	futurePx, err := b.futurePrice(ctx)
	if err != nil {
		return fmt.Errorf("future quote: %w", err)
	}

	if b.baseline == 0 {
		b.baseline = util.Quantize(futurePx)
		if err := b.storage.SaveBaseline(b.baseline); err != nil {
			b.logger.Printf("Persisting initial baseline: %v", err)
		}
		b.logger.Printf("Stamped initial baseline %.2f", b.baseline)
	}

	entryPrice, err := b.call.EntryPrice()
	if err != nil {
		return fmt.Errorf("entry price: %w", err)
	}

	ev := b.roller.Evaluate(entryPrice, callQuote.Mid(), b.baseline, futurePx)
	b.publishEvaluation(ev, callQuote)

	if ev.Decision == strategy.DecisionHold {
		return nil
	}

	if err := strategy.CheckLiquidity(callQuote, b.config.Execution.MaxSpread); err != nil {
		b.logger.Printf("Roll %s blocked: %v", ev.Decision, err)
		return nil
	}

	return b.executeRoll(ctx, ev)
}

func (b *Bot) publishEvaluation(ev strategy.Evaluation, callQuote models.Quote) {
	b.board.Update(func(s *summary.Snapshot) {
		s.FuturePx = ev.FuturePx
		s.Baseline = ev.Baseline
		s.MoveUp = ev.MoveUp
		s.MoveDown = ev.MoveDown
		s.CallBid = callQuote.Bid
		s.CallAsk = callQuote.Ask
		s.CallMark = ev.CallMark
		s.PnLPct = ev.PnLPct
		s.LastDecision = string(ev.Decision)
	})
}

// executeRoll closes the current short call and opens the next one, then
// stamps the new baseline and bumps the roll counters. The close and open
// are sequential: never short two calls at once.
func (b *Bot) executeRoll(ctx context.Context, ev strategy.Evaluation) error {
	target := models.StateRollingDown
	if ev.Decision == strategy.DecisionRollUp {
		target = models.StateRollingUp
	}
	if err := b.machine.Transition(target, models.ConditionRollTriggered); err != nil {
		return fmt.Errorf("roll transition: %w", err)
	}
	b.syncEngineState()

	b.logger.Printf("%s triggered: pnl %+.1f%%, up %.2f, down %.2f (baseline %.2f, future %.2f)",
		ev.Decision, ev.PnLPct, ev.MoveUp, ev.MoveDown, ev.Baseline, ev.FuturePx)

	strikes, err := b.broker.GetCallStrikesCtx(ctx, b.config.Strategy.Underlying, b.call.Contract.Expiry)
	if err != nil {
		return b.abortRoll(fmt.Errorf("strike chain: %w", err))
	}
	targetStrike, err := b.roller.TargetStrike(strikes, ev.FuturePx, ev.Decision)
	if err != nil {
		return b.abortRoll(fmt.Errorf("target strike: %w", err))
	}
	newContract, err := b.broker.ResolveCallCtx(ctx, b.config.Strategy.Underlying, b.call.Contract.Expiry, targetStrike)
	if err != nil {
		return b.abortRoll(fmt.Errorf("resolving roll target: %w", err))
	}

	quantity := int(b.call.AbsQuantity())
	closeFill, err := b.executor.Execute(ctx, b.call.Contract, models.SideBuy, quantity)
	if err != nil {
		return b.abortRoll(fmt.Errorf("closing %s: %w", b.call.Contract.LocalSymbol, err))
	}
	b.logger.Printf("Closed %s at %.2f", closeFill.Contract.LocalSymbol, closeFill.Price)

	openFill, err := b.executor.Execute(ctx, newContract, models.SideSell, quantity)
	if err != nil {
		// The old call is gone and the new one never opened: now flat.
		// Route through position-lost so the next cycle's restore path
		// re-establishes cover.
		b.call = nil
		cause := b.abortRoll(fmt.Errorf("opening %s after close: %w", newContract.LocalSymbol, err))
		if terr := b.machine.Transition(models.StateOpening, models.ConditionPositionLost); terr != nil {
			b.logger.Printf("Position-lost transition: %v", terr)
		}
		b.syncEngineState()
		b.recon.Reconcile(ctx)
		return cause
	}

	b.afterFill(ctx)
	b.recon.Reconcile(ctx)
	if err := b.storage.IncrementRoll(b.clock.Now()); err != nil {
		b.logger.Printf("Persisting roll counters: %v", err)
	}
	b.publishRollCounts()

	if err := b.machine.Transition(models.StateHolding, models.ConditionRollComplete); err != nil {
		b.logger.Printf("Roll-complete transition: %v", err)
	}
	b.syncEngineState()

	b.logger.Printf("Roll complete: %s -> %s, sold at %.2f, new baseline %.2f",
		b.formatStrike(closeFill.Contract.Strike), b.formatStrike(openFill.Contract.Strike),
		openFill.Price, b.baseline)
	return nil
}

func (b *Bot) abortRoll(cause error) error {
	if b.machine.IsRolling() {
		if err := b.machine.Transition(models.StateHolding, models.ConditionRollAborted); err != nil {
			b.logger.Printf("Roll-abort transition: %v", err)
		}
		b.syncEngineState()
	}
	return cause
}

// afterFill stamps a fresh baseline at the current futures price and quiets
// the summary so the fill report stays visible. A failed baseline fetch
// leaves the previous baseline in force.
func (b *Bot) afterFill(ctx context.Context) {
	b.board.SkipNext(fillQuiet)
	b.cooldownUntil = b.clock.Now().Add(b.config.GetCheckInterval())

	futurePx, err := b.futurePrice(ctx)
	if err != nil {
		b.logger.Printf("Baseline not restamped, future quote failed: %v", err)
		return
	}
	b.baseline = util.Quantize(futurePx)
	if err := b.storage.SaveBaseline(b.baseline); err != nil {
		b.logger.Printf("Persisting baseline: %v", err)
	}
	b.board.Update(func(s *summary.Snapshot) { s.Baseline = b.baseline })
}

func (b *Bot) publishRollCounts() {
	now := b.clock.Now()
	today := b.storage.RollsOn(market.DateKey(now))
	week := b.storage.RollsInWeek(market.ISOWeekKey(now))
	b.board.Update(func(s *summary.Snapshot) {
		s.RollsToday = today
		s.RollsWeek = week
	})
}

func (b *Bot) formatStrike(strike float64) string {
	return fmt.Sprintf("%.0fC", strike)
}
