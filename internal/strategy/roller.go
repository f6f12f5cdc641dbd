// Package strategy holds the pure roll-decision logic for the covered call
// overlay: given the baseline, live quotes and thresholds, decide whether to
// hold the current short call or roll it down or up one strike step.
package strategy

import (
	"fmt"

	"github.com/eddiefleurent/mifflin_roller/internal/config"
	"github.com/eddiefleurent/mifflin_roller/internal/models"
	"github.com/eddiefleurent/mifflin_roller/internal/util"
)

// Decision is the outcome of one evaluation pass.
type Decision string

const (
	// DecisionHold keeps the current short call.
	DecisionHold Decision = "HOLD"
	// DecisionRollDown closes the call and reopens one strike lower,
	// locking in premium after the underlying dropped.
	DecisionRollDown Decision = "ROLL_DOWN"
	// DecisionRollUp closes the call and reopens one strike higher,
	// cutting the loss after the underlying ran through the strike.
	DecisionRollUp Decision = "ROLL_UP"
)

// Evaluation carries the inputs and outcome of a single decision pass so
// callers can log and display exactly what was compared.
type Evaluation struct {
	Decision  Decision
	PnLPct    float64 // percent of entry premium captured; positive = profit
	MoveUp    float64 // points the future trades above baseline
	MoveDown  float64 // points the future trades below baseline
	Baseline  float64
	FuturePx  float64
	CallMark  float64
}

// Roller evaluates roll conditions. Both legs of each condition must hold on
// the same pass: P&L percent alone or price move alone never triggers.
type Roller struct {
	cfg *config.StrategyConfig
}

func NewRoller(cfg *config.StrategyConfig) *Roller {
	return &Roller{cfg: cfg}
}

// Evaluate compares the short call's P&L and the future's move off baseline
// against the configured thresholds. Comparisons use raw values; quantizing
// to the tick grid is for display only.
func (r *Roller) Evaluate(entryPrice, callMark, baseline, futurePx float64) Evaluation {
	ev := Evaluation{
		Decision: DecisionHold,
		Baseline: baseline,
		FuturePx: futurePx,
		CallMark: callMark,
		PnLPct:   PnLPercent(entryPrice, callMark),
	}
	if futurePx > baseline {
		ev.MoveUp = futurePx - baseline
	} else {
		ev.MoveDown = baseline - futurePx
	}

	// Roll-down is checked first: when the market has collapsed enough for
	// both conditions to hold simultaneously, harvesting the winner wins.
	if ev.PnLPct >= r.cfg.ProfitTargetPct && ev.MoveDown >= r.cfg.MoveDownThreshold {
		ev.Decision = DecisionRollDown
		return ev
	}
	if ev.PnLPct <= r.cfg.LossLimitPct && ev.MoveUp >= r.cfg.MoveUpThreshold {
		ev.Decision = DecisionRollUp
		return ev
	}
	return ev
}

// PnLPercent returns the percent of entry premium captured by the short
// call: +100 means the call went to zero, negative means it trades above
// the entry price.
func PnLPercent(entryPrice, callMark float64) float64 {
	if entryPrice <= 0 {
		return 0
	}
	return (entryPrice - callMark) / entryPrice * 100
}

// TargetStrike returns the strike one step away from the at-the-money
// strike in the roll direction, clamped to the listed chain. Stepping off
// ATM rather than the old strike means a large move re-centers the call on
// where the future trades now.
func (r *Roller) TargetStrike(strikes []float64, futurePx float64, decision Decision) (float64, error) {
	if len(strikes) == 0 {
		return 0, fmt.Errorf("empty strike chain")
	}
	step := r.cfg.StrikeStep
	if step <= 0 {
		step = 1
	}
	atm := nearestIndex(strikes, futurePx)
	var idx int
	switch decision {
	case DecisionRollDown:
		idx = util.ClampIndex(atm-step, len(strikes))
	case DecisionRollUp:
		idx = util.ClampIndex(atm+step, len(strikes))
	default:
		return 0, fmt.Errorf("no target strike for decision %s", decision)
	}
	if idx == atm {
		return 0, fmt.Errorf("strike chain exhausted at %s around %.2f", decision, futurePx)
	}
	return strikes[idx], nil
}

// RestoreStrike picks the strike for re-establishing a missing call: one
// step above the at-the-money strike so the restored call starts out of the
// money.
func RestoreStrike(strikes []float64, futurePx float64) (float64, error) {
	if len(strikes) == 0 {
		return 0, fmt.Errorf("empty strike chain")
	}
	atm := nearestIndex(strikes, futurePx)
	return strikes[util.ClampIndex(atm+1, len(strikes))], nil
}

func nearestIndex(strikes []float64, price float64) int {
	best := 0
	bestDist := abs(strikes[0] - price)
	for i := 1; i < len(strikes); i++ {
		if d := abs(strikes[i] - price); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// CheckLiquidity rejects quotes whose spread is crossed, zero or wider than
// the configured cap. Orders are never worked into a market like that.
func CheckLiquidity(q models.Quote, maxSpread float64) error {
	if !q.Valid() {
		return fmt.Errorf("invalid quote bid=%.2f ask=%.2f", q.Bid, q.Ask)
	}
	spread := q.Spread()
	if spread <= 0 {
		return fmt.Errorf("non-positive spread %.2f (bid=%.2f ask=%.2f)", spread, q.Bid, q.Ask)
	}
	if spread > maxSpread {
		return fmt.Errorf("spread %.2f exceeds cap %.2f (bid=%.2f ask=%.2f)", spread, maxSpread, q.Bid, q.Ask)
	}
	return nil
}
