package summary

import (
	"context"
	"log"
	"time"

	"github.com/eddiefleurent/mifflin_roller/internal/util"
)

const printInterval = 2 * time.Second

// Printer renders the board to the console on a fixed cadence.
type Printer struct {
	board  *Board
	logger *log.Logger

	announcedClosed bool
}

func NewPrinter(board *Board, logger *log.Logger) *Printer {
	return &Printer{board: board, logger: logger}
}

// Run prints the board every two seconds until the context is cancelled.
func (p *Printer) Run(ctx context.Context) error {
	ticker := time.NewTicker(printInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.printOnce()
		}
	}
}

func (p *Printer) printOnce() {
	if p.board.Paused() {
		p.printClosedOnce()
		return
	}
	p.announcedClosed = false

	if p.board.ConsumeSkip() {
		return
	}

	s := p.board.Snapshot()
	p.logger.Printf("── %s ─ state=%s ─ session=%s", s.Underlying, s.EngineState, s.SessionState)
	p.logger.Printf("   future %.2f  baseline %.2f  up %.2f  down %.2f",
		util.Quantize(s.FuturePx), util.Quantize(s.Baseline), s.MoveUp, s.MoveDown)
	if s.CallStrike > 0 {
		p.logger.Printf("   short call %s %.0fC  bid %.2f ask %.2f mark %.2f  entry %.2f  pnl %+.1f%%",
			s.CallExpiry, s.CallStrike, s.CallBid, s.CallAsk,
			util.Quantize(s.CallMark), s.EntryPrice, s.PnLPct)
	} else {
		p.logger.Printf("   short call: none")
	}
	p.logger.Printf("   cash $%.2f  rolls today %d / week %d  decision=%s",
		s.CashBalance, s.RollsToday, s.RollsWeek, s.LastDecision)
	if s.LastError != "" {
		p.logger.Printf("   last error: %s", s.LastError)
	}
}

// printClosedOnce logs a single waiting line when the session closes, then
// stays quiet until it reopens.
func (p *Printer) printClosedOnce() {
	s := p.board.Snapshot()
	if !p.announcedClosed {
		p.announcedClosed = true
		if s.NextOpen.IsZero() {
			p.logger.Printf("Market closed (%s); waiting for next session", s.SessionState)
			return
		}
		p.logger.Printf("Market closed (%s); next open %s (in %s)",
			s.SessionState, s.NextOpen.Format("Mon 15:04 MST"),
			time.Until(s.NextOpen).Round(time.Minute))
	}
}
