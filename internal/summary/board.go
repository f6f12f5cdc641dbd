// Package summary maintains the live status board the bot prints to the
// console and serves over the dashboard: one mutex-guarded snapshot of
// everything a human watching the bot wants to see at a glance.
package summary

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of the board. Readers get a copy, never
// a reference into the live board.
type Snapshot struct {
	UpdatedAt    time.Time
	EngineState  string
	SessionState string
	NextOpen     time.Time

	Underlying string
	FuturePx   float64
	Baseline   float64
	MoveUp     float64
	MoveDown   float64

	CallStrike float64
	CallExpiry string
	CallBid    float64
	CallAsk    float64
	CallMark   float64
	EntryPrice float64
	PnLPct     float64

	CashBalance float64
	RollsToday  int
	RollsWeek   int

	OrderInFlight bool
	LastDecision  string
	LastError     string
}

// Board is the shared status board. Writers hold the lock briefly; the
// printer and dashboard read copies.
type Board struct {
	mu   sync.RWMutex
	snap Snapshot

	paused    bool
	skipCount int
}

func NewBoard(underlying string) *Board {
	return &Board{snap: Snapshot{Underlying: underlying}}
}

// Update applies a mutation under the write lock and stamps the time.
func (b *Board) Update(fn func(*Snapshot)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.snap)
	b.snap.UpdatedAt = time.Now()
}

// Snapshot returns a copy of the current board state.
func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap
}

// SetOrderInFlight marks whether an execution sequence is working orders.
// The printer suppresses the summary while true so fill logs stay readable.
func (b *Board) SetOrderInFlight(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snap.OrderInFlight = v
	b.snap.UpdatedAt = time.Now()
}

// SkipNext suppresses the next n summary prints. Used right after fills so
// the fill report is not immediately scrolled away.
func (b *Board) SkipNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.skipCount = n
}

// ConsumeSkip reports whether the upcoming print should be skipped and
// decrements the counter if so.
func (b *Board) ConsumeSkip() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snap.OrderInFlight {
		return true
	}
	if b.skipCount > 0 {
		b.skipCount--
		return true
	}
	return false
}

// SetPaused stops the printer output entirely, e.g. while the market is
// closed and a single waiting line has already been printed.
func (b *Board) SetPaused(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = v
}

func (b *Board) Paused() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.paused
}
