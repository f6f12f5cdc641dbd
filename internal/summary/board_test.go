package summary

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBoardUpdateAndSnapshot(t *testing.T) {
	b := NewBoard("MES")

	b.Update(func(s *Snapshot) {
		s.FuturePx = 6000.25
		s.CallStrike = 6005
	})

	snap := b.Snapshot()
	assert.Equal(t, "MES", snap.Underlying)
	assert.Equal(t, 6000.25, snap.FuturePx)
	assert.False(t, snap.UpdatedAt.IsZero())

	// The snapshot is a copy: later updates don't leak into it.
	b.Update(func(s *Snapshot) { s.FuturePx = 6010 })
	assert.Equal(t, 6000.25, snap.FuturePx)
}

func TestBoardSkipCounter(t *testing.T) {
	b := NewBoard("MES")

	b.SkipNext(2)
	assert.True(t, b.ConsumeSkip())
	assert.True(t, b.ConsumeSkip())
	assert.False(t, b.ConsumeSkip(), "skip counter must be exhausted after two prints")
}

func TestBoardInFlightSuppressesPrints(t *testing.T) {
	b := NewBoard("MES")
	assert.False(t, b.ConsumeSkip())

	b.SetOrderInFlight(true)
	assert.True(t, b.ConsumeSkip())
	// In-flight suppression must not consume the skip budget.
	b.SkipNext(1)
	assert.True(t, b.ConsumeSkip())
	b.SetOrderInFlight(false)
	assert.True(t, b.ConsumeSkip(), "skip budget still pending")
	assert.False(t, b.ConsumeSkip())
}

func TestBoardPaused(t *testing.T) {
	b := NewBoard("MES")
	assert.False(t, b.Paused())
	b.SetPaused(true)
	assert.True(t, b.Paused())
	b.SetPaused(false)
	assert.False(t, b.Paused())
}
