package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*JSONStore, string, string) {
	t.Helper()
	dir := t.TempDir()
	baseline := filepath.Join(dir, "baseline.json")
	counts := filepath.Join(dir, "roll_counts.json")
	return NewJSONStore(baseline, counts), baseline, counts
}

func TestBaselineRoundTrip(t *testing.T) {
	store, baselinePath, countsPath := newTestStore(t)

	_, ok := store.LoadBaseline()
	assert.False(t, ok, "fresh store has no baseline")

	require.NoError(t, store.SaveBaseline(6012.25))

	price, ok := store.LoadBaseline()
	require.True(t, ok)
	assert.Equal(t, 6012.25, price)

	// A new store over the same files sees the persisted value.
	reloaded := NewJSONStore(baselinePath, countsPath)
	price, ok = reloaded.LoadBaseline()
	require.True(t, ok)
	assert.Equal(t, 6012.25, price)
}

func TestCorruptFilesFallBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	baselinePath := filepath.Join(dir, "baseline.json")
	countsPath := filepath.Join(dir, "roll_counts.json")
	require.NoError(t, os.WriteFile(baselinePath, []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(countsPath, []byte("also not json"), 0o644))

	store := NewJSONStore(baselinePath, countsPath)

	_, ok := store.LoadBaseline()
	assert.False(t, ok, "corrupt baseline must read as absent")
	assert.Zero(t, store.RollsOn("2026-08-25"))

	// The store stays writable after a corrupt load.
	require.NoError(t, store.SaveBaseline(6000.0))
	price, ok := store.LoadBaseline()
	require.True(t, ok)
	assert.Equal(t, 6000.0, price)
}

func TestNegativeBaselineIgnoredOnLoad(t *testing.T) {
	dir := t.TempDir()
	baselinePath := filepath.Join(dir, "baseline.json")
	require.NoError(t, os.WriteFile(baselinePath, []byte("-5"), 0o644))

	store := NewJSONStore(baselinePath, filepath.Join(dir, "counts.json"))
	_, ok := store.LoadBaseline()
	assert.False(t, ok)
}

func TestIncrementRoll(t *testing.T) {
	store, baselinePath, countsPath := newTestStore(t)

	at := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.IncrementRoll(at))
	require.NoError(t, store.IncrementRoll(at))
	require.NoError(t, store.IncrementRoll(at.AddDate(0, 0, 1)))

	assert.Equal(t, 2, store.RollsOn("2026-08-25"))
	assert.Equal(t, 1, store.RollsOn("2026-08-26"))
	assert.Equal(t, 3, store.RollsInWeek("2026-W35"))

	// Counters survive a restart.
	reloaded := NewJSONStore(baselinePath, countsPath)
	assert.Equal(t, 2, reloaded.RollsOn("2026-08-25"))
	assert.Equal(t, 3, reloaded.RollsInWeek("2026-W35"))
}

func TestCountersReturnsCopy(t *testing.T) {
	store, _, _ := newTestStore(t)
	require.NoError(t, store.IncrementRoll(time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)))

	counters := store.Counters()
	counters.Daily["2026-08-25"] = 99

	assert.Equal(t, 1, store.RollsOn("2026-08-25"), "mutating the copy must not touch the store")
}
