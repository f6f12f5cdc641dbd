// Package storage provides durable persistence for the baseline price and
// roll counters.
package storage

import "time"

// RollCounters holds the completed-roll tallies keyed by date and ISO week.
// Counts only ever increment.
type RollCounters struct {
	Daily  map[string]int `json:"daily"`
	Weekly map[string]int `json:"weekly"`
}

// Interface defines the contract for baseline and roll-count persistence.
//
// Implementations must be safe for concurrent use. Load failures degrade to
// defaults and are never fatal; save failures are returned so callers can
// log them, but the in-memory value remains authoritative for the current
// process lifetime.
type Interface interface {
	// LoadBaseline returns the persisted baseline price, or ok=false when
	// no usable record exists.
	LoadBaseline() (price float64, ok bool)
	// SaveBaseline persists the baseline reference price.
	SaveBaseline(price float64) error

	// Counters returns a copy of the current roll counters.
	Counters() RollCounters
	// IncrementRoll bumps the daily and weekly counters for t and persists.
	IncrementRoll(t time.Time) error
	// RollsOn returns the completed-roll count for a "YYYY-MM-DD" date.
	RollsOn(date string) int
	// RollsInWeek returns the completed-roll count for a "YYYY-Www" week.
	RollsInWeek(week string) int
}

// NewStorage creates the JSON-file-backed storage implementation.
func NewStorage(baselinePath, rollCountsPath string) Interface {
	return NewJSONStore(baselinePath, rollCountsPath)
}

// Ensure JSONStore implements Interface.
var _ Interface = (*JSONStore)(nil)
