package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/eddiefleurent/mifflin_roller/internal/market"
)

// JSONStore persists the baseline price and roll counters as two independent
// JSON records. Corruption or absence of either file is never fatal: loads
// fall back to defaults and only cross-restart continuity is lost.
type JSONStore struct {
	mu             sync.RWMutex
	baselinePath   string
	rollCountsPath string

	baseline    float64
	hasBaseline bool
	counters    RollCounters
}

// NewJSONStore creates a store and eagerly loads both records.
func NewJSONStore(baselinePath, rollCountsPath string) *JSONStore {
	s := &JSONStore{
		baselinePath:   baselinePath,
		rollCountsPath: rollCountsPath,
		counters: RollCounters{
			Daily:  make(map[string]int),
			Weekly: make(map[string]int),
		},
	}
	s.loadBaselineFile()
	s.loadCountersFile()
	return s
}

// loadBaselineFile reads the baseline record, leaving hasBaseline=false on
// any read or parse error.
func (s *JSONStore) loadBaselineFile() {
	data, err := os.ReadFile(s.baselinePath)
	if err != nil {
		return
	}
	var price float64
	if err := json.Unmarshal(data, &price); err != nil {
		return
	}
	if price <= 0 {
		return
	}
	s.baseline = price
	s.hasBaseline = true
}

// loadCountersFile reads the counters record, keeping empty maps on any
// read or parse error.
func (s *JSONStore) loadCountersFile() {
	data, err := os.ReadFile(s.rollCountsPath)
	if err != nil {
		return
	}
	var counters RollCounters
	if err := json.Unmarshal(data, &counters); err != nil {
		return
	}
	if counters.Daily != nil {
		s.counters.Daily = counters.Daily
	}
	if counters.Weekly != nil {
		s.counters.Weekly = counters.Weekly
	}
}

// LoadBaseline returns the in-memory baseline price.
func (s *JSONStore) LoadBaseline() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseline, s.hasBaseline
}

// SaveBaseline updates the in-memory baseline and persists it. The
// in-memory value is updated even if the write fails.
func (s *JSONStore) SaveBaseline(price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.baseline = price
	s.hasBaseline = true

	data, err := json.Marshal(price)
	if err != nil {
		return fmt.Errorf("marshaling baseline: %w", err)
	}
	return writeAtomic(s.baselinePath, data)
}

// Counters returns a copy of the current roll counters.
func (s *JSONStore) Counters() RollCounters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyCounters(s.counters)
}

// IncrementRoll bumps the counters for t's date and ISO week and persists.
func (s *JSONStore) IncrementRoll(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters.Daily[market.DateKey(t)]++
	s.counters.Weekly[market.ISOWeekKey(t)]++

	data, err := json.MarshalIndent(s.counters, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling roll counters: %w", err)
	}
	return writeAtomic(s.rollCountsPath, data)
}

// RollsOn returns the roll count for a "YYYY-MM-DD" date.
func (s *JSONStore) RollsOn(date string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters.Daily[date]
}

// RollsInWeek returns the roll count for a "YYYY-Www" week.
func (s *JSONStore) RollsInWeek(week string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters.Weekly[week]
}

// writeAtomic writes to a temp file then renames over the target.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

func copyCounters(c RollCounters) RollCounters {
	out := RollCounters{
		Daily:  make(map[string]int, len(c.Daily)),
		Weekly: make(map[string]int, len(c.Weekly)),
	}
	for k, v := range c.Daily {
		out.Daily[k] = v
	}
	for k, v := range c.Weekly {
		out.Weekly[k] = v
	}
	return out
}
