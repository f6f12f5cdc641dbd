// Package util provides common utility functions for price calculations.
package util

import "math"

// TickSize is the minimum price increment for MES futures and their options.
const TickSize = 0.25

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.25, 6012.30 becomes 6012.25.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// Quantize rounds x to the nearest quarter point. Display helper only;
// decision comparisons always use raw values.
func Quantize(x float64) float64 {
	return RoundToTick(x, TickSize)
}

// Mid returns the bid/ask midpoint, or 0 when the book is invalid.
func Mid(bid, ask float64) float64 {
	if bid <= 0 || ask <= bid {
		return 0
	}
	return (bid + ask) / 2
}

// ClampIndex limits i to the [0, n) index range.
func ClampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
