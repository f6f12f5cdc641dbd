// Package models provides data structures and state management for the rolling bot.
package models

import (
	"fmt"
	"math"
)

// SecurityType identifies the kind of instrument a contract refers to.
type SecurityType string

const (
	// SecurityFuture is an outright futures contract.
	SecurityFuture SecurityType = "FUT"
	// SecurityFutureOption is an option on a futures contract.
	SecurityFutureOption SecurityType = "FOP"
)

// Right identifies the option right for option contracts.
type Right string

const (
	// RightCall is a call option.
	RightCall Right = "C"
	// RightPut is a put option.
	RightPut Right = "P"
)

// Contract is a fully qualified instrument identity as returned by the
// gateway. ConID is the broker-assigned identifier and is required for
// order placement.
type Contract struct {
	ConID       int64        `json:"conid"`
	Symbol      string       `json:"symbol"`
	LocalSymbol string       `json:"local_symbol"`
	SecType     SecurityType `json:"sec_type"`
	Expiry      string       `json:"expiry,omitempty"` // YYYYMMDD for options, YYYYMM for futures
	Strike      float64      `json:"strike,omitempty"`
	Right       Right        `json:"right,omitempty"`
	Multiplier  float64      `json:"multiplier"`
}

// Validate fails fast when a required identity field is absent rather than
// defaulting silently.
func (c *Contract) Validate() error {
	if c.ConID == 0 {
		return fmt.Errorf("contract %s missing conid", c.LocalSymbol)
	}
	if c.Symbol == "" {
		return fmt.Errorf("contract conid=%d missing symbol", c.ConID)
	}
	if c.SecType != SecurityFuture && c.SecType != SecurityFutureOption {
		return fmt.Errorf("contract %s has unknown security type %q", c.LocalSymbol, c.SecType)
	}
	if c.Multiplier <= 0 {
		return fmt.Errorf("contract %s has invalid multiplier %.2f", c.LocalSymbol, c.Multiplier)
	}
	if c.SecType == SecurityFutureOption {
		if c.Strike <= 0 {
			return fmt.Errorf("option contract %s has invalid strike %.2f", c.LocalSymbol, c.Strike)
		}
		if c.Right != RightCall && c.Right != RightPut {
			return fmt.Errorf("option contract %s has invalid right %q", c.LocalSymbol, c.Right)
		}
	}
	return nil
}

// IsOption reports whether the contract is a futures option.
func (c *Contract) IsOption() bool {
	return c.SecType == SecurityFutureOption
}

// Position is a live brokerage position: contract identity, signed quantity
// and average cost per contract as reported by the gateway.
type Position struct {
	Contract Contract `json:"contract"`
	Quantity float64  `json:"quantity"` // negative = short
	AvgCost  float64  `json:"avg_cost"` // total dollars per contract, sign per broker convention
}

// Validate ensures the required fields for P&L math are present.
func (p *Position) Validate() error {
	if err := p.Contract.Validate(); err != nil {
		return fmt.Errorf("position contract invalid: %w", err)
	}
	if p.Quantity == 0 {
		return fmt.Errorf("position %s has zero quantity", p.Contract.LocalSymbol)
	}
	return nil
}

// IsShort reports whether the position is short.
func (p *Position) IsShort() bool { return p.Quantity < 0 }

// IsLong reports whether the position is long.
func (p *Position) IsLong() bool { return p.Quantity > 0 }

// AbsQuantity returns the unsigned position size.
func (p *Position) AbsQuantity() float64 { return math.Abs(p.Quantity) }

// EntryPrice derives the per-unit entry price from the broker average cost.
// On a short call avgCost carries the premium received; the sign is
// irrelevant for the cost basis.
func (p *Position) EntryPrice() (float64, error) {
	if p.Contract.Multiplier <= 0 {
		return 0, fmt.Errorf("position %s missing multiplier", p.Contract.LocalSymbol)
	}
	return math.Abs(p.AvgCost) / p.Contract.Multiplier, nil
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	// SideBuy buys to open or close.
	SideBuy OrderSide = "BUY"
	// SideSell sells to open or close.
	SideSell OrderSide = "SELL"
)

// Fill is the terminal record of a completed execution.
type Fill struct {
	Contract Contract
	Side     OrderSide
	Quantity float64
	Price    float64
}

// Quote is a best bid/offer snapshot for a contract.
type Quote struct {
	Bid   float64
	Ask   float64
	Last  float64
	Close float64
}

// Valid reports whether the NBBO is usable: both sides present, positive,
// and not inverted.
func (q Quote) Valid() bool {
	return q.Bid > 0 && q.Ask > q.Bid
}

// Spread returns ask minus bid.
func (q Quote) Spread() float64 { return q.Ask - q.Bid }

// Mid returns the bid/ask midpoint; callers must check Valid first.
func (q Quote) Mid() float64 { return (q.Bid + q.Ask) / 2 }

// MarkPrice returns the best available price: the midpoint when both sides
// are quoted, otherwise last, otherwise the prior close. Zero means the
// feed had nothing at all.
func (q Quote) MarkPrice() float64 {
	switch {
	case q.Valid():
		return q.Mid()
	case q.Last > 0:
		return q.Last
	case q.Close > 0:
		return q.Close
	}
	return 0
}
