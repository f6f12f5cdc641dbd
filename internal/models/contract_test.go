package models

import "testing"

func validCall() Contract {
	return Contract{
		ConID:       12345,
		Symbol:      "MES",
		LocalSymbol: "MES 20260904 C6000",
		SecType:     SecurityFutureOption,
		Expiry:      "20260904",
		Strike:      6000,
		Right:       RightCall,
		Multiplier:  5,
	}
}

func TestContractValidate(t *testing.T) {
	valid := validCall()
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid contract rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Contract)
	}{
		{"missing conid", func(c *Contract) { c.ConID = 0 }},
		{"missing symbol", func(c *Contract) { c.Symbol = "" }},
		{"unknown sectype", func(c *Contract) { c.SecType = "STK" }},
		{"zero multiplier", func(c *Contract) { c.Multiplier = 0 }},
		{"option without strike", func(c *Contract) { c.Strike = 0 }},
		{"option without right", func(c *Contract) { c.Right = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCall()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestPositionEntryPrice(t *testing.T) {
	p := Position{Contract: validCall(), Quantity: -1, AvgCost: -51.25}
	// Entry premium per contract: |avg cost| / multiplier.
	got, err := p.EntryPrice()
	if err != nil {
		t.Fatalf("EntryPrice: %v", err)
	}
	if got != 10.25 {
		t.Errorf("EntryPrice = %.2f, want 10.25", got)
	}
	p.Contract.Multiplier = 0
	if _, err := p.EntryPrice(); err == nil {
		t.Error("EntryPrice without multiplier should fail")
	}
	if !p.IsShort() || p.IsLong() {
		t.Error("quantity -1 should be short")
	}
	if p.AbsQuantity() != 1 {
		t.Errorf("AbsQuantity = %.0f, want 1", p.AbsQuantity())
	}
}

func TestQuote(t *testing.T) {
	q := Quote{Bid: 4.00, Ask: 4.50}
	if !q.Valid() {
		t.Error("normal quote should be valid")
	}
	if q.Spread() != 0.50 {
		t.Errorf("Spread = %.2f, want 0.50", q.Spread())
	}
	if q.Mid() != 4.25 {
		t.Errorf("Mid = %.2f, want 4.25", q.Mid())
	}

	for _, bad := range []Quote{
		{Bid: 0, Ask: 4.50},
		{Bid: 4.50, Ask: 4.50},
		{Bid: 4.75, Ask: 4.50},
	} {
		if bad.Valid() {
			t.Errorf("quote %+v should be invalid", bad)
		}
	}
}

func TestQuoteMarkPrice(t *testing.T) {
	cases := []struct {
		q    Quote
		want float64
	}{
		{Quote{Bid: 4.00, Ask: 4.50}, 4.25},
		{Quote{Bid: 0, Ask: 4.50, Last: 4.40}, 4.40},
		{Quote{Bid: 0, Ask: 0, Close: 4.10}, 4.10},
		{Quote{}, 0},
	}
	for _, c := range cases {
		if got := c.q.MarkPrice(); got != c.want {
			t.Errorf("MarkPrice(%+v) = %.2f, want %.2f", c.q, got, c.want)
		}
	}
}
