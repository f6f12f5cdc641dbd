package util

import "testing"

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		x, tick, want float64
	}{
		{6012.30, 0.25, 6012.25},
		{6012.40, 0.25, 6012.50},
		{6012.125, 0.25, 6012.25},
		{4.99, 0.25, 5.00},
		{-0.30, 0.25, -0.25},
		{6012.30, 0, 6012.30},
	}
	for _, tt := range tests {
		if got := RoundToTick(tt.x, tt.tick); got != tt.want {
			t.Errorf("RoundToTick(%v, %v) = %v, want %v", tt.x, tt.tick, got, tt.want)
		}
	}
}

func TestQuantize(t *testing.T) {
	if got := Quantize(5998.87); got != 5998.75 {
		t.Errorf("Quantize(5998.87) = %v, want 5998.75", got)
	}
}

func TestMid(t *testing.T) {
	if got := Mid(4.00, 4.50); got != 4.25 {
		t.Errorf("Mid = %v, want 4.25", got)
	}
	if Mid(0, 4.50) != 0 || Mid(4.50, 4.00) != 0 {
		t.Error("invalid books must return 0")
	}
}

func TestClampIndex(t *testing.T) {
	if ClampIndex(-1, 5) != 0 {
		t.Error("underflow should clamp to 0")
	}
	if ClampIndex(5, 5) != 4 {
		t.Error("overflow should clamp to n-1")
	}
	if ClampIndex(2, 5) != 2 {
		t.Error("in-range index should pass through")
	}
}
