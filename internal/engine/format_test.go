package engine

import (
	"math"
	"testing"
)

func TestFormatDouble(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{100, "100.0"},
		{0, "0.0"},
		{math.Copysign(0, -1), "-0.0"},
		{-35, "-35.0"},
		{0.5, "0.5"},
		{481.0, "481.0"},
		{125, "125.0"},
		{12.345, "12.345"},
		{0.001, "0.001"},
		{0.0001, "1.0E-4"},
		{0.00015, "1.5E-4"},
		{1e7, "1.0E7"},
		{12345678, "1.2345678E7"},
		{9999999, "9999999.0"},
		{math.NaN(), "NaN"},
		{math.Inf(1), "Infinity"},
		{math.Inf(-1), "-Infinity"},
	}
	for _, tt := range tests {
		if got := formatDouble(tt.in); got != tt.want {
			t.Errorf("formatDouble(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
