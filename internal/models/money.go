package models

import (
	"fmt"
	"math"
)

// DollarsToCents converts a dollar amount from the API edge into int64
// cents. Amounts with more than 2 decimal places are rejected rather than
// silently rounded. Uses math.Round to absorb float representation noise
// (e.g. 1.10 * 100 = 110.00000000000001).
// Above this magnitude float64 can no longer represent tenths of a cent
// exactly (2^53 / 1000 dollars), so the decimal check below would be
// meaningless and the resulting cents inexact.
const maxAbsDollars = 1e12

func DollarsToCents(f float64) (int64, error) {
	if math.IsNaN(f) || math.Abs(f) >= maxAbsDollars {
		return 0, fmt.Errorf("monetary value out of range")
	}
	scaled := math.Round(f * 1000)
	if math.Mod(scaled, 10) != 0 {
		return 0, fmt.Errorf("monetary values must have at most 2 decimal places")
	}
	return int64(math.Round(f * 100)), nil
}

// CentsToDollars converts int64 cents back to a dollar amount for responses.
func CentsToDollars(c int64) float64 {
	return float64(c) / 100.0
}
