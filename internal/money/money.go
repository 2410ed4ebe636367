// Package money provides decimal amount parsing, formatting, and exact
// fee/rate arithmetic.
//
// Amounts are carried as decimal strings at API boundaries and as big.Int
// micro-units internally (6 decimal places, 1.50 == 1500000 units), so fee
// and conversion math never touches floating point.
package money

import (
	"math/big"
	"strings"
)

// Decimals is the number of fractional digits an amount carries.
const Decimals = 6

var unit = big.NewInt(1_000_000)

// Parse converts a decimal string (e.g. "1.50") to micro-units.
// Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - More than one decimal point is rejected
//   - Fractional digits beyond 6 places are truncated
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// Format converts micro-units to a decimal string with exactly 6
// fractional digits (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// IsPositive reports whether s parses to an amount strictly greater than zero.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}

// PercentOf returns amount * bps / 10000, truncated to micro-units.
// Basis points keep percentage math integral: 0.5% == 50 bps.
func PercentOf(amount *big.Int, bps int64) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	v := new(big.Int).Mul(amount, big.NewInt(bps))
	return v.Quo(v, big.NewInt(10_000))
}

// ApplyRate multiplies micro-units by an exchange rate, truncating the
// result to micro-units.
func ApplyRate(amount *big.Int, rate *big.Rat) *big.Int {
	if amount == nil || rate == nil {
		return big.NewInt(0)
	}
	v := new(big.Rat).SetInt(amount)
	v.Mul(v, rate)
	return new(big.Int).Quo(v.Num(), v.Denom())
}
