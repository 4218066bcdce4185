// Package units provides parsing and formatting for the value asset's
// atomic units.
//
// The asset uses 6 decimal places. All amounts are carried as big.Int in
// the smallest unit (1 whole unit = 1,000,000 atomic units) so that
// arithmetic on stake, credit and exposure is exact.
package units

import (
	"math/big"
	"strings"
)

const Decimals = 6

// ParseAtomic converts a bare integer string of atomic units (e.g. "100000")
// to big.Int. Returns (nil, false) on invalid or negative input.
func ParseAtomic(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

// ParseDecimal converts a decimal string (e.g. "1.50") to its atomic-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func ParseDecimal(s string) (*big.Int, bool) {
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

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	if !ok || result.Sign() < 0 {
		return nil, false
	}
	return result, true
}

// FormatDecimal converts an atomic-unit big.Int to a human-readable decimal
// string with exactly 6 decimal places (e.g. "1.500000").
func FormatDecimal(amount *big.Int) string {
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

// ScaleByFactor multiplies an atomic-unit amount by a float factor and
// floors the result. Used for credit limits derived from stake and a
// reputation factor; big.Float keeps amounts above 2^53 exact.
func ScaleByFactor(amount *big.Int, factor float64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || factor <= 0 {
		return big.NewInt(0)
	}
	f := new(big.Float).SetInt(amount)
	f.Mul(f, big.NewFloat(factor))
	out, _ := f.Int(nil)
	return out
}
