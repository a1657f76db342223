// Package money provides shared amount parsing and formatting utilities.
//
// Wallet amounts use 2 decimal places. All arithmetic is done on big.Int
// in the smallest unit (1 GHS = 100 pesewas) so amounts never touch
// floating point.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 2

// Supported currency codes. The platform settles in GHS; the list exists
// so a wallet's currency is validated rather than trusted.
var supportedCurrencies = map[string]bool{
	"GHS": true,
	"NGN": true,
	"USD": true,
}

// ValidCurrency reports whether code is a supported ISO currency code.
func ValidCurrency(code string) bool {
	return supportedCurrencies[code]
}

// Parse converts a decimal string (e.g. "100.50") to its smallest-unit
// big.Int representation (10050). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - More than 2 fraction digits are rejected (no silent truncation of money)
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
	if whole == "" || len(frac) > Decimals {
		return nil, false
	}

	for len(frac) < Decimals {
		frac += "0"
	}

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a decimal string with
// exactly 2 fraction digits (e.g. "100.50").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
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

// IsPositive reports whether s parses to a strictly positive amount.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}

// Add returns a + b as formatted decimal strings. Invalid inputs count as zero.
func Add(a, b string) string {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return Format(new(big.Int).Add(av, bv))
}

// Fee computes amount * bps / 10_000, rounding down. The remainder stays
// with the payee, never the platform.
func Fee(amount string, bps int64) (fee, net string, ok bool) {
	v, valid := Parse(amount)
	if !valid || bps < 0 {
		return "", "", false
	}
	f := new(big.Int).Mul(v, big.NewInt(bps))
	f.Div(f, big.NewInt(10_000))
	n := new(big.Int).Sub(v, f)
	return Format(f), Format(n), true
}

// Cmp compares two decimal strings; invalid inputs count as zero.
func Cmp(a, b string) int {
	av, _ := Parse(a)
	bv, _ := Parse(b)
	if av == nil {
		av = big.NewInt(0)
	}
	if bv == nil {
		bv = big.NewInt(0)
	}
	return av.Cmp(bv)
}
