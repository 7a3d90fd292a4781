// Package usdc parses and formats USDC amounts.
//
// USDC uses 6 decimal places. Amounts travel as decimal strings and are
// compared as big.Int in the smallest unit (1 USDC = 1,000,000 units).
package usdc

import (
	"errors"
	"math/big"
	"strings"
)

const Decimals = 6

var (
	ErrEmpty     = errors.New("usdc: empty amount")
	ErrNegative  = errors.New("usdc: negative amount")
	ErrMalformed = errors.New("usdc: malformed amount")
	ErrPrecision = errors.New("usdc: more than 6 decimal places")
)

// Parse converts a decimal string (e.g. "1.50") to smallest units
// (1500000). It rejects empty, negative and malformed strings and any
// amount that cannot be represented exactly.
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmpty
	}
	if strings.HasPrefix(s, "-") {
		return nil, ErrNegative
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" || (hasDot && frac == "") || !digits(whole) || !digits(frac) {
		return nil, ErrMalformed
	}
	if len(frac) > Decimals {
		return nil, ErrPrecision
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, ErrMalformed
	}
	return result, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) *big.Int {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format converts smallest units to a decimal string with exactly 6
// decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// Compare parses both amounts and returns -1, 0 or +1.
func Compare(a, b string) (int, error) {
	x, err := Parse(a)
	if err != nil {
		return 0, err
	}
	y, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return x.Cmp(y), nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
