// Package money handles fixed-point crypto amounts.
//
// Amounts are decimal strings with up to 8 fractional digits (the
// precision of the NUMERIC(30,8) columns). Arithmetic is done on
// big.Int values scaled to 1e-8 units so no float ever touches a
// balance.
package money

import (
	"errors"
	"math/big"
	"strings"
)

// Decimals is the fixed fractional precision for all amounts.
const Decimals = 8

var ErrInvalidAmount = errors.New("invalid amount")

var scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Parse converts a decimal string like "50.25" into 1e-8 units.
// Extra fractional digits beyond 8 are rejected, not truncated.
func Parse(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidAmount
	}
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, ErrInvalidAmount
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return nil, ErrInvalidAmount
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return nil, ErrInvalidAmount
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	units, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	if neg {
		units.Neg(units)
	}
	return units, nil
}

// Format converts 1e-8 units back to a decimal string with 8 digits.
func Format(units *big.Int) string {
	if units == nil {
		return "0.00000000"
	}
	neg := units.Sign() < 0
	s := new(big.Int).Abs(units).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	out := s[:point] + "." + s[point:]
	if neg {
		out = "-" + out
	}
	return out
}

// Add returns a+b for two decimal strings.
func Add(a, b string) (string, error) {
	ua, err := Parse(a)
	if err != nil {
		return "", err
	}
	ub, err := Parse(b)
	if err != nil {
		return "", err
	}
	return Format(new(big.Int).Add(ua, ub)), nil
}

// Sub returns a-b for two decimal strings.
func Sub(a, b string) (string, error) {
	ua, err := Parse(a)
	if err != nil {
		return "", err
	}
	ub, err := Parse(b)
	if err != nil {
		return "", err
	}
	return Format(new(big.Int).Sub(ua, ub)), nil
}

// Cmp compares two decimal strings: -1 if a<b, 0 if equal, 1 if a>b.
func Cmp(a, b string) (int, error) {
	ua, err := Parse(a)
	if err != nil {
		return 0, err
	}
	ub, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return ua.Cmp(ub), nil
}

// IsPositive reports whether the amount parses and is > 0.
func IsPositive(a string) bool {
	u, err := Parse(a)
	return err == nil && u.Sign() > 0
}

// FeeSplit computes the platform fee and merchant amount for a held
// amount at the given fee percentage (basis points would be overkill;
// the platform fee is a whole-number percent). The fee is floored to
// 1e-8 units so fee + merchant always equals amount exactly.
func FeeSplit(amount string, feePct int64) (fee, merchant string, err error) {
	if feePct < 0 || feePct > 100 {
		return "", "", ErrInvalidAmount
	}
	units, err := Parse(amount)
	if err != nil {
		return "", "", err
	}
	if units.Sign() < 0 {
		return "", "", ErrInvalidAmount
	}
	feeUnits := new(big.Int).Mul(units, big.NewInt(feePct))
	feeUnits.Quo(feeUnits, big.NewInt(100))
	merchantUnits := new(big.Int).Sub(units, feeUnits)
	return Format(feeUnits), Format(merchantUnits), nil
}

// FromCents converts a fiat price in cents and a crypto price (crypto
// units per one fiat unit, as a decimal string) into a crypto amount.
func FromCents(cents int64, unitsPerFiat string) (string, error) {
	if cents < 0 {
		return "", ErrInvalidAmount
	}
	rate, err := Parse(unitsPerFiat)
	if err != nil || rate.Sign() <= 0 {
		return "", ErrInvalidAmount
	}
	// cents * rate / 100, all in 1e-8 units
	out := new(big.Int).Mul(big.NewInt(cents), rate)
	out.Quo(out, big.NewInt(100))
	return Format(out), nil
}
