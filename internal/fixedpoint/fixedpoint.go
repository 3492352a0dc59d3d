// Package fixedpoint implements the integer arithmetic used for prices and
// volumes. Every value is a *big.Int scaled by 10^Precision; no floating
// point is involved anywhere on the candle path.
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places carried by a scaled value.
const Precision = 18

var (
	// ErrDivByZero is returned when a denominator is zero.
	ErrDivByZero = errors.New("fixedpoint: division by zero")

	scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(Precision), nil)
)

// Scale returns 10^Precision. The result is a fresh copy.
func Scale() *big.Int {
	return new(big.Int).Set(scale)
}

// MulDiv returns num * 10^Precision / den, truncated toward zero.
func MulDiv(num, den *big.Int) (*big.Int, error) {
	if den == nil || den.Sign() == 0 {
		return nil, ErrDivByZero
	}
	out := new(big.Int).Mul(num, scale)
	return out.Quo(out, den), nil
}

// Max returns a copy of the larger of a and b.
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Min returns a copy of the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Add returns a + b without touching either operand.
func Add(a, b *big.Int) *big.Int {
	return new(big.Int).Add(a, b)
}

// Copy returns a deep copy of v. A nil input yields zero.
func Copy(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Parse reads a base-10 integer string.
func Parse(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("fixedpoint: invalid integer %q", s)
	}
	return v, nil
}

// String renders v in base 10; nil renders as "0".
func String(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// ToDecimal converts a scaled value into its human-readable decimal form,
// e.g. 2500000000000000000 -> 2.5.
func ToDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -Precision)
}
