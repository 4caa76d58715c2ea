package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DivScale is the fractional precision used for all engine divisions
// (fee pro-rating, return percentages). Rounding is half-even.
const DivScale = 18

var (
	ErrDivisionByZero = errors.New("division by zero")
)

// ParseError reports a malformed decimal input.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse decimal %q: %v", e.Input, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Decimal is a lossless fixed-point value. All money, price, and size
// quantities in the ledger are Decimals; engine math never touches floats.
type Decimal struct {
	d decimal.Decimal
}

// Zero returns the zero value.
func Zero() Decimal { return Decimal{} }

// ParseDecimal parses a canonical decimal string. Empty strings, NaN,
// infinities, and garbage are rejected with a ParseError.
func ParseDecimal(s string) (Decimal, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Decimal{}, &ParseError{Input: s, Err: errors.New("empty input")}
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Decimal{}, &ParseError{Input: s, Err: err}
	}
	return Decimal{d: d}, nil
}

// MustDecimal parses s or panics. For constants and tests only.
func MustDecimal(s string) Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Canonical formats the value losslessly: no exponent, no superfluous
// trailing zeros, and -0 normalized to 0.
func (a Decimal) Canonical() string {
	s := a.d.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	if s == "-0" || s == "" {
		return "0"
	}
	return s
}

func (a Decimal) String() string { return a.Canonical() }

func (a Decimal) Add(b Decimal) Decimal { return Decimal{d: a.d.Add(b.d)} }
func (a Decimal) Sub(b Decimal) Decimal { return Decimal{d: a.d.Sub(b.d)} }
func (a Decimal) Mul(b Decimal) Decimal { return Decimal{d: a.d.Mul(b.d)} }
func (a Decimal) Neg() Decimal          { return Decimal{d: a.d.Neg()} }
func (a Decimal) Abs() Decimal          { return Decimal{d: a.d.Abs()} }

// Div divides a by b at DivScale fractional digits with half-even rounding.
func (a Decimal) Div(b Decimal) (Decimal, error) {
	if b.d.IsZero() {
		return Decimal{}, ErrDivisionByZero
	}
	// QuoRem truncates toward zero at DivScale digits; comparing twice the
	// remainder with one unit of the divisor decides the half-even step
	// exactly.
	q, r := a.d.QuoRem(b.d, DivScale)
	unit := decimal.New(1, -DivScale)
	half := r.Abs().Mul(decimal.NewFromInt(2)).Cmp(b.d.Abs().Mul(unit))
	if half > 0 || (half == 0 && q.Shift(DivScale).BigInt().Bit(0) == 1) {
		if a.d.Sign()*b.d.Sign() < 0 {
			q = q.Sub(unit)
		} else {
			q = q.Add(unit)
		}
	}
	return Decimal{d: q}, nil
}

// Sign returns -1, 0, or +1.
func (a Decimal) Sign() int { return a.d.Sign() }

// Cmp compares a and b, returning -1, 0, or +1.
func (a Decimal) Cmp(b Decimal) int { return a.d.Cmp(b.d) }

func (a Decimal) IsZero() bool     { return a.d.IsZero() }
func (a Decimal) IsPositive() bool { return a.d.Sign() > 0 }
func (a Decimal) IsNegative() bool { return a.d.Sign() < 0 }

// Equal reports numeric equality regardless of representation.
func (a Decimal) Equal(b Decimal) bool { return a.d.Equal(b.d) }

// MarshalJSON emits the canonical string form.
func (a Decimal) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.Canonical() + `"`), nil
}

// UnmarshalJSON accepts a JSON string or bare number.
func (a *Decimal) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	d, err := ParseDecimal(s)
	if err != nil {
		return err
	}
	*a = d
	return nil
}
