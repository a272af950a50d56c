// Package money holds amounts as integer cents. Arithmetic never touches
// floating point; decimal text is converted exactly at the edges.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Cents is an amount in minor units (1/100 of the currency unit).
type Cents int64

// ErrInvalidAmount is returned when text cannot be read as an amount.
var ErrInvalidAmount = errors.New("money: invalid amount")

var hundred = decimal.NewFromInt(100)

// FromDecimal converts d to cents, rounding half away from zero.
func FromDecimal(d decimal.Decimal) Cents {
	return Cents(d.Mul(hundred).Round(0).IntPart())
}

// Parse reads a decimal string such as "85.00" or "9.5".
// More than two fractional digits is an error rather than a silent rounding.
func Parse(s string) (Cents, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.Exponent() < -2 && !d.Equal(d.Round(2)) {
		return 0, fmt.Errorf("%w: %q has sub-cent precision", ErrInvalidAmount, s)
	}
	return FromDecimal(d), nil
}

// MustParse is Parse that panics; intended for constants and tests.
func MustParse(s string) Cents {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// FromFloat converts a float amount of currency units, rounding to the
// nearest cent. Prefer Parse for anything user supplied.
func FromFloat(f float64) Cents {
	return FromDecimal(decimal.NewFromFloat(f))
}

// Decimal returns the amount in currency units.
func (c Cents) Decimal() decimal.Decimal {
	return decimal.New(int64(c), -2)
}

// String formats the amount with exactly two decimals, e.g. "21.00".
func (c Cents) String() string {
	return c.Decimal().StringFixed(2)
}

// Sum adds amounts.
func Sum(amounts ...Cents) Cents {
	var total Cents
	for _, a := range amounts {
		total += a
	}
	return total
}

// Percent returns ratio*c rounded to the nearest cent.
func Percent(c Cents, ratio float64) Cents {
	return FromDecimal(c.Decimal().Mul(decimal.NewFromFloat(ratio)))
}

// NonNegative floors c at zero.
func (c Cents) NonNegative() Cents {
	if c < 0 {
		return 0
	}
	return c
}

// MarshalJSON encodes the amount as a number with two decimals.
func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (c *Cents) UnmarshalJSON(b []byte) error {
	v, err := Parse(strings.Trim(string(b), `"`))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// UnmarshalYAML accepts "2.50" or 2.50.
func (c *Cents) UnmarshalYAML(node *yaml.Node) error {
	v, err := Parse(node.Value)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// MarshalYAML writes the amount as a decimal string.
func (c Cents) MarshalYAML() (any, error) {
	return c.String(), nil
}
