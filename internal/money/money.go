package money

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"
)

// Cents is an amount in integer minor currency units.
type Cents int64

// Multiplier is a payout multiplier in integer hundredths (250 == 2.50x).
type Multiplier int64

const (
	// One is the 1.00x multiplier.
	One Multiplier = 100
)

var ErrInvalidAmount = errors.New("invalid decimal amount")

var (
	maxCents = decimal.NewFromInt(math.MaxInt64)
	minCents = decimal.NewFromInt(math.MinInt64)
)

// ParseCents converts a decimal string ("12.5", "3", "0.019") to cents.
// Digits past the second decimal place are truncated, never rounded. Values
// that do not fit in int64 cents are rejected.
func ParseCents(s string) (Cents, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	d = d.Shift(2).Truncate(0)
	if d.GreaterThan(maxCents) || d.LessThan(minCents) {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidAmount, s)
	}
	return Cents(d.IntPart()), nil
}

// MustCents is ParseCents for constants and tests.
func MustCents(s string) Cents {
	c, err := ParseCents(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Cents) String() string {
	return decimal.New(int64(c), -2).StringFixed(2)
}

func (c Cents) MarshalJSON() ([]byte, error) {
	return strconv.AppendQuote(nil, c.String()), nil
}

// UnmarshalJSON accepts both "12.34" and 12.34 without going through float64.
func (c *Cents) UnmarshalJSON(data []byte) error {
	raw := string(bytes.Trim(bytes.TrimSpace(data), `"`))
	if raw == "" || raw == "null" {
		*c = 0
		return nil
	}
	v, err := ParseCents(raw)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ParseMultiplier converts "2.00" into 200 hundredths, truncating extra digits.
func ParseMultiplier(s string) (Multiplier, error) {
	c, err := ParseCents(s)
	if err != nil {
		return 0, err
	}
	return Multiplier(c), nil
}

func MustMultiplier(s string) Multiplier {
	m, err := ParseMultiplier(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Multiplier) String() string {
	return Cents(m).String()
}

// MarshalJSON writes the multiplier as a bare JSON number, e.g. 2.50.
func (m Multiplier) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Multiplier) UnmarshalJSON(data []byte) error {
	var c Cents
	if err := c.UnmarshalJSON(data); err != nil {
		return err
	}
	*m = Multiplier(c)
	return nil
}

// Payout is floor(amount × multiplier) in cents.
func Payout(amount Cents, m Multiplier) Cents {
	return amount * Cents(m) / 100
}
