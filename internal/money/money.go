// Package money holds exact minor-unit amounts in the system base currency.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// Currency is the single system-wide currency.
	Currency = "INR"
	// MinorUnitExponent is the number of decimal places between major and minor units.
	MinorUnitExponent = 2
)

var ErrInvalidAmount = errors.New("invalid_amount")

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// Money is an integer amount of paise. The zero value is zero rupees.
type Money struct {
	minor int64
}

// FromMinor builds Money from an integer minor-unit amount.
func FromMinor(minor int64) Money {
	return Money{minor: minor}
}

// Zero returns zero rupees.
func Zero() Money {
	return Money{}
}

// FromMajor converts a float major-unit amount. It fails when the input is not
// finite or carries fractions of a paisa.
func FromMajor(amount float64) (Money, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return Money{}, fmt.Errorf("%w: %v is not finite", ErrInvalidAmount, amount)
	}
	return FromDecimal(decimal.NewFromFloat(amount))
}

// ParseMajor parses a decimal major-unit string such as "1234.50".
func ParseMajor(raw string) (Money, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Money{}, fmt.Errorf("%w: empty amount", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	return FromDecimal(d)
}

// FromDecimal converts an exact major-unit decimal. No rounding is applied.
func FromDecimal(amount decimal.Decimal) (Money, error) {
	minor := amount.Shift(MinorUnitExponent)
	if !minor.IsInteger() {
		return Money{}, fmt.Errorf("%w: %s has fractional minor units", ErrInvalidAmount, amount.String())
	}
	if minor.GreaterThan(maxMinor) || minor.LessThan(minMinor) {
		return Money{}, fmt.Errorf("%w: %s out of range", ErrInvalidAmount, amount.String())
	}
	return Money{minor: minor.IntPart()}, nil
}

// RoundMajor converts a major-unit decimal, rounding half away from zero to the
// nearest paisa. Values outside the int64 range saturate.
func RoundMajor(amount decimal.Decimal) Money {
	minor := amount.Shift(MinorUnitExponent).Round(0)
	switch {
	case minor.GreaterThan(maxMinor):
		return Money{minor: math.MaxInt64}
	case minor.LessThan(minMinor):
		return Money{minor: math.MinInt64}
	}
	return Money{minor: minor.IntPart()}
}

func (m Money) Minor() int64 { return m.minor }

func (m Money) IsZero() bool { return m.minor == 0 }

func (m Money) Sign() int {
	switch {
	case m.minor > 0:
		return 1
	case m.minor < 0:
		return -1
	}
	return 0
}

// Add returns m + other. Like RoundMajor, results outside the int64 range
// saturate at the bound instead of wrapping.
func (m Money) Add(other Money) Money {
	sum := m.minor + other.minor
	switch {
	case other.minor > 0 && sum < m.minor:
		return Money{minor: math.MaxInt64}
	case other.minor < 0 && sum > m.minor:
		return Money{minor: math.MinInt64}
	}
	return Money{minor: sum}
}

// Sub returns m - other, saturating like Add.
func (m Money) Sub(other Money) Money {
	diff := m.minor - other.minor
	switch {
	case other.minor < 0 && diff < m.minor:
		return Money{minor: math.MaxInt64}
	case other.minor > 0 && diff > m.minor:
		return Money{minor: math.MinInt64}
	}
	return Money{minor: diff}
}

// Neg returns -m. The negation of the smallest amount saturates.
func (m Money) Neg() Money {
	if m.minor == math.MinInt64 {
		return Money{minor: math.MaxInt64}
	}
	return Money{minor: -m.minor}
}

// Sum adds every amount.
func Sum(amounts ...Money) Money {
	var total Money
	for _, amount := range amounts {
		total = total.Add(amount)
	}
	return total
}

// ToMajorUnits returns the amount in rupees for display.
func (m Money) ToMajorUnits() decimal.Decimal {
	return decimal.New(m.minor, -MinorUnitExponent)
}

func (m Money) String() string {
	return m.ToMajorUnits().StringFixed(MinorUnitExponent) + " " + Currency
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(m.minor, 10)), nil
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var minor int64
	if err := json.Unmarshal(data, &minor); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, string(data))
	}
	m.minor = minor
	return nil
}

func (m Money) Value() (driver.Value, error) {
	return m.minor, nil
}

func (m *Money) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		m.minor = 0
	case int64:
		m.minor = v
	case []byte:
		return m.scanString(string(v))
	case string:
		return m.scanString(v)
	default:
		return fmt.Errorf("%w: unsupported scan type %T", ErrInvalidAmount, src)
	}
	return nil
}

func (m *Money) scanString(raw string) error {
	minor, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	m.minor = minor
	return nil
}
