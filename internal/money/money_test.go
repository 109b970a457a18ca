package money

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestFromMajorRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name   string
		amount float64
	}{
		{name: "nan", amount: math.NaN()},
		{name: "positive_inf", amount: math.Inf(1)},
		{name: "negative_inf", amount: math.Inf(-1)},
		{name: "fractional_paise", amount: 12.345},
		{name: "overflow", amount: 1e30},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromMajor(tc.amount)
			if !errors.Is(err, ErrInvalidAmount) {
				t.Fatalf("expected ErrInvalidAmount, got %v", err)
			}
		})
	}
}

func TestFromMajorExact(t *testing.T) {
	got, err := FromMajor(1234.5)
	if err != nil {
		t.Fatalf("from major: %v", err)
	}
	if got.Minor() != 123450 {
		t.Fatalf("expected 123450 paise, got %d", got.Minor())
	}
}

func TestParseMajor(t *testing.T) {
	got, err := ParseMajor(" 99.99 ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Minor() != 9999 {
		t.Fatalf("expected 9999, got %d", got.Minor())
	}

	if _, err := ParseMajor("1.001"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for 1.001, got %v", err)
	}
	if _, err := ParseMajor("abc"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for abc, got %v", err)
	}
}

func TestRoundTripIsLossless(t *testing.T) {
	for _, minor := range []int64{0, 1, -1, 99, 100, 123456789, -98765, math.MaxInt64, math.MinInt64} {
		m := FromMinor(minor)
		back := RoundMajor(m.ToMajorUnits())
		if back != m {
			t.Fatalf("round trip changed %d to %d", minor, back.Minor())
		}
		exact, err := FromDecimal(m.ToMajorUnits())
		if err != nil || exact != m {
			t.Fatalf("exact round trip changed %d: %v %v", minor, exact, err)
		}
	}
}

func TestRoundMajorHalfAwayFromZero(t *testing.T) {
	if got := RoundMajor(decimal.RequireFromString("10.005")); got.Minor() != 1001 {
		t.Fatalf("expected 1001, got %d", got.Minor())
	}
	if got := RoundMajor(decimal.RequireFromString("-10.005")); got.Minor() != -1001 {
		t.Fatalf("expected -1001, got %d", got.Minor())
	}
}

func TestArithmetic(t *testing.T) {
	a := FromMinor(1050)
	b := FromMinor(275)
	if got := a.Add(b).Minor(); got != 1325 {
		t.Fatalf("add = %d", got)
	}
	if got := b.Sub(a).Minor(); got != -775 {
		t.Fatalf("sub = %d", got)
	}
	if got := Sum(a, b, b.Neg()).Minor(); got != 1050 {
		t.Fatalf("sum = %d", got)
	}
}

func TestFormat(t *testing.T) {
	cases := []struct {
		minor int64
		want  string
	}{
		{0, "₹0.00"},
		{5, "₹0.05"},
		{99900, "₹999.00"},
		{100000, "₹1,000.00"},
		{12345678, "₹1,23,456.78"},
		{1234567890, "₹1,23,45,678.90"},
		{-51200, "-₹512.00"},
		{-12345678, "-₹1,23,456.78"},
	}
	for _, tc := range cases {
		if got := FromMinor(tc.minor).Format(); got != tc.want {
			t.Fatalf("format(%d) = %q, want %q", tc.minor, got, tc.want)
		}
	}
}

func TestJSONIsIntegerMinorUnits(t *testing.T) {
	raw, err := json.Marshal(struct {
		Amount Money `json:"amount"`
	}{Amount: FromMinor(12345)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"amount":12345}` {
		t.Fatalf("unexpected json %s", raw)
	}

	var decoded Money
	if err := json.Unmarshal([]byte("12.5"), &decoded); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for float json, got %v", err)
	}
}

func TestScan(t *testing.T) {
	var m Money
	if err := m.Scan(int64(42)); err != nil || m.Minor() != 42 {
		t.Fatalf("scan int64: %v %d", err, m.Minor())
	}
	if err := m.Scan([]byte("-7")); err != nil || m.Minor() != -7 {
		t.Fatalf("scan bytes: %v %d", err, m.Minor())
	}
	if err := m.Scan(3.5); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected float scan to fail, got %v", err)
	}
}

func TestArithmeticSaturatesInsteadOfWrapping(t *testing.T) {
	maxM, minM := FromMinor(math.MaxInt64), FromMinor(math.MinInt64)
	cases := []struct {
		name string
		got  Money
		want int64
	}{
		{name: "add_over_max", got: maxM.Add(FromMinor(1)), want: math.MaxInt64},
		{name: "add_under_min", got: minM.Add(FromMinor(-1)), want: math.MinInt64},
		{name: "sub_over_max", got: maxM.Sub(FromMinor(-1)), want: math.MaxInt64},
		{name: "sub_under_min", got: minM.Sub(FromMinor(1)), want: math.MinInt64},
		{name: "neg_min", got: minM.Neg(), want: math.MaxInt64},
		{name: "sum_over_max", got: Sum(maxM, FromMinor(5), FromMinor(-5)), want: math.MaxInt64 - 5},
		{name: "in_range", got: FromMinor(-7).Sub(FromMinor(-10)), want: 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got.Minor() != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, tc.got.Minor())
			}
		})
	}
}
