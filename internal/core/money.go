// Package core provides the ledger's domain types and amount handling.
//
// Amounts are decimal values with two fractional digits (centavos). Storage
// backends that keep integer columns convert with ToCents/FromCents.
package core

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits kept on every amount.
const Scale = 2

// maxWholeUnits bounds every stored amount, matching numeric(16,2).
const maxWholeUnits int64 = 100_000_000_000_000

// MaxAmount is the exclusive upper bound on the absolute value of any
// amount, presupuesto or derived total the ledger stores.
var MaxAmount = decimal.New(maxWholeUnits, 0)

var (
	minCents = decimal.New(math.MinInt64, 0)
	maxCents = decimal.New(math.MaxInt64, 0)

	errCentsOverflow = errors.New("amount does not fit in integer centavos")
)

// ParseDecimalToCents converts a decimal string to cents with proper rounding.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators and performs
// half-up rounding on the third decimal place. Thousands separators are not
// supported. Negative values are rejected; zero is returned as 0 with no error
// so callers can decide whether zero is acceptable.
//
// Examples:
//
//	ParseDecimalToCents("12.34") -> 1234, nil
//	ParseDecimalToCents("12,34") -> 1234, nil
//	ParseDecimalToCents("12.345") -> 1235, nil (rounds up)
//	ParseDecimalToCents("12.344") -> 1234, nil
func ParseDecimalToCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	s = strings.ReplaceAll(s, ",", ".")
	if strings.HasPrefix(s, "+") {
		s = s[1:]
	}
	if strings.HasPrefix(s, "-") {
		return 0, ErrInvalidAmount
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, ErrInvalidAmount
	}
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if intPart == "" {
		intPart = "0"
	}
	if intPart == "0" && fracPart == "" && len(parts) == 2 {
		return 0, ErrInvalidAmount
	}
	for _, r := range intPart + fracPart {
		if !unicode.IsDigit(r) {
			return 0, ErrInvalidAmount
		}
	}
	iv, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if iv >= maxWholeUnits {
		return 0, ErrAmountOutOfRange
	}
	// Take first two fractional digits; then half-up rounding on third
	var fracCents int64
	if len(fracPart) > 0 {
		fracCents = int64(fracPart[0]-'0') * 10
		if len(fracPart) > 1 {
			fracCents += int64(fracPart[1] - '0')
			if len(fracPart) > 2 && fracPart[2] >= '5' {
				fracCents++
			}
		}
	}
	return iv*100 + fracCents, nil
}

// ParseAmount parses a strictly positive amount.
func ParseAmount(s string) (decimal.Decimal, error) {
	cents, err := ParseDecimalToCents(s)
	if err != nil {
		return decimal.Zero, err
	}
	if cents <= 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	return FromCents(cents), nil
}

// ParseBudget parses a presupuesto, which may be zero.
func ParseBudget(s string) (decimal.Decimal, error) {
	cents, err := ParseDecimalToCents(s)
	if errors.Is(err, ErrAmountOutOfRange) {
		return decimal.Zero, err
	}
	if err != nil {
		return decimal.Zero, ErrInvalidPresupuesto
	}
	return FromCents(cents), nil
}

// RoundAmount brings an arbitrary decimal to the ledger scale (half-up).
func RoundAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// CheckRange returns ErrAmountOutOfRange when |d| reaches MaxAmount.
func CheckRange(d decimal.Decimal) error {
	if d.Abs().GreaterThanOrEqual(MaxAmount) {
		return fmt.Errorf("%w: %s", ErrAmountOutOfRange, d)
	}
	return nil
}

// ToCents returns the amount as an integer number of centavos. Values that
// do not fit in an int64 are reported as a storage error rather than wrapped.
func ToCents(d decimal.Decimal) (int64, error) {
	c := d.Shift(Scale).Round(0)
	if c.LessThan(minCents) || c.GreaterThan(maxCents) {
		return 0, StorageError("to cents", fmt.Errorf("%s: %w", d, errCentsOverflow))
	}
	return c.IntPart(), nil
}

func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, -Scale)
}
