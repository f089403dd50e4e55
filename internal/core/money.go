package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money converts between major-unit decimal strings on the wire and the
// int64 minor units held in storage.
type Money struct {
	Code     string
	Exponent int32
}

// ParseAmount converts "15.99" into 1599 for exponent 2. Amounts must be
// positive and carry no more fractional digits than the currency allows.
func (m Money) ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q is not a decimal", ErrInvalidInput, s)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	minor := d.Shift(m.Exponent)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("%w: amount %q has more than %d decimal places", ErrInvalidInput, s, m.Exponent)
	}
	if minor.GreaterThan(decimal.NewFromInt(maxMinorUnits)) {
		return 0, fmt.Errorf("%w: amount %q is too large", ErrInvalidInput, s)
	}
	return minor.IntPart(), nil
}

// FormatAmount renders minor units as a fixed-point major-unit string.
func (m Money) FormatAmount(minor int64) string {
	return decimal.New(minor, -m.Exponent).StringFixed(m.Exponent)
}

const maxMinorUnits = 1<<53 - 1
