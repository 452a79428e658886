package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is the closed set of currencies a packet or ledger account can hold.
// Amounts are always int64 counts of the currency's minor unit.
type Currency string

const (
	CurrencyUSDT   Currency = "USDT"
	CurrencyTRX    Currency = "TRX"
	CurrencyCNY    Currency = "CNY"
	CurrencyPoints Currency = "POINTS"
)

var currencyPrecision = map[Currency]int32{
	CurrencyUSDT:   2,
	CurrencyTRX:    2,
	CurrencyCNY:    2,
	CurrencyPoints: 0,
}

// ParseCurrency normalizes a currency code and rejects unknown ones.
func ParseCurrency(raw string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(raw)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, raw)
	}
	return c, nil
}

func (c Currency) Valid() bool {
	_, ok := currencyPrecision[c]
	return ok
}

// Precision is the number of fractional digits the currency carries.
func (c Currency) Precision() int32 {
	return currencyPrecision[c]
}

// MinUnit is the smallest representable amount, in minor units.
func (c Currency) MinUnit() int64 {
	return 1
}

// ParseAmount converts a decimal string such as "3.17" into minor units.
// Values with more fractional digits than the currency allows are rejected rather than rounded.
func (c Currency) ParseAmount(raw string) (int64, error) {
	if !c.Valid() {
		return 0, ErrInvalidCurrency
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: invalid amount %q", ErrInvalidAmountOrShareCount, raw)
	}
	return c.FromDecimal(d)
}

// FromDecimal converts a decimal major-unit value into minor units.
func (c Currency) FromDecimal(d decimal.Decimal) (int64, error) {
	scaled := d.Shift(c.Precision())
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more than %d fractional digits", ErrInvalidAmountOrShareCount, d.String(), c.Precision())
	}
	if scaled.GreaterThan(decimal.NewFromInt(maxMinorUnits)) || scaled.LessThan(decimal.NewFromInt(-maxMinorUnits)) {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidAmountOrShareCount, d.String())
	}
	return scaled.IntPart(), nil
}

// Decimal returns the major-unit value of a minor-unit amount.
func (c Currency) Decimal(minor int64) decimal.Decimal {
	return decimal.New(minor, -c.Precision())
}

// FormatAmount renders a minor-unit amount with exactly Precision fractional digits.
func (c Currency) FormatAmount(minor int64) string {
	return c.Decimal(minor).StringFixed(c.Precision())
}

// maxMinorUnits keeps every amount well inside int64 even after a penalty multiplier is applied.
const maxMinorUnits = int64(1) << 52
