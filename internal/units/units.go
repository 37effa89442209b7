// Package units converts human token amounts ("0.01") to integral base units
// (wei for 18-decimal tokens) and back.
package units

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultDecimals is used for native gas tokens and unknown ERC-20 tokens.
const DefaultDecimals int32 = 18

// Parse converts a decimal token amount into base units, truncating any
// precision finer than one base unit.
func Parse(value string, decimals int32) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative amount %q", value)
	}
	return d.Shift(decimals).Truncate(0), nil
}

// MustParse is Parse for constants and tests.
func MustParse(value string, decimals int32) decimal.Decimal {
	d, err := Parse(value, decimals)
	if err != nil {
		panic(err)
	}
	return d
}

// Ether parses an amount of an 18-decimal token.
func Ether(value string) decimal.Decimal {
	return MustParse(value, DefaultDecimals)
}

// Format renders base units as a token amount without trailing zeros.
func Format(amount decimal.Decimal, decimals int32) string {
	return amount.Shift(-decimals).String()
}

// One returns one whole token expressed in base units.
func One(decimals int32) decimal.Decimal {
	return decimal.New(1, decimals)
}

// BigInt returns the base-unit amount as a big.Int for transaction building.
func BigInt(amount decimal.Decimal) *big.Int {
	return amount.Truncate(0).BigInt()
}
