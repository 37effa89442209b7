package units

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScalesToBaseUnits(t *testing.T) {
	got, err := Parse("0.01", DefaultDecimals)
	require.NoError(t, err)
	assert.Equal(t, "10000000000000000", got.String())

	usdc, err := Parse("1.5", 6)
	require.NoError(t, err)
	assert.Equal(t, "1500000", usdc.String())
}

func TestParseTruncatesSubUnitPrecision(t *testing.T) {
	got, err := Parse("0.0000015", 6)
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(1)))
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "  ", "abc", "-1", "1e"} {
		_, err := Parse(in, DefaultDecimals)
		assert.Error(t, err, "input %q", in)
	}
}

func TestFormatRoundTrip(t *testing.T) {
	amount := Ether("0.011")
	assert.Equal(t, "0.011", Format(amount, DefaultDecimals))
	assert.Equal(t, "11000000000000000", BigInt(amount).String())
	assert.True(t, One(6).Equal(decimal.NewFromInt(1_000_000)))
}
