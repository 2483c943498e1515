package currency

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestConvert_UsdToEur(t *testing.T) {
	rates, err := NewRateTable([]Rate{{Base: "USD", Target: "EUR", Value: d("0.92")}})
	require.NoError(t, err)

	got, err := Convert(decimal.NewFromInt(100), "USD", "EUR", rates)
	require.NoError(t, err)
	assert.Equal(t, "92.00", got.StringFixed(2))
	assert.True(t, got.Equal(d("92")))
}

func TestConvert_SameCurrencyRoundsOnly(t *testing.T) {
	cases := []string{"0", "12.345", "-7.005", "19.994", "1000000.129"}

	for _, c := range cases {
		got, err := Convert(d(c), "eur", "EUR", nil)
		require.NoError(t, err)
		assert.True(t, got.Equal(d(c).Round(2)), "amount %s", c)
	}
}

func TestConvert_MissingRate(t *testing.T) {
	rates := RateTable{{Base: "USD", Target: "EUR"}: d("0.92")}

	_, err := Convert(d("10"), "GBP", "EUR", rates)
	assert.ErrorIs(t, err, ErrRateNotFound)

	_, err = Convert(d("10"), "USD", "JPY", nil)
	assert.ErrorIs(t, err, ErrRateNotFound)
}

func TestConvert_InvalidCode(t *testing.T) {
	for _, code := range []string{"", "US", "USDX", "U$D", "12A"} {
		_, err := Convert(d("1"), code, "EUR", nil)
		assert.ErrorIs(t, err, ErrInvalidCurrency, "code %q", code)
	}
}

func TestConvert_UsesInverseWhenOnlyReverseKnown(t *testing.T) {
	rates := RateTable{{Base: "EUR", Target: "USD"}: d("1.25")}

	got, err := Convert(d("100"), "USD", "EUR", rates)
	require.NoError(t, err)
	assert.True(t, got.Equal(d("80")), "got %s", got)
}

func TestConvert_RoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	pairs := []Rate{
		{Base: "USD", Target: "EUR", Value: d("0.92")},
		{Base: "GBP", Target: "JPY", Value: d("187.4312")},
		{Base: "CHF", Target: "SEK", Value: d("12.05")},
	}

	for _, p := range pairs {
		forward := RateTable{p.Pair(): p.Value}
		inverse := RateTable{{Base: p.Target, Target: p.Base}: decimal.NewFromInt(1).DivRound(p.Value, inverseScale)}

		// 往返误差：正向舍入 0.005 经反向汇率放大，再加反向舍入 0.005
		tolerance := d("0.005").Div(p.Value).Add(d("0.005"))

		for i := 0; i < 200; i++ {
			x := decimal.New(rnd.Int63n(10_000_000), -2)

			there, err := Convert(x, p.Base, p.Target, forward)
			require.NoError(t, err)
			back, err := Convert(there, p.Target, p.Base, inverse)
			require.NoError(t, err)

			diff := back.Sub(x).Abs()
			assert.True(t, diff.LessThanOrEqual(tolerance),
				"%s %s->%s->%s = %s (diff %s)", x, p.Base, p.Target, p.Base, back, diff)
		}
	}
}

func TestConvert_Deterministic(t *testing.T) {
	rates := RateTable{{Base: "USD", Target: "EUR"}: d("0.9137")}

	first, err := Convert(d("33.33"), "USD", "EUR", rates)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Convert(d("33.33"), "USD", "EUR", rates)
		require.NoError(t, err)
		assert.True(t, first.Equal(again))
	}
}

func TestNewRateTable(t *testing.T) {
	table, err := NewRateTable([]Rate{{Base: " usd", Target: "eur ", Value: d("0.92")}})
	require.NoError(t, err)

	rate, ok := table.Lookup("USD", "EUR")
	require.True(t, ok)
	assert.True(t, rate.Equal(d("0.92")))
	assert.Len(t, table.Rates(), 1)

	_, err = NewRateTable([]Rate{{Base: "USD", Target: "EUR", Value: decimal.Zero}})
	assert.Error(t, err)

	_, err = NewRateTable([]Rate{{Base: "USDT", Target: "EUR", Value: d("1")}})
	assert.ErrorIs(t, err, ErrInvalidCurrency)
}
