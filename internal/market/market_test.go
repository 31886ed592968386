package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBaseSymbol strips quote currencies, contract markers and separators.
func TestBaseSymbol(t *testing.T) {
	cases := map[string]string{
		"BTC":           "BTC",
		"btcusdt":       "BTC",
		"BTC/USDT":      "BTC",
		"btc/usdt:perp": "BTC",
		"ETH-PERP":      "ETH",
		"SOL_USDC":      "SOL",
		"BTCUSDT-PERP":  "BTC",
		"DOGEBUSD":      "DOGE",
		"ETHFDUSD":      "ETH",
		" xrp ":         "XRP",
		"":              "",
	}
	for in, want := range cases {
		assert.Equal(t, want, BaseSymbol(in), "input %q", in)
	}
	assert.Equal(t, "BTCUSDT", ExchangeSymbol("btc", "usdt"))
	assert.Equal(t, "ETHUSDT", ExchangeSymbol("ETH/USDT", ""))
}

// TestSyntheticDeterministicWithinBucket checks the fallback series is stable inside one bucket.
func TestSyntheticDeterministicWithinBucket(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 1, 0, 0, time.UTC)
	a := SyntheticCandles("BTC", "3m", 30, at)
	b := SyntheticCandles("BTC", "3m", 30, at.Add(5*time.Minute))
	require.Len(t, a, 30)
	assert.Equal(t, a, b, "same bucket must give the same series")

	c := SyntheticCandles("BTC", "3m", 30, at.Add(SyntheticBucket))
	assert.NotEqual(t, a[29].Close, c[29].Close, "a new bucket reseeds")

	for i := 1; i < len(a); i++ {
		assert.True(t, a[i].OpenTime.After(a[i-1].OpenTime), "candles must be oldest first")
		assert.GreaterOrEqual(t, a[i].High, a[i].Low)
	}
}

// TestTimeframeDuration parses exchange-style intervals.
func TestTimeframeDuration(t *testing.T) {
	assert.Equal(t, 3*time.Minute, timeframeDuration("3m"))
	assert.Equal(t, 4*time.Hour, timeframeDuration("4h"))
	assert.Equal(t, 24*time.Hour, timeframeDuration("1d"))
	assert.Equal(t, time.Minute, timeframeDuration("bogus"))
}
