package indicators

import (
	"llm-trading-fleet/internal/market"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRSIStrictlyIncreasing verifies RSI is exactly 100 when there are no losses.
func TestRSIStrictlyIncreasing(t *testing.T) {
	period := 14
	values := make([]float64, period+1)
	for i := range values {
		values[i] = 100 + float64(i)
	}
	assert.Equal(t, 100.0, RSI(values, period))
}

// TestRSIMixed checks RS on a hand-computed window.
func TestRSIMixed(t *testing.T) {
	// deltas: +2, -1, +2, -1 -> avg gain 1, avg loss 0.5, RS 2, RSI 66.67
	values := []float64{10, 12, 11, 13, 12}
	assert.InDelta(t, 66.6667, RSI(values, 4), 1e-3)
	assert.Equal(t, 50.0, RSI([]float64{10}, 14), "not enough data is neutral")
}

// TestEMA checks the smoothing multiplier against a hand-computed value.
func TestEMA(t *testing.T) {
	// period 3: seed SMA(1,2,3)=2, multiplier 0.5, next 4 -> 3, next 5 -> 4
	assert.InDelta(t, 4.0, EMA([]float64{1, 2, 3, 4, 5}, 3), 1e-9)
	assert.InDelta(t, 7.0, EMA([]float64{7, 7}, 20), 1e-9, "short series still smooths from the first value")
	assert.Equal(t, 0.0, EMA(nil, 3))
}

// TestMACDFlatSeries is zero when both EMAs coincide.
func TestMACDFlatSeries(t *testing.T) {
	values := make([]float64, 40)
	for i := range values {
		values[i] = 42
	}
	assert.InDelta(t, 0, MACD(values), 1e-9)
}

// TestATR uses the max of the three true-range legs.
func TestATR(t *testing.T) {
	candles := []market.Candle{
		{High: 10, Low: 9, Close: 9.5},
		{High: 11, Low: 10, Close: 10.5}, // TR = max(1, 1.5, 0.5) = 1.5
		{High: 10.8, Low: 8.5, Close: 9}, // TR = max(2.3, 0.3, 2.0) = 2.3
	}
	assert.InDelta(t, (1.5+2.3)/2, ATR(candles, 14), 1e-9)
	assert.InDelta(t, 2.3, ATR(candles, 1), 1e-9)
}

// TestTrailingSeries checks that the display series slides the full calculation.
func TestTrailingSeries(t *testing.T) {
	values := make([]float64, 25)
	for i := range values {
		values[i] = float64(i + 1)
	}
	series := Trailing(values, DisplayPoints, func(v []float64) float64 { return v[len(v)-1] })
	require.Len(t, series, DisplayPoints)
	assert.Equal(t, 16.0, series[0])
	assert.Equal(t, 25.0, series[DisplayPoints-1])

	short := Trailing(values[:3], DisplayPoints, func(v []float64) float64 { return float64(len(v)) })
	assert.Equal(t, []float64{1, 2, 3}, short)
}

// TestCompute fills every field of the set from one series.
func TestCompute(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]market.Candle, 60)
	for i := range candles {
		p := 100 + float64(i)
		candles[i] = market.Candle{OpenTime: start.Add(time.Duration(i) * time.Minute), Open: p - 0.5, High: p + 1, Low: p - 1, Close: p, Volume: 10}
	}

	set := Compute(candles)
	assert.Equal(t, 159.0, set.Price)
	assert.Equal(t, 100.0, set.RSI14)
	assert.Greater(t, set.MACD, 0.0, "rising series has positive MACD")
	assert.InDelta(t, 2.0, set.ATR14, 1e-9)
	assert.Equal(t, 10.0, set.AvgVolume)
	assert.Len(t, set.EMA20Line, DisplayPoints)
	assert.Len(t, set.ATR14Line, DisplayPoints)
}
