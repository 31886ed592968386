package indicators

import (
	"llm-trading-fleet/internal/market"
	"math"
)

// DisplayPoints is the length of the trailing series shown to the model.
const DisplayPoints = 10

const (
	MACDFast = 12
	MACDSlow = 26
)

// EMA computes an exponential moving average over the full series.
// It seeds with the SMA of the first period values (or the first value when the series is shorter)
// and smooths with multiplier 2/(period+1).
func EMA(values []float64, period int) float64 {
	if len(values) == 0 || period <= 0 {
		return 0
	}
	multiplier := 2.0 / (float64(period) + 1.0)

	start := 1
	ema := values[0]
	if len(values) >= period {
		sum := 0.0
		for i := 0; i < period; i++ {
			sum += values[i]
		}
		ema = sum / float64(period)
		start = period
	}
	for i := start; i < len(values); i++ {
		ema = values[i]*multiplier + ema*(1-multiplier)
	}
	return ema
}

// MACD is the fast EMA minus the slow EMA (12/26).
func MACD(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return EMA(values, MACDFast) - EMA(values, MACDSlow)
}

// RSI computes 100 - 100/(1+RS) where RS is average gain over average loss of the last period deltas.
// RSI is exactly 100 when the average loss is zero, and 50 when there is not enough data.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) < 2 {
		return 50
	}
	n := period
	if len(values)-1 < n {
		n = len(values) - 1
	}

	var gains, losses float64
	for i := len(values) - n; i < len(values); i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(n)
	avgLoss := losses / float64(n)
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// TrueRange of a candle given the previous close.
func TrueRange(c market.Candle, prevClose float64) float64 {
	return math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
}

// ATR is the mean true range over the last period candles.
func ATR(candles []market.Candle, period int) float64 {
	if period <= 0 || len(candles) < 2 {
		return 0
	}
	n := period
	if len(candles)-1 < n {
		n = len(candles) - 1
	}
	sum := 0.0
	for i := len(candles) - n; i < len(candles); i++ {
		sum += TrueRange(candles[i], candles[i-1].Close)
	}
	return sum / float64(n)
}

// Trailing recomputes fn on every prefix that ends within the last points values.
// Each point reapplies the full calculation on the window ending there.
func Trailing(values []float64, points int, fn func([]float64) float64) []float64 {
	if len(values) == 0 || points <= 0 {
		return nil
	}
	start := len(values) - points
	if start < 0 {
		start = 0
	}
	out := make([]float64, 0, len(values)-start)
	for end := start + 1; end <= len(values); end++ {
		out = append(out, fn(values[:end]))
	}
	return out
}

// TrailingCandles is Trailing for candle-based indicators.
func TrailingCandles(candles []market.Candle, points int, fn func([]market.Candle) float64) []float64 {
	if len(candles) == 0 || points <= 0 {
		return nil
	}
	start := len(candles) - points
	if start < 0 {
		start = 0
	}
	out := make([]float64, 0, len(candles)-start)
	for end := start + 1; end <= len(candles); end++ {
		out = append(out, fn(candles[:end]))
	}
	return out
}

// Set holds the latest values plus display series for one OHLCV series.
type Set struct {
	Price     float64   `json:"price"`
	EMA20     float64   `json:"ema20"`
	EMA50     float64   `json:"ema50"`
	MACD      float64   `json:"macd"`
	RSI7      float64   `json:"rsi7"`
	RSI14     float64   `json:"rsi14"`
	ATR3      float64   `json:"atr3"`
	ATR14     float64   `json:"atr14"`
	Volume    float64   `json:"volume"`
	AvgVolume float64   `json:"avg_volume"`
	Prices    []float64 `json:"prices"`
	EMA20Line []float64 `json:"ema20_series"`
	MACDLine  []float64 `json:"macd_series"`
	RSI7Line  []float64 `json:"rsi7_series"`
	RSI14Line []float64 `json:"rsi14_series"`
	ATR14Line []float64 `json:"atr14_series"`
}

// Compute derives the indicator set for one series.
func Compute(candles []market.Candle) Set {
	if len(candles) == 0 {
		return Set{}
	}
	closes := market.Closes(candles)
	last := candles[len(candles)-1]

	s := Set{
		Price:  last.Close,
		EMA20:  EMA(closes, 20),
		EMA50:  EMA(closes, 50),
		MACD:   MACD(closes),
		RSI7:   RSI(closes, 7),
		RSI14:  RSI(closes, 14),
		ATR3:   ATR(candles, 3),
		ATR14:  ATR(candles, 14),
		Volume: last.Volume,
	}

	total := 0.0
	for _, c := range candles {
		total += c.Volume
	}
	s.AvgVolume = total / float64(len(candles))

	s.Prices = Trailing(closes, DisplayPoints, func(v []float64) float64 { return v[len(v)-1] })
	s.EMA20Line = Trailing(closes, DisplayPoints, func(v []float64) float64 { return EMA(v, 20) })
	s.MACDLine = Trailing(closes, DisplayPoints, MACD)
	s.RSI7Line = Trailing(closes, DisplayPoints, func(v []float64) float64 { return RSI(v, 7) })
	s.RSI14Line = Trailing(closes, DisplayPoints, func(v []float64) float64 { return RSI(v, 14) })
	s.ATR14Line = TrailingCandles(candles, DisplayPoints, func(c []market.Candle) float64 { return ATR(c, 14) })
	return s
}
