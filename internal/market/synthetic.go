package market

import (
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"time"
)

// SyntheticBucket is the coarse time bucket that seeds fallback series.
// Two calls inside the same bucket produce identical data.
const SyntheticBucket = 15 * time.Minute

var referencePrices = map[string]float64{
	"BTC":  60000,
	"ETH":  3000,
	"SOL":  150,
	"BNB":  550,
	"XRP":  0.6,
	"DOGE": 0.15,
}

// SyntheticSeed derives the seed for a symbol and instant.
func SyntheticSeed(symbol, timeframe string, at time.Time) int64 {
	h := fnv.New64a()
	h.Write([]byte(strings.ToUpper(symbol)))
	h.Write([]byte{0})
	h.Write([]byte(timeframe))
	bucket := at.Truncate(SyntheticBucket).Unix()
	return int64(h.Sum64()>>1) ^ bucket
}

// SyntheticCandles builds a deterministic random-walk series used when the provider fails.
func SyntheticCandles(symbol, timeframe string, limit int, at time.Time) []Candle {
	if limit <= 0 {
		limit = 1
	}
	rng := rand.New(rand.NewSource(SyntheticSeed(symbol, timeframe, at)))

	step := timeframeDuration(timeframe)
	base, ok := referencePrices[BaseSymbol(symbol)]
	if !ok {
		base = 100
	}
	price := base * (0.95 + rng.Float64()*0.1)
	end := at.Truncate(SyntheticBucket)

	candles := make([]Candle, limit)
	for i := 0; i < limit; i++ {
		open := price
		drift := (rng.Float64() - 0.5) * 0.01
		closePrice := open * (1 + drift)
		spread := math.Abs(closePrice-open) + open*rng.Float64()*0.002
		candles[i] = Candle{
			OpenTime: end.Add(-time.Duration(limit-i) * step),
			Open:     open,
			High:     math.Max(open, closePrice) + spread/2,
			Low:      math.Min(open, closePrice) - spread/2,
			Close:    closePrice,
			Volume:   1000 * (0.5 + rng.Float64()),
		}
		price = closePrice
	}
	return candles
}

// SyntheticTicker derives a ticker from the last candle of a synthetic series.
func SyntheticTicker(symbol string, candles []Candle) Ticker {
	if len(candles) == 0 {
		return Ticker{Symbol: BaseSymbol(symbol)}
	}
	last := candles[len(candles)-1].Close
	return Ticker{Symbol: BaseSymbol(symbol), Last: last, Bid: last * 0.9999, Ask: last * 1.0001}
}

func timeframeDuration(tf string) time.Duration {
	if d, err := time.ParseDuration(tf); err == nil && d > 0 {
		return d
	}
	tf = strings.ToLower(strings.TrimSpace(tf))
	if len(tf) < 2 {
		return time.Minute
	}
	n := 0
	for _, r := range tf[:len(tf)-1] {
		if r < '0' || r > '9' {
			return time.Minute
		}
		n = n*10 + int(r-'0')
	}
	switch tf[len(tf)-1] {
	case 'h':
		return time.Duration(n) * time.Hour
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour
	default:
		return time.Duration(n) * time.Minute
	}
}
