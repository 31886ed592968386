package market

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrMarketDataUnavailable wraps every provider failure for a symbol.
var ErrMarketDataUnavailable = errors.New("market data unavailable")

// Ticker is the top-of-book snapshot for one symbol.
type Ticker struct {
	Symbol string  `json:"symbol"`
	Last   float64 `json:"last"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

// Candle 一根K线, 按时间升序排列
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Provider is the market-data contract consumed by the decision engine.
type Provider interface {
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	// GetOHLCV returns candles oldest first.
	GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
}

// Closes extracts close prices.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

var quoteSuffixes = []string{"USDT", "USDC", "BUSD", "FDUSD", "USD"}

// BaseSymbol strips quote currency, contract markers and separators: "btc/usdt:perp" -> "BTC".
func BaseSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	for _, sep := range []string{":", "/", "-", "_", " "} {
		if idx := strings.Index(s, sep); idx > 0 {
			head := s[:idx]
			tail := s[idx+1:]
			// BTC-PERP, BTC/USDT, BTC_USDT: keep the base part
			if isQuoteOrMarker(tail) || containsQuote(tail) {
				s = head
				continue
			}
			s = strings.ReplaceAll(s, sep, "")
		}
	}
	for _, marker := range []string{"PERP", "SWAP"} {
		s = strings.TrimSuffix(s, marker)
	}
	for _, q := range quoteSuffixes {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return strings.TrimSuffix(s, q)
		}
	}
	return s
}

func isQuoteOrMarker(s string) bool {
	switch s {
	case "PERP", "SWAP", "SPOT", "FUTURES":
		return true
	}
	for _, q := range quoteSuffixes {
		if s == q {
			return true
		}
	}
	return false
}

func containsQuote(s string) bool {
	for _, q := range quoteSuffixes {
		if strings.HasPrefix(s, q) {
			return true
		}
	}
	return false
}

// ExchangeSymbol joins a base symbol with the quote asset: ("BTC", "USDT") -> "BTCUSDT".
func ExchangeSymbol(base, quote string) string {
	b := BaseSymbol(base)
	if quote == "" {
		quote = "USDT"
	}
	return b + strings.ToUpper(quote)
}
