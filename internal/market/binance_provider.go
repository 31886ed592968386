package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BinanceProvider serves tickers and klines from Binance public endpoints.
// Futures bots read the USDⓈ-M book, spot bots the spot book.
type BinanceProvider struct {
	spot       *binance.Client
	futures    *futures.Client
	useFutures bool
	quote      string
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewBinanceProvider creates a provider. requestsPerSecond throttles all calls made through it.
func NewBinanceProvider(useFutures bool, quote string, requestsPerSecond float64, logger *zap.Logger) *BinanceProvider {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &BinanceProvider{
		spot:       binance.NewClient("", ""),
		futures:    futures.NewClient("", ""),
		useFutures: useFutures,
		quote:      quote,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		logger:     logger,
	}
}

func (p *BinanceProvider) wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// GetTicker returns last, bid and ask for symbol.
func (p *BinanceProvider) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	pair := ExchangeSymbol(symbol, p.quote)
	if err := p.wait(ctx); err != nil {
		return Ticker{}, err
	}

	t := Ticker{Symbol: BaseSymbol(symbol)}
	if p.useFutures {
		prices, err := p.futures.NewListPricesService().Symbol(pair).Do(ctx)
		if err != nil {
			return Ticker{}, fmt.Errorf("futures price %s: %v: %w", pair, err, ErrMarketDataUnavailable)
		}
		if len(prices) == 0 {
			return Ticker{}, fmt.Errorf("futures price %s: empty response: %w", pair, ErrMarketDataUnavailable)
		}
		t.Last = parseDecimal(prices[0].Price)

		books, err := p.futures.NewListBookTickersService().Symbol(pair).Do(ctx)
		if err == nil && len(books) > 0 {
			t.Bid = parseDecimal(books[0].BidPrice)
			t.Ask = parseDecimal(books[0].AskPrice)
		}
	} else {
		prices, err := p.spot.NewListPricesService().Symbol(pair).Do(ctx)
		if err != nil {
			return Ticker{}, fmt.Errorf("spot price %s: %v: %w", pair, err, ErrMarketDataUnavailable)
		}
		if len(prices) == 0 {
			return Ticker{}, fmt.Errorf("spot price %s: empty response: %w", pair, ErrMarketDataUnavailable)
		}
		t.Last = parseDecimal(prices[0].Price)

		books, err := p.spot.NewListBookTickersService().Symbol(pair).Do(ctx)
		if err == nil && len(books) > 0 {
			t.Bid = parseDecimal(books[0].BidPrice)
			t.Ask = parseDecimal(books[0].AskPrice)
		}
	}

	// 盘口缺失时用最新价补齐
	if t.Bid == 0 {
		t.Bid = t.Last
	}
	if t.Ask == 0 {
		t.Ask = t.Last
	}
	if t.Last <= 0 {
		return Ticker{}, fmt.Errorf("ticker %s: non-positive price: %w", pair, ErrMarketDataUnavailable)
	}
	return t, nil
}

// GetOHLCV returns up to limit candles, oldest first.
func (p *BinanceProvider) GetOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	pair := ExchangeSymbol(symbol, p.quote)
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	var candles []Candle
	if p.useFutures {
		klines, err := p.futures.NewKlinesService().Symbol(pair).Interval(timeframe).Limit(limit).Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("futures klines %s %s: %v: %w", pair, timeframe, err, ErrMarketDataUnavailable)
		}
		candles = make([]Candle, 0, len(klines))
		for _, k := range klines {
			candles = append(candles, Candle{
				OpenTime: time.UnixMilli(k.OpenTime),
				Open:     parseDecimal(k.Open),
				High:     parseDecimal(k.High),
				Low:      parseDecimal(k.Low),
				Close:    parseDecimal(k.Close),
				Volume:   parseDecimal(k.Volume),
			})
		}
	} else {
		klines, err := p.spot.NewKlinesService().Symbol(pair).Interval(timeframe).Limit(limit).Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("spot klines %s %s: %v: %w", pair, timeframe, err, ErrMarketDataUnavailable)
		}
		candles = make([]Candle, 0, len(klines))
		for _, k := range klines {
			candles = append(candles, Candle{
				OpenTime: time.UnixMilli(k.OpenTime),
				Open:     parseDecimal(k.Open),
				High:     parseDecimal(k.High),
				Low:      parseDecimal(k.Low),
				Close:    parseDecimal(k.Close),
				Volume:   parseDecimal(k.Volume),
			})
		}
	}

	if len(candles) == 0 {
		return nil, fmt.Errorf("klines %s %s: empty response: %w", pair, timeframe, ErrMarketDataUnavailable)
	}
	p.logger.Debug("fetched klines", zap.String("symbol", pair), zap.String("interval", timeframe), zap.Int("count", len(candles)))
	return candles, nil
}

func parseDecimal(s string) float64 {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}
