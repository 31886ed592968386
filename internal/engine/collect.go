package engine

import (
	"context"
	"fmt"
	"llm-trading-fleet/internal/indicators"
	"llm-trading-fleet/internal/market"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SymbolData 单个币种在本周期内的行情与指标
type SymbolData struct {
	Symbol    string
	Ticker    market.Ticker
	Intraday  []market.Candle
	Context   []market.Candle
	Short     indicators.Set // intraday timeframe
	Long      indicators.Set // context timeframe
	Synthetic bool
	Reason    string // why the synthetic series was used
}

// collectMarketData fetches ticker, intraday and context series for every symbol concurrently.
// A symbol whose fetch fails gets a deterministic synthetic series; the others are unaffected.
func (e *Engine) collectMarketData(ctx context.Context, symbols []string) []*SymbolData {
	out := make([]*SymbolData, len(symbols))
	limit := e.market.MaxConcurrentFetch
	if limit < 1 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			out[i] = e.collectSymbol(ctx, symbol)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *Engine) collectSymbol(ctx context.Context, symbol string) (data *SymbolData) {
	data = &SymbolData{Symbol: symbol}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("market data fetch panicked", zap.String("symbol", symbol), zap.Any("panic", r))
			e.synthesize(data, fmt.Sprintf("panic: %v", r))
		}
	}()

	ticker, err := e.provider.GetTicker(ctx, symbol)
	if err != nil {
		e.synthesize(data, err.Error())
		return data
	}
	intraday, err := e.provider.GetOHLCV(ctx, symbol, e.market.IntradayTimeframe, e.market.CandleLimit)
	if err != nil || len(intraday) == 0 {
		e.synthesize(data, reason(err, "empty intraday series"))
		return data
	}
	long, err := e.provider.GetOHLCV(ctx, symbol, e.market.ContextTimeframe, e.market.CandleLimit)
	if err != nil || len(long) == 0 {
		e.synthesize(data, reason(err, "empty context series"))
		return data
	}

	data.Ticker = ticker
	data.Intraday = intraday
	data.Context = long
	return data
}

func reason(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}

// synthesize 使用按时间桶确定的伪随机序列替代失败的行情
func (e *Engine) synthesize(data *SymbolData, why string) {
	at := e.now()
	data.Synthetic = true
	data.Reason = why
	data.Intraday = market.SyntheticCandles(data.Symbol, e.market.IntradayTimeframe, e.market.CandleLimit, at)
	data.Context = market.SyntheticCandles(data.Symbol, e.market.ContextTimeframe, e.market.CandleLimit, at)
	data.Ticker = market.SyntheticTicker(data.Symbol, data.Intraday)
	e.logger.Warn("market data unavailable, using synthetic series",
		zap.String("symbol", data.Symbol),
		zap.String("reason", why))
}

// computeIndicators fills the indicator sets of every symbol.
func computeIndicators(data []*SymbolData) {
	for _, d := range data {
		d.Short = indicators.Compute(d.Intraday)
		d.Long = indicators.Compute(d.Context)
		if d.Ticker.Last <= 0 {
			d.Ticker.Last = d.Short.Price
		}
	}
}

func minutesSince(start, now time.Time) int {
	if start.IsZero() || now.Before(start) {
		return 0
	}
	return int(now.Sub(start) / time.Minute)
}
