package engine

import (
	"fmt"
	"llm-trading-fleet/internal/indicators"
	"llm-trading-fleet/internal/models"
	"strings"
	"time"
)

// buildPromptContext assembles the object the templates' dotted paths resolve against.
func buildPromptContext(bot models.BotConfig, account *models.AccountState, data []*SymbolData, invocation int, now time.Time) map[string]interface{} {
	marketCtx := make(map[string]interface{}, len(data))
	for _, d := range data {
		marketCtx[d.Symbol] = symbolContext(d)
	}

	return map[string]interface{}{
		"bot": map[string]interface{}{
			"id":           bot.ID,
			"market":       string(bot.Market),
			"network":      string(bot.Network),
			"model":        bot.Model,
			"symbols":      strings.Join(bot.Symbols, ", "),
			"quote":        bot.QuoteAsset,
			"leverage":     bot.EffectiveLeverage(),
			"max_leverage": bot.EffectiveLeverage(),
			"allow_short":  bot.AllowShort && bot.IsLeveraged(),
		},
		"account": map[string]interface{}{
			"cash":             account.Cash,
			"equity":           account.Equity,
			"initial_balance":  account.InitialBalance,
			"total_return_pct": account.TotalReturnPct,
			"realized_pnl":     account.RealizedPnL,
			"fees_paid":        account.FeesPaid,
			"position_count":   len(account.Positions),
		},
		"positions":       renderPositions(account.Positions, bot.IsLeveraged()),
		"market":          marketCtx,
		"market_summary":  renderMarketSummary(data),
		"minutes_trading": minutesSince(account.StartedAt, now),
		"invocations":     invocation,
		"now":             now,
	}
}

func symbolContext(d *SymbolData) map[string]interface{} {
	s, l := d.Short, d.Long
	return map[string]interface{}{
		"price":      d.Ticker.Last,
		"bid":        d.Ticker.Bid,
		"ask":        d.Ticker.Ask,
		"ema20":      s.EMA20,
		"ema50":      s.EMA50,
		"macd":       s.MACD,
		"rsi7":       s.RSI7,
		"rsi14":      s.RSI14,
		"atr3":       s.ATR3,
		"atr14":      s.ATR14,
		"volume":     s.Volume,
		"avg_volume": s.AvgVolume,
		"synthetic":  d.Synthetic,
		"series": map[string]interface{}{
			"prices": s.Prices,
			"ema20":  s.EMA20Line,
			"macd":   s.MACDLine,
			"rsi7":   s.RSI7Line,
			"rsi14":  s.RSI14Line,
			"atr14":  s.ATR14Line,
		},
		"context": map[string]interface{}{
			"ema20":        l.EMA20,
			"ema50":        l.EMA50,
			"macd":         l.MACD,
			"rsi14":        l.RSI14,
			"atr3":         l.ATR3,
			"atr14":        l.ATR14,
			"volume":       l.Volume,
			"avg_volume":   l.AvgVolume,
			"macd_series":  l.MACDLine,
			"rsi14_series": l.RSI14Line,
		},
	}
}

func renderMarketSummary(data []*SymbolData) string {
	var b strings.Builder
	for _, d := range data {
		s := d.Short
		fmt.Fprintf(&b, "### %s\n", d.Symbol)
		if d.Synthetic {
			b.WriteString("(live data unavailable; values below are a placeholder series)\n")
		}
		fmt.Fprintf(&b, "current_price = %s, current_ema20 = %s, current_macd = %s, current_rsi (7 period) = %s\n",
			formatNumber(d.Ticker.Last), formatNumber(s.EMA20), formatNumber(s.MACD), formatNumber(s.RSI7))
		fmt.Fprintf(&b, "Intraday prices: %s\n", formatValue(s.Prices))
		fmt.Fprintf(&b, "EMA (20 period): %s\n", formatValue(s.EMA20Line))
		fmt.Fprintf(&b, "MACD: %s\n", formatValue(s.MACDLine))
		fmt.Fprintf(&b, "RSI (7 period): %s\n", formatValue(s.RSI7Line))
		fmt.Fprintf(&b, "RSI (14 period): %s\n", formatValue(s.RSI14Line))
		b.WriteString(longerTerm(d.Long))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func longerTerm(l indicators.Set) string {
	return fmt.Sprintf("Longer-term context: EMA20 %s vs EMA50 %s, ATR3 %s vs ATR14 %s, volume %s vs average %s\nMACD: %s\nRSI (14 period): %s\n",
		formatNumber(l.EMA20), formatNumber(l.EMA50),
		formatNumber(l.ATR3), formatNumber(l.ATR14),
		formatNumber(l.Volume), formatNumber(l.AvgVolume),
		formatValue(l.MACDLine), formatValue(l.RSI14Line))
}

func renderPositions(positions []models.Position, leveraged bool) string {
	if len(positions) == 0 {
		return "None"
	}
	var b strings.Builder
	for _, p := range positions {
		side := "long"
		if p.Quantity < 0 {
			side = "short"
		}
		fmt.Fprintf(&b, "- %s %s qty=%s entry=%s current=%s unrealized_pnl=%s",
			p.Symbol, side, formatNumber(p.Quantity), formatNumber(p.EntryPrice),
			formatNumber(p.CurrentPrice), formatNumber(p.UnrealizedPnL))
		if leveraged {
			fmt.Fprintf(&b, " leverage=%dx margin=%s liquidation=%s", p.Leverage, formatNumber(p.Margin), formatNumber(p.LiquidationPrice))
		}
		plan := p.ExitPlan.WithDefaults()
		fmt.Fprintf(&b, " profit_target=%s stop_loss=%s invalidation=%q\n",
			formatNumber(plan.ProfitTarget), formatNumber(plan.StopLoss), plan.InvalidationCondition)
	}
	return strings.TrimRight(b.String(), "\n")
}
