package reporter

import (
	"llm-trading-fleet/internal/models"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func cycle(n int, equity float64, degraded bool) models.ConversationRecord {
	return models.ConversationRecord{Cycle: n, Degraded: degraded, Account: &models.AccountState{Equity: equity}}
}

func TestCalculate(t *testing.T) {
	entry := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	account := &models.AccountState{
		BotID:          "alpha",
		InitialBalance: 10000,
		Equity:         10400,
		Cash:           10400,
		RealizedPnL:    400,
		FeesPaid:       12,
	}
	trades := []models.TradeRecord{
		{Action: models.ActionBuy, Symbol: "BTC"},
		{Action: models.ActionClosePosition, Symbol: "BTC", RealizedPnL: 500, EntryTime: entry},
		{Action: models.ActionBuy, Symbol: "ETH"},
		{Action: models.ActionSell, Symbol: "ETH", RealizedPnL: -100, EntryTime: entry},
		{Action: models.ActionBuy, Symbol: "SOL"},
		{Action: models.ActionLiquidation, Symbol: "SOL", RealizedPnL: -200, EntryTime: entry},
		{Action: models.ActionSell, Symbol: "DOGE", RealizedPnL: 200, EntryTime: entry},
	}
	conversations := []models.ConversationRecord{
		cycle(1, 10000, false),
		cycle(2, 11000, false),
		cycle(3, 9900, true),
		cycle(4, 10400, false),
	}

	m := Calculate(account, trades, conversations)
	assert.Equal(t, "alpha", m.BotID)
	assert.Equal(t, 7, m.TotalTrades)
	assert.Equal(t, 4, m.ClosingTrades)
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 2, m.LosingTrades)
	assert.Equal(t, 1, m.Liquidations)
	assert.InDelta(t, 50.0, m.WinRate, 1e-9)
	// avg win 350, avg loss 150
	assert.InDelta(t, 350.0/150.0, m.AvgProfitLoss, 1e-9)
	assert.InDelta(t, 400.0, m.TotalProfit, 1e-9)
	assert.InDelta(t, 4.0, m.TotalReturnPct, 1e-9)
	assert.InDelta(t, 10.0, m.MaxDrawdownPct, 1e-9)
	assert.Equal(t, 4, m.Cycles)
	assert.Equal(t, 1, m.DegradedCycles)
	assert.Equal(t, 12.0, m.FeesPaid)
}

func TestCalculateEmpty(t *testing.T) {
	m := Calculate(nil, nil, nil)
	assert.Zero(t, m.TotalTrades)
	assert.Zero(t, m.WinRate)
	assert.Zero(t, m.MaxDrawdownPct)

	m = Calculate(&models.AccountState{InitialBalance: 1000, Equity: 800}, nil, nil)
	assert.InDelta(t, 20.0, m.MaxDrawdownPct, 1e-9)
	assert.InDelta(t, -20.0, m.TotalReturnPct, 1e-9)
}

func TestRenderTables(t *testing.T) {
	out := RenderPerformance(Metrics{BotID: "alpha", InitialBalance: 10000, Equity: 10400, TotalReturnPct: 4})
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "10400.00")
	assert.Contains(t, out, "4.00%")

	out = RenderStatusTable([]StatusRow{
		{BotID: "alpha", Running: true, Handle: "h1", Credential: "K1", Interval: 3 * time.Minute, Cycles: 2, LastAction: "hold", LastExitCode: -1},
		{BotID: "beta", LastExitCode: 0},
	})
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "3m0s")
	// headers and footers are upper-cased by the table style
	assert.Contains(t, strings.ToUpper(out), "1 RUNNING")
}
