package engine

import (
	"llm-trading-fleet/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRenderSections(t *testing.T) {
	tpl := "start\n{{#futures}}\nmargin {{bot.leverage}}x\n{{/futures}}\n{{#spot}}\nno leverage\n{{/spot}}\nend"
	ctx := map[string]interface{}{"bot": map[string]interface{}{"leverage": 5}}

	assert.Equal(t, "start\nmargin 5x\nend", Render(tpl, ctx, true))
	assert.Equal(t, "start\nno leverage\nend", Render(tpl, ctx, false))
}

func TestRenderPaths(t *testing.T) {
	ctx := map[string]interface{}{
		"account": map[string]interface{}{"cash": 10000.0, "equity": 10234.56789},
		"market": map[string]interface{}{
			"BTC": map[string]interface{}{
				"rsi7":   61.23456789,
				"series": map[string]interface{}{"prices": []float64{1, 2.5, 3.125}},
			},
		},
		"now":  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		"flag": true,
	}

	out := Render("cash={{account.cash}} eq={{ account.equity }} rsi={{market.BTC.rsi7}} p={{market.BTC.series.prices}} at={{now}} f={{flag}}", ctx, true)
	assert.Equal(t, "cash=10000 eq=10234.57 rsi=61.2346 p=[1, 2.5, 3.125] at=2024-05-01T12:00:00Z f=true", out)

	// unresolved paths render empty
	assert.Equal(t, "[][]", Render("[{{missing}}][{{market.ETH.price}}]", ctx, true))
	assert.Equal(t, "x=", Render("x={{account.cash.value}}", ctx, true))
}

func TestFormatNumber(t *testing.T) {
	testCases := map[float64]string{
		0:           "0",
		67123.456:   "67123.46",
		3.14159265:  "3.1416",
		-2.5:        "-2.5",
		0.000012345: "0.000012345",
		0.25:        "0.25",
	}
	for in, want := range testCases {
		assert.Equal(t, want, formatNumber(in), "%v", in)
	}
}

func TestRenderDefaultTemplates(t *testing.T) {
	bot := testBot()
	account := &models.AccountState{BotID: bot.ID, Cash: 10000, Equity: 10000, InitialBalance: 10000, StartedAt: time.Now().Add(-90 * time.Minute)}
	data := []*SymbolData{{Symbol: "BTC"}}
	computeIndicators(data)

	ctx := buildPromptContext(bot, account, data, 3, time.Now())
	assert.Equal(t, 90, ctx["minutes_trading"])
	assert.Equal(t, "None", ctx["positions"])

	out := Render("{{bot.id}} {{bot.symbols}} {{invocations}} {{account.cash}}", ctx, true)
	assert.Equal(t, "alpha BTC, ETH 3 10000", out)
}
