package reporter

import (
	"fmt"
	"llm-trading-fleet/internal/models"
	"math"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Metrics 单个机器人的绩效指标
type Metrics struct {
	BotID          string    `json:"bot_id"`
	InitialBalance float64   `json:"initial_balance"`
	Equity         float64   `json:"equity"`
	Cash           float64   `json:"cash"`
	TotalProfit    float64   `json:"total_profit"`
	TotalReturnPct float64   `json:"total_return_pct"`
	RealizedPnL    float64   `json:"realized_pnl"`
	FeesPaid       float64   `json:"fees_paid"`
	TotalTrades    int       `json:"total_trades"`
	ClosingTrades  int       `json:"closing_trades"` // 带已实现盈亏的成交
	WinningTrades  int       `json:"winning_trades"`
	LosingTrades   int       `json:"losing_trades"`
	Liquidations   int       `json:"liquidations"`
	WinRate        float64   `json:"win_rate"` // 百分比, 按平仓成交计算
	AvgProfitLoss  float64   `json:"avg_profit_loss"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	Cycles         int       `json:"cycles"`
	DegradedCycles int       `json:"degraded_cycles"`
	OpenPositions  int       `json:"open_positions"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time,omitempty"`
}

// Calculate derives performance metrics from one bot's three documents.
func Calculate(account *models.AccountState, trades []models.TradeRecord, conversations []models.ConversationRecord) Metrics {
	m := Metrics{}
	if account != nil {
		m.BotID = account.BotID
		m.InitialBalance = account.InitialBalance
		m.Equity = account.Equity
		m.Cash = account.Cash
		m.RealizedPnL = account.RealizedPnL
		m.FeesPaid = account.FeesPaid
		m.OpenPositions = len(account.Positions)
		m.StartTime = account.StartedAt
		m.EndTime = account.UpdatedAt
	}
	m.TotalTrades = len(trades)

	var totalProfit, totalLoss float64
	for _, trade := range trades {
		if trade.Action == models.ActionLiquidation {
			m.Liquidations++
		}
		// 开仓成交没有已实现盈亏, 不计入胜率
		if trade.EntryTime.IsZero() && trade.RealizedPnL == 0 && trade.Action != models.ActionLiquidation {
			continue
		}
		m.ClosingTrades++
		if trade.RealizedPnL > 0 {
			m.WinningTrades++
			totalProfit += trade.RealizedPnL
		} else {
			m.LosingTrades++
			totalLoss += trade.RealizedPnL
		}
	}

	if m.ClosingTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.ClosingTrades) * 100
	}
	if m.LosingTrades > 0 && m.WinningTrades > 0 && totalLoss != 0 {
		avgWin := totalProfit / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		m.AvgProfitLoss = avgWin / avgLoss
	}

	m.TotalProfit = m.Equity - m.InitialBalance
	if m.InitialBalance != 0 {
		m.TotalReturnPct = m.TotalProfit / m.InitialBalance * 100
	}

	m.Cycles = len(conversations)
	curve := make([]float64, 0, len(conversations)+1)
	if m.InitialBalance > 0 {
		curve = append(curve, m.InitialBalance)
	}
	for _, c := range conversations {
		if c.Degraded {
			m.DegradedCycles++
		}
		if c.Account != nil && c.Account.Equity > 0 {
			curve = append(curve, c.Account.Equity)
		}
	}
	if account != nil && account.Equity > 0 && len(conversations) == 0 {
		curve = append(curve, account.Equity)
	}
	m.MaxDrawdownPct = calculateMaxDrawdown(curve) * 100
	return m
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

// RenderPerformance 以表格形式输出绩效报告
func RenderPerformance(m Metrics) string {
	t := table.NewWriter()
	t.SetTitle("Performance: %s", m.BotID)
	t.SetStyle(table.StyleLight)
	t.AppendRows([]table.Row{
		{"Initial balance", money(m.InitialBalance)},
		{"Equity", money(m.Equity)},
		{"Cash", money(m.Cash)},
		{"Total profit", money(m.TotalProfit)},
		{"Total return", pct(m.TotalReturnPct)},
		{"Realized PnL", money(m.RealizedPnL)},
		{"Fees paid", money(m.FeesPaid)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Trades", m.TotalTrades},
		{"Closing trades", m.ClosingTrades},
		{"Win rate", pct(m.WinRate)},
		{"Avg win / avg loss", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"Liquidations", m.Liquidations},
		{"Max drawdown", pct(m.MaxDrawdownPct)},
		{"Cycles (degraded)", fmt.Sprintf("%d (%d)", m.Cycles, m.DegradedCycles)},
		{"Open positions", m.OpenPositions},
	})
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
	return t.Render()
}

// StatusRow is one line of the fleet status table.
type StatusRow struct {
	BotID        string
	Running      bool
	Handle       string
	Credential   string
	Interval     time.Duration
	Cycles       int
	LastAction   string
	LastExitCode int
	StartedAt    time.Time
}

// RenderStatusTable renders the fleet overview.
func RenderStatusTable(rows []StatusRow) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Bot", "Running", "Handle", "Credential", "Interval", "Cycles", "Last action", "Exit", "Started"})
	for _, r := range rows {
		started := "-"
		if !r.StartedAt.IsZero() {
			started = r.StartedAt.Local().Format("2006-01-02 15:04:05")
		}
		t.AppendRow(table.Row{r.BotID, r.Running, r.Handle, r.Credential, r.Interval.String(), r.Cycles, r.LastAction, r.LastExitCode, started})
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d bots", len(rows)), fmt.Sprintf("%d running", countRunning(rows))})
	return t.Render()
}

func countRunning(rows []StatusRow) int {
	n := 0
	for _, r := range rows {
		if r.Running {
			n++
		}
	}
	return n
}

func money(v float64) string { return fmt.Sprintf("%.2f", v) }

func pct(v float64) string { return fmt.Sprintf("%.2f%%", v) }
