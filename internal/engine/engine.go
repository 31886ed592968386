package engine

import (
	"context"
	"errors"
	"fmt"
	"llm-trading-fleet/internal/exchange"
	"llm-trading-fleet/internal/llm"
	"llm-trading-fleet/internal/market"
	"llm-trading-fleet/internal/models"
	"llm-trading-fleet/internal/prompts"
	"llm-trading-fleet/internal/statemanager"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Deps are the collaborators injected into one bot's engine.
type Deps struct {
	Provider  market.Provider
	Model     llm.Model
	Executor  exchange.Executor
	State     *statemanager.StateManager
	Templates prompts.Store
	Logger    *zap.Logger
}

// restorer is implemented by executors that keep a local book.
type restorer interface {
	Restore(state *models.AccountState)
}

// Engine runs decision cycles for one bot:
// CollectMarketData → ComputeIndicators → RenderPrompts → InvokeModel → ParseDecision → Execute → UpdateAccount → Persist.
type Engine struct {
	mu        sync.Mutex
	bot       models.BotConfig
	market    models.MarketConfig
	provider  market.Provider
	model     llm.Model
	executor  exchange.Executor
	state     *statemanager.StateManager
	templates prompts.Store
	logger    *zap.Logger
	now       func() time.Time
}

// New wires an engine. The state manager must already be loaded; a local ledger is restored from it.
func New(bot models.BotConfig, marketCfg models.MarketConfig, deps Deps) (*Engine, error) {
	if deps.Provider == nil || deps.Model == nil || deps.Executor == nil || deps.State == nil {
		return nil, errors.New("engine: provider, model, executor and state are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Templates == nil {
		deps.Templates = prompts.NewFileStore("")
	}
	if r, ok := deps.Executor.(restorer); ok {
		r.Restore(deps.State.GetStateSnapshot())
	}
	return &Engine{
		bot:       bot,
		market:    marketCfg,
		provider:  deps.Provider,
		model:     deps.Model,
		executor:  deps.Executor,
		state:     deps.State,
		templates: deps.Templates,
		logger:    deps.Logger,
		now:       time.Now,
	}, nil
}

// State exposes the bot's document session.
func (e *Engine) State() *statemanager.StateManager { return e.state }

// cycleRun carries everything one cycle produces.
type cycleRun struct {
	record  *models.ConversationRecord
	account *models.AccountState
	trades  []models.TradeRecord
}

func (r *cycleRun) diag(format string, args ...interface{}) {
	r.record.Diagnostics = append(r.record.Diagnostics, fmt.Sprintf(format, args...))
}

// RunCycle executes one full cycle. It never returns an error or panics:
// every failure degrades to a hold, and exactly one ConversationRecord is produced and persisted.
func (e *Engine) RunCycle(ctx context.Context) *models.ConversationRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	account := e.state.GetStateSnapshot()
	if account == nil {
		account = &models.AccountState{BotID: e.bot.ID, InitialBalance: e.bot.InitialBalance, Cash: e.bot.InitialBalance, StartedAt: start}
	}
	account.Invocations++
	run := &cycleRun{
		account: account,
		record: &models.ConversationRecord{
			ID:        uuid.NewString(),
			BotID:     e.bot.ID,
			Cycle:     account.Invocations,
			Decision:  models.HoldDecision("cycle did not reach a decision"),
			StartedAt: start,
		},
	}
	e.logger.Info("cycle started", zap.Int("cycle", run.record.Cycle))

	func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("cycle panicked, degrading to hold",
					zap.Int("cycle", run.record.Cycle),
					zap.Any("panic", r),
					zap.Stack("stack"))
				run.record.Degraded = true
				run.record.Decision = models.HoldDecision(fmt.Sprintf("cycle aborted: %v", r))
				run.diag("panic: %v", r)
			}
		}()
		e.runSteps(ctx, run)
	}()

	e.persist(run)
	return run.record
}

func (e *Engine) runSteps(ctx context.Context, run *cycleRun) {
	rec := run.record

	// CollectMarketData
	data := e.collectMarketData(ctx, e.bot.Symbols)
	for _, d := range data {
		if d.Synthetic {
			rec.SyntheticSymbols = append(rec.SyntheticSymbols, d.Symbol)
			run.diag("synthetic market data for %s: %s", d.Symbol, d.Reason)
		}
	}
	if len(rec.SyntheticSymbols) > 0 {
		rec.Degraded = true
	}

	// ComputeIndicators
	computeIndicators(data)

	// RenderPrompts
	rec.SystemPrompt, rec.UserPrompt = e.renderPrompts(run, data)

	// InvokeModel
	resp, err := e.model.Complete(ctx, llm.Request{
		Model:             e.bot.Model,
		System:            rec.SystemPrompt,
		User:              rec.UserPrompt,
		Temperature:       e.bot.Temperature,
		MaxTokens:         e.bot.MaxTokens,
		ExtendedReasoning: e.bot.ExtendedReasoning,
	})

	// ParseDecision
	if err != nil {
		e.logger.Warn("model unavailable, holding", zap.Error(err))
		rec.Degraded = true
		rec.Decision = models.HoldDecision("model unavailable")
		run.diag("model error: %v", err)
	} else {
		rec.RawResponse = resp.Content
		parsed := ParseDecision(resp.Content, run.account.Positions)
		rec.ParsedDecision = parsed.Raw
		rec.Decision = parsed.Decision
		if parsed.Failed() {
			rec.Degraded = true
			run.diag("parse fallback: %s", parsed.Fallback)
			e.logger.Warn("decision parse failed, holding", zap.String("reason", parsed.Fallback))
		}
	}
	e.logger.Info("decision",
		zap.String("action", string(rec.Decision.Action)),
		zap.String("symbol", rec.Decision.Symbol),
		zap.Float64("quantity", rec.Decision.Quantity),
		zap.Int("leverage", rec.Decision.Leverage),
		zap.Float64("confidence", rec.Decision.Confidence))

	// Execute
	e.execute(ctx, run)

	// UpdateAccount
	e.updateAccount(ctx, run)
}

func (e *Engine) renderPrompts(run *cycleRun, data []*SymbolData) (string, string) {
	ref := e.bot.TemplateRef()
	system, err := e.templates.LoadSystemTemplate(ref)
	if err != nil {
		run.diag("system template: %v", err)
	}
	if system == "" {
		system = prompts.DefaultSystem()
	}
	user, err := e.templates.LoadUserTemplate(ref)
	if err != nil {
		run.diag("user template: %v", err)
	}
	if user == "" {
		user = prompts.DefaultUser()
	}

	ctx := buildPromptContext(e.bot, run.account, data, run.record.Cycle, e.now())
	futures := e.bot.IsLeveraged()
	return Render(system, ctx, futures), Render(user, ctx, futures)
}

func (e *Engine) tradesSymbol(symbol string) bool {
	for _, s := range e.bot.Symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// execute dispatches the normalized decision to the execution backend.
func (e *Engine) execute(ctx context.Context, run *cycleRun) {
	rec := run.record
	d := rec.Decision
	if d.Action == models.ActionHold {
		return
	}
	if !e.tradesSymbol(d.Symbol) {
		e.forceHold(run, fmt.Sprintf("symbol %s is not traded by this bot", d.Symbol))
		return
	}

	leverage := d.Leverage
	if maxLeverage := e.bot.EffectiveLeverage(); leverage < 1 || leverage > maxLeverage {
		leverage = maxLeverage
	}
	rec.Decision.Leverage = leverage
	order := exchange.Order{Symbol: d.Symbol, Leverage: leverage, ExitPlan: d.ExitPlan()}

	var fill *models.Fill
	var err error
	switch d.Action {
	case models.ActionBuy, models.ActionSell:
		qty := d.Quantity
		if qty <= 0 && d.PositionSizeUSD > 0 {
			price, perr := e.executor.GetCurrentPrice(ctx, d.Symbol)
			if perr == nil && price > 0 {
				qty = d.PositionSizeUSD / price
			}
		}
		if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
			e.forceHold(run, "missing quantity")
			return
		}
		order.Quantity = qty
		rec.Decision.Quantity = qty
		if d.Action == models.ActionBuy {
			fill, err = e.executor.ExecuteBuy(ctx, order)
		} else {
			fill, err = e.executor.ExecuteSell(ctx, order)
		}

	case models.ActionClosePosition:
		positions, perr := e.executor.GetPositions(ctx)
		if perr != nil {
			err = perr
			break
		}
		var pos *models.Position
		for i := range positions {
			if positions[i].Symbol == d.Symbol {
				pos = &positions[i]
				break
			}
		}
		if pos == nil || pos.Quantity == 0 {
			e.forceHold(run, fmt.Sprintf("no %s position to close", d.Symbol))
			return
		}
		held := math.Abs(pos.Quantity)
		qty := d.Quantity
		if qty <= 0 || qty > held {
			qty = held
		}
		order.Quantity = qty
		order.ReduceOnly = true
		rec.Decision.Quantity = qty
		if pos.Quantity > 0 {
			fill, err = e.executor.ExecuteSell(ctx, order)
		} else {
			fill, err = e.executor.ExecuteBuy(ctx, order)
		}
	}

	if err != nil {
		rec.ExecutionError = err.Error()
		rec.Degraded = true
		run.diag("execution error: %v", err)
		e.logger.Warn("execution failed",
			zap.String("action", string(d.Action)),
			zap.String("symbol", d.Symbol),
			zap.Error(err))
		return
	}
	if fill == nil {
		return
	}

	rec.Fill = fill
	run.trades = append(run.trades, e.tradeRecord(rec.Cycle, d.Action, fill))
	e.logger.Info("order filled",
		zap.String("symbol", fill.Symbol),
		zap.String("side", string(fill.Side)),
		zap.Float64("quantity", fill.Quantity),
		zap.Float64("price", fill.Price),
		zap.Float64("fee", fill.Fee),
		zap.Float64("realized_pnl", fill.RealizedPnL))
}

func (e *Engine) forceHold(run *cycleRun, reason string) {
	run.record.Decision = models.HoldDecision(reason)
	run.record.Degraded = true
	run.diag("forced hold: %s", reason)
	e.logger.Warn("decision degraded to hold", zap.String("reason", reason))
}

func (e *Engine) tradeRecord(cycle int, action models.Action, fill *models.Fill) models.TradeRecord {
	t := models.TradeRecord{
		ID:          uuid.NewString(),
		BotID:       e.bot.ID,
		OrderID:     fill.ID,
		Cycle:       cycle,
		Action:      action,
		Side:        fill.Side,
		Symbol:      fill.Symbol,
		Quantity:    fill.Quantity,
		Price:       fill.Price,
		Fee:         fill.Fee,
		RealizedPnL: fill.RealizedPnL,
		EntryTime:   fill.EntryTime,
		Timestamp:   fill.Timestamp,
	}
	if fill.Status == models.FillLiquidated {
		t.Action = models.ActionLiquidation
	}
	// 平仓类成交记录出场时间
	if !fill.EntryTime.IsZero() {
		t.ExitTime = fill.Timestamp
	}
	return t
}

// updateAccount overwrites cash, equity, positions and return from a fresh executor snapshot.
func (e *Engine) updateAccount(ctx context.Context, run *cycleRun) {
	snap, err := e.executor.UpdateAccountState(ctx)
	if err != nil {
		run.record.Degraded = true
		run.diag("account update failed: %v", err)
		e.logger.Warn("account update failed, keeping previous snapshot", zap.Error(err))
		return
	}

	a := run.account
	a.Cash = snap.Cash
	a.Equity = snap.Equity
	a.Positions = snap.Positions
	if a.Positions == nil {
		a.Positions = []models.Position{}
	}
	sort.Slice(a.Positions, func(i, j int) bool { return a.Positions[i].Symbol < a.Positions[j].Symbol })

	if _, local := e.executor.(restorer); local {
		a.RealizedPnL = snap.Realized
		a.FeesPaid = snap.Fees
	} else if f := run.record.Fill; f != nil {
		a.RealizedPnL += f.RealizedPnL
		a.FeesPaid += f.Fee
	}
	if a.InitialBalance > 0 {
		a.TotalReturnPct = (a.Equity - a.InitialBalance) / a.InitialBalance * 100
	}

	for i := range snap.Liquidations {
		liq := snap.Liquidations[i]
		run.trades = append(run.trades, e.tradeRecord(run.record.Cycle, models.ActionLiquidation, &liq))
		run.diag("liquidated %s at %s", liq.Symbol, formatNumber(liq.Price))
	}

	e.logger.Info("account updated",
		zap.Float64("cash", a.Cash),
		zap.Float64("equity", a.Equity),
		zap.Float64("total_return_pct", a.TotalReturnPct),
		zap.Int("positions", len(a.Positions)))
}

func (e *Engine) persist(run *cycleRun) {
	rec := run.record
	rec.FinishedAt = e.now()
	rec.DurationMillis = rec.FinishedAt.Sub(rec.StartedAt).Milliseconds()
	rec.Account = run.account.Clone()

	if err := e.state.Commit(run.account, *rec, run.trades); err != nil {
		// the record returned to the caller still reflects the cycle
		rec.Diagnostics = append(rec.Diagnostics, "persist failed: "+err.Error())
	}
	e.logger.Info("cycle finished",
		zap.Int("cycle", rec.Cycle),
		zap.Bool("degraded", rec.Degraded),
		zap.Int64("duration_ms", rec.DurationMillis),
		zap.String("diagnostics", strings.Join(rec.Diagnostics, "; ")))
}
