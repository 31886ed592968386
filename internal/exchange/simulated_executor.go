package exchange

import (
	"context"
	"encoding/binary"
	"fmt"
	"llm-trading-fleet/internal/market"
	"llm-trading-fleet/internal/models"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

// positionEpsilon treats a near-zero remainder as fully closed.
const positionEpsilon = 1e-9

// SimulatedConfig 本地模拟账户的参数
type SimulatedConfig struct {
	InitialBalance        float64
	Leveraged             bool // futures: margin-funded positions; spot: fully owned holdings
	DefaultLeverage       int
	AllowShort            bool
	FeeRate               float64 // 吃单手续费率, 按名义价值收取
	MaintenanceMarginRate float64 // 维持保证金率, 用于计算爆仓价
	SlippageRate          float64 // 滑点率, 买入加价卖出减价
}

// SimulatedConfigFor derives the ledger parameters from a bot configuration.
func SimulatedConfigFor(bot models.BotConfig) SimulatedConfig {
	return SimulatedConfig{
		InitialBalance:        bot.InitialBalance,
		Leveraged:             bot.IsLeveraged(),
		DefaultLeverage:       bot.EffectiveLeverage(),
		AllowShort:            bot.AllowShort && bot.IsLeveraged(),
		FeeRate:               bot.FeeRate,
		MaintenanceMarginRate: bot.MaintenanceMarginRate,
		SlippageRate:          bot.SlippageRate,
	}
}

type ledgerPosition struct {
	quantity     float64 // signed
	entryPrice   float64
	leverage     int
	margin       float64
	currentPrice float64
	openedAt     time.Time
	exitPlan     models.ExitPlan
}

// SimulatedPortfolioExecutor 维护一个完全本地的虚拟账本:
// 可用现金 + 每个币种的持仓 (数量, 均价, 杠杆, 保证金)。
// Equity is always derived from the ledger, never stored.
type SimulatedPortfolioExecutor struct {
	mu        sync.Mutex
	cfg       SimulatedConfig
	prices    market.PriceSource
	cash      float64
	baseline  float64
	realized  float64
	fees      float64
	positions map[string]*ledgerPosition
	pending   []models.Fill // liquidations not yet reported
	seq       uint64
	logger    *zap.Logger
	now       func() time.Time
}

// NewSimulatedPortfolioExecutor creates a ledger funded with cfg.InitialBalance.
func NewSimulatedPortfolioExecutor(cfg SimulatedConfig, prices market.PriceSource, logger *zap.Logger) *SimulatedPortfolioExecutor {
	if !cfg.Leveraged || cfg.DefaultLeverage < 1 {
		cfg.DefaultLeverage = 1
	}
	return &SimulatedPortfolioExecutor{
		cfg:       cfg,
		prices:    prices,
		cash:      cfg.InitialBalance,
		baseline:  cfg.InitialBalance,
		positions: make(map[string]*ledgerPosition),
		logger:    logger,
		now:       time.Now,
	}
}

// Restore loads cash, positions and running totals from a persisted account.
func (e *SimulatedPortfolioExecutor) Restore(state *models.AccountState) {
	if state == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cash = state.Cash
	e.realized = state.RealizedPnL
	e.fees = state.FeesPaid
	if state.InitialBalance > 0 {
		e.baseline = state.InitialBalance
	}
	e.positions = make(map[string]*ledgerPosition, len(state.Positions))
	for _, p := range state.Positions {
		if math.Abs(p.Quantity) < positionEpsilon {
			continue
		}
		lev := p.Leverage
		if lev < 1 || !e.cfg.Leveraged {
			lev = 1
		}
		margin := p.Margin
		if margin <= 0 {
			margin = math.Abs(p.Quantity) * p.EntryPrice / float64(lev)
		}
		current := p.CurrentPrice
		if current <= 0 {
			current = p.EntryPrice
		}
		e.positions[p.Symbol] = &ledgerPosition{
			quantity:     p.Quantity,
			entryPrice:   p.EntryPrice,
			leverage:     lev,
			margin:       margin,
			currentPrice: current,
			openedAt:     p.OpenedAt,
			exitPlan:     p.ExitPlan.WithDefaults(),
		}
	}
	e.logger.Info("simulated ledger restored",
		zap.Float64("cash", e.cash),
		zap.Int("positions", len(e.positions)),
		zap.Float64("realized", e.realized))
}

func (e *SimulatedPortfolioExecutor) leverageFor(order Order) int {
	if !e.cfg.Leveraged {
		return 1
	}
	if order.Leverage >= 1 {
		return order.Leverage
	}
	return e.cfg.DefaultLeverage
}

func (e *SimulatedPortfolioExecutor) quote(ctx context.Context, order Order) (float64, error) {
	if order.Quantity <= 0 || math.IsNaN(order.Quantity) || math.IsInf(order.Quantity, 0) {
		return 0, fmt.Errorf("quantity %v for %s: %w", order.Quantity, order.Symbol, ErrInvalidOrder)
	}
	if order.Symbol == "" {
		return 0, fmt.Errorf("empty symbol: %w", ErrInvalidOrder)
	}
	price, err := e.prices.CurrentPrice(ctx, order.Symbol)
	if err != nil {
		return 0, fmt.Errorf("price for %s: %v: %w", order.Symbol, err, ErrExecutionBackend)
	}
	if price <= 0 {
		return 0, fmt.Errorf("non-positive price %v for %s: %w", price, order.Symbol, ErrExecutionBackend)
	}
	return price, nil
}

// slipped 返回含滑点的成交价; 标记价格仍使用 price
func (e *SimulatedPortfolioExecutor) slipped(price float64, side models.Side) float64 {
	if e.cfg.SlippageRate <= 0 {
		return price
	}
	if side == models.Buy {
		return price * (1 + e.cfg.SlippageRate)
	}
	return price * (1 - e.cfg.SlippageRate)
}

// ExecuteBuy opens or adds to a long, or covers an existing short.
func (e *SimulatedPortfolioExecutor) ExecuteBuy(ctx context.Context, order Order) (*models.Fill, error) {
	price, err := e.quote(ctx, order)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pos := e.positions[order.Symbol]
	var fill *models.Fill
	execPrice := e.slipped(price, models.Buy)
	if pos != nil && pos.quantity < 0 {
		fill, err = e.reduce(order.Symbol, pos, order.Quantity, execPrice, models.Buy)
	} else {
		fill, err = e.open(order, execPrice, +1)
	}
	if err != nil {
		return nil, err
	}
	e.afterMutation(order.Symbol, price)
	return fill, nil
}

// ExecuteSell reduces or closes a long. With shorting enabled it opens or adds to a short when flat or short.
func (e *SimulatedPortfolioExecutor) ExecuteSell(ctx context.Context, order Order) (*models.Fill, error) {
	price, err := e.quote(ctx, order)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pos := e.positions[order.Symbol]
	execPrice := e.slipped(price, models.Sell)
	var fill *models.Fill
	switch {
	case pos != nil && pos.quantity > 0:
		fill, err = e.reduce(order.Symbol, pos, order.Quantity, execPrice, models.Sell)
	case e.cfg.AllowShort:
		fill, err = e.open(order, execPrice, -1)
	default:
		held := 0.0
		if pos != nil {
			held = pos.quantity
		}
		err = fmt.Errorf("sell %.8f %s but hold %.8f: %w", order.Quantity, order.Symbol, held, ErrInsufficientPosition)
	}
	if err != nil {
		return nil, err
	}
	e.afterMutation(order.Symbol, price)
	return fill, nil
}

// open 开仓或同方向加仓, direction 为 +1 (多) 或 -1 (空)。必须在持有锁的情况下调用。
func (e *SimulatedPortfolioExecutor) open(order Order, price float64, direction float64) (*models.Fill, error) {
	pos := e.positions[order.Symbol]
	leverage := e.leverageFor(order)
	if pos != nil {
		// 持仓期间杠杆不变
		leverage = pos.leverage
	}

	notional := order.Quantity * price
	requiredMargin := notional / float64(leverage)
	fee := notional * e.cfg.FeeRate
	if e.cash < requiredMargin+fee {
		return nil, fmt.Errorf("need %.4f (margin %.4f + fee %.4f), have %.4f: %w",
			requiredMargin+fee, requiredMargin, fee, e.cash, ErrInsufficientFunds)
	}

	now := e.now()
	if pos == nil {
		pos = &ledgerPosition{leverage: leverage, openedAt: now}
		e.positions[order.Symbol] = pos
	}
	held := math.Abs(pos.quantity)
	newQty := held + order.Quantity
	pos.entryPrice = (held*pos.entryPrice + order.Quantity*price) / newQty
	pos.quantity = direction * newQty
	pos.margin += requiredMargin
	pos.currentPrice = price
	pos.exitPlan = order.ExitPlan.WithDefaults()

	e.cash -= requiredMargin + fee
	e.fees += fee

	side := models.Buy
	if direction < 0 {
		side = models.Sell
	}
	return &models.Fill{
		ID:         e.nextID(now),
		Symbol:     order.Symbol,
		Side:       side,
		Quantity:   order.Quantity,
		Price:      price,
		Fee:        fee,
		EntryPrice: pos.entryPrice,
		EntryTime:  pos.openedAt,
		Timestamp:  now,
		Status:     models.FillFilled,
	}, nil
}

// reduce 平掉部分或全部持仓。必须在持有锁的情况下调用。
func (e *SimulatedPortfolioExecutor) reduce(symbol string, pos *ledgerPosition, quantity, price float64, side models.Side) (*models.Fill, error) {
	held := math.Abs(pos.quantity)
	if quantity > held+positionEpsilon {
		return nil, fmt.Errorf("%s %.8f %s but hold %.8f: %w", side, quantity, symbol, pos.quantity, ErrInsufficientPosition)
	}
	if quantity > held {
		quantity = held
	}

	direction := 1.0
	if pos.quantity < 0 {
		direction = -1.0
	}
	realized := (price - pos.entryPrice) * quantity * direction
	released := pos.margin * quantity / held
	fee := quantity * price * e.cfg.FeeRate

	e.cash += released + realized - fee
	e.realized += realized
	e.fees += fee

	now := e.now()
	fill := &models.Fill{
		ID:          e.nextID(now),
		Symbol:      symbol,
		Side:        side,
		Quantity:    quantity,
		Price:       price,
		Fee:         fee,
		RealizedPnL: realized,
		EntryPrice:  pos.entryPrice,
		EntryTime:   pos.openedAt,
		Timestamp:   now,
		Status:      models.FillFilled,
	}

	remaining := held - quantity
	if remaining < positionEpsilon {
		delete(e.positions, symbol)
	} else {
		pos.quantity = direction * remaining
		pos.margin -= released
		pos.currentPrice = price
	}
	return fill, nil
}

// afterMutation 重新估值并检查账本一致性。必须在持有锁的情况下调用。
func (e *SimulatedPortfolioExecutor) afterMutation(symbol string, price float64) {
	if pos, ok := e.positions[symbol]; ok {
		pos.currentPrice = price
	}
	e.checkLiquidations()
	if err := e.reconcileLocked(); err != nil {
		e.logger.Error("simulated ledger drift", zap.Error(err))
	}
}

// liquidationPrice 逐仓近似: 多头 entry*(1-1/lev+mmr), 空头 entry*(1+1/lev-mmr)
func (e *SimulatedPortfolioExecutor) liquidationPrice(pos *ledgerPosition) float64 {
	if !e.cfg.Leveraged || pos.leverage <= 1 {
		return 0
	}
	inv := 1 / float64(pos.leverage)
	mmr := e.cfg.MaintenanceMarginRate
	if pos.quantity > 0 {
		return pos.entryPrice * (1 - inv + mmr)
	}
	return pos.entryPrice * (1 + inv - mmr)
}

// checkLiquidations force-closes positions whose current price crossed the liquidation price.
// The whole margin is forfeited. Must be called with e.mu held.
func (e *SimulatedPortfolioExecutor) checkLiquidations() {
	for symbol, pos := range e.positions {
		liq := e.liquidationPrice(pos)
		if liq <= 0 {
			continue
		}
		crossed := (pos.quantity > 0 && pos.currentPrice <= liq) || (pos.quantity < 0 && pos.currentPrice >= liq)
		if !crossed {
			continue
		}

		loss := pos.margin
		e.realized -= loss
		delete(e.positions, symbol)

		now := e.now()
		side := models.Sell
		if pos.quantity < 0 {
			side = models.Buy
		}
		fill := models.Fill{
			ID:          e.nextID(now),
			Symbol:      symbol,
			Side:        side,
			Quantity:    math.Abs(pos.quantity),
			Price:       pos.currentPrice,
			RealizedPnL: -loss,
			EntryPrice:  pos.entryPrice,
			EntryTime:   pos.openedAt,
			Timestamp:   now,
			Status:      models.FillLiquidated,
		}
		e.pending = append(e.pending, fill)
		e.logger.Warn("simulated position liquidated",
			zap.String("symbol", symbol),
			zap.Float64("quantity", pos.quantity),
			zap.Float64("entry", pos.entryPrice),
			zap.Float64("mark", pos.currentPrice),
			zap.Float64("liquidation_price", liq),
			zap.Float64("margin_lost", loss))
	}
}

// equityLocked 权益 = 现金 + Σ贡献; 杠杆模式下贡献为未实现盈亏, 现货模式下为持仓市值。
func (e *SimulatedPortfolioExecutor) equityLocked() float64 {
	equity := e.cash
	for _, pos := range e.positions {
		if e.cfg.Leveraged {
			equity += (pos.currentPrice - pos.entryPrice) * pos.quantity
		} else {
			equity += pos.quantity * pos.currentPrice
		}
	}
	return equity
}

// Reconcile checks cash + Σmargin against baseline + realized - fees, tracked independently.
func (e *SimulatedPortfolioExecutor) Reconcile() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reconcileLocked()
}

func (e *SimulatedPortfolioExecutor) reconcileLocked() error {
	book := e.cash
	for _, pos := range e.positions {
		book += pos.margin
	}
	expected := e.baseline + e.realized - e.fees
	tolerance := 1e-6 * math.Max(1, math.Abs(e.baseline))
	if math.Abs(book-expected) > tolerance {
		return fmt.Errorf("cash+margin %.8f != baseline+realized-fees %.8f", book, expected)
	}
	return nil
}

// UpdateAccountState revalues every position at the current price and returns the snapshot.
func (e *SimulatedPortfolioExecutor) UpdateAccountState(ctx context.Context) (*AccountSnapshot, error) {
	e.mu.Lock()
	symbols := make([]string, 0, len(e.positions))
	for s := range e.positions {
		symbols = append(symbols, s)
	}
	e.mu.Unlock()

	// 网络请求不持锁
	latest := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		p, err := e.prices.CurrentPrice(ctx, s)
		if err != nil || p <= 0 {
			e.logger.Warn("revaluation price unavailable, keeping last price", zap.String("symbol", s), zap.Error(err))
			continue
		}
		latest[s] = p
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for s, p := range latest {
		if pos, ok := e.positions[s]; ok {
			pos.currentPrice = p
		}
	}
	e.checkLiquidations()
	if err := e.reconcileLocked(); err != nil {
		e.logger.Error("simulated ledger drift", zap.Error(err))
	}

	snap := &AccountSnapshot{
		Equity:       e.equityLocked(),
		Cash:         e.cash,
		Positions:    e.positionsLocked(),
		Realized:     e.realized,
		Fees:         e.fees,
		Liquidations: e.pending,
	}
	e.pending = nil
	return snap, nil
}

// GetAccountBalance returns available cash.
func (e *SimulatedPortfolioExecutor) GetAccountBalance(ctx context.Context) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cash, nil
}

// Equity returns the derived equity at the last known prices.
func (e *SimulatedPortfolioExecutor) Equity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equityLocked()
}

// GetPositions returns the ledger positions at the last known prices.
func (e *SimulatedPortfolioExecutor) GetPositions(ctx context.Context) ([]models.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positionsLocked(), nil
}

// GetCurrentPrice delegates to the price source.
func (e *SimulatedPortfolioExecutor) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return e.prices.CurrentPrice(ctx, symbol)
}

func (e *SimulatedPortfolioExecutor) positionsLocked() []models.Position {
	out := make([]models.Position, 0, len(e.positions))
	for symbol, pos := range e.positions {
		notional := math.Abs(pos.quantity) * pos.currentPrice
		out = append(out, models.Position{
			Symbol:           symbol,
			Quantity:         pos.quantity,
			EntryPrice:       pos.entryPrice,
			CurrentPrice:     pos.currentPrice,
			Leverage:         pos.leverage,
			Margin:           pos.margin,
			Notional:         notional,
			LiquidationPrice: e.liquidationPrice(pos),
			UnrealizedPnL:    (pos.currentPrice - pos.entryPrice) * pos.quantity,
			ExitPlan:         pos.exitPlan.WithDefaults(),
			OpenedAt:         pos.openedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// nextID 生成模拟成交ID。必须在持有锁的情况下调用。
func (e *SimulatedPortfolioExecutor) nextID(now time.Time) string {
	e.seq++
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(now.UnixNano()))
	binary.BigEndian.PutUint32(buf[8:], uint32(e.seq))
	return "sim-" + base62.EncodeToString(buf[:])
}
