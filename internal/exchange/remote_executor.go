package exchange

import (
	"context"
	"fmt"
	"llm-trading-fleet/internal/market"
	"llm-trading-fleet/internal/models"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	SpotTestnetURL    = "https://testnet.binance.vision"
	FuturesTestnetURL = "https://testnet.binancefuture.com"

	// spot balances below this value (in quote) are treated as dust
	dustNotional = 1.0
)

// RemoteConfig 远程交易所执行器的配置
type RemoteConfig struct {
	APIKey          string
	SecretKey       string
	Futures         bool
	Demo            bool
	Quote           string
	DefaultLeverage int
	// BaseURL overrides the REST endpoint; empty selects mainnet or testnet from Demo.
	BaseURL string
}

// RemoteExchangeExecutor 把买卖指令委托给币安 (现货或U本位合约, 实盘或测试网)。
// Positions are always read back from the exchange, never merged locally.
type RemoteExchangeExecutor struct {
	cfg     RemoteConfig
	spot    *binance.Client
	futures *futures.Client
	prices  market.PriceSource
	logger  *zap.Logger

	syncOnce  sync.Once
	mu        sync.Mutex
	stepSizes map[string]decimal.Decimal
	leverage  map[string]int
	exitPlans map[string]models.ExitPlan
	entries   map[string]spotEntry // spot has no entry price upstream
}

type spotEntry struct {
	price    float64
	quantity float64 // 本地记录的持仓数量, 用于加权均价
	openedAt time.Time
}

// NewRemoteExchangeExecutor creates the go-binance clients for the configured market and network.
func NewRemoteExchangeExecutor(cfg RemoteConfig, prices market.PriceSource, logger *zap.Logger) *RemoteExchangeExecutor {
	if cfg.Quote == "" {
		cfg.Quote = "USDT"
	}
	if cfg.DefaultLeverage < 1 {
		cfg.DefaultLeverage = 1
	}
	e := &RemoteExchangeExecutor{
		cfg:       cfg,
		prices:    prices,
		logger:    logger,
		stepSizes: make(map[string]decimal.Decimal),
		leverage:  make(map[string]int),
		exitPlans: make(map[string]models.ExitPlan),
		entries:   make(map[string]spotEntry),
	}
	if cfg.Futures {
		e.futures = futures.NewClient(cfg.APIKey, cfg.SecretKey)
		switch {
		case cfg.BaseURL != "":
			e.futures.BaseURL = cfg.BaseURL
		case cfg.Demo:
			e.futures.BaseURL = FuturesTestnetURL
		}
	} else {
		e.spot = binance.NewClient(cfg.APIKey, cfg.SecretKey)
		switch {
		case cfg.BaseURL != "":
			e.spot.BaseURL = cfg.BaseURL
		case cfg.Demo:
			e.spot.BaseURL = SpotTestnetURL
		}
	}
	return e
}

// syncTime 同步服务器时间, 避免签名请求的 timestamp 错误
func (e *RemoteExchangeExecutor) syncTime(ctx context.Context) {
	e.syncOnce.Do(func() {
		var serverTime int64
		var err error
		if e.cfg.Futures {
			serverTime, err = e.futures.NewServerTimeService().Do(ctx)
		} else {
			serverTime, err = e.spot.NewServerTimeService().Do(ctx)
		}
		if err != nil {
			e.logger.Warn("server time unavailable, continuing without offset", zap.Error(err))
			return
		}
		offset := serverTime - time.Now().UnixMilli()
		if e.cfg.Futures {
			e.futures.TimeOffset = offset
		} else {
			e.spot.TimeOffset = offset
		}
		if offset > 1000 || offset < -1000 {
			e.logger.Warn("clock offset detected", zap.Int64("offset_ms", offset))
		}
	})
}

func (e *RemoteExchangeExecutor) pair(symbol string) string {
	return market.ExchangeSymbol(symbol, e.cfg.Quote)
}

// stepSize 获取并缓存交易对的 LOT_SIZE 步长
func (e *RemoteExchangeExecutor) stepSize(ctx context.Context, pair string) (decimal.Decimal, error) {
	e.mu.Lock()
	if step, ok := e.stepSizes[pair]; ok {
		e.mu.Unlock()
		return step, nil
	}
	e.mu.Unlock()

	var raw string
	if e.cfg.Futures {
		info, err := e.futures.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return decimal.Zero, err
		}
		for _, s := range info.Symbols {
			if s.Symbol == pair {
				raw = lotStep(s.Filters)
				break
			}
		}
	} else {
		info, err := e.spot.NewExchangeInfoService().Symbol(pair).Do(ctx)
		if err != nil {
			return decimal.Zero, err
		}
		for _, s := range info.Symbols {
			if s.Symbol == pair {
				raw = lotStep(s.Filters)
				break
			}
		}
	}
	if raw == "" {
		return decimal.Zero, fmt.Errorf("no LOT_SIZE filter for %s", pair)
	}
	step, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse step size %q: %w", raw, err)
	}

	e.mu.Lock()
	e.stepSizes[pair] = step
	e.mu.Unlock()
	return step, nil
}

// formatQuantity rounds quantity down to the symbol's step size.
func (e *RemoteExchangeExecutor) formatQuantity(ctx context.Context, pair string, quantity float64) (string, error) {
	q := decimal.NewFromFloat(quantity)
	step, err := e.stepSize(ctx, pair)
	if err != nil {
		e.logger.Warn("step size unavailable, sending raw quantity", zap.String("symbol", pair), zap.Error(err))
		return q.Truncate(8).String(), nil
	}
	if step.IsPositive() {
		q = q.Div(step).Floor().Mul(step)
	}
	if !q.IsPositive() {
		return "", fmt.Errorf("quantity %v below step %s for %s: %w", quantity, step, pair, ErrInvalidOrder)
	}
	return q.String(), nil
}

// ensureLeverage 仅在杠杆变化时调用交易所接口
func (e *RemoteExchangeExecutor) ensureLeverage(ctx context.Context, pair string, leverage int) error {
	e.mu.Lock()
	current, ok := e.leverage[pair]
	e.mu.Unlock()
	if ok && current == leverage {
		return nil
	}
	if _, err := e.futures.NewChangeLeverageService().Symbol(pair).Leverage(leverage).Do(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	e.leverage[pair] = leverage
	e.mu.Unlock()
	e.logger.Info("leverage set", zap.String("symbol", pair), zap.Int("leverage", leverage))
	return nil
}

// ExecuteBuy places a market buy.
func (e *RemoteExchangeExecutor) ExecuteBuy(ctx context.Context, order Order) (*models.Fill, error) {
	return e.place(ctx, order, models.Buy)
}

// ExecuteSell places a market sell.
func (e *RemoteExchangeExecutor) ExecuteSell(ctx context.Context, order Order) (*models.Fill, error) {
	return e.place(ctx, order, models.Sell)
}

func (e *RemoteExchangeExecutor) place(ctx context.Context, order Order, side models.Side) (*models.Fill, error) {
	if order.Quantity <= 0 || order.Symbol == "" {
		return nil, fmt.Errorf("%s %v %s: %w", side, order.Quantity, order.Symbol, ErrInvalidOrder)
	}
	e.syncTime(ctx)
	pair := e.pair(order.Symbol)
	qty, err := e.formatQuantity(ctx, pair, order.Quantity)
	if err != nil {
		return nil, err
	}

	var fill *models.Fill
	if e.cfg.Futures {
		fill, err = e.placeFutures(ctx, order, pair, qty, side)
	} else {
		fill, err = e.placeSpot(ctx, order, pair, qty, side)
	}
	if err != nil {
		return nil, err
	}
	fill.Symbol = order.Symbol

	if fill.Price <= 0 {
		if p, perr := e.GetCurrentPrice(ctx, order.Symbol); perr == nil {
			fill.Price = p
		}
	}

	e.mu.Lock()
	e.exitPlans[order.Symbol] = order.ExitPlan.WithDefaults()
	if !e.cfg.Futures {
		e.trackSpotEntry(order.Symbol, side, fill)
	}
	e.mu.Unlock()

	e.logger.Info("remote order filled",
		zap.String("symbol", pair),
		zap.String("side", string(side)),
		zap.Float64("quantity", fill.Quantity),
		zap.Float64("price", fill.Price),
		zap.String("order_id", fill.ID))
	return fill, nil
}

// trackSpotEntry 按成交数量加权维护现货均价, 卖到空仓后清除记录。必须在持有锁的情况下调用。
func (e *RemoteExchangeExecutor) trackSpotEntry(symbol string, side models.Side, fill *models.Fill) {
	prev, ok := e.entries[symbol]
	if side == models.Buy {
		if !ok || prev.quantity < positionEpsilon {
			e.entries[symbol] = spotEntry{price: fill.Price, quantity: fill.Quantity, openedAt: fill.Timestamp}
			return
		}
		total := prev.quantity + fill.Quantity
		e.entries[symbol] = spotEntry{
			price:    (prev.quantity*prev.price + fill.Quantity*fill.Price) / total,
			quantity: total,
			openedAt: prev.openedAt,
		}
		return
	}
	if !ok {
		return
	}
	prev.quantity -= fill.Quantity
	if prev.quantity < positionEpsilon {
		delete(e.entries, symbol)
		return
	}
	e.entries[symbol] = prev
}

func (e *RemoteExchangeExecutor) placeFutures(ctx context.Context, order Order, pair, qty string, side models.Side) (*models.Fill, error) {
	leverage := order.Leverage
	if leverage < 1 {
		leverage = e.cfg.DefaultLeverage
	}
	if err := e.ensureLeverage(ctx, pair, leverage); err != nil {
		return nil, fmt.Errorf("set leverage %s x%d: %v: %w", pair, leverage, err, ErrExecutionBackend)
	}

	svc := e.futures.NewCreateOrderService().
		Symbol(pair).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(qty)
	if order.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("futures %s %s %s: %v: %w", side, qty, pair, err, ErrExecutionBackend)
	}

	executed := parseAmount(res.ExecutedQuantity)
	if executed == 0 {
		executed = parseAmount(qty)
	}
	return &models.Fill{
		ID:        strconv.FormatInt(res.OrderID, 10),
		Side:      side,
		Quantity:  executed,
		Price:     parseAmount(res.AvgPrice),
		Timestamp: timeOrNow(res.UpdateTime),
		Status:    fillStatus(string(res.Status)),
	}, nil
}

func (e *RemoteExchangeExecutor) placeSpot(ctx context.Context, order Order, pair, qty string, side models.Side) (*models.Fill, error) {
	if side == models.Sell {
		held, err := e.spotFree(ctx, market.BaseSymbol(order.Symbol))
		if err != nil {
			return nil, fmt.Errorf("spot balance: %v: %w", err, ErrExecutionBackend)
		}
		if held+positionEpsilon < parseAmount(qty) {
			return nil, fmt.Errorf("sell %s %s but hold %.8f: %w", qty, pair, held, ErrInsufficientPosition)
		}
	}

	res, err := e.spot.NewCreateOrderService().
		Symbol(pair).
		Side(binance.SideType(side)).
		Type(binance.OrderTypeMarket).
		Quantity(qty).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("spot %s %s %s: %v: %w", side, qty, pair, err, ErrExecutionBackend)
	}

	executed := parseAmount(res.ExecutedQuantity)
	price := 0.0
	if executed > 0 {
		price = parseAmount(res.CummulativeQuoteQuantity) / executed
	}
	fee := 0.0
	for _, f := range res.Fills {
		fee += parseAmount(f.Commission)
	}
	return &models.Fill{
		ID:        strconv.FormatInt(res.OrderID, 10),
		Side:      side,
		Quantity:  executed,
		Price:     price,
		Fee:       fee,
		Timestamp: timeOrNow(res.TransactTime),
		Status:    fillStatus(string(res.Status)),
	}, nil
}

func (e *RemoteExchangeExecutor) spotFree(ctx context.Context, asset string) (float64, error) {
	acct, err := e.spot.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, b := range acct.Balances {
		if b.Asset == asset {
			return parseAmount(b.Free), nil
		}
	}
	return 0, nil
}

// UpdateAccountState reads balances and positions from the exchange. The position list is replaced wholesale.
func (e *RemoteExchangeExecutor) UpdateAccountState(ctx context.Context) (*AccountSnapshot, error) {
	e.syncTime(ctx)
	if e.cfg.Futures {
		return e.futuresSnapshot(ctx)
	}
	return e.spotSnapshot(ctx)
}

func (e *RemoteExchangeExecutor) futuresSnapshot(ctx context.Context) (*AccountSnapshot, error) {
	acct, err := e.futures.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("futures account: %v: %w", err, ErrExecutionBackend)
	}
	risks, err := e.futures.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("futures positions: %v: %w", err, ErrExecutionBackend)
	}

	positions := make([]models.Position, 0)
	for _, r := range risks {
		qty := parseAmount(r.PositionAmt)
		if math.Abs(qty) < positionEpsilon || !strings.HasSuffix(r.Symbol, e.cfg.Quote) {
			continue
		}
		symbol := market.BaseSymbol(r.Symbol)
		leverage, _ := strconv.Atoi(r.Leverage)
		if leverage < 1 {
			leverage = 1
		}
		entry := parseAmount(r.EntryPrice)
		mark := parseAmount(r.MarkPrice)
		notional := math.Abs(parseAmount(r.Notional))
		if notional == 0 {
			notional = math.Abs(qty) * mark
		}
		positions = append(positions, models.Position{
			Symbol:           symbol,
			Quantity:         qty,
			EntryPrice:       entry,
			CurrentPrice:     mark,
			Leverage:         leverage,
			Margin:           math.Abs(qty) * entry / float64(leverage),
			Notional:         notional,
			LiquidationPrice: parseAmount(r.LiquidationPrice),
			UnrealizedPnL:    parseAmount(r.UnRealizedProfit),
			ExitPlan:         e.exitPlanFor(symbol),
		})
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })

	return &AccountSnapshot{
		Equity:    parseAmount(acct.TotalMarginBalance),
		Cash:      parseAmount(acct.AvailableBalance),
		Positions: positions,
	}, nil
}

func (e *RemoteExchangeExecutor) spotSnapshot(ctx context.Context) (*AccountSnapshot, error) {
	acct, err := e.spot.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("spot account: %v: %w", err, ErrExecutionBackend)
	}

	snap := &AccountSnapshot{Positions: make([]models.Position, 0)}
	for _, b := range acct.Balances {
		amount := parseAmount(b.Free) + parseAmount(b.Locked)
		if amount <= 0 {
			continue
		}
		if b.Asset == e.cfg.Quote {
			snap.Cash = parseAmount(b.Free)
			snap.Equity += amount
			continue
		}
		price, err := e.GetCurrentPrice(ctx, b.Asset)
		if err != nil || price <= 0 || amount*price < dustNotional {
			continue
		}

		e.mu.Lock()
		entry, ok := e.entries[b.Asset]
		e.mu.Unlock()
		if !ok {
			entry = spotEntry{price: price}
		}
		snap.Equity += amount * price
		snap.Positions = append(snap.Positions, models.Position{
			Symbol:        b.Asset,
			Quantity:      amount,
			EntryPrice:    entry.price,
			CurrentPrice:  price,
			Leverage:      1,
			Margin:        amount * entry.price,
			Notional:      amount * price,
			UnrealizedPnL: (price - entry.price) * amount,
			ExitPlan:      e.exitPlanFor(b.Asset),
			OpenedAt:      entry.openedAt,
		})
	}
	sort.Slice(snap.Positions, func(i, j int) bool { return snap.Positions[i].Symbol < snap.Positions[j].Symbol })
	return snap, nil
}

func (e *RemoteExchangeExecutor) exitPlanFor(symbol string) models.ExitPlan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitPlans[symbol].WithDefaults()
}

// GetAccountBalance returns the available quote balance.
func (e *RemoteExchangeExecutor) GetAccountBalance(ctx context.Context) (float64, error) {
	snap, err := e.UpdateAccountState(ctx)
	if err != nil {
		return 0, err
	}
	return snap.Cash, nil
}

// GetPositions returns upstream positions.
func (e *RemoteExchangeExecutor) GetPositions(ctx context.Context) ([]models.Position, error) {
	snap, err := e.UpdateAccountState(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Positions, nil
}

// GetCurrentPrice delegates to the shared price source.
func (e *RemoteExchangeExecutor) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	p, err := e.prices.CurrentPrice(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("price %s: %v: %w", symbol, err, ErrExecutionBackend)
	}
	return p, nil
}

// lotStep 从 LOT_SIZE filter 中取 stepSize
func lotStep(filters []map[string]interface{}) string {
	for _, f := range filters {
		if f["filterType"] == "LOT_SIZE" {
			if step, ok := f["stepSize"].(string); ok {
				return step
			}
		}
	}
	return ""
}

func parseAmount(s string) float64 {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}

func timeOrNow(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

func fillStatus(s string) models.FillStatus {
	switch s {
	case "FILLED":
		return models.FillFilled
	case "PARTIALLY_FILLED":
		return models.FillPartial
	case "REJECTED", "EXPIRED", "CANCELED":
		return models.FillRejected
	default:
		// NEW on ACK responses: market orders fill immediately
		return models.FillFilled
	}
}
