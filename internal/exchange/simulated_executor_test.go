package exchange

import (
	"context"
	"errors"
	"llm-trading-fleet/internal/models"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockPrices is a settable price source for tests.
type mockPrices struct {
	sync.Mutex
	prices map[string]float64
	err    error
}

func newMockPrices(kv map[string]float64) *mockPrices {
	return &mockPrices{prices: kv}
}

func (m *mockPrices) set(symbol string, price float64) {
	m.Lock()
	defer m.Unlock()
	m.prices[symbol] = price
}

func (m *mockPrices) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	m.Lock()
	defer m.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	p, ok := m.prices[symbol]
	if !ok {
		return 0, errors.New("no price")
	}
	return p, nil
}

func futuresLedger(prices *mockPrices, leverage int) *SimulatedPortfolioExecutor {
	return NewSimulatedPortfolioExecutor(SimulatedConfig{
		InitialBalance:  10000,
		Leveraged:       true,
		DefaultLeverage: leverage,
	}, prices, zap.NewNop())
}

// TestLeveragedRoundTrip is the 10000 / 50000 / 55000 scenario.
func TestLeveragedRoundTrip(t *testing.T) {
	prices := newMockPrices(map[string]float64{"BTC": 50000})
	ex := futuresLedger(prices, 5)
	ctx := context.Background()

	fill, err := ex.ExecuteBuy(ctx, Order{Symbol: "BTC", Quantity: 0.1, Leverage: 5})
	require.NoError(t, err)
	assert.Equal(t, models.Buy, fill.Side)
	assert.Equal(t, 50000.0, fill.Price)
	assert.NotEmpty(t, fill.ID)

	positions, err := ex.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 1000, positions[0].Margin, 1e-9)
	assert.InDelta(t, 5000, positions[0].Notional, 1e-9)
	cash, _ := ex.GetAccountBalance(ctx)
	assert.InDelta(t, 9000, cash, 1e-9)

	prices.set("BTC", 55000)
	fill, err = ex.ExecuteSell(ctx, Order{Symbol: "BTC", Quantity: 0.1})
	require.NoError(t, err)
	assert.InDelta(t, 500, fill.RealizedPnL, 1e-9)

	cash, _ = ex.GetAccountBalance(ctx)
	assert.InDelta(t, 10500, cash, 1e-9)
	positions, _ = ex.GetPositions(ctx)
	assert.Empty(t, positions, "fully sold position must be removed")
	require.NoError(t, ex.Reconcile())
}

// TestWeightedAverageEntry merges two buys into one position.
func TestWeightedAverageEntry(t *testing.T) {
	prices := newMockPrices(map[string]float64{"ETH": 100})
	ex := futuresLedger(prices, 2)
	ctx := context.Background()

	_, err := ex.ExecuteBuy(ctx, Order{Symbol: "ETH", Quantity: 1})
	require.NoError(t, err)
	prices.set("ETH", 200)
	_, err = ex.ExecuteBuy(ctx, Order{Symbol: "ETH", Quantity: 3})
	require.NoError(t, err)

	positions, _ := ex.GetPositions(ctx)
	require.Len(t, positions, 1)
	assert.Equal(t, 4.0, positions[0].Quantity)
	assert.Equal(t, 175.0, positions[0].EntryPrice, "(1*100 + 3*200) / 4")
	assert.Equal(t, 350.0, positions[0].Margin)
	require.NoError(t, ex.Reconcile())
}

// TestSellMoreThanHeld leaves the position untouched.
func TestSellMoreThanHeld(t *testing.T) {
	prices := newMockPrices(map[string]float64{"SOL": 100, "DOGE": 0.1})
	ex := futuresLedger(prices, 1)
	ctx := context.Background()

	_, err := ex.ExecuteBuy(ctx, Order{Symbol: "SOL", Quantity: 2})
	require.NoError(t, err)
	before, _ := ex.GetPositions(ctx)
	cashBefore, _ := ex.GetAccountBalance(ctx)

	_, err = ex.ExecuteSell(ctx, Order{Symbol: "SOL", Quantity: 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientPosition))

	after, _ := ex.GetPositions(ctx)
	cashAfter, _ := ex.GetAccountBalance(ctx)
	assert.Equal(t, before, after)
	assert.Equal(t, cashBefore, cashAfter)

	_, err = ex.ExecuteSell(ctx, Order{Symbol: "DOGE", Quantity: 1})
	assert.True(t, errors.Is(err, ErrInsufficientPosition), "selling a flat symbol without shorting is rejected")
}

// TestInsufficientFunds rejects a buy whose margin exceeds cash.
func TestInsufficientFunds(t *testing.T) {
	prices := newMockPrices(map[string]float64{"BTC": 50000})
	ex := futuresLedger(prices, 1)

	_, err := ex.ExecuteBuy(context.Background(), Order{Symbol: "BTC", Quantity: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	cash, _ := ex.GetAccountBalance(context.Background())
	assert.Equal(t, 10000.0, cash)
}

// TestEquityModes keeps the leveraged and spot equity formulas distinct.
func TestEquityModes(t *testing.T) {
	ctx := context.Background()

	prices := newMockPrices(map[string]float64{"BTC": 50000})
	lev := futuresLedger(prices, 5)
	_, err := lev.ExecuteBuy(ctx, Order{Symbol: "BTC", Quantity: 0.1})
	require.NoError(t, err)
	prices.set("BTC", 51000)
	snap, err := lev.UpdateAccountState(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 9000+100, snap.Equity, 1e-9, "leveraged: cash + unrealized PnL")

	spotPrices := newMockPrices(map[string]float64{"BTC": 50000})
	spot := NewSimulatedPortfolioExecutor(SimulatedConfig{InitialBalance: 10000, DefaultLeverage: 5}, spotPrices, zap.NewNop())
	_, err = spot.ExecuteBuy(ctx, Order{Symbol: "BTC", Quantity: 0.1, Leverage: 5})
	require.NoError(t, err)
	cash, _ := spot.GetAccountBalance(ctx)
	assert.InDelta(t, 5000, cash, 1e-9, "spot ignores leverage")
	spotPrices.set("BTC", 51000)
	snap, err = spot.UpdateAccountState(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 5000+5100, snap.Equity, 1e-9, "spot: cash + market value")
}

// TestShortRoundTrip opens a short with shorting enabled and covers it with a buy.
func TestShortRoundTrip(t *testing.T) {
	prices := newMockPrices(map[string]float64{"ETH": 2000})
	ex := NewSimulatedPortfolioExecutor(SimulatedConfig{
		InitialBalance:  10000,
		Leveraged:       true,
		DefaultLeverage: 4,
		AllowShort:      true,
	}, prices, zap.NewNop())
	ctx := context.Background()

	fill, err := ex.ExecuteSell(ctx, Order{Symbol: "ETH", Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, models.Sell, fill.Side)
	positions, _ := ex.GetPositions(ctx)
	require.Len(t, positions, 1)
	assert.Equal(t, -2.0, positions[0].Quantity)
	assert.InDelta(t, 1000, positions[0].Margin, 1e-9)

	_, err = ex.ExecuteBuy(ctx, Order{Symbol: "ETH", Quantity: 3})
	assert.True(t, errors.Is(err, ErrInsufficientPosition), "cover larger than short is rejected")

	prices.set("ETH", 1900)
	fill, err = ex.ExecuteBuy(ctx, Order{Symbol: "ETH", Quantity: 2})
	require.NoError(t, err)
	assert.InDelta(t, 200, fill.RealizedPnL, 1e-9)
	cash, _ := ex.GetAccountBalance(ctx)
	assert.InDelta(t, 10200, cash, 1e-9)
	require.NoError(t, ex.Reconcile())
}

// TestLiquidation forfeits margin when the mark crosses the liquidation price.
func TestLiquidation(t *testing.T) {
	prices := newMockPrices(map[string]float64{"BTC": 50000})
	ex := NewSimulatedPortfolioExecutor(SimulatedConfig{
		InitialBalance:        10000,
		Leveraged:             true,
		DefaultLeverage:       10,
		MaintenanceMarginRate: 0.005,
	}, prices, zap.NewNop())
	ctx := context.Background()

	_, err := ex.ExecuteBuy(ctx, Order{Symbol: "BTC", Quantity: 1})
	require.NoError(t, err)
	positions, _ := ex.GetPositions(ctx)
	require.Len(t, positions, 1)
	assert.InDelta(t, 50000*(1-0.1+0.005), positions[0].LiquidationPrice, 1e-6)

	prices.set("BTC", 45000)
	snap, err := ex.UpdateAccountState(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Positions)
	require.Len(t, snap.Liquidations, 1)
	assert.Equal(t, models.FillLiquidated, snap.Liquidations[0].Status)
	assert.InDelta(t, -5000, snap.Liquidations[0].RealizedPnL, 1e-9)
	assert.InDelta(t, 5000, snap.Cash, 1e-9)
	require.NoError(t, ex.Reconcile())

	snap, _ = ex.UpdateAccountState(ctx)
	assert.Empty(t, snap.Liquidations, "liquidations are reported once")
}

// TestFeesReconcile charges fees and still reconciles.
func TestFeesReconcile(t *testing.T) {
	prices := newMockPrices(map[string]float64{"BTC": 100})
	ex := NewSimulatedPortfolioExecutor(SimulatedConfig{InitialBalance: 1000, Leveraged: true, DefaultLeverage: 2, FeeRate: 0.001}, prices, zap.NewNop())
	ctx := context.Background()

	fill, err := ex.ExecuteBuy(ctx, Order{Symbol: "BTC", Quantity: 2})
	require.NoError(t, err)
	assert.InDelta(t, 0.2, fill.Fee, 1e-12)
	cash, _ := ex.GetAccountBalance(ctx)
	assert.InDelta(t, 1000-100-0.2, cash, 1e-9)
	require.NoError(t, ex.Reconcile())
}

// TestRandomSequenceReconciles drives random buys and sells and checks the ledger after each.
func TestRandomSequenceReconciles(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	prices := newMockPrices(map[string]float64{"BTC": 100, "ETH": 50})
	ex := NewSimulatedPortfolioExecutor(SimulatedConfig{InitialBalance: 100000, Leveraged: true, DefaultLeverage: 3, FeeRate: 0.0004}, prices, zap.NewNop())
	ctx := context.Background()
	symbols := []string{"BTC", "ETH"}

	for i := 0; i < 500; i++ {
		s := symbols[rng.Intn(2)]
		prices.set(s, 50+rng.Float64()*100)
		qty := float64(rng.Intn(5) + 1)
		if rng.Intn(2) == 0 {
			_, _ = ex.ExecuteBuy(ctx, Order{Symbol: s, Quantity: qty})
		} else {
			_, _ = ex.ExecuteSell(ctx, Order{Symbol: s, Quantity: qty})
		}
		require.NoError(t, ex.Reconcile(), "step %d", i)
	}
}

// TestRestore rebuilds the ledger from a persisted account.
func TestRestore(t *testing.T) {
	prices := newMockPrices(map[string]float64{"BTC": 50000})
	ex := futuresLedger(prices, 5)
	ex.Restore(&models.AccountState{
		Cash:           9000,
		InitialBalance: 10000,
		Positions: []models.Position{
			{Symbol: "BTC", Quantity: 0.1, EntryPrice: 50000, Leverage: 5, Margin: 1000},
		},
	})
	require.NoError(t, ex.Reconcile())

	prices.set("BTC", 55000)
	fill, err := ex.ExecuteSell(context.Background(), Order{Symbol: "BTC", Quantity: 0.1})
	require.NoError(t, err)
	assert.InDelta(t, 500, fill.RealizedPnL, 1e-9)
	cash, _ := ex.GetAccountBalance(context.Background())
	assert.InDelta(t, 10500, cash, 1e-9)
}

// TestPriceFailureIsBackendError wraps price lookup failures.
func TestPriceFailureIsBackendError(t *testing.T) {
	prices := newMockPrices(map[string]float64{})
	ex := futuresLedger(prices, 1)
	_, err := ex.ExecuteBuy(context.Background(), Order{Symbol: "BTC", Quantity: 1})
	assert.True(t, errors.Is(err, ErrExecutionBackend))

	_, err = ex.ExecuteBuy(context.Background(), Order{Symbol: "BTC", Quantity: 0})
	assert.True(t, errors.Is(err, ErrInvalidOrder))
}

// TestSlippage executes buys above and sells below the market price.
func TestSlippage(t *testing.T) {
	prices := newMockPrices(map[string]float64{"ETH": 2000})
	ex := NewSimulatedPortfolioExecutor(SimulatedConfig{InitialBalance: 10000, SlippageRate: 0.001}, prices, zap.NewNop())
	ctx := context.Background()

	buy, err := ex.ExecuteBuy(ctx, Order{Symbol: "ETH", Quantity: 1})
	require.NoError(t, err)
	assert.InDelta(t, 2002.0, buy.Price, 1e-9)

	sell, err := ex.ExecuteSell(ctx, Order{Symbol: "ETH", Quantity: 1})
	require.NoError(t, err)
	assert.InDelta(t, 1998.0, sell.Price, 1e-9)
	assert.InDelta(t, -4.0, sell.RealizedPnL, 1e-9)
	require.NoError(t, ex.Reconcile())
}

// TestSlippageInsideLiquidationBuffer keeps a high-leverage position opened with the largest accepted slippage.
func TestSlippageInsideLiquidationBuffer(t *testing.T) {
	prices := newMockPrices(map[string]float64{"BTC": 50000})
	ex := NewSimulatedPortfolioExecutor(SimulatedConfig{
		InitialBalance:        10000,
		Leveraged:             true,
		DefaultLeverage:       100,
		MaintenanceMarginRate: 0.005,
		SlippageRate:          0.004,
	}, prices, zap.NewNop())
	ctx := context.Background()

	fill, err := ex.ExecuteBuy(ctx, Order{Symbol: "BTC", Quantity: 0.1})
	require.NoError(t, err)
	assert.InDelta(t, 50200.0, fill.Price, 1e-9)

	snap, err := ex.UpdateAccountState(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Positions, 1)
	assert.Empty(t, snap.Liquidations)
	assert.Less(t, snap.Positions[0].LiquidationPrice, 50000.0)
	require.NoError(t, ex.Reconcile())
}
