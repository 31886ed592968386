package exchange

import (
	"context"
	"errors"
	"llm-trading-fleet/internal/models"
)

var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientPosition = errors.New("insufficient position")
	ErrExecutionBackend     = errors.New("execution backend failure")
	ErrInvalidOrder         = errors.New("invalid order")
)

// Order 买卖指令, Symbol 为基础币种 (e.g. "BTC")
type Order struct {
	Symbol   string
	Quantity float64
	Leverage int // 0 means the executor default
	ExitPlan models.ExitPlan
	// ReduceOnly marks closing orders; the simulated ledger ignores it.
	ReduceOnly bool
}

// AccountSnapshot is a consistent (equity, available cash, positions) triple.
type AccountSnapshot struct {
	Equity    float64
	Cash      float64
	Positions []models.Position
	// Realized and Fees are cumulative; remote backends leave them zero.
	Realized float64
	Fees     float64
	// Liquidations produced while revaluing.
	Liquidations []models.Fill
}

// Executor 定义了两个执行后端 (远程交易所 / 本地模拟账户) 必须提供的能力。
// 在构建机器人时选择具体实现。
type Executor interface {
	ExecuteBuy(ctx context.Context, order Order) (*models.Fill, error)
	ExecuteSell(ctx context.Context, order Order) (*models.Fill, error)
	UpdateAccountState(ctx context.Context) (*AccountSnapshot, error)
	GetAccountBalance(ctx context.Context) (float64, error)
	GetPositions(ctx context.Context) ([]models.Position, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}
