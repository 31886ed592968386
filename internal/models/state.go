package models

import "time"

// AccountState 是每个机器人持久化的账户快照，每次变更后整体重写
type AccountState struct {
	BotID          string     `json:"bot_id"`
	Cash           float64    `json:"cash"`            // 可用现金
	Equity         float64    `json:"equity"`          // 派生值, 每次重估后计算
	InitialBalance float64    `json:"initial_balance"` // 收益率的基准
	TotalReturnPct float64    `json:"total_return_pct"`
	RealizedPnL    float64    `json:"realized_pnl"`
	FeesPaid       float64    `json:"fees_paid"`
	Invocations    int        `json:"invocations"`
	Positions      []Position `json:"positions"`
	StartedAt      time.Time  `json:"started_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (a *AccountState) Clone() *AccountState {
	if a == nil {
		return nil
	}
	c := *a
	if a.Positions != nil {
		c.Positions = make([]Position, len(a.Positions))
		copy(c.Positions, a.Positions)
	}
	return &c
}

// PositionFor 按基础币种查找持仓
func (a *AccountState) PositionFor(symbol string) (Position, bool) {
	for _, p := range a.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return Position{}, false
}

// Position 持仓. Quantity 带符号: 正数为多, 负数为空, 不存在即空仓
type Position struct {
	Symbol           string    `json:"symbol"`
	Quantity         float64   `json:"quantity"`
	EntryPrice       float64   `json:"entry_price"`
	CurrentPrice     float64   `json:"current_price"`
	Leverage         int       `json:"leverage"`
	Margin           float64   `json:"margin"`
	Notional         float64   `json:"notional"`
	LiquidationPrice float64   `json:"liquidation_price"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	ExitPlan         ExitPlan  `json:"exit_plan"`
	OpenedAt         time.Time `json:"opened_at"`
}

// IsLong reports a positive quantity.
func (p Position) IsLong() bool { return p.Quantity > 0 }

// ExitPlan 退出计划, 永远带默认值
type ExitPlan struct {
	ProfitTarget          float64 `json:"profit_target"`
	StopLoss              float64 `json:"stop_loss"`
	InvalidationCondition string  `json:"invalidation_condition"`
}

const DefaultInvalidation = "none specified"

// WithDefaults fills empty fields.
func (e ExitPlan) WithDefaults() ExitPlan {
	if e.InvalidationCondition == "" {
		e.InvalidationCondition = DefaultInvalidation
	}
	if e.ProfitTarget < 0 {
		e.ProfitTarget = 0
	}
	if e.StopLoss < 0 {
		e.StopLoss = 0
	}
	return e
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// FillStatus of an executed order.
type FillStatus string

const (
	FillFilled     FillStatus = "FILLED"
	FillPartial    FillStatus = "PARTIALLY_FILLED"
	FillRejected   FillStatus = "REJECTED"
	FillLiquidated FillStatus = "LIQUIDATED"
)

// Fill is what an execution backend returns for one order.
type Fill struct {
	ID          string     `json:"id"`
	Symbol      string     `json:"symbol"`
	Side        Side       `json:"side"`
	Quantity    float64    `json:"quantity"`
	Price       float64    `json:"price"`
	Fee         float64    `json:"fee"`
	RealizedPnL float64    `json:"realized_pnl"`
	EntryPrice  float64    `json:"entry_price,omitempty"`
	EntryTime   time.Time  `json:"entry_time,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	Status      FillStatus `json:"status"`
}

// TradeRecord 成交记录, 只追加
type TradeRecord struct {
	ID          string    `json:"id"`
	BotID       string    `json:"bot_id"`
	OrderID     string    `json:"order_id"`
	Cycle       int       `json:"cycle"`
	Action      Action    `json:"action"`
	Side        Side      `json:"side"`
	Symbol      string    `json:"symbol"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	Fee         float64   `json:"fee"`
	RealizedPnL float64   `json:"realized_pnl"`
	EntryTime   time.Time `json:"entry_time,omitempty"`
	ExitTime    time.Time `json:"exit_time,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Action is the normalized decision vocabulary.
type Action string

const (
	ActionBuy           Action = "buy"
	ActionSell          Action = "sell"
	ActionClosePosition Action = "close_position"
	ActionHold          Action = "hold"
	ActionLiquidation   Action = "liquidation"
)

// Decision 模型输出归一化之后的交易指令
type Decision struct {
	Action                Action  `json:"action"`
	Symbol                string  `json:"symbol"`
	Quantity              float64 `json:"quantity"`
	PositionSizeUSD       float64 `json:"position_size_usd,omitempty"`
	Leverage              int     `json:"leverage"`
	Confidence            float64 `json:"confidence"`
	RiskUSD               float64 `json:"risk_usd"`
	ProfitTarget          float64 `json:"profit_target"`
	StopLoss              float64 `json:"stop_loss"`
	InvalidationCondition string  `json:"invalidation_condition"`
	Reasoning             string  `json:"reasoning"`
}

// ExitPlan extracts the exit plan carried by the decision.
func (d Decision) ExitPlan() ExitPlan {
	return ExitPlan{
		ProfitTarget:          d.ProfitTarget,
		StopLoss:              d.StopLoss,
		InvalidationCondition: d.InvalidationCondition,
	}.WithDefaults()
}

// HoldDecision builds a hold with the given reasoning.
func HoldDecision(reason string) Decision {
	return Decision{
		Action:                ActionHold,
		Leverage:              1,
		Confidence:            0.5,
		InvalidationCondition: DefaultInvalidation,
		Reasoning:             reason,
	}
}

// ConversationRecord 每个周期恰好一条
type ConversationRecord struct {
	ID               string                 `json:"id"`
	BotID            string                 `json:"bot_id"`
	Cycle            int                    `json:"cycle"`
	SystemPrompt     string                 `json:"system_prompt"`
	UserPrompt       string                 `json:"user_prompt"`
	RawResponse      string                 `json:"raw_response"`
	ParsedDecision   map[string]interface{} `json:"parsed_decision,omitempty"`
	Decision         Decision               `json:"decision"`
	Fill             *Fill                  `json:"fill,omitempty"`
	ExecutionError   string                 `json:"execution_error,omitempty"`
	Diagnostics      []string               `json:"diagnostics,omitempty"`
	Degraded         bool                   `json:"degraded"`
	SyntheticSymbols []string               `json:"synthetic_symbols,omitempty"`
	Account          *AccountState          `json:"account"`
	StartedAt        time.Time              `json:"started_at"`
	FinishedAt       time.Time              `json:"finished_at"`
	DurationMillis   int64                  `json:"duration_ms"`
}
