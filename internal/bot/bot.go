package bot

import (
	"context"
	"crypto/rand"
	"fmt"
	"llm-trading-fleet/internal/models"
	"sync"
	"time"

	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

// 退出码
const (
	ExitNeverRan = -1
	ExitStopped  = 0
	ExitCrashed  = 1
)

// Cycler 运行一次完整的决策周期
type Cycler interface {
	RunCycle(ctx context.Context) *models.ConversationRecord
}

// BuildFunc 在工作协程内构建周期执行器, 失败视为崩溃
type BuildFunc func() (Cycler, error)

// Snapshot is a point-in-time view of a worker.
type Snapshot struct {
	Handle       string        `json:"handle"`
	Running      bool          `json:"running"`
	StartedAt    time.Time     `json:"started_at"`
	StoppedAt    time.Time     `json:"stopped_at,omitempty"`
	ExitCode     int           `json:"exit_code"`
	Interval     time.Duration `json:"interval"`
	Cycles       int           `json:"cycles"`
	LastCycleAt  time.Time     `json:"last_cycle_at,omitempty"`
	LastAction   models.Action `json:"last_action,omitempty"`
	LastSymbol   string        `json:"last_symbol,omitempty"`
	LastDegraded bool          `json:"last_degraded"`
	LastError    string        `json:"last_error,omitempty"`
}

// TradingBot 是单个机器人的工作协程: 立即运行第一个周期, 之后按间隔重复, 直到被停止
type TradingBot struct {
	id       string
	handle   string
	interval time.Duration
	build    BuildFunc
	onExit   func(code int)

	mutex       sync.RWMutex
	isRunning   bool
	startedAt   time.Time
	stoppedAt   time.Time
	exitCode    int
	cycles      int
	lastCycleAt time.Time
	lastRecord  *models.ConversationRecord
	lastError   string

	cancel      context.CancelFunc
	stopChannel chan struct{}
	done        chan struct{}
	logger      *zap.Logger
}

// NewTradingBot creates a worker that is not yet running.
// onExit, if set, is called once from the worker goroutine with the final exit code, before Done is closed.
func NewTradingBot(id string, interval time.Duration, build BuildFunc, onExit func(code int), logger *zap.Logger) *TradingBot {
	if logger == nil {
		logger = zap.NewNop()
	}
	handle := NewHandle()
	return &TradingBot{
		id:          id,
		handle:      handle,
		interval:    interval,
		build:       build,
		onExit:      onExit,
		exitCode:    ExitNeverRan,
		stopChannel: make(chan struct{}),
		done:        make(chan struct{}),
		logger:      logger.With(zap.String("handle", handle)),
	}
}

// NewHandle returns a short random worker handle.
func NewHandle() string {
	var buf [9]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("h%d", time.Now().UnixNano())
	}
	return base62.EncodeToString(buf[:])
}

// Handle identifies this worker instance.
func (b *TradingBot) Handle() string { return b.handle }

// Done is closed when the worker goroutine has returned.
func (b *TradingBot) Done() <-chan struct{} { return b.done }

// IsRunning reports whether the worker has been started and not yet stopped or crashed.
func (b *TradingBot) IsRunning() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.isRunning
}

// Start 启动工作协程. after 非空时先等待上一个工作协程退出, 保证同一机器人的文档只有一个写入者
func (b *TradingBot) Start(parent context.Context, after <-chan struct{}) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.isRunning {
		return fmt.Errorf("bot %s already running", b.id)
	}
	select {
	case <-b.done:
		return fmt.Errorf("bot %s worker %s already finished", b.id, b.handle)
	default:
	}

	ctx, cancel := context.WithCancel(parent)
	b.cancel = cancel
	b.isRunning = true
	b.startedAt = time.Now()

	go b.run(ctx, after)
	return nil
}

// Stop 立即标记为停止并取消上下文. 进行中的周期可以自行结束. 重复调用无副作用
func (b *TradingBot) Stop() {
	b.mutex.Lock()
	if !b.isRunning {
		b.mutex.Unlock()
		return
	}
	b.isRunning = false
	b.stoppedAt = time.Now()
	b.exitCode = ExitStopped
	close(b.stopChannel)
	cancel := b.cancel
	b.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	b.logger.Info("bot stopped")
}

func (b *TradingBot) run(ctx context.Context, after <-chan struct{}) {
	code := ExitStopped
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("worker panicked outside a cycle", zap.Any("panic", r), zap.Stack("stack"))
			code = ExitCrashed
		}
		b.finish(code)
	}()

	if after != nil {
		select {
		case <-after:
		case <-b.stopChannel:
			return
		}
	}

	cycler, err := b.build()
	if err != nil {
		b.logger.Error("failed to build engine", zap.Error(err))
		b.setError(err.Error())
		code = ExitCrashed
		return
	}
	b.logger.Info("bot started", zap.Duration("interval", b.interval))

	b.strategyLoop(ctx, cycler)
}

// strategyLoop 是机器人的主循环. 周期进行中到达的 tick 被丢弃, 不会交错执行
func (b *TradingBot) strategyLoop(ctx context.Context, cycler Cycler) {
	if !b.runCycle(ctx, cycler) {
		return
	}

	interval := b.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChannel:
			return
		case <-ticker.C:
			if !b.runCycle(ctx, cycler) {
				return
			}
		}
	}
}

// runCycle returns false once the worker has been stopped.
func (b *TradingBot) runCycle(ctx context.Context, cycler Cycler) bool {
	select {
	case <-b.stopChannel:
		return false
	default:
	}

	var rec *models.ConversationRecord
	func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
				b.setError(fmt.Sprintf("cycle panic: %v", r))
			}
		}()
		rec = cycler.RunCycle(ctx)
	}()

	b.mutex.Lock()
	b.cycles++
	b.lastCycleAt = time.Now()
	if rec != nil {
		b.lastRecord = rec
		b.lastError = rec.ExecutionError
	}
	b.mutex.Unlock()

	if rec != nil {
		b.printStatus(rec)
	}
	return b.IsRunning()
}

func (b *TradingBot) setError(msg string) {
	b.mutex.Lock()
	b.lastError = msg
	b.mutex.Unlock()
}

func (b *TradingBot) finish(code int) {
	b.mutex.Lock()
	if b.isRunning {
		// 未经 Stop 的退出
		b.isRunning = false
		b.stoppedAt = time.Now()
		b.exitCode = code
	}
	final := b.exitCode
	b.mutex.Unlock()

	if b.onExit != nil {
		b.onExit(final)
	}
	close(b.done)
}

// printStatus 每个周期结束后打印一次摘要
func (b *TradingBot) printStatus(rec *models.ConversationRecord) {
	fields := []zap.Field{
		zap.Int("cycle", rec.Cycle),
		zap.String("action", string(rec.Decision.Action)),
		zap.String("symbol", rec.Decision.Symbol),
		zap.Bool("degraded", rec.Degraded),
	}
	if rec.Account != nil {
		fields = append(fields,
			zap.Float64("equity", rec.Account.Equity),
			zap.Float64("cash", rec.Account.Cash),
			zap.Float64("total_return_pct", rec.Account.TotalReturnPct),
			zap.Int("positions", len(rec.Account.Positions)))
	}
	b.logger.Info("--- 状态更新 ---", fields...)
}

// Snapshot returns the worker's current status.
func (b *TradingBot) Snapshot() Snapshot {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	s := Snapshot{
		Handle:      b.handle,
		Running:     b.isRunning,
		StartedAt:   b.startedAt,
		StoppedAt:   b.stoppedAt,
		ExitCode:    b.exitCode,
		Interval:    b.interval,
		Cycles:      b.cycles,
		LastCycleAt: b.lastCycleAt,
		LastError:   b.lastError,
	}
	if b.lastRecord != nil {
		s.LastAction = b.lastRecord.Decision.Action
		s.LastSymbol = b.lastRecord.Decision.Symbol
		s.LastDegraded = b.lastRecord.Degraded
	}
	return s
}
