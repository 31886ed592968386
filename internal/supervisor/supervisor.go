package supervisor

import (
	"context"
	"errors"
	"fmt"
	"llm-trading-fleet/internal/bot"
	"llm-trading-fleet/internal/credentials"
	"llm-trading-fleet/internal/models"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning = errors.New("bot already running")
	ErrNotRunning     = errors.New("bot not running")
	ErrBotNotFound    = errors.New("bot not found")
)

// Factory builds the cycle runner for one start of a bot.
// It is called from the worker goroutine, after any previous worker of the same bot has exited.
type Factory func(cfg models.BotConfig, cred credentials.Credential) (bot.Cycler, error)

// Status 单个机器人的运行状态
type Status struct {
	BotID        string        `json:"bot_id"`
	Running      bool          `json:"running"`
	Handle       string        `json:"handle,omitempty"`
	StartedAt    time.Time     `json:"started_at,omitempty"`
	LastExitCode int           `json:"last_exit_code"`
	Interval     time.Duration `json:"interval"`
	Credential   string        `json:"credential,omitempty"`
	Cycles       int           `json:"cycles"`
	LastCycleAt  time.Time     `json:"last_cycle_at,omitempty"`
	LastAction   models.Action `json:"last_action,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

// Supervisor owns one worker per running bot and the credential leases that go with them.
type Supervisor struct {
	mu       sync.Mutex
	ctx      context.Context
	pool     *credentials.Pool
	factory  Factory
	registry *Registry
	workers  map[string]*bot.TradingBot
	logger   *zap.Logger
}

// New creates a supervisor. Workers derive their contexts from ctx.
func New(ctx context.Context, pool *credentials.Pool, registry *Registry, factory Factory, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Supervisor{
		ctx:      ctx,
		pool:     pool,
		factory:  factory,
		registry: registry,
		workers:  make(map[string]*bot.TradingBot),
		logger:   logger,
	}
}

// Registry returns the bot configuration registry.
func (s *Supervisor) Registry() *Registry { return s.registry }

// Start 为机器人分配凭证并启动工作协程
func (s *Supervisor) Start(cfg models.BotConfig) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.workers[cfg.ID]
	if prev != nil && prev.IsRunning() {
		return s.statusLocked(cfg.ID), fmt.Errorf("%s: %w", cfg.ID, ErrAlreadyRunning)
	}

	// 回收已崩溃的机器人遗留的租约
	s.pool.Reclaim(func(botID string) bool {
		w := s.workers[botID]
		return w != nil && w.IsRunning()
	})

	cred, err := s.pool.Allocate(cfg.ID, cfg.Credential)
	if err != nil {
		s.logger.Error("credential allocation failed", zap.String("bot_id", cfg.ID), zap.String("requested", cfg.Credential), zap.Error(err))
		return s.statusLocked(cfg.ID), err
	}

	log := s.logger.With(zap.String("bot_id", cfg.ID))
	var w *bot.TradingBot
	w = bot.NewTradingBot(cfg.ID, cfg.Interval.Duration,
		func() (bot.Cycler, error) { return s.factory(cfg, cred) },
		func(code int) { s.exited(cfg.ID, w, code) },
		log)

	var after <-chan struct{}
	if prev != nil {
		after = prev.Done()
	}
	if err := w.Start(s.ctx, after); err != nil {
		s.pool.Release(cfg.ID)
		return s.statusLocked(cfg.ID), err
	}
	s.workers[cfg.ID] = w
	log.Info("bot started",
		zap.String("handle", w.Handle()),
		zap.String("credential", cred.Name),
		zap.Duration("interval", cfg.Interval.Duration))
	return s.statusLocked(cfg.ID), nil
}

// StartByID starts a bot using its registered configuration.
func (s *Supervisor) StartByID(botID string) (Status, error) {
	cfg, ok := s.registry.Get(botID)
	if !ok {
		return Status{BotID: botID, LastExitCode: bot.ExitNeverRan}, fmt.Errorf("%s: %w", botID, ErrBotNotFound)
	}
	return s.Start(cfg)
}

// Stop 停止机器人并立即释放凭证. 未运行时返回 ErrNotRunning 且没有副作用
func (s *Supervisor) Stop(botID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.workers[botID]
	if w == nil || !w.IsRunning() {
		return s.statusLocked(botID), fmt.Errorf("%s: %w", botID, ErrNotRunning)
	}
	w.Stop()
	s.pool.Release(botID)
	return s.statusLocked(botID), nil
}

// exited runs on the worker goroutine once it returns.
func (s *Supervisor) exited(botID string, w *bot.TradingBot, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers[botID] != w {
		// 已被新的工作协程取代, 它持有的租约不能动
		return
	}
	if code != bot.ExitStopped {
		s.pool.Release(botID)
		s.logger.Error("bot exited abnormally", zap.String("bot_id", botID), zap.Int("exit_code", code))
	}
}

// Status returns the status of one bot. A bot that never ran reports exit code -1.
func (s *Supervisor) Status(botID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(botID)
}

func (s *Supervisor) statusLocked(botID string) Status {
	st := Status{BotID: botID, LastExitCode: bot.ExitNeverRan}
	if cfg, ok := s.registry.Get(botID); ok {
		st.Interval = cfg.Interval.Duration
	}
	w := s.workers[botID]
	if w == nil {
		return st
	}
	snap := w.Snapshot()
	st.Running = snap.Running
	st.Handle = snap.Handle
	st.StartedAt = snap.StartedAt
	st.Interval = snap.Interval
	st.Cycles = snap.Cycles
	st.LastCycleAt = snap.LastCycleAt
	st.LastAction = snap.LastAction
	st.LastError = snap.LastError
	if !snap.Running {
		st.LastExitCode = snap.ExitCode
	}
	if l, ok := s.pool.Lease(botID); ok && snap.Running {
		st.Credential = l.Credential
	}
	return st
}

// Statuses lists every registered or started bot, sorted by id.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make(map[string]bool)
	for _, cfg := range s.registry.List() {
		ids[cfg.ID] = true
	}
	for id := range s.workers {
		ids[id] = true
	}
	out := make([]Status, 0, len(ids))
	for id := range ids {
		out = append(out, s.statusLocked(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out
}

// IsRunning reports whether botID has a live worker.
func (s *Supervisor) IsRunning(botID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.workers[botID]
	return w != nil && w.IsRunning()
}

// Wait blocks until the current worker of botID has exited or ctx is done.
func (s *Supervisor) Wait(ctx context.Context, botID string) error {
	s.mu.Lock()
	w := s.workers[botID]
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	select {
	case <-w.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll stops every running bot and waits for their workers to exit.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	workers := make([]*bot.TradingBot, 0, len(s.workers))
	for id, w := range s.workers {
		if w.IsRunning() {
			w.Stop()
			s.pool.Release(id)
		}
		workers = append(workers, w)
	}
	s.mu.Unlock()

	for _, w := range workers {
		select {
		case <-w.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for workers: %w", ctx.Err())
		}
	}
	s.logger.Info("all bots stopped", zap.Int("workers", len(workers)))
	return nil
}

// PutBot validates and stores a bot configuration. A running bot keeps its old settings until restarted.
func (s *Supervisor) PutBot(cfg models.BotConfig) (models.BotConfig, error) {
	return s.registry.Put(cfg)
}

// DeleteBot stops the bot if it is running and removes its configuration.
func (s *Supervisor) DeleteBot(botID string) error {
	if _, ok := s.registry.Get(botID); !ok {
		return fmt.Errorf("%s: %w", botID, ErrBotNotFound)
	}
	if _, err := s.Stop(botID); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	s.registry.Delete(botID)
	s.logger.Info("bot deleted", zap.String("bot_id", botID))
	return nil
}
