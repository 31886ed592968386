package supervisor

import (
	"context"
	"errors"
	"llm-trading-fleet/internal/bot"
	"llm-trading-fleet/internal/credentials"
	"llm-trading-fleet/internal/models"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeCycler counts cycles; gate, when set, blocks each cycle until closed.
type fakeCycler struct {
	id      string
	cycles  atomic.Int32
	panics  bool
	gate    chan struct{}
	active  *atomic.Int32 // concurrent cycles for the same bot id
	maxSeen *atomic.Int32
}

func (c *fakeCycler) RunCycle(ctx context.Context) *models.ConversationRecord {
	n := c.cycles.Add(1)
	if c.active != nil {
		cur := c.active.Add(1)
		defer c.active.Add(-1)
		for {
			seen := c.maxSeen.Load()
			if cur <= seen || c.maxSeen.CompareAndSwap(seen, cur) {
				break
			}
		}
	}
	if c.gate != nil {
		<-c.gate
	}
	if c.panics {
		panic("boom")
	}
	return &models.ConversationRecord{BotID: c.id, Cycle: int(n), Decision: models.HoldDecision("test")}
}

type harness struct {
	sup    *Supervisor
	pool   *credentials.Pool
	mu     sync.Mutex
	built  map[string][]*fakeCycler
	creds  map[string]string
	makeFn func(cfg models.BotConfig) (*fakeCycler, error)
}

func newHarness(t *testing.T, names ...string) *harness {
	t.Helper()
	creds := make([]credentials.Credential, 0, len(names))
	for _, n := range names {
		creds = append(creds, credentials.Credential{Name: n, Provider: "deepseek"})
	}
	h := &harness{
		pool:  credentials.NewPool(creds, zap.NewNop()),
		built: make(map[string][]*fakeCycler),
		creds: make(map[string]string),
	}
	h.makeFn = func(cfg models.BotConfig) (*fakeCycler, error) { return &fakeCycler{id: cfg.ID}, nil }
	h.sup = New(context.Background(), h.pool, NewRegistry(), func(cfg models.BotConfig, cred credentials.Credential) (bot.Cycler, error) {
		c, err := h.makeFn(cfg)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.built[cfg.ID] = append(h.built[cfg.ID], c)
		h.creds[cfg.ID] = cred.Name
		h.mu.Unlock()
		return c, nil
	}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.sup.StopAll(ctx)
	})
	return h
}

func (h *harness) cyclers(id string) []*fakeCycler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*fakeCycler(nil), h.built[id]...)
}

func botConfig(id, cred string, interval time.Duration) models.BotConfig {
	return models.BotConfig{
		ID:         id,
		Credential: cred,
		Market:     models.MarketFutures,
		Network:    models.NetworkDemo,
		Execution:  models.ExecutionSimulated,
		Symbols:    []string{"BTC"},
		Interval:   models.Duration{Duration: interval},
	}
}

func TestStartRunsFirstCycleImmediately(t *testing.T) {
	h := newHarness(t, "K1")

	st, err := h.sup.Start(botConfig("a", "", time.Hour))
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.NotEmpty(t, st.Handle)
	assert.Equal(t, "K1", st.Credential)
	assert.Equal(t, time.Hour, st.Interval)

	require.Eventually(t, func() bool { return h.sup.Status("a").Cycles == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, models.ActionHold, h.sup.Status("a").LastAction)
}

func TestStartTwiceIsAlreadyRunning(t *testing.T) {
	h := newHarness(t, "K1", "K2")
	_, err := h.sup.Start(botConfig("a", "", time.Hour))
	require.NoError(t, err)

	_, err = h.sup.Start(botConfig("a", "", time.Hour))
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
	assert.True(t, h.pool.IsAvailable("K2"), "a rejected start must not lease another key")
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, "K1")

	st, err := h.sup.Stop("ghost")
	assert.True(t, errors.Is(err, ErrNotRunning))
	assert.False(t, st.Running)
	assert.Equal(t, bot.ExitNeverRan, st.LastExitCode)

	_, err = h.sup.Start(botConfig("a", "K1", time.Hour))
	require.NoError(t, err)

	st, err = h.sup.Stop("a")
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Equal(t, bot.ExitStopped, st.LastExitCode)
	assert.True(t, h.pool.IsAvailable("K1"), "stop releases the credential immediately")

	_, err = h.sup.Stop("a")
	assert.True(t, errors.Is(err, ErrNotRunning))
	assert.True(t, h.pool.IsAvailable("K1"))
}

func TestExplicitCredentialHeldByAnotherBot(t *testing.T) {
	h := newHarness(t, "K1", "K2")
	_, err := h.sup.Start(botConfig("a", "K1", time.Hour))
	require.NoError(t, err)

	st, err := h.sup.Start(botConfig("b", "K1", time.Hour))
	require.Error(t, err)
	assert.True(t, errors.Is(err, credentials.ErrAllocationExhausted))
	assert.False(t, st.Running)
	assert.True(t, h.pool.IsAvailable("K2"))

	holder, _ := h.pool.HolderOf("K1")
	assert.Equal(t, "a", holder)
}

func TestNoneAvailable(t *testing.T) {
	h := newHarness(t, "K1")
	_, err := h.sup.Start(botConfig("a", "", time.Hour))
	require.NoError(t, err)

	_, err = h.sup.Start(botConfig("b", "", time.Hour))
	assert.True(t, errors.Is(err, credentials.ErrNoneAvailable))
}

// TestPanickingCycleKeepsRunning checks that a cycle panic does not stop the worker.
func TestPanickingCycleKeepsRunning(t *testing.T) {
	h := newHarness(t, "K1")
	h.makeFn = func(cfg models.BotConfig) (*fakeCycler, error) {
		return &fakeCycler{id: cfg.ID, panics: true}, nil
	}

	_, err := h.sup.Start(botConfig("a", "", 10*time.Millisecond))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.sup.Status("a").Cycles >= 3 }, 2*time.Second, 5*time.Millisecond)
	st := h.sup.Status("a")
	assert.True(t, st.Running)
	assert.Contains(t, st.LastError, "boom")
}

// TestBuildFailureReleasesCredential treats a failed engine build as a crash.
func TestBuildFailureReleasesCredential(t *testing.T) {
	h := newHarness(t, "K1")
	h.makeFn = func(cfg models.BotConfig) (*fakeCycler, error) {
		return nil, errors.New("exchange keys missing")
	}

	_, err := h.sup.Start(botConfig("a", "K1", time.Hour))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !h.sup.IsRunning("a") }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.sup.Wait(context.Background(), "a"))
	st := h.sup.Status("a")
	assert.Equal(t, bot.ExitCrashed, st.LastExitCode)
	assert.Contains(t, st.LastError, "exchange keys missing")
	assert.True(t, h.pool.IsAvailable("K1"))
}

// TestRestartWaitsForPreviousWorker keeps a bot's documents single-writer across stop/start.
func TestRestartWaitsForPreviousWorker(t *testing.T) {
	h := newHarness(t, "K1")
	gate := make(chan struct{})
	var active, maxSeen atomic.Int32
	h.makeFn = func(cfg models.BotConfig) (*fakeCycler, error) {
		return &fakeCycler{id: cfg.ID, gate: gate, active: &active, maxSeen: &maxSeen}, nil
	}

	_, err := h.sup.Start(botConfig("a", "", time.Hour))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return active.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = h.sup.Stop("a")
	require.NoError(t, err)
	st, err := h.sup.Start(botConfig("a", "", time.Hour))
	require.NoError(t, err)
	assert.True(t, st.Running)

	// the first worker is still inside its cycle, so the second has not been built yet
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.cyclers("a"), 1)

	close(gate)
	require.Eventually(t, func() bool {
		cs := h.cyclers("a")
		return len(cs) == 2 && cs[1].cycles.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), maxSeen.Load())
}

// TestStopAllJoinsWorkers waits for in-flight cycles.
func TestStopAllJoinsWorkers(t *testing.T) {
	h := newHarness(t, "K1", "K2")
	_, err := h.sup.Start(botConfig("a", "", time.Hour))
	require.NoError(t, err)
	_, err = h.sup.Start(botConfig("b", "", time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.sup.StopAll(ctx))
	assert.False(t, h.sup.IsRunning("a"))
	assert.False(t, h.sup.IsRunning("b"))
	assert.Equal(t, map[string]string{"K1": "", "K2": ""}, h.pool.UsageMap())
}

func TestRegistryLifecycle(t *testing.T) {
	h := newHarness(t, "K1")

	_, err := h.sup.StartByID("a")
	assert.True(t, errors.Is(err, ErrBotNotFound))

	_, err = h.sup.PutBot(models.BotConfig{ID: "a", Symbols: []string{" btc "}})
	require.NoError(t, err)
	cfg, ok := h.sup.Registry().Get("a")
	require.True(t, ok)
	assert.Equal(t, []string{"BTC"}, cfg.Symbols)
	assert.Equal(t, models.MarketFutures, cfg.Market)

	_, err = h.sup.PutBot(models.BotConfig{ID: "b"})
	assert.Error(t, err, "a bot needs symbols")

	st, err := h.sup.StartByID("a")
	require.NoError(t, err)
	assert.True(t, st.Running)

	statuses := h.sup.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "a", statuses[0].BotID)

	require.NoError(t, h.sup.DeleteBot("a"))
	assert.False(t, h.sup.IsRunning("a"))
	assert.True(t, h.pool.IsAvailable("K1"))
	_, ok = h.sup.Registry().Get("a")
	assert.False(t, ok)
	assert.True(t, errors.Is(h.sup.DeleteBot("a"), ErrBotNotFound))
}
