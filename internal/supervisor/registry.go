package supervisor

import (
	"llm-trading-fleet/internal/config"
	"llm-trading-fleet/internal/models"
	"sort"
	"sync"
)

// Registry 保存机器人配置, 写入即创建或更新
type Registry struct {
	mu   sync.RWMutex
	bots map[string]models.BotConfig
}

func NewRegistry(bots ...models.BotConfig) *Registry {
	r := &Registry{bots: make(map[string]models.BotConfig, len(bots))}
	for _, b := range bots {
		r.bots[b.ID] = b
	}
	return r
}

// Put applies defaults, validates and stores cfg.
func (r *Registry) Put(cfg models.BotConfig) (models.BotConfig, error) {
	cfg.Symbols = append([]string(nil), cfg.Symbols...)
	config.ApplyBotDefaults(&cfg)
	if err := config.ValidateBot(cfg); err != nil {
		return cfg, err
	}
	r.mu.Lock()
	r.bots[cfg.ID] = cfg
	r.mu.Unlock()
	return cfg, nil
}

func (r *Registry) Get(botID string) (models.BotConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.bots[botID]
	return cfg, ok
}

func (r *Registry) Delete(botID string) {
	r.mu.Lock()
	delete(r.bots, botID)
	r.mu.Unlock()
}

// List returns all configurations sorted by id.
func (r *Registry) List() []models.BotConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.BotConfig, 0, len(r.bots))
	for _, b := range r.bots {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
