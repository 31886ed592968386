package credentials

import (
	"errors"
	"fmt"
	"llm-trading-fleet/internal/models"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrAllocationExhausted is returned when an explicitly requested credential is held by another bot.
	ErrAllocationExhausted = errors.New("credential allocation exhausted")
	// ErrNoneAvailable is returned when no credential is free and none was requested.
	ErrNoneAvailable = errors.New("no credential available")
	// ErrUnknownCredential is returned when the requested name is not in the pool.
	ErrUnknownCredential = errors.New("unknown credential")
)

// Credential is one AI-provider key.
type Credential struct {
	Name     string
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
}

// Lease 表示一个 key 与一个 bot 的独占绑定
type Lease struct {
	Credential string    `json:"credential"`
	BotID      string    `json:"bot_id"`
	LeasedAt   time.Time `json:"leased_at"`
}

// Pool leases credentials to bots, at most one bot per credential.
// The lease table is guarded by a single mutex so concurrent allocations serialize.
type Pool struct {
	mu          sync.Mutex
	order       []string
	credentials map[string]Credential
	byCred      map[string]*Lease
	byBot       map[string]*Lease
	logger      *zap.Logger
	now         func() time.Time
}

// NewPool creates a pool over the given credentials. Enumeration order follows the input order.
func NewPool(creds []Credential, logger *zap.Logger) *Pool {
	p := &Pool{
		credentials: make(map[string]Credential, len(creds)),
		byCred:      make(map[string]*Lease),
		byBot:       make(map[string]*Lease),
		logger:      logger,
		now:         time.Now,
	}
	for _, c := range creds {
		if _, dup := p.credentials[c.Name]; dup {
			continue
		}
		p.order = append(p.order, c.Name)
		p.credentials[c.Name] = c
	}
	return p
}

// FromConfig builds credentials from configuration, resolving keys with resolve.
func FromConfig(cfgs []models.CredentialConfig, resolve func(literal, env string) string) []Credential {
	out := make([]Credential, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, Credential{
			Name:     c.Name,
			Provider: c.Provider,
			BaseURL:  c.BaseURL,
			APIKey:   resolve(c.APIKey, c.APIKeyEnv),
			Model:    c.Model,
		})
	}
	return out
}

// Allocate leases a credential to botID.
// With a requested name the call fails with ErrAllocationExhausted if another bot holds it;
// it never substitutes a different credential. Without one, the first free credential is taken.
// A bot that already holds a lease gets the same credential back.
func (p *Pool) Allocate(botID, requested string) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if held, ok := p.byBot[botID]; ok {
		if requested == "" || requested == held.Credential {
			return p.credentials[held.Credential], nil
		}
		return Credential{}, fmt.Errorf("bot %s already holds %s, cannot lease %s: %w", botID, held.Credential, requested, ErrAllocationExhausted)
	}

	if requested != "" {
		cred, ok := p.credentials[requested]
		if !ok {
			return Credential{}, fmt.Errorf("%s: %w", requested, ErrUnknownCredential)
		}
		if holder, taken := p.byCred[requested]; taken {
			return Credential{}, fmt.Errorf("%s held by %s: %w", requested, holder.BotID, ErrAllocationExhausted)
		}
		p.lease(requested, botID)
		return cred, nil
	}

	for _, name := range p.order {
		if _, taken := p.byCred[name]; !taken {
			p.lease(name, botID)
			return p.credentials[name], nil
		}
	}
	return Credential{}, ErrNoneAvailable
}

// lease must be called with p.mu held.
func (p *Pool) lease(name, botID string) {
	l := &Lease{Credential: name, BotID: botID, LeasedAt: p.now()}
	p.byCred[name] = l
	p.byBot[botID] = l
	p.logger.Info("credential leased", zap.String("credential", name), zap.String("bot_id", botID))
}

// Release drops whatever lease botID holds. It is a no-op when there is none.
func (p *Pool) Release(botID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.byBot[botID]
	if !ok {
		return
	}
	delete(p.byBot, botID)
	delete(p.byCred, l.Credential)
	p.logger.Info("credential released", zap.String("credential", l.Credential), zap.String("bot_id", botID))
}

// Reclaim releases leases whose bot is no longer alive and returns the affected bot ids.
func (p *Pool) Reclaim(alive func(botID string) bool) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var reclaimed []string
	for botID, l := range p.byBot {
		if alive(botID) {
			continue
		}
		delete(p.byBot, botID)
		delete(p.byCred, l.Credential)
		reclaimed = append(reclaimed, botID)
		p.logger.Warn("reclaimed stale credential lease", zap.String("credential", l.Credential), zap.String("bot_id", botID))
	}
	sort.Strings(reclaimed)
	return reclaimed
}

// IsAvailable reports whether the credential exists and is not leased.
func (p *Pool) IsAvailable(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, exists := p.credentials[name]
	_, taken := p.byCred[name]
	return exists && !taken
}

// HolderOf returns the bot currently holding the credential.
func (p *Pool) HolderOf(name string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.byCred[name]
	if !ok {
		return "", false
	}
	return l.BotID, true
}

// Lease returns the lease held by botID, if any.
func (p *Pool) Lease(botID string) (Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.byBot[botID]
	if !ok {
		return Lease{}, false
	}
	return *l, true
}

// UsageMap maps every credential name to its holder ("" when free).
func (p *Pool) UsageMap() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	usage := make(map[string]string, len(p.order))
	for _, name := range p.order {
		usage[name] = ""
		if l, ok := p.byCred[name]; ok {
			usage[name] = l.BotID
		}
	}
	return usage
}

// Credentials lists credential names in pool order.
func (p *Pool) Credentials() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}
