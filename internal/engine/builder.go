package engine

import (
	"fmt"
	"llm-trading-fleet/internal/config"
	"llm-trading-fleet/internal/credentials"
	"llm-trading-fleet/internal/exchange"
	"llm-trading-fleet/internal/llm"
	"llm-trading-fleet/internal/logger"
	"llm-trading-fleet/internal/market"
	"llm-trading-fleet/internal/models"
	"llm-trading-fleet/internal/persistence"
	"llm-trading-fleet/internal/prompts"
	"llm-trading-fleet/internal/statemanager"

	"go.uber.org/zap"
)

// MarketData pairs a candle/ticker provider with the price source executors mark against.
type MarketData struct {
	Provider market.Provider
	Prices   market.PriceSource
}

// Builder holds the process-wide collaborators and assembles one Engine per bot start.
type Builder struct {
	Market models.MarketConfig
	Repo   persistence.StateRepository
	// Markets selects market data by bot market; Provider and Prices are the fallback.
	Markets   map[models.MarketType]MarketData
	Provider  market.Provider
	Prices    market.PriceSource
	Templates prompts.Store
	// NewModel overrides the chat client; nil uses llm.NewClient.
	NewModel func(cred credentials.Credential, bot models.BotConfig) llm.Model
	// NewLogger overrides the per-bot logger; nil uses logger.ForBot.
	NewLogger func(botID string) *zap.Logger
}

// Build loads the bot's documents, chooses its execution backend and returns a ready engine.
func (b *Builder) Build(bot models.BotConfig, cred credentials.Credential) (*Engine, error) {
	log := b.logger(bot.ID)

	state := statemanager.NewStateManager(bot.ID, b.Repo, log)
	if err := state.Load(bot.InitialBalance); err != nil {
		return nil, fmt.Errorf("load state for %s: %w", bot.ID, err)
	}

	data := b.marketData(bot.Market)
	executor, err := b.executor(bot, data.Prices, log)
	if err != nil {
		return nil, err
	}

	var model llm.Model
	if b.NewModel != nil {
		model = b.NewModel(cred, bot)
	} else {
		name := bot.Model
		if name == "" {
			name = cred.Model
		}
		model = llm.NewClient(llm.Options{
			BaseURL: llm.BaseURLFor(cred.Provider, cred.BaseURL),
			APIKey:  cred.APIKey,
			Model:   name,
		}, log)
	}

	return New(bot, b.Market, Deps{
		Provider:  data.Provider,
		Model:     model,
		Executor:  executor,
		State:     state,
		Templates: b.Templates,
		Logger:    log,
	})
}

func (b *Builder) logger(botID string) *zap.Logger {
	if b.NewLogger != nil {
		return b.NewLogger(botID)
	}
	return logger.ForBot(botID)
}

func (b *Builder) marketData(m models.MarketType) MarketData {
	if d, ok := b.Markets[m]; ok {
		return d
	}
	return MarketData{Provider: b.Provider, Prices: b.Prices}
}

func (b *Builder) executor(bot models.BotConfig, prices market.PriceSource, log *zap.Logger) (exchange.Executor, error) {
	switch bot.Execution {
	case models.ExecutionRemote:
		key := config.ResolveSecret("", bot.ExchangeKeyEnv)
		secret := config.ResolveSecret("", bot.ExchangeSecretEnv)
		if key == "" || secret == "" {
			return nil, fmt.Errorf("bot %s: remote execution needs %s and %s to be set", bot.ID, bot.ExchangeKeyEnv, bot.ExchangeSecretEnv)
		}
		return exchange.NewRemoteExchangeExecutor(exchange.RemoteConfig{
			APIKey:          key,
			SecretKey:       secret,
			Futures:         bot.IsLeveraged(),
			Demo:            bot.Network != models.NetworkLive,
			Quote:           bot.QuoteAsset,
			DefaultLeverage: bot.EffectiveLeverage(),
		}, prices, log), nil
	default:
		return exchange.NewSimulatedPortfolioExecutor(exchange.SimulatedConfigFor(bot), prices, log), nil
	}
}
