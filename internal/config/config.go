package config

import (
	"encoding/json"
	"fmt"
	"llm-trading-fleet/internal/models"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultInterval       = 3 * time.Minute
	DefaultCandleLimit    = 60
	DefaultTemperature    = 0.7
	DefaultMaxTokens      = 4000
	DefaultInitialBalance = 10000.0
	DefaultQuoteAsset     = "USDT"
)

// LoadConfig 从指定路径加载配置文件 (JSON 或 YAML) 并解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &models.Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config %s: %w", path, err)
		}
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values with the fleet defaults.
func ApplyDefaults(cfg *models.Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "console"
	}
	if cfg.State.Driver == "" {
		cfg.State.Driver = "badger"
	}
	if cfg.State.Path == "" {
		cfg.State.Path = "data/state"
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = ":8080"
	}
	if cfg.Market.IntradayTimeframe == "" {
		cfg.Market.IntradayTimeframe = "3m"
	}
	if cfg.Market.ContextTimeframe == "" {
		cfg.Market.ContextTimeframe = "4h"
	}
	if cfg.Market.CandleLimit <= 0 {
		cfg.Market.CandleLimit = DefaultCandleLimit
	}
	if cfg.Market.RequestsPerSecond <= 0 {
		cfg.Market.RequestsPerSecond = 10
	}
	if cfg.Market.MaxConcurrentFetch <= 0 {
		cfg.Market.MaxConcurrentFetch = 4
	}
	for i := range cfg.Bots {
		ApplyBotDefaults(&cfg.Bots[i])
	}
}

// ApplyBotDefaults fills zero values of a single bot configuration.
func ApplyBotDefaults(b *models.BotConfig) {
	if b.Market == "" {
		b.Market = models.MarketFutures
	}
	if b.Network == "" {
		b.Network = models.NetworkDemo
	}
	if b.Execution == "" {
		b.Execution = models.ExecutionSimulated
	}
	if b.Interval.Duration == 0 {
		b.Interval.Duration = DefaultInterval
	}
	if b.QuoteAsset == "" {
		b.QuoteAsset = DefaultQuoteAsset
	}
	if b.InitialBalance <= 0 {
		b.InitialBalance = DefaultInitialBalance
	}
	if b.Leverage <= 0 {
		b.Leverage = 1
	}
	if b.Temperature == 0 {
		b.Temperature = DefaultTemperature
	}
	if b.MaxTokens <= 0 {
		b.MaxTokens = DefaultMaxTokens
	}
	for i, s := range b.Symbols {
		b.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
}

// Validate 检查配置的合法性
func Validate(cfg *models.Config) error {
	creds := make(map[string]bool, len(cfg.Credentials))
	for _, c := range cfg.Credentials {
		if c.Name == "" {
			return fmt.Errorf("credential with empty name")
		}
		if creds[c.Name] {
			return fmt.Errorf("duplicate credential %q", c.Name)
		}
		creds[c.Name] = true
	}

	switch cfg.State.Driver {
	case "badger", "sqlite", "file":
	default:
		return fmt.Errorf("unknown state driver %q", cfg.State.Driver)
	}

	seen := make(map[string]bool, len(cfg.Bots))
	for _, b := range cfg.Bots {
		if seen[b.ID] {
			return fmt.Errorf("duplicate bot id %q", b.ID)
		}
		seen[b.ID] = true
		if err := ValidateBot(b); err != nil {
			return err
		}
		if b.Credential != "" && !creds[b.Credential] {
			return fmt.Errorf("bot %q references unknown credential %q", b.ID, b.Credential)
		}
	}
	return nil
}

// ValidateBot checks one bot configuration in isolation.
func ValidateBot(b models.BotConfig) error {
	if b.ID == "" {
		return fmt.Errorf("bot with empty id")
	}
	switch b.Market {
	case models.MarketSpot, models.MarketFutures:
	default:
		return fmt.Errorf("bot %q: unknown market %q", b.ID, b.Market)
	}
	switch b.Network {
	case models.NetworkDemo, models.NetworkLive:
	default:
		return fmt.Errorf("bot %q: unknown network %q", b.ID, b.Network)
	}
	switch b.Execution {
	case models.ExecutionSimulated, models.ExecutionRemote:
	default:
		return fmt.Errorf("bot %q: unknown execution mode %q", b.ID, b.Execution)
	}
	if b.Interval.Duration <= 0 {
		return fmt.Errorf("bot %q: interval must be positive", b.ID)
	}
	if len(b.Symbols) == 0 {
		return fmt.Errorf("bot %q: no symbols configured", b.ID)
	}
	if b.SlippageRate < 0 || b.SlippageRate >= 1 {
		return fmt.Errorf("bot %q: slippage_rate %v out of range [0, 1)", b.ID, b.SlippageRate)
	}
	if b.MaintenanceMarginRate < 0 || b.MaintenanceMarginRate >= 1 {
		return fmt.Errorf("bot %q: maintenance_margin_rate %v out of range [0, 1)", b.ID, b.MaintenanceMarginRate)
	}
	// 最高杠杆下滑点不能吃掉爆仓缓冲, 否则开仓即爆仓
	if lev := b.EffectiveLeverage(); lev > 1 {
		buffer := 1/float64(lev) - b.MaintenanceMarginRate
		if buffer <= 0 {
			return fmt.Errorf("bot %q: maintenance_margin_rate %v leaves no margin at leverage %d", b.ID, b.MaintenanceMarginRate, lev)
		}
		if b.SlippageRate >= buffer {
			return fmt.Errorf("bot %q: slippage_rate %v must be below %v (1/leverage - maintenance_margin_rate) at leverage %d", b.ID, b.SlippageRate, buffer, lev)
		}
	}
	return nil
}

// ResolveSecret 优先使用明文值, 否则读取环境变量
func ResolveSecret(literal, envName string) string {
	if literal != "" {
		return literal
	}
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}
