package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是整个机器人集群的顶层配置
type Config struct {
	Log         LogConfig          `json:"log" yaml:"log"`
	State       StateConfig        `json:"state" yaml:"state"`
	PromptsDir  string             `json:"prompts_dir" yaml:"prompts_dir"` // 提示词模板目录
	API         APIConfig          `json:"api" yaml:"api"`
	Market      MarketConfig       `json:"market" yaml:"market"`
	Credentials []CredentialConfig `json:"credentials" yaml:"credentials"`
	Bots        []BotConfig        `json:"bots" yaml:"bots"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output"`           // 输出模式: "console", "file", "both"
	File       string `json:"file" yaml:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" yaml:"compress"`       // 是否压缩旧日志文件
}

// StateConfig selects the per-bot document store.
type StateConfig struct {
	Driver string `json:"driver" yaml:"driver"` // badger, sqlite or file
	Path   string `json:"path" yaml:"path"`
}

// APIConfig configures the control surface.
type APIConfig struct {
	Listen string `json:"listen" yaml:"listen"`
}

// MarketConfig 行情数据相关配置
type MarketConfig struct {
	IntradayTimeframe  string  `json:"intraday_timeframe" yaml:"intraday_timeframe"`
	ContextTimeframe   string  `json:"context_timeframe" yaml:"context_timeframe"`
	CandleLimit        int     `json:"candle_limit" yaml:"candle_limit"`
	PriceStream        bool    `json:"price_stream" yaml:"price_stream"` // 是否启用websocket价格缓存
	RequestsPerSecond  float64 `json:"requests_per_second" yaml:"requests_per_second"`
	MaxConcurrentFetch int     `json:"max_concurrent_fetch" yaml:"max_concurrent_fetch"`
}

// CredentialConfig describes one AI-provider key that can be leased to a bot.
type CredentialConfig struct {
	Name      string `json:"name" yaml:"name"`
	Provider  string `json:"provider" yaml:"provider"` // openai, deepseek, qwen, custom
	BaseURL   string `json:"base_url" yaml:"base_url"`
	APIKey    string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	Model     string `json:"model" yaml:"model"`
}

// MarketType 交易市场类型
type MarketType string

const (
	MarketSpot    MarketType = "spot"
	MarketFutures MarketType = "futures"
)

// NetworkType 区分模拟盘与实盘
type NetworkType string

const (
	NetworkDemo NetworkType = "demo"
	NetworkLive NetworkType = "live"
)

// ExecutionMode 执行后端
type ExecutionMode string

const (
	ExecutionSimulated ExecutionMode = "simulated"
	ExecutionRemote    ExecutionMode = "remote"
)

// BotConfig 单个机器人的完整配置
type BotConfig struct {
	ID                    string        `json:"id" yaml:"id"`
	Enabled               bool          `json:"enabled" yaml:"enabled"`
	Market                MarketType    `json:"market" yaml:"market"`
	Network               NetworkType   `json:"network" yaml:"network"`
	Execution             ExecutionMode `json:"execution" yaml:"execution"`
	Model                 string        `json:"model" yaml:"model"`
	Interval              Duration      `json:"interval" yaml:"interval"`
	Credential            string        `json:"credential,omitempty" yaml:"credential,omitempty"` // 为空时取任意空闲的key
	Symbols               []string      `json:"symbols" yaml:"symbols"`
	QuoteAsset            string        `json:"quote_asset" yaml:"quote_asset"`
	InitialBalance        float64       `json:"initial_balance" yaml:"initial_balance"`
	Leverage              int           `json:"leverage" yaml:"leverage"`
	AllowShort            bool          `json:"allow_short" yaml:"allow_short"`
	FeeRate               float64       `json:"fee_rate" yaml:"fee_rate"`
	MaintenanceMarginRate float64       `json:"maintenance_margin_rate" yaml:"maintenance_margin_rate"`
	SlippageRate          float64       `json:"slippage_rate" yaml:"slippage_rate"`
	Temperature           float64       `json:"temperature" yaml:"temperature"`
	MaxTokens             int           `json:"max_tokens" yaml:"max_tokens"`
	ExtendedReasoning     bool          `json:"extended_reasoning" yaml:"extended_reasoning"`
	PromptRef             string        `json:"prompt_ref,omitempty" yaml:"prompt_ref,omitempty"`
	ExchangeKeyEnv        string        `json:"exchange_key_env,omitempty" yaml:"exchange_key_env,omitempty"`
	ExchangeSecretEnv     string        `json:"exchange_secret_env,omitempty" yaml:"exchange_secret_env,omitempty"`
}

// IsLeveraged reports whether positions are margin-funded.
func (b BotConfig) IsLeveraged() bool {
	return b.Market == MarketFutures
}

// EffectiveLeverage 现货模式下杠杆恒为1
func (b BotConfig) EffectiveLeverage() int {
	if !b.IsLeveraged() || b.Leverage < 1 {
		return 1
	}
	return b.Leverage
}

// TemplateRef returns the key used to look up prompt templates.
func (b BotConfig) TemplateRef() string {
	if b.PromptRef != "" {
		return b.PromptRef
	}
	return b.ID
}

// Duration wraps time.Duration so configs can say "3m" instead of nanoseconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value) * time.Second
		return nil
	case string:
		return d.parse(value)
	default:
		return fmt.Errorf("invalid duration: %s", string(b))
	}
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
