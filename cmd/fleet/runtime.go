package main

import (
	"context"
	"fmt"
	"llm-trading-fleet/internal/config"
	"llm-trading-fleet/internal/credentials"
	"llm-trading-fleet/internal/engine"
	"llm-trading-fleet/internal/logger"
	"llm-trading-fleet/internal/market"
	"llm-trading-fleet/internal/models"
	"llm-trading-fleet/internal/persistence"
	"llm-trading-fleet/internal/prompts"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// 价格缓存超过该时间视为过期, 回退到REST
const streamMaxAge = 30 * time.Second

// fleetRuntime is the process-wide wiring shared by run and cycle.
type fleetRuntime struct {
	cfg     *models.Config
	repo    persistence.StateRepository
	pool    *credentials.Pool
	builder *engine.Builder
	streams []*market.PriceStream
}

// loadConfig follows the startup order: default logger, .env, config file, configured logger.
func loadConfig(cmd *cobra.Command) (*models.Config, error) {
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("无法加载配置文件: %w", err)
	}
	logger.InitLogger(cfg.Log)
	return cfg, nil
}

func newRuntime(cfg *models.Config) (*fleetRuntime, error) {
	repo, err := persistence.Open(cfg.State)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	log := logger.L()
	pool := credentials.NewPool(credentials.FromConfig(cfg.Credentials, config.ResolveSecret), log)

	rt := &fleetRuntime{cfg: cfg, repo: repo, pool: pool}
	markets := make(map[models.MarketType]engine.MarketData, 2)
	for _, m := range []struct {
		market models.MarketType
		stream string
	}{
		{models.MarketSpot, market.SpotMiniTickerStream},
		{models.MarketFutures, market.FuturesMarkPriceStream},
	} {
		provider := market.NewBinanceProvider(m.market == models.MarketFutures, config.DefaultQuoteAsset,
			cfg.Market.RequestsPerSecond, log.With(zap.String("market", string(m.market))))
		var stream *market.PriceStream
		if cfg.Market.PriceStream {
			stream = market.NewPriceStream(m.stream, config.DefaultQuoteAsset, streamMaxAge,
				log.With(zap.String("stream", string(m.market))))
			rt.streams = append(rt.streams, stream)
		}
		markets[m.market] = engine.MarketData{Provider: provider, Prices: market.NewPriceFeed(provider, stream)}
	}

	rt.builder = &engine.Builder{
		Market:    cfg.Market,
		Repo:      repo,
		Markets:   markets,
		Provider:  markets[models.MarketFutures].Provider,
		Prices:    markets[models.MarketFutures].Prices,
		Templates: prompts.NewFileStore(cfg.PromptsDir),
	}
	return rt, nil
}

// startStreams runs every websocket price cache until ctx ends.
func (rt *fleetRuntime) startStreams(ctx context.Context) {
	for _, s := range rt.streams {
		go s.Run(ctx)
	}
}

func (rt *fleetRuntime) close() {
	if err := rt.repo.Close(); err != nil {
		logger.S().Errorf("关闭状态存储失败: %v", err)
	}
}
