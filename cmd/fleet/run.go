package main

import (
	"context"
	"llm-trading-fleet/internal/api"
	"llm-trading-fleet/internal/bot"
	"llm-trading-fleet/internal/credentials"
	"llm-trading-fleet/internal/logger"
	"llm-trading-fleet/internal/models"
	"llm-trading-fleet/internal/supervisor"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the control API and every enabled bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.S().Sync()
			grace, _ := cmd.Flags().GetDuration("shutdown-timeout")
			return runFleet(cfg, grace)
		},
	}
	cmd.Flags().Duration("shutdown-timeout", 30*time.Second, "How long to wait for running cycles on shutdown")
	return cmd
}

func runFleet(cfg *models.Config, grace time.Duration) error {
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.startStreams(ctx)

	log := logger.L()
	sup := supervisor.New(ctx, rt.pool, supervisor.NewRegistry(cfg.Bots...),
		func(b models.BotConfig, cred credentials.Credential) (bot.Cycler, error) {
			eng, err := rt.builder.Build(b, cred)
			if err != nil {
				return nil, err
			}
			return eng, nil
		}, log)

	server := api.NewServer(sup, rt.pool, rt.repo, log)
	go func() {
		if err := server.Start(cfg.API.Listen); err != nil {
			logger.S().Errorf("API服务异常退出: %v", err)
		}
	}()

	for _, b := range cfg.Bots {
		if !b.Enabled {
			continue
		}
		if _, err := sup.StartByID(b.ID); err != nil {
			log.Error("启动机器人失败", zap.String("bot_id", b.ID), zap.Error(err))
		}
	}

	// --- 设置优雅退出 ---
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.S().Info("接收到退出信号，正在关闭所有机器人...")

	shutdownCtx, done := context.WithTimeout(context.Background(), grace)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.S().Warnf("API服务关闭失败: %v", err)
	}
	if err := sup.StopAll(shutdownCtx); err != nil {
		logger.S().Warnf("部分机器人未在限定时间内退出: %v", err)
	}
	logger.S().Info("程序已退出。")
	return nil
}
