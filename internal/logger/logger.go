package logger

import (
	"llm-trading-fleet/internal/models"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu         sync.RWMutex
	baseLogger *zap.Logger
)

// InitLogger 初始化zap日志记录器
func InitLogger(cfg models.LogConfig) {
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(cfg.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel) // 默认为Info级别
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core

	output := strings.ToLower(cfg.Output)
	if output == "file" || output == "both" {
		// 文件中不写颜色码
		fileEncoderConfig := encoderConfig
		fileEncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(fileEncoderConfig), zapcore.AddSync(rotator), logLevel))
	}

	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)
	if output == "console" || output == "both" || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), logLevel))
	}

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller())

	mu.Lock()
	baseLogger = l
	mu.Unlock()
}

// L 返回全局的结构化logger, 供各组件注入使用
func L() *zap.Logger {
	mu.RLock()
	l := baseLogger
	mu.RUnlock()
	if l == nil {
		// 未初始化时的应急logger
		fallback, _ := zap.NewDevelopment()
		return fallback
	}
	return l
}

// S 返回全局的sugared logger实例
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// ForBot returns a child logger tagged with the bot id.
func ForBot(botID string) *zap.Logger {
	return L().With(zap.String("bot_id", botID))
}
