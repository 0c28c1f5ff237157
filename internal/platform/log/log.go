package applog

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"

	slogzap "github.com/samber/slog-zap/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config 日志配置。
type Config struct {
	Level     string
	Format    string // console | json
	AddSource bool
	Output    io.Writer
}

var (
	zapLogger *zap.Logger
	mu        sync.RWMutex
)

// Init 初始化全局日志（zap core + slog 桥接）。
func Init(cfg Config) {
	logger := buildZapLogger(cfg)

	mu.Lock()
	zapLogger = logger
	mu.Unlock()

	zap.ReplaceGlobals(logger)

	handler := slogzap.Option{
		Level:     levelOf(cfg.Level).slog,
		Logger:    logger,
		AddSource: cfg.AddSource,
	}.NewZapHandler()
	slog.SetDefault(slog.New(handler))

	log.SetOutput(cfg.writer())
	log.SetFlags(0)
}

// Silence 丢弃所有日志输出，供测试和 CLI 安静模式使用。
func Silence() {
	Init(Config{Level: "error", Output: io.Discard})
}

// Sync 刷新 zap 缓冲。
func Sync() {
	_ = Zap().Sync()
}

// Zap 返回全局 zap logger。
func Zap() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if zapLogger != nil {
		return zapLogger
	}
	return zap.L()
}

// With 返回带固定字段的 slog logger。
func With(args ...any) *slog.Logger {
	return slog.Default().With(args...)
}

// Component 返回带 component 字段的 logger。
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

func Debug(msg string, args ...any) { slog.Debug(msg, args...) }
func Info(msg string, args ...any)  { slog.Info(msg, args...) }
func Warn(msg string, args ...any)  { slog.Warn(msg, args...) }
func Error(msg string, args ...any) { slog.Error(msg, args...) }

func Debugf(format string, args ...any) { slog.Debug(fmt.Sprintf(format, args...)) }
func Infof(format string, args ...any)  { slog.Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { slog.Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { slog.Error(fmt.Sprintf(format, args...)) }

func Fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	Sync()
	os.Exit(1)
}

func Fatalf(format string, args ...any) {
	slog.Error(fmt.Sprintf(format, args...))
	Sync()
	os.Exit(1)
}

func buildZapLogger(cfg Config) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.TimeKey = "time"

	var encoder zapcore.Encoder
	if strings.EqualFold(cfg.Format, "json") {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(cfg.writer())), levelOf(cfg.Level).zap)

	options := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.AddSource {
		options = append(options, zap.AddCaller())
	}
	return zap.New(core, options...)
}

func (c Config) writer() io.Writer {
	if c.Output == nil {
		return os.Stdout
	}
	return c.Output
}

type level struct {
	slog slog.Level
	zap  zapcore.Level
}

func levelOf(name string) level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return level{slog.LevelDebug, zapcore.DebugLevel}
	case "warn", "warning":
		return level{slog.LevelWarn, zapcore.WarnLevel}
	case "error":
		return level{slog.LevelError, zapcore.ErrorLevel}
	default:
		return level{slog.LevelInfo, zapcore.InfoLevel}
	}
}
