// Package logger holds the process-wide zap logger. Until Init runs every helper is a no-op.
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "tenderflow"

var (
	mu  sync.RWMutex
	Log *zap.Logger
)

// Init installs the process logger. format is "json" or "console"; outputPath is stdout,
// stderr or a file appended to.
func Init(level, format, outputPath string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	sink, err := openSink(outputPath)
	if err != nil {
		return err
	}

	core := zapcore.NewCore(newEncoder(format), sink, lvl)
	set(zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service", serviceName)),
	))
	return nil
}

func parseLevel(level string) (zapcore.Level, error) {
	var lvl zapcore.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	}
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return lvl, fmt.Errorf("invalid log level: %w", err)
	}
	return lvl, nil
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == "json" {
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

func openSink(outputPath string) (zapcore.WriteSyncer, error) {
	switch outputPath {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	f, err := os.OpenFile(outputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return zapcore.AddSync(f), nil
}

// InitNop installs a logger that discards everything. Tests use it to reset global state.
func InitNop() {
	set(zap.NewNop())
}

func set(l *zap.Logger) {
	mu.Lock()
	Log = l
	mu.Unlock()
}

// GetLogger returns the process logger, or a no-op logger before Init.
func GetLogger() *zap.Logger {
	mu.RLock()
	l := Log
	mu.RUnlock()
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// Named returns a child logger for a component that logs through its own *zap.Logger.
func Named(name string) *zap.Logger {
	return GetLogger().WithOptions(zap.AddCallerSkip(-1)).Named(name)
}

func Info(msg string, fields ...zap.Field) {
	GetLogger().Info(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	GetLogger().Error(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, fields...)
}

func Sync() {
	_ = GetLogger().Sync()
}
