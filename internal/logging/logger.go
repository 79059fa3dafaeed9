package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileSink describes an optional on-disk log destination with rotation.
type FileSink struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// NewLogger returns a zap logger configured for structured production logging.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	return cfg.Build()
}

// NewRotatingLogger returns a zap logger writing JSON lines to a rotating
// file. Daemon deployments use this so long-lived devices do not fill their
// disk with sync logs.
func NewRotatingLogger(level string, sink FileSink) (*zap.Logger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   sink.Path,
		MaxSize:    sink.MaxSizeMB,
		MaxBackups: sink.MaxBackups,
	})
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), writer, parseLevel(level))
	return zap.New(core), nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "info", "":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
