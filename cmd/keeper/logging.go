package main

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	keeper "github.com/victorbrevig/sub2-processor"
)

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.Development = true
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// sugaredLogger adapts a zap sugared logger to the keeper.Logger interface.
type sugaredLogger struct {
	s *zap.SugaredLogger
}

var _ keeper.Logger = sugaredLogger{}

func (l sugaredLogger) Debug(msg string, args ...any) { l.s.Debugw(msg, args...) }
func (l sugaredLogger) Info(msg string, args ...any)  { l.s.Infow(msg, args...) }
func (l sugaredLogger) Warn(msg string, args ...any)  { l.s.Warnw(msg, args...) }
func (l sugaredLogger) Error(msg string, args ...any) { l.s.Errorw(msg, args...) }
