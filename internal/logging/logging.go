// Package logging builds the zap loggers used across the service.
package logging

import (
	"os"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logger type passed around the service.
type Logger = *zap.SugaredLogger

// Options controls logger construction.
type Options struct {
	Debug bool
	// File, when set, receives a JSON copy of every entry with size based rotation.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// NewEncoderConfig returns the console encoder settings: same keys as zap's
// production config, colored levels, ISO8601 timestamps.
func NewEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// NewLogger returns a named logger writing Info+ (Debug+ with opts.Debug) to stdout.
func NewLogger(name string, opts Options) Logger {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if opts.Debug {
		level.SetLevel(zap.DebugLevel)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(NewEncoderConfig()), zapcore.Lock(os.Stdout), level),
	}
	if opts.File != "" {
		fileEnc := NewEncoderConfig()
		fileEnc.EncodeLevel = zapcore.CapitalLevelEncoder
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEnc), zapcore.AddSync(rotator), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Named(name).Sugar()
}

// NewTestLogger returns a Debug+ logger that writes through tb.
func NewTestLogger(tb testing.TB) Logger {
	return zaptest.NewLogger(tb).Sugar()
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() Logger {
	return zap.NewNop().Sugar()
}
