// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log builds the process zap logger from configuration. File
// outputs rotate through lumberjack.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and output sinks.
type Config struct {
	// Level is one of debug, info, warn, error, dpanic, panic, fatal.
	Level string

	// OutputPaths lists sinks: "stdout", "stderr" or file paths. File
	// paths rotate per Rotation.
	OutputPaths []string

	// ErrorOutputPaths receive Error level and above, in addition to
	// OutputPaths. Paths already in OutputPaths are skipped.
	ErrorOutputPaths []string

	// Encoding is "json" or "console".
	Encoding string

	// Development enables DPanic panics and verbose stacks.
	Development bool

	// Rotation applies to every file sink. Nil uses defaults.
	Rotation *RotationConfig
}

// DefaultConfig logs info and above to stdout in console encoding.
var DefaultConfig = &Config{
	Level:            "info",
	OutputPaths:      []string{"stdout"},
	ErrorOutputPaths: []string{"stderr"},
	Encoding:         "console",
}

// ProductionConfig logs JSON to stdout plus rotated files.
var ProductionConfig = &Config{
	Level:            "info",
	OutputPaths:      []string{"stdout", "/var/log/dingo/coordinator.log"},
	ErrorOutputPaths: []string{"stderr", "/var/log/dingo/error.log"},
	Encoding:         "json",
}

// DevelopmentConfig logs debug and above to stdout with colors.
var DevelopmentConfig = &Config{
	Level:            "debug",
	OutputPaths:      []string{"stdout"},
	ErrorOutputPaths: []string{"stderr"},
	Encoding:         "console",
	Development:      true,
}

// NewLogger builds a logger from cfg. Nil cfg means DefaultConfig.
func NewLogger(cfg *Config) (*zap.Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig
	}

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, err
		}
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.Encoding != "json" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	newEncoder := func() zapcore.Encoder {
		if cfg.Encoding == "json" {
			return zapcore.NewJSONEncoder(encoderConfig)
		}
		return zapcore.NewConsoleEncoder(encoderConfig)
	}

	var cores []zapcore.Core
	for _, path := range cfg.OutputPaths {
		cores = append(cores, zapcore.NewCore(newEncoder(), sinkFor(path, cfg.Rotation), level))
	}
	for _, path := range cfg.ErrorOutputPaths {
		if contains(cfg.OutputPaths, path) {
			continue
		}
		cores = append(cores, zapcore.NewCore(newEncoder(), sinkFor(path, cfg.Rotation), zapcore.ErrorLevel))
	}

	opts := []zap.Option{zap.AddCaller()}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	if level <= zapcore.InfoLevel {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return zap.New(zapcore.NewTee(cores...), opts...), nil
}

func sinkFor(path string, rotation *RotationConfig) zapcore.WriteSyncer {
	switch path {
	case "stdout":
		return zapcore.AddSync(os.Stdout)
	case "stderr":
		return zapcore.AddSync(os.Stderr)
	default:
		return rotatingSink(path, rotation)
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

var (
	globalMu     sync.RWMutex
	globalLogger = zap.NewNop()
)

// Init builds the process logger from cfg and installs it globally.
func Init(cfg *Config) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
	return nil
}

// L returns the process logger. A no-op logger until Init runs.
func L() *zap.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Sync flushes buffered entries.
func Sync() error {
	return L().Sync()
}
