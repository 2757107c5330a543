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

package log

import (
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RotationConfig bounds file sinks by size, age and backup count.
type RotationConfig struct {
	// MaxSizeMB triggers rotation once a file grows past this size.
	MaxSizeMB int

	// MaxAgeDays prunes rotated files older than this.
	MaxAgeDays int

	// MaxBackups caps the number of rotated files kept.
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool
}

// DefaultRotation keeps ten 100 MB files for a week.
var DefaultRotation = RotationConfig{
	MaxSizeMB:  100,
	MaxAgeDays: 7,
	MaxBackups: 10,
	Compress:   true,
}

func rotatingSink(path string, cfg *RotationConfig) zapcore.WriteSyncer {
	if cfg == nil {
		cfg = &DefaultRotation
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxAge:     cfg.MaxAgeDays,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
}
