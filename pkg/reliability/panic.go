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

package reliability

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"go.uber.org/zap"
)

var panicCount atomic.Int64

// RecoverPanic logs a recovered panic with its stack. Use at the top of
// every long-lived goroutine: defer RecoverPanic("name", logger).
func RecoverPanic(goroutine string, logger *zap.Logger) {
	if r := recover(); r != nil {
		panicCount.Add(1)
		if logger == nil {
			logger = zap.NewNop()
		}
		logger.Error("panic recovered",
			zap.String("goroutine", goroutine),
			zap.String("panic_value", fmt.Sprintf("%v", r)),
			zap.String("stack", string(debug.Stack())))
	}
}

// SafeGo starts fn in a goroutine that survives panics.
func SafeGo(name string, logger *zap.Logger, fn func()) {
	go func() {
		defer RecoverPanic(name, logger)
		fn()
	}()
}

// SafeGoWithRestart restarts fn after a panic, up to maxRestarts times.
// maxRestarts of 0 means restart forever.
func SafeGoWithRestart(name string, logger *zap.Logger, fn func(), maxRestarts int) {
	if logger == nil {
		logger = zap.NewNop()
	}
	restarts := 0

	var worker func()
	worker = func() {
		defer func() {
			if r := recover(); r != nil {
				panicCount.Add(1)
				logger.Error("panic recovered in auto-restart goroutine",
					zap.String("goroutine", name),
					zap.Int("restart_count", restarts),
					zap.String("panic_value", fmt.Sprintf("%v", r)),
					zap.String("stack", string(debug.Stack())))

				restarts++
				if maxRestarts == 0 || restarts <= maxRestarts {
					logger.Info("restarting goroutine",
						zap.String("goroutine", name),
						zap.Int("attempt", restarts+1))
					go worker()
				} else {
					logger.Warn("goroutine reached max restarts",
						zap.String("goroutine", name),
						zap.Int("max_restarts", maxRestarts))
				}
			}
		}()
		fn()
	}

	go worker()
}

// PanicCount reports how many panics have been recovered process-wide.
func PanicCount() int64 {
	return panicCount.Load()
}
