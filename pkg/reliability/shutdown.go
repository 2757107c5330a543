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

// Package reliability provides graceful shutdown phases and panic
// containment for long-lived goroutines.
package reliability

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ShutdownHook runs during one shutdown phase. The context carries the
// deadline of that phase.
type ShutdownHook func(ctx context.Context) error

// ShutdownPhase orders teardown work. Phases run sequentially; hooks
// within a phase run concurrently.
type ShutdownPhase int

const (
	PhaseStopAccepting ShutdownPhase = iota
	PhaseDrainConnections
	PhasePersistState
	PhaseCloseResources
)

// GracefulShutdown coordinates phased teardown on SIGTERM or SIGINT.
type GracefulShutdown struct {
	mu      sync.RWMutex
	hooks   map[ShutdownPhase][]ShutdownHook
	timeout time.Duration
	logger  *zap.Logger
	done    chan struct{}
	signals chan os.Signal
}

// NewGracefulShutdown installs the signal handler. timeout bounds each
// phase; a phase whose hooks are still running at its deadline is
// abandoned and the next phase starts.
func NewGracefulShutdown(timeout time.Duration, logger *zap.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	gs := &GracefulShutdown{
		hooks:   make(map[ShutdownPhase][]ShutdownHook),
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
	signal.Notify(gs.signals, syscall.SIGTERM, syscall.SIGINT)
	return gs
}

// RegisterHook appends hook to phase.
func (gs *GracefulShutdown) RegisterHook(phase ShutdownPhase, hook ShutdownHook) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.hooks[phase] = append(gs.hooks[phase], hook)
}

// Wait blocks for a termination signal, then runs the phases.
func (gs *GracefulShutdown) Wait() {
	sig := <-gs.signals
	gs.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	gs.Shutdown()
}

// Shutdown runs all phases in order. Safe to call more than once; only
// the first call does the work. A failed phase is logged and the
// remaining phases still run so resources get released.
func (gs *GracefulShutdown) Shutdown() {
	gs.mu.Lock()
	select {
	case <-gs.done:
		gs.mu.Unlock()
		return
	default:
		close(gs.done)
	}
	gs.mu.Unlock()

	for _, phase := range []ShutdownPhase{
		PhaseStopAccepting,
		PhaseDrainConnections,
		PhasePersistState,
		PhaseCloseResources,
	} {
		name := phase.String()
		gs.logger.Info("shutdown phase started", zap.String("phase", name))

		gs.mu.RLock()
		hooks := gs.hooks[phase]
		gs.mu.RUnlock()

		ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
		if err := gs.executeHooks(ctx, hooks, name); err != nil {
			gs.logger.Error("shutdown phase failed",
				zap.String("phase", name), zap.Error(err))
		}
		cancel()
	}

	gs.logger.Info("graceful shutdown completed")
}

func (gs *GracefulShutdown) executeHooks(ctx context.Context, hooks []ShutdownHook, phase string) error {
	if len(hooks) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(hooks))

	for i, hook := range hooks {
		wg.Add(1)
		go func(idx int, h ShutdownHook) {
			defer wg.Done()
			defer RecoverPanic(fmt.Sprintf("shutdown-hook-%s-%d", phase, idx), gs.logger)
			if err := h(ctx); err != nil {
				errChan <- fmt.Errorf("hook %d: %w", idx, err)
			}
		}(i, hook)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(errChan)
		var errs []error
		for err := range errChan {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return fmt.Errorf("phase %s had %d errors: %v", phase, len(errs), errs[0])
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("phase %s timeout: %w", phase, ctx.Err())
	}
}

// String names the phase for logs.
func (p ShutdownPhase) String() string {
	switch p {
	case PhaseStopAccepting:
		return "stop-accepting"
	case PhaseDrainConnections:
		return "drain-connections"
	case PhasePersistState:
		return "persist-state"
	case PhaseCloseResources:
		return "close-resources"
	default:
		return fmt.Sprintf("unknown-phase-%d", int(p))
	}
}

// Done closes once Shutdown has begun.
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.done
}

// IsShuttingDown reports whether Shutdown has begun.
func (gs *GracefulShutdown) IsShuttingDown() bool {
	select {
	case <-gs.done:
		return true
	default:
		return false
	}
}
