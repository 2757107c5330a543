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
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestShutdownPhaseOrder(t *testing.T) {
	gs := NewGracefulShutdown(time.Second, nil)

	var mu sync.Mutex
	var order []ShutdownPhase
	record := func(phase ShutdownPhase) ShutdownHook {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, phase)
			mu.Unlock()
			return nil
		}
	}
	// Register out of order; execution must still follow the phases.
	gs.RegisterHook(PhaseCloseResources, record(PhaseCloseResources))
	gs.RegisterHook(PhaseStopAccepting, record(PhaseStopAccepting))
	gs.RegisterHook(PhasePersistState, record(PhasePersistState))
	gs.RegisterHook(PhaseDrainConnections, record(PhaseDrainConnections))

	gs.Shutdown()

	want := []ShutdownPhase{
		PhaseStopAccepting, PhaseDrainConnections, PhasePersistState, PhaseCloseResources,
	}
	if len(order) != len(want) {
		t.Fatalf("ran %d phases, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("phase[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestShutdownIdempotent(t *testing.T) {
	gs := NewGracefulShutdown(time.Second, nil)
	var runs atomic.Int64
	gs.RegisterHook(PhaseStopAccepting, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	gs.Shutdown()
	gs.Shutdown()
	if runs.Load() != 1 {
		t.Errorf("hook ran %d times, want 1", runs.Load())
	}
	if !gs.IsShuttingDown() {
		t.Error("IsShuttingDown should report true")
	}
	select {
	case <-gs.Done():
	default:
		t.Error("Done should be closed")
	}
}

func TestShutdownContinuesAfterHookError(t *testing.T) {
	gs := NewGracefulShutdown(time.Second, nil)
	var laterRan atomic.Bool
	gs.RegisterHook(PhaseStopAccepting, func(ctx context.Context) error {
		return errors.New("boom")
	})
	gs.RegisterHook(PhaseCloseResources, func(ctx context.Context) error {
		laterRan.Store(true)
		return nil
	})

	gs.Shutdown()
	if !laterRan.Load() {
		t.Error("later phases must run after an earlier hook error")
	}
}

func TestShutdownSurvivesHookPanic(t *testing.T) {
	gs := NewGracefulShutdown(time.Second, nil)
	var laterRan atomic.Bool
	gs.RegisterHook(PhaseStopAccepting, func(ctx context.Context) error {
		panic("hook panic")
	})
	gs.RegisterHook(PhaseCloseResources, func(ctx context.Context) error {
		laterRan.Store(true)
		return nil
	})

	gs.Shutdown()
	if !laterRan.Load() {
		t.Error("shutdown must survive a panicking hook")
	}
}

func TestShutdownPhaseTimeout(t *testing.T) {
	gs := NewGracefulShutdown(100*time.Millisecond, nil)
	release := make(chan struct{})
	defer close(release)
	gs.RegisterHook(PhaseDrainConnections, func(ctx context.Context) error {
		<-release
		return nil
	})
	var laterRan atomic.Bool
	gs.RegisterHook(PhaseCloseResources, func(ctx context.Context) error {
		laterRan.Store(true)
		return nil
	})

	done := make(chan struct{})
	go func() {
		gs.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown hung on a stuck hook")
	}
	if !laterRan.Load() {
		t.Error("later phases must run after a timed out phase")
	}
}

func TestSafeGoRecovers(t *testing.T) {
	before := PanicCount()
	done := make(chan struct{})
	SafeGo("test-panicking", nil, func() {
		defer close(done)
		panic("boom")
	})
	<-done

	deadline := time.Now().Add(time.Second)
	for PanicCount() == before {
		if time.Now().After(deadline) {
			t.Fatal("panic was not recorded")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSafeGoWithRestart(t *testing.T) {
	var runs atomic.Int64
	finished := make(chan struct{})
	SafeGoWithRestart("test-restart", nil, func() {
		if runs.Add(1) < 3 {
			panic("restart me")
		}
		close(finished)
	}, 5)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine was not restarted to completion")
	}
	if runs.Load() != 3 {
		t.Errorf("runs = %d, want 3", runs.Load())
	}
}
