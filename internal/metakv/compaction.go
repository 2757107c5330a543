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

package metakv

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// compactBatchSize is the number of keys replicated per COMPACT op.
const compactBatchSize = 50

// CompactorConfig tunes the periodic compaction task.
type CompactorConfig struct {
	// Enable turns the task on. Off by default.
	Enable bool

	// RetentionRevisions is how many main revisions to keep behind the
	// current one.
	RetentionRevisions int64

	// Period is the scan interval.
	Period time.Duration
}

// DefaultRetentionRevisions keeps roughly the last thousand mutations
// readable when auto compaction is on.
const DefaultRetentionRevisions = 1000

// Compactor periodically raises the compaction floor so the revision
// history does not grow without bound. Only the leader runs the
// proposal; followers observe the replicated COMPACT ops.
type Compactor struct {
	engine   *Engine
	cfg      CompactorConfig
	isLeader func() bool
	logger   *zap.Logger

	stopC chan struct{}
	doneC chan struct{}
}

// NewCompactor builds a compactor over engine. isLeader gates the
// proposal so only one replica drives compaction.
func NewCompactor(engine *Engine, cfg CompactorConfig, isLeader func() bool, logger *zap.Logger) *Compactor {
	if cfg.RetentionRevisions <= 0 {
		cfg.RetentionRevisions = DefaultRetentionRevisions
	}
	if cfg.Period <= 0 {
		cfg.Period = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compactor{
		engine:   engine,
		cfg:      cfg,
		isLeader: isLeader,
		logger:   logger,
		stopC:    make(chan struct{}),
		doneC:    make(chan struct{}),
	}
}

// Run loops until Stop. It returns immediately when the task is
// disabled.
func (c *Compactor) Run() {
	defer close(c.doneC)
	if !c.cfg.Enable {
		return
	}
	ticker := time.NewTicker(c.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.tick()
		case <-c.stopC:
			return
		}
	}
}

func (c *Compactor) tick() {
	if c.isLeader != nil && !c.isLeader() {
		return
	}
	target := c.engine.CurrentRevision() - c.cfg.RetentionRevisions
	if target <= 0 || target <= c.engine.CompactRevision() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Period)
	defer cancel()
	rev, err := c.engine.Compact(ctx, target)
	if err != nil {
		if errors.Is(err, ErrCompacted) {
			return
		}
		c.logger.Warn("auto compaction failed",
			zap.Int64("target", target), zap.Error(err))
		return
	}
	c.logger.Info("auto compaction finished",
		zap.Int64("floor", target), zap.Int64("revision", rev))
}

// Stop terminates the loop and waits for it to exit.
func (c *Compactor) Stop() {
	close(c.stopC)
	<-c.doneC
}
