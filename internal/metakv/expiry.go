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

// LeaseExpirer scans for expired leases and proposes their revocation
// through the log. Deadlines are local, so only the leader proposes;
// followers just apply the replicated revokes.
type LeaseExpirer struct {
	engine   *Engine
	interval time.Duration
	isLeader func() bool
	logger   *zap.Logger

	stopC chan struct{}
	doneC chan struct{}
}

// NewLeaseExpirer builds an expirer ticking at interval. One second is
// used when interval is not positive.
func NewLeaseExpirer(engine *Engine, interval time.Duration, isLeader func() bool, logger *zap.Logger) *LeaseExpirer {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LeaseExpirer{
		engine:   engine,
		interval: interval,
		isLeader: isLeader,
		logger:   logger,
		stopC:    make(chan struct{}),
		doneC:    make(chan struct{}),
	}
}

// Run loops until Stop.
func (x *LeaseExpirer) Run() {
	defer close(x.doneC)
	ticker := time.NewTicker(x.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			x.tick()
		case <-x.stopC:
			return
		}
	}
}

func (x *LeaseExpirer) tick() {
	if x.isLeader != nil && !x.isLeader() {
		return
	}
	expired := x.engine.Leases().Expired(time.Now())
	for _, id := range expired {
		ctx, cancel := context.WithTimeout(context.Background(), x.interval*5)
		err := x.engine.LeaseRevoke(ctx, id)
		cancel()
		if err != nil {
			// Another replica may have revoked it between the scan and
			// the proposal.
			if errors.Is(err, ErrLeaseNotFound) {
				continue
			}
			x.logger.Warn("lease expiry revoke failed",
				zap.Int64("lease_id", id), zap.Error(err))
			continue
		}
		x.logger.Info("revoked expired lease", zap.Int64("lease_id", id))
	}
}

// Stop terminates the loop and waits for it to exit.
func (x *LeaseExpirer) Stop() {
	close(x.stopC)
	<-x.doneC
}
