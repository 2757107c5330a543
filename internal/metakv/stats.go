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

import "sync/atomic"

// applyStats counts applied commands by kind. The counters live on the
// engine so every replica reports its own apply stream, not just the
// proposer.
type applyStats struct {
	puts         atomic.Int64
	deletes      atomic.Int64
	compactions  atomic.Int64
	leaseGrants  atomic.Int64
	leaseRevokes atomic.Int64
	leaseRenews  atomic.Int64
}

// StatsSnapshot is a point-in-time view of the engine for monitoring.
type StatsSnapshot struct {
	CurrentRevision int64
	CompactRevision int64
	Keys            int64
	Revisions       int64
	Leases          int64
	Watches         int64

	AppliedPuts         int64
	AppliedDeletes      int64
	AppliedCompactions  int64
	AppliedLeaseGrants  int64
	AppliedLeaseRevokes int64
	AppliedLeaseRenews  int64
}

// Stats samples the engine counters and map sizes.
func (e *Engine) Stats() StatsSnapshot {
	e.mu.RLock()
	snap := StatsSnapshot{
		CurrentRevision: e.appliedMain,
		CompactRevision: e.compactMain,
		Keys:            int64(e.keyIndexes.Len()),
		Revisions:       int64(e.revs.Len()),
	}
	e.mu.RUnlock()

	snap.Leases = int64(e.leases.Len())
	snap.Watches = int64(e.watch.Len())
	snap.AppliedPuts = e.stats.puts.Load()
	snap.AppliedDeletes = e.stats.deletes.Load()
	snap.AppliedCompactions = e.stats.compactions.Load()
	snap.AppliedLeaseGrants = e.stats.leaseGrants.Load()
	snap.AppliedLeaseRevokes = e.stats.leaseRevokes.Load()
	snap.AppliedLeaseRenews = e.stats.leaseRenews.Load()
	return snap
}
