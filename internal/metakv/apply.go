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
	"bytes"
	"encoding/binary"
	"encoding/json"
	"sort"
	"time"

	"go.etcd.io/etcd/server/v3/etcdserver/api/snap"
	"go.uber.org/zap"

	"github.com/nokiaMS/dingo-store/internal/meta"
	"github.com/nokiaMS/dingo-store/internal/raftnode"
)

// ReadCommits drives the apply loop from the replication layer. A nil
// commit signals that a snapshot should be reloaded. The loop exits
// when commitC closes; a non-nil error from errorC is fatal.
func (e *Engine) ReadCommits(commitC <-chan *raftnode.Commit, errorC <-chan error, snapshotter *snap.Snapshotter) {
	for commit := range commitC {
		if commit == nil {
			snapshot, err := snapshotter.Load()
			if err == snap.ErrNoSnapshot {
				continue
			}
			if err != nil {
				e.logger.Fatal("failed to load snapshot", zap.Error(err))
			}
			e.logger.Info("loading snapshot",
				zap.Uint64("term", snapshot.Metadata.Term),
				zap.Uint64("index", snapshot.Metadata.Index))
			if err := e.RecoverFromSnapshot(snapshot.Data); err != nil {
				e.logger.Fatal("failed to recover from snapshot", zap.Error(err))
			}
			continue
		}

		for _, data := range commit.Data {
			e.ApplyEntry(data)
		}
		close(commit.ApplyDoneC)
	}
	if err, ok := <-errorC; ok && err != nil {
		e.logger.Fatal("replication error", zap.Error(err))
	}
}

// ApplyEntry applies one committed increment to the in-memory state and
// the meta mirror, fires watches, and routes the result to a waiting
// proposer if one is registered.
func (e *Engine) ApplyEntry(data string) {
	inc, err := DecodeIncrement(data)
	if err != nil {
		e.logger.Error("skipping undecodable log entry", zap.Error(err))
		return
	}
	e.clock.Observe(inc.Main)
	now := time.Now()

	res := &applyResult{rev: inc.Main}
	var tuples []meta.Tuple
	var events []Event

	e.mu.Lock()
	for i := range inc.Ops {
		op := &inc.Ops[i]
		switch op.Type {
		case OpPut:
			prev, ev, t, perr := e.applyPut(inc.Main, op)
			if perr != nil {
				res.err = perr
				continue
			}
			if op.NeedPrev && prev != nil {
				res.prevKvs = append(res.prevKvs, prev)
			}
			tuples = append(tuples, t...)
			events = append(events, ev)
			e.stats.puts.Add(1)
		case OpDelete:
			prev, ev, t, ok := e.applyDelete(inc.Main, op.Sub, op.Key)
			if !ok {
				continue
			}
			res.deleted++
			if op.NeedPrev && prev != nil {
				res.prevKvs = append(res.prevKvs, prev)
			}
			tuples = append(tuples, t...)
			events = append(events, ev)
			e.stats.deletes.Add(1)
		case OpCompact:
			tuples = append(tuples, e.applyCompact(op)...)
			e.stats.compactions.Add(1)
		case OpLeaseGrant:
			if _, gerr := e.leases.Grant(op.LeaseID, op.TTL, now); gerr != nil {
				res.err = gerr
				continue
			}
			e.stats.leaseGrants.Add(1)
		case OpLeaseRevoke:
			evs, t, rerr := e.applyLeaseRevoke(inc.Main, op.LeaseID)
			if rerr != nil {
				res.err = rerr
				continue
			}
			tuples = append(tuples, t...)
			events = append(events, evs...)
			e.stats.leaseRevokes.Add(1)
		case OpLeaseRenew:
			if _, rerr := e.leases.Renew(op.LeaseID, now); rerr != nil {
				res.err = rerr
				continue
			}
			e.stats.leaseRenews.Add(1)
		default:
			e.logger.Error("unknown op in log entry", zap.String("type", string(op.Type)))
		}
	}
	if inc.Main > e.appliedMain {
		e.appliedMain = inc.Main
	}
	if len(tuples) > 0 {
		if werr := e.writer.WriteBatch(tuples); werr != nil {
			e.logger.Fatal("meta writer failed", zap.Error(werr))
		}
	}
	e.mu.Unlock()

	for _, ev := range events {
		e.watch.Fire(ev)
	}

	if inc.ReqID != 0 {
		if ch, ok := e.waiters.Load(inc.ReqID); ok {
			select {
			case ch <- res:
			default:
			}
		}
	}
}

// applyPut validates and applies one PUT. Called with e.mu held. A
// returned error means nothing was mutated and the revision is skipped.
func (e *Engine) applyPut(main int64, op *MetaOp) (*KvRev, Event, []meta.Tuple, error) {
	rev := Revision{Main: main, Sub: op.Sub}

	ki := e.keyIndexes.Get(op.Key)
	var prevKv *KvRev
	if ki != nil {
		if r, ok := ki.live(); ok {
			prevKv = e.revs.Get(r)
		}
	}

	value, lease := op.Value, op.Lease
	if op.IgnoreValue || op.IgnoreLease {
		if prevKv == nil {
			return nil, Event{}, nil, ErrKeyNotFound
		}
		if op.IgnoreValue {
			value = prevKv.Value
		}
		if op.IgnoreLease {
			lease = prevKv.Lease
		}
	}
	if prevKv != nil && !op.IgnoreLease && prevKv.Lease != lease {
		return nil, Event{}, nil, ErrLeaseMismatch
	}
	if lease > 0 && !e.leases.Exists(lease) {
		return nil, Event{}, nil, ErrLeaseNotFound
	}

	if ki == nil {
		ki = &KeyItem{Key: append([]byte{}, op.Key...)}
		e.keyIndexes.Put(ki)
	}
	created, version := ki.put(rev)
	kv := &KvRev{
		Key:            append([]byte{}, op.Key...),
		Value:          append([]byte{}, value...),
		CreateRevision: created,
		ModRevision:    rev,
		Version:        version,
		Lease:          lease,
	}
	e.revs.Put(rev, kv)
	if lease > 0 {
		e.leases.Attach(lease, op.Key)
	}

	tuples, err := e.mirrorKey(ki, rev, kv)
	if err != nil {
		return nil, Event{}, nil, err
	}
	ev := Event{
		Type:     EventPut,
		Kv:       kv.Clone(),
		PrevKv:   prevKv.Clone(),
		Revision: main,
	}
	return prevKv.Clone(), ev, tuples, nil
}

// applyDelete tombstones key at (main, sub). Called with e.mu held.
// Returns ok=false when the key is absent or already deleted.
func (e *Engine) applyDelete(main, sub int64, key []byte) (*KvRev, Event, []meta.Tuple, bool) {
	ki := e.keyIndexes.Get(key)
	if ki == nil {
		return nil, Event{}, nil, false
	}
	var prevKv *KvRev
	if r, ok := ki.live(); ok {
		prevKv = e.revs.Get(r)
	}

	rev := Revision{Main: main, Sub: sub}
	if !ki.tombstone(rev) {
		return nil, Event{}, nil, false
	}
	kv := &KvRev{
		Key:         append([]byte{}, key...),
		ModRevision: rev,
		IsDeleted:   true,
	}
	e.revs.Put(rev, kv)
	if prevKv != nil && prevKv.Lease > 0 {
		e.leases.Detach(prevKv.Lease, key)
	}

	tuples, err := e.mirrorKey(ki, rev, kv)
	if err != nil {
		return nil, Event{}, nil, false
	}
	ev := Event{
		Type:     EventDelete,
		Kv:       kv.Clone(),
		PrevKv:   prevKv.Clone(),
		Revision: main,
	}
	return prevKv.Clone(), ev, tuples, true
}

// applyLeaseRevoke removes the lease and tombstones every bound key at
// ascending subs under main. Keys are sorted so replicas agree on subs.
func (e *Engine) applyLeaseRevoke(main int64, id int64) ([]Event, []meta.Tuple, error) {
	keys, err := e.leases.Remove(id)
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })

	var events []Event
	var tuples []meta.Tuple
	var sub int64
	for _, key := range keys {
		_, ev, t, ok := e.applyDelete(main, sub, key)
		if !ok {
			continue
		}
		sub++
		events = append(events, ev)
		tuples = append(tuples, t...)
	}
	return events, tuples, nil
}

// applyCompact prunes the named keys below the floor and raises the
// persisted floor. Called with e.mu held. Repeat runs at the same
// revision find nothing left to purge.
func (e *Engine) applyCompact(op *MetaOp) []meta.Tuple {
	atRev := Revision{Main: op.CompactMain}
	var tuples []meta.Tuple
	for _, key := range op.Keys {
		ki := e.keyIndexes.Get(key)
		if ki == nil {
			continue
		}
		purged, empty := ki.compact(atRev)
		for _, r := range purged {
			e.revs.Erase(r)
			tuples = append(tuples, meta.Tuple{CF: meta.CFKvRev, Key: r.Bytes(), Delete: true})
		}
		if empty {
			e.keyIndexes.Erase(key)
			tuples = append(tuples, meta.Tuple{CF: meta.CFKvIndex, Key: append([]byte{}, key...), Delete: true})
			continue
		}
		if len(purged) > 0 {
			val, err := json.Marshal(ki)
			if err != nil {
				e.logger.Error("failed to encode key index", zap.Error(err))
				continue
			}
			tuples = append(tuples, meta.Tuple{CF: meta.CFKvIndex, Key: append([]byte{}, key...), Value: val})
		}
	}
	if op.CompactMain > e.compactMain {
		e.compactMain = op.CompactMain
		floor := make([]byte, 8)
		binary.BigEndian.PutUint64(floor, uint64(op.CompactMain))
		tuples = append(tuples, meta.Tuple{CF: meta.CFKvMeta, Key: compactMainKey, Value: floor})
	}
	return tuples
}

// mirrorKey builds the tuples persisting one key index update and its
// new revision record.
func (e *Engine) mirrorKey(ki *KeyItem, rev Revision, kv *KvRev) ([]meta.Tuple, error) {
	val, err := json.Marshal(ki)
	if err != nil {
		return nil, err
	}
	return []meta.Tuple{
		{CF: meta.CFKvIndex, Key: append([]byte{}, ki.Key...), Value: val},
		{CF: meta.CFKvRev, Key: rev.Bytes(), Value: kv.Marshal()},
	}, nil
}
