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

// Package metakv implements the replicated multi-version key-value
// engine. Every mutation is stamped with a (main, sub) revision, routed
// through the raft log as a MetaIncrement, and applied deterministically
// on each replica. Reads are served from the in-memory state; a meta
// writer mirrors it for restart recovery.
package metakv

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nokiaMS/dingo-store/internal/meta"
	"github.com/nokiaMS/dingo-store/pkg/syncmap"
)

// Default engine limits.
const (
	DefaultMaxKeySize    = 4096
	DefaultMaxValueSize  = 8192
	DefaultCommitTimeout = 5 * time.Second
)

// compactMainKey is the kv_meta record holding the compaction floor.
var compactMainKey = []byte("compact_main")

// Config carries the engine tunables.
type Config struct {
	// MaxKeySize / MaxValueSize bound put arguments in bytes.
	MaxKeySize   int
	MaxValueSize int

	// CommitTimeout bounds the wait between proposing an increment and
	// seeing it applied.
	CommitTimeout time.Duration

	Logger *zap.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxKeySize <= 0 {
		out.MaxKeySize = DefaultMaxKeySize
	}
	if out.MaxValueSize <= 0 {
		out.MaxValueSize = DefaultMaxValueSize
	}
	if out.CommitTimeout <= 0 {
		out.CommitTimeout = DefaultCommitTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// applyResult carries the outcome of one applied increment back to the
// proposing waiter.
type applyResult struct {
	rev     int64
	err     error
	prevKvs []*KvRev
	deleted int64
}

// Engine is the versioned KV store. All mutations flow through
// proposeC and come back via Apply; reads are served locally under the
// state lock.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	// mu guards keyIndexes, revs, compactMain and appliedMain.
	mu          sync.RWMutex
	keyIndexes  *KeyIndexMap
	revs        *RevMap
	compactMain int64
	appliedMain int64

	clock  *Clock
	leases *LeaseRegistry
	watch  *WatchBus
	writer meta.Writer
	stats  applyStats

	proposeC chan<- string
	reqSeq   atomic.Uint64
	leaseSeq atomic.Int64
	waiters  *syncmap.Map[uint64, chan *applyResult]

	stopC  chan struct{}
	closed atomic.Bool
}

// NewEngine builds an engine over writer and rebuilds the in-memory
// state from it. proposeC feeds the replication layer; committed
// entries must be handed back through Apply.
func NewEngine(cfg Config, writer meta.Writer, proposeC chan<- string) (*Engine, error) {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:        cfg,
		logger:     cfg.Logger,
		keyIndexes: NewKeyIndexMap(),
		revs:       NewRevMap(),
		leases:     NewLeaseRegistry(),
		watch:      NewWatchBus(),
		writer:     writer,
		proposeC:   proposeC,
		waiters:    syncmap.NewMap[uint64, chan *applyResult](),
		stopC:      make(chan struct{}),
	}
	if err := e.rebuild(); err != nil {
		return nil, err
	}
	e.clock = NewClock(e.appliedMain + 1)
	return e, nil
}

// rebuild reloads keyIndexes, revs and the compaction floor from the
// meta writer after a restart.
func (e *Engine) rebuild() error {
	var maxMain int64
	err := e.writer.Scan(meta.CFKvIndex, func(_, value []byte) error {
		var ki KeyItem
		if err := json.Unmarshal(value, &ki); err != nil {
			return fmt.Errorf("rebuild key index: %w", err)
		}
		e.keyIndexes.Put(&ki)
		if ki.Modified.Main > maxMain {
			maxMain = ki.Modified.Main
		}
		return nil
	})
	if err != nil {
		return err
	}
	err = e.writer.Scan(meta.CFKvRev, func(key, value []byte) error {
		rev, err := ParseRevision(key)
		if err != nil {
			return err
		}
		kv, err := UnmarshalKvRev(value)
		if err != nil {
			return err
		}
		e.revs.Put(rev, kv)
		if rev.Main > maxMain {
			maxMain = rev.Main
		}
		return nil
	})
	if err != nil {
		return err
	}
	err = e.writer.Scan(meta.CFKvMeta, func(key, value []byte) error {
		if string(key) == string(compactMainKey) && len(value) == 8 {
			e.compactMain = int64(binary.BigEndian.Uint64(value))
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.appliedMain = maxMain
	if e.keyIndexes.Len() > 0 || e.revs.Len() > 0 {
		e.logger.Info("rebuilt engine state",
			zap.Int("keys", e.keyIndexes.Len()),
			zap.Int("revisions", e.revs.Len()),
			zap.Int64("applied_main", e.appliedMain),
			zap.Int64("compact_main", e.compactMain))
	}
	return nil
}

// CurrentRevision returns the latest applied main revision.
func (e *Engine) CurrentRevision() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.appliedMain
}

// CompactRevision returns the compaction floor.
func (e *Engine) CompactRevision() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.compactMain
}

// WatchBus exposes the subscription bus to the serving layer.
func (e *Engine) WatchBus() *WatchBus { return e.watch }

// Leases exposes the lease registry for local reads.
func (e *Engine) Leases() *LeaseRegistry { return e.leases }

// propose replicates ops under main and waits for the apply result.
func (e *Engine) propose(ctx context.Context, main int64, ops []MetaOp) (*applyResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	id := e.reqSeq.Add(1)
	inc := &MetaIncrement{ReqID: id, Main: main, Ops: ops}
	data, err := inc.Encode()
	if err != nil {
		return nil, err
	}

	ch := make(chan *applyResult, 1)
	e.waiters.Store(id, ch)
	defer e.waiters.Delete(id)

	select {
	case e.proposeC <- data:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.stopC:
		return nil, ErrClosed
	}

	timer := time.NewTimer(e.cfg.CommitTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrUnavailable
	case <-e.stopC:
		return nil, ErrClosed
	}
}

func (e *Engine) validatePut(key, value []byte, ignoreValue bool) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > e.cfg.MaxKeySize {
		return ErrKeyTooLarge
	}
	if !ignoreValue && len(value) > e.cfg.MaxValueSize {
		return ErrValueTooLarge
	}
	if len(value) == 0 && !ignoreValue {
		return ErrValueMissing
	}
	return nil
}

// PutOptions carries the optional put behaviors.
type PutOptions struct {
	Lease       int64
	IgnoreValue bool
	IgnoreLease bool
	NeedPrev    bool
}

// Put writes key at a fresh revision. Returns the revision of the
// mutation and, when requested, the previous record.
func (e *Engine) Put(ctx context.Context, key, value []byte, opts PutOptions) (int64, *KvRev, error) {
	if err := e.validatePut(key, value, opts.IgnoreValue); err != nil {
		return 0, nil, err
	}
	if opts.Lease > 0 && !e.leases.Exists(opts.Lease) {
		return 0, nil, ErrLeaseNotFound
	}
	main, err := e.clock.Reserve()
	if err != nil {
		return 0, nil, err
	}
	res, err := e.propose(ctx, main, []MetaOp{{
		Type:        OpPut,
		Sub:         0,
		Key:         key,
		Value:       value,
		Lease:       opts.Lease,
		IgnoreValue: opts.IgnoreValue,
		IgnoreLease: opts.IgnoreLease,
		NeedPrev:    opts.NeedPrev,
	}})
	if err != nil {
		return 0, nil, err
	}
	if res.err != nil {
		return 0, nil, res.err
	}
	var prev *KvRev
	if len(res.prevKvs) > 0 {
		prev = res.prevKvs[0]
	}
	return res.rev, prev, nil
}

// DeleteRange tombstones every live key in [key, rangeEnd) at one
// shared main revision. Returns the revision, the number of deleted
// keys and, when requested, the previous records.
func (e *Engine) DeleteRange(ctx context.Context, key, rangeEnd []byte, needPrev bool) (int64, int64, []*KvRev, error) {
	if len(key) == 0 {
		return 0, 0, nil, ErrEmptyKey
	}
	targets := e.liveKeys(key, rangeEnd)
	if len(targets) == 0 {
		return e.CurrentRevision(), 0, nil, nil
	}
	main, err := e.clock.Reserve()
	if err != nil {
		return 0, 0, nil, err
	}
	ops := make([]MetaOp, 0, len(targets))
	for i, k := range targets {
		ops = append(ops, MetaOp{
			Type:     OpDelete,
			Sub:      int64(i),
			Key:      k,
			NeedPrev: needPrev,
		})
	}
	res, err := e.propose(ctx, main, ops)
	if err != nil {
		return 0, 0, nil, err
	}
	if res.err != nil {
		return 0, 0, nil, res.err
	}
	return res.rev, res.deleted, res.prevKvs, nil
}

// liveKeys snapshots the live keys in [key, rangeEnd) under the read
// lock. Range-end semantics match Range.
func (e *Engine) liveKeys(key, rangeEnd []byte) [][]byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out [][]byte
	if len(rangeEnd) == 0 {
		if ki := e.keyIndexes.Get(key); ki != nil && !ki.IsDeleted() {
			out = append(out, append([]byte{}, key...))
		}
		return out
	}
	end := rangeEnd
	if len(rangeEnd) == 1 && rangeEnd[0] == 0 {
		end = nil
	}
	e.keyIndexes.Ascend(key, end, func(ki *KeyItem) bool {
		if !ki.IsDeleted() {
			out = append(out, append([]byte{}, ki.Key...))
		}
		return true
	})
	return out
}

// Compact raises the compaction floor to rev and prunes superseded
// revisions. Key batches are replicated so every replica prunes the
// same records.
func (e *Engine) Compact(ctx context.Context, rev int64) (int64, error) {
	e.mu.RLock()
	current := e.appliedMain
	floor := e.compactMain
	e.mu.RUnlock()
	if rev <= floor {
		return 0, ErrCompacted
	}
	if rev > current {
		return 0, ErrFutureRevision
	}

	keys := e.allKeys()
	for start := 0; ; start += compactBatchSize {
		endIdx := start + compactBatchSize
		if endIdx > len(keys) {
			endIdx = len(keys)
		}
		batch := keys[start:endIdx]
		last := endIdx >= len(keys)

		op := MetaOp{Type: OpCompact, Keys: batch, CompactMain: rev}
		main, err := e.clock.Reserve()
		if err != nil {
			return 0, err
		}
		res, err := e.propose(ctx, main, []MetaOp{op})
		if err != nil {
			return 0, err
		}
		if res.err != nil {
			return 0, res.err
		}
		if last {
			return res.rev, nil
		}
	}
}

func (e *Engine) allKeys() [][]byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.keyIndexes.Keys()
}

// LeaseGrant registers a lease with ttl seconds. A zero id asks the
// engine to allocate one.
func (e *Engine) LeaseGrant(ctx context.Context, id, ttl int64) (int64, int64, error) {
	if ttl <= 0 {
		return 0, 0, ErrLeaseTTLInvalid
	}
	if id == 0 {
		id = e.leaseSeq.Add(1)
	} else if e.leases.Exists(id) {
		return 0, 0, ErrLeaseExists
	}
	main, err := e.clock.Reserve()
	if err != nil {
		return 0, 0, err
	}
	res, err := e.propose(ctx, main, []MetaOp{{
		Type:    OpLeaseGrant,
		LeaseID: id,
		TTL:     ttl,
	}})
	if err != nil {
		return 0, 0, err
	}
	if res.err != nil {
		return 0, 0, res.err
	}
	return id, ttl, nil
}

// LeaseRevoke removes the lease and deletes every key bound to it.
func (e *Engine) LeaseRevoke(ctx context.Context, id int64) error {
	if !e.leases.Exists(id) {
		return ErrLeaseNotFound
	}
	main, err := e.clock.Reserve()
	if err != nil {
		return err
	}
	res, err := e.propose(ctx, main, []MetaOp{{
		Type:    OpLeaseRevoke,
		LeaseID: id,
	}})
	if err != nil {
		return err
	}
	return res.err
}

// LeaseRenew pushes the lease deadline out by its granted TTL on every
// replica. Returns the granted TTL.
func (e *Engine) LeaseRenew(ctx context.Context, id int64) (int64, error) {
	if !e.leases.Exists(id) {
		return 0, ErrLeaseNotFound
	}
	main, err := e.clock.Reserve()
	if err != nil {
		return 0, err
	}
	res, err := e.propose(ctx, main, []MetaOp{{
		Type:    OpLeaseRenew,
		LeaseID: id,
	}})
	if err != nil {
		return 0, err
	}
	if res.err != nil {
		return 0, res.err
	}
	granted, _, _, err := e.leases.Query(id, false, time.Now())
	if err != nil {
		return 0, err
	}
	return granted, nil
}

// LeaseTimeToLive reads the lease locally.
func (e *Engine) LeaseTimeToLive(id int64, withKeys bool) (granted, remaining int64, keys [][]byte, err error) {
	return e.leases.Query(id, withKeys, time.Now())
}

// snapshotRev pairs a revision with its record for snapshot transfer.
type snapshotRev struct {
	Rev Revision `json:"rev"`
	Kv  *KvRev   `json:"kv"`
}

type engineSnapshot struct {
	AppliedMain int64           `json:"applied_main"`
	CompactMain int64           `json:"compact_main"`
	Keys        []*KeyItem      `json:"keys"`
	Revs        []snapshotRev   `json:"revs"`
	Leases      []snapshotLease `json:"leases"`
}

// GetSnapshot serializes the full engine state for raft snapshots.
func (e *Engine) GetSnapshot() ([]byte, error) {
	e.mu.RLock()
	snap := engineSnapshot{
		AppliedMain: e.appliedMain,
		CompactMain: e.compactMain,
	}
	for _, key := range e.keyIndexes.Keys() {
		snap.Keys = append(snap.Keys, e.keyIndexes.Get(key))
	}
	for _, key := range e.keyIndexes.Keys() {
		ki := e.keyIndexes.Get(key)
		for _, gen := range ki.Generations {
			for _, rev := range gen.Revisions {
				if kv := e.revs.Get(rev); kv != nil {
					snap.Revs = append(snap.Revs, snapshotRev{Rev: rev, Kv: kv})
				}
			}
		}
	}
	e.mu.RUnlock()
	snap.Leases = e.leases.export()
	return json.Marshal(snap)
}

// RecoverFromSnapshot replaces the engine state with the snapshot and
// rewrites the meta mirror to match.
func (e *Engine) RecoverFromSnapshot(data []byte) error {
	var snap engineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode engine snapshot: %w", err)
	}

	tuples := []meta.Tuple{}
	keyIndexes := NewKeyIndexMap()
	revs := NewRevMap()
	for _, ki := range snap.Keys {
		keyIndexes.Put(ki)
		val, err := json.Marshal(ki)
		if err != nil {
			return fmt.Errorf("encode key index: %w", err)
		}
		tuples = append(tuples, meta.Tuple{CF: meta.CFKvIndex, Key: ki.Key, Value: val})
	}
	for _, sr := range snap.Revs {
		revs.Put(sr.Rev, sr.Kv)
		tuples = append(tuples, meta.Tuple{CF: meta.CFKvRev, Key: sr.Rev.Bytes(), Value: sr.Kv.Marshal()})
	}
	floor := make([]byte, 8)
	binary.BigEndian.PutUint64(floor, uint64(snap.CompactMain))
	tuples = append(tuples, meta.Tuple{CF: meta.CFKvMeta, Key: compactMainKey, Value: floor})

	// Drop stale mirror entries not present in the snapshot.
	stale := []meta.Tuple{}
	err := e.writer.Scan(meta.CFKvIndex, func(key, _ []byte) error {
		if keyIndexes.Get(key) == nil {
			stale = append(stale, meta.Tuple{CF: meta.CFKvIndex, Key: append([]byte{}, key...), Delete: true})
		}
		return nil
	})
	if err != nil {
		return err
	}
	err = e.writer.Scan(meta.CFKvRev, func(key, _ []byte) error {
		rev, perr := ParseRevision(key)
		if perr != nil || revs.Get(rev) == nil {
			stale = append(stale, meta.Tuple{CF: meta.CFKvRev, Key: append([]byte{}, key...), Delete: true})
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := e.writer.WriteBatch(append(stale, tuples...)); err != nil {
		return err
	}

	e.mu.Lock()
	e.keyIndexes = keyIndexes
	e.revs = revs
	e.compactMain = snap.CompactMain
	e.appliedMain = snap.AppliedMain
	e.mu.Unlock()
	e.leases.restore(snap.Leases, time.Now())
	for _, sl := range snap.Leases {
		if cur := e.leaseSeq.Load(); sl.ID > cur {
			e.leaseSeq.Store(sl.ID)
		}
	}
	e.clock.Observe(snap.AppliedMain)
	e.logger.Info("recovered engine from snapshot",
		zap.Int64("applied_main", snap.AppliedMain),
		zap.Int("keys", len(snap.Keys)))
	return nil
}

// Close stops the engine. In-flight proposals fail with ErrClosed.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	close(e.stopC)
	e.watch.Close()
}

// maxSub marks the highest sub revision, used for whole-transaction
// historical reads.
const maxSub = math.MaxInt64
