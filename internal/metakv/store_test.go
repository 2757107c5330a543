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
	"sync"
	"testing"
	"time"

	"github.com/nokiaMS/dingo-store/internal/meta"
)

// startEngine wires an engine to a loopback apply loop so proposals
// commit immediately, standing in for the replication layer.
func startEngine(t *testing.T, cfg Config, writer meta.Writer) (*Engine, func()) {
	t.Helper()
	proposeC := make(chan string)
	e, err := NewEngine(cfg, writer, proposeC)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for data := range proposeC {
			e.ApplyEntry(data)
		}
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			e.Close()
			close(proposeC)
			<-done
		})
	}
	t.Cleanup(stop)
	return e, stop
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, _ := startEngine(t, Config{}, meta.NewMemoryWriter())
	return e
}

func mustPut(t *testing.T, e *Engine, key, value string) int64 {
	t.Helper()
	rev, _, err := e.Put(context.Background(), []byte(key), []byte(value), PutOptions{})
	if err != nil {
		t.Fatalf("Put(%s): %v", key, err)
	}
	return rev
}

func TestEnginePutGet(t *testing.T) {
	e := newTestEngine(t)

	rev := mustPut(t, e, "foo", "bar")
	if rev != 1 {
		t.Errorf("first revision = %d, want 1", rev)
	}
	kv, err := e.Get([]byte("foo"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(kv.Value) != "bar" || kv.Version != 1 {
		t.Errorf("kv = %+v", kv)
	}
	if kv.CreateRevision != (Revision{1, 0}) || kv.ModRevision != (Revision{1, 0}) {
		t.Errorf("revisions = create %v mod %v", kv.CreateRevision, kv.ModRevision)
	}

	rev = mustPut(t, e, "foo", "baz")
	if rev != 2 {
		t.Errorf("second revision = %d, want 2", rev)
	}
	kv, _ = e.Get([]byte("foo"))
	if string(kv.Value) != "baz" || kv.Version != 2 {
		t.Errorf("kv after overwrite = %+v", kv)
	}
	if kv.CreateRevision != (Revision{1, 0}) {
		t.Errorf("create revision = %v, want {1 0}", kv.CreateRevision)
	}
	if e.CurrentRevision() != 2 {
		t.Errorf("CurrentRevision = %d, want 2", e.CurrentRevision())
	}
}

func TestEnginePutValidation(t *testing.T) {
	e, _ := startEngine(t, Config{MaxKeySize: 4, MaxValueSize: 8}, meta.NewMemoryWriter())
	ctx := context.Background()

	tests := []struct {
		name  string
		key   string
		value string
		want  error
	}{
		{"empty key", "", "v", ErrEmptyKey},
		{"key too large", "12345", "v", ErrKeyTooLarge},
		{"value too large", "k", "123456789", ErrValueTooLarge},
		{"missing value", "k", "", ErrValueMissing},
	}
	for _, tt := range tests {
		_, _, err := e.Put(ctx, []byte(tt.key), []byte(tt.value), PutOptions{})
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}

	if _, _, err := e.Put(ctx, []byte("k"), []byte("v"), PutOptions{Lease: 42}); !errors.Is(err, ErrLeaseNotFound) {
		t.Errorf("unknown lease err = %v, want ErrLeaseNotFound", err)
	}
	if e.CurrentRevision() != 0 {
		t.Errorf("rejected puts must not advance the revision, got %d", e.CurrentRevision())
	}
}

func TestEnginePutNeedPrev(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, prev, err := e.Put(ctx, []byte("foo"), []byte("v1"), PutOptions{NeedPrev: true})
	if err != nil || prev != nil {
		t.Fatalf("first put = (%v, %v), want no prev", prev, err)
	}
	_, prev, err = e.Put(ctx, []byte("foo"), []byte("v2"), PutOptions{NeedPrev: true})
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if prev == nil || string(prev.Value) != "v1" {
		t.Errorf("prev = %+v, want value v1", prev)
	}
}

func TestEnginePutIgnoreValue(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, _, err := e.Put(ctx, []byte("foo"), nil, PutOptions{IgnoreValue: true}); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("IgnoreValue on missing key err = %v, want ErrKeyNotFound", err)
	}

	mustPut(t, e, "foo", "bar")
	if _, _, err := e.Put(ctx, []byte("foo"), nil, PutOptions{IgnoreValue: true}); err != nil {
		t.Fatalf("IgnoreValue put: %v", err)
	}
	kv, _ := e.Get([]byte("foo"))
	if string(kv.Value) != "bar" || kv.Version != 2 {
		t.Errorf("kv = %+v, want carried value at version 2", kv)
	}
}

func TestEnginePutLeaseMismatch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, _, err := e.LeaseGrant(ctx, 0, 60)
	if err != nil {
		t.Fatalf("LeaseGrant: %v", err)
	}
	mustPut(t, e, "foo", "bar")

	if _, _, err := e.Put(ctx, []byte("foo"), []byte("v"), PutOptions{Lease: id}); !errors.Is(err, ErrLeaseMismatch) {
		t.Errorf("lease change err = %v, want ErrLeaseMismatch", err)
	}
	// IgnoreLease carries the existing binding instead.
	if _, _, err := e.Put(ctx, []byte("foo"), []byte("v"), PutOptions{IgnoreLease: true}); err != nil {
		t.Errorf("IgnoreLease put: %v", err)
	}
}

func TestEngineRange(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		mustPut(t, e, k, "v-"+k)
	}
	if _, _, _, err := e.DeleteRange(ctx, []byte("b"), nil, false); err != nil {
		t.Fatalf("DeleteRange: %v", err)
	}

	res, err := e.Range([]byte("a"), []byte{0}, RangeOptions{})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if res.Count != 2 || len(res.Kvs) != 2 {
		t.Fatalf("count = %d, kvs = %d, want 2/2", res.Count, len(res.Kvs))
	}
	if string(res.Kvs[0].Key) != "a" || string(res.Kvs[1].Key) != "c" {
		t.Errorf("keys = %s, %s", res.Kvs[0].Key, res.Kvs[1].Key)
	}

	res, _ = e.Range([]byte("a"), []byte{0}, RangeOptions{Limit: 1})
	if res.Count != 2 || len(res.Kvs) != 1 {
		t.Errorf("limited: count = %d, kvs = %d, want 2/1", res.Count, len(res.Kvs))
	}

	res, _ = e.Range([]byte("a"), []byte{0}, RangeOptions{KeysOnly: true})
	if len(res.Kvs) == 0 || res.Kvs[0].Value != nil {
		t.Error("KeysOnly should strip values")
	}

	res, _ = e.Range([]byte("a"), []byte{0}, RangeOptions{CountOnly: true})
	if res.Count != 2 || len(res.Kvs) != 0 {
		t.Errorf("CountOnly: count = %d, kvs = %d", res.Count, len(res.Kvs))
	}

	res, _ = e.Range([]byte("missing"), nil, RangeOptions{})
	if res.Count != 0 || len(res.Kvs) != 0 {
		t.Errorf("missing point get: %+v", res)
	}

	if _, err := e.Range(nil, nil, RangeOptions{}); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("empty key err = %v, want ErrEmptyKey", err)
	}
}

func TestEngineHistoricalRange(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	mustPut(t, e, "foo", "v1") // rev 1
	mustPut(t, e, "foo", "v2") // rev 2
	if _, _, _, err := e.DeleteRange(ctx, []byte("foo"), nil, false); err != nil { // rev 3
		t.Fatalf("DeleteRange: %v", err)
	}
	mustPut(t, e, "foo", "v3") // rev 4

	tests := []struct {
		rev   int64
		value string
		count int64
	}{
		{1, "v1", 1},
		{2, "v2", 1},
		{3, "", 0},
		{4, "v3", 1},
	}
	for _, tt := range tests {
		res, err := e.Range([]byte("foo"), nil, RangeOptions{Revision: tt.rev})
		if err != nil {
			t.Fatalf("Range@%d: %v", tt.rev, err)
		}
		if res.Count != tt.count {
			t.Errorf("Range@%d count = %d, want %d", tt.rev, res.Count, tt.count)
		}
		if tt.count == 1 && string(res.Kvs[0].Value) != tt.value {
			t.Errorf("Range@%d value = %s, want %s", tt.rev, res.Kvs[0].Value, tt.value)
		}
		if res.Revision != 4 {
			t.Errorf("Range@%d served revision = %d, want 4", tt.rev, res.Revision)
		}
	}

	if _, err := e.Range([]byte("foo"), nil, RangeOptions{Revision: 99}); !errors.Is(err, ErrFutureRevision) {
		t.Errorf("future read err = %v, want ErrFutureRevision", err)
	}
}

func TestEngineDeleteRange(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		mustPut(t, e, k, "v")
	}

	rev, deleted, prevKvs, err := e.DeleteRange(ctx, []byte("a"), []byte("c"), true)
	if err != nil {
		t.Fatalf("DeleteRange: %v", err)
	}
	if deleted != 2 || rev != 4 {
		t.Errorf("deleted = %d at rev %d, want 2 at 4", deleted, rev)
	}
	if len(prevKvs) != 2 || string(prevKvs[0].Key) != "a" || string(prevKvs[1].Key) != "b" {
		t.Errorf("prevKvs = %v", prevKvs)
	}
	if _, err := e.Get([]byte("a")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get(a) err = %v, want ErrKeyNotFound", err)
	}
	if _, err := e.Get([]byte("c")); err != nil {
		t.Errorf("Get(c): %v", err)
	}

	// Deleting nothing is served locally without a new revision.
	rev, deleted, _, err = e.DeleteRange(ctx, []byte("x"), []byte("z"), false)
	if err != nil || deleted != 0 || rev != 4 {
		t.Errorf("empty delete = (%d, %d, %v), want (4, 0, nil)", rev, deleted, err)
	}

	if _, _, _, err := e.DeleteRange(ctx, nil, nil, false); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("empty key err = %v, want ErrEmptyKey", err)
	}
}

func TestEngineCompact(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	mustPut(t, e, "foo", "v1")
	mustPut(t, e, "foo", "v2")
	mustPut(t, e, "foo", "v3")

	rev, err := e.Compact(ctx, 3)
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if rev != 4 {
		t.Errorf("compact applied at revision %d, want 4", rev)
	}
	if e.CompactRevision() != 3 {
		t.Errorf("CompactRevision = %d, want 3", e.CompactRevision())
	}

	if _, err := e.Compact(ctx, 2); !errors.Is(err, ErrCompacted) {
		t.Errorf("compact below floor err = %v, want ErrCompacted", err)
	}
	if _, err := e.Compact(ctx, 99); !errors.Is(err, ErrFutureRevision) {
		t.Errorf("future compact err = %v, want ErrFutureRevision", err)
	}

	if _, err := e.Range([]byte("foo"), nil, RangeOptions{Revision: 2}); !errors.Is(err, ErrCompacted) {
		t.Errorf("historical read below floor err = %v, want ErrCompacted", err)
	}
	kv, err := e.Get([]byte("foo"))
	if err != nil || string(kv.Value) != "v3" {
		t.Errorf("live value after compact = (%v, %v)", kv, err)
	}
}

func TestEngineLeaseLifecycle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, _, err := e.LeaseGrant(ctx, 0, 0); !errors.Is(err, ErrLeaseTTLInvalid) {
		t.Errorf("zero ttl err = %v, want ErrLeaseTTLInvalid", err)
	}

	id, ttl, err := e.LeaseGrant(ctx, 0, 60)
	if err != nil || id == 0 || ttl != 60 {
		t.Fatalf("LeaseGrant = (%d, %d, %v)", id, ttl, err)
	}
	if _, _, err := e.LeaseGrant(ctx, id, 60); !errors.Is(err, ErrLeaseExists) {
		t.Errorf("duplicate grant err = %v, want ErrLeaseExists", err)
	}

	if _, _, err := e.Put(ctx, []byte("foo"), []byte("bar"), PutOptions{Lease: id}); err != nil {
		t.Fatalf("leased put: %v", err)
	}
	granted, remaining, keys, err := e.LeaseTimeToLive(id, true)
	if err != nil || granted != 60 {
		t.Fatalf("LeaseTimeToLive = (%d, %d, %v)", granted, remaining, err)
	}
	if remaining < 0 || remaining > 60 {
		t.Errorf("remaining = %d", remaining)
	}
	if len(keys) != 1 || string(keys[0]) != "foo" {
		t.Errorf("attached keys = %v, want [foo]", keys)
	}

	if _, err := e.LeaseRenew(ctx, id); err != nil {
		t.Errorf("LeaseRenew: %v", err)
	}
	if _, err := e.LeaseRenew(ctx, 999); !errors.Is(err, ErrLeaseNotFound) {
		t.Errorf("renew unknown err = %v, want ErrLeaseNotFound", err)
	}

	if err := e.LeaseRevoke(ctx, id); err != nil {
		t.Fatalf("LeaseRevoke: %v", err)
	}
	if _, err := e.Get([]byte("foo")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("leased key should be deleted on revoke, err = %v", err)
	}
	if err := e.LeaseRevoke(ctx, id); !errors.Is(err, ErrLeaseNotFound) {
		t.Errorf("second revoke err = %v, want ErrLeaseNotFound", err)
	}
	if e.Leases().Len() != 0 {
		t.Errorf("leases = %d, want 0", e.Leases().Len())
	}
}

func TestEngineWatchOnApply(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, ch := e.WatchBus().Register([]byte("foo"), nil, WatchOptions{})
	rev := mustPut(t, e, "foo", "bar")

	select {
	case ev := <-ch:
		if ev.Type != EventPut || ev.Revision != rev || string(ev.Kv.Value) != "bar" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no watch event after put")
	}

	_, ch = e.WatchBus().Register([]byte("foo"), nil, WatchOptions{NeedPrev: true})
	if _, _, _, err := e.DeleteRange(ctx, []byte("foo"), nil, false); err != nil {
		t.Fatalf("DeleteRange: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Type != EventDelete {
			t.Errorf("event type = %v, want DELETE", ev.Type)
		}
		if ev.PrevKv == nil || string(ev.PrevKv.Value) != "bar" {
			t.Errorf("prev kv = %+v, want value bar", ev.PrevKv)
		}
	case <-time.After(time.Second):
		t.Fatal("no watch event after delete")
	}
}

func TestEngineSnapshotRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	mustPut(t, e, "a", "v1")
	mustPut(t, e, "a", "v2")
	mustPut(t, e, "b", "v")
	id, _, err := e.LeaseGrant(ctx, 0, 60)
	if err != nil {
		t.Fatalf("LeaseGrant: %v", err)
	}

	data, err := e.GetSnapshot()
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}

	restored, _ := startEngine(t, Config{}, meta.NewMemoryWriter())
	if err := restored.RecoverFromSnapshot(data); err != nil {
		t.Fatalf("RecoverFromSnapshot: %v", err)
	}
	if restored.CurrentRevision() != e.CurrentRevision() {
		t.Errorf("revision = %d, want %d", restored.CurrentRevision(), e.CurrentRevision())
	}
	kv, err := restored.Get([]byte("a"))
	if err != nil || string(kv.Value) != "v2" || kv.Version != 2 {
		t.Errorf("restored kv = (%+v, %v)", kv, err)
	}
	if !restored.Leases().Exists(id) {
		t.Error("lease should survive the snapshot")
	}

	// Historical state crosses the snapshot too.
	res, err := restored.Range([]byte("a"), nil, RangeOptions{Revision: 1})
	if err != nil || res.Count != 1 || string(res.Kvs[0].Value) != "v1" {
		t.Errorf("historical read = (%+v, %v)", res, err)
	}

	// New mutations continue past the recovered revision.
	rev := mustPut(t, restored, "c", "v")
	if rev != e.CurrentRevision()+1 {
		t.Errorf("next revision = %d, want %d", rev, e.CurrentRevision()+1)
	}
}

func TestEngineRestartRebuild(t *testing.T) {
	writer := meta.NewMemoryWriter()
	e, stop := startEngine(t, Config{}, writer)
	ctx := context.Background()
	mustPut(t, e, "a", "v1")
	mustPut(t, e, "a", "v2")
	mustPut(t, e, "b", "v")
	if _, _, _, err := e.DeleteRange(ctx, []byte("b"), nil, false); err != nil {
		t.Fatalf("DeleteRange: %v", err)
	}
	want := e.CurrentRevision()
	stop()

	e2, _ := startEngine(t, Config{}, writer)
	if e2.CurrentRevision() != want {
		t.Errorf("rebuilt revision = %d, want %d", e2.CurrentRevision(), want)
	}
	kv, err := e2.Get([]byte("a"))
	if err != nil || string(kv.Value) != "v2" {
		t.Errorf("rebuilt kv = (%+v, %v)", kv, err)
	}
	if _, err := e2.Get([]byte("b")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("deleted key after rebuild err = %v, want ErrKeyNotFound", err)
	}
	res, err := e2.Range([]byte("a"), nil, RangeOptions{Revision: 1})
	if err != nil || res.Count != 1 || string(res.Kvs[0].Value) != "v1" {
		t.Errorf("historical read after rebuild = (%+v, %v)", res, err)
	}

	rev := mustPut(t, e2, "c", "v")
	if rev != want+1 {
		t.Errorf("next revision = %d, want %d", rev, want+1)
	}
}

func TestEngineStats(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	mustPut(t, e, "a", "v")
	mustPut(t, e, "b", "v")
	if _, _, _, err := e.DeleteRange(ctx, []byte("a"), nil, false); err != nil {
		t.Fatalf("DeleteRange: %v", err)
	}
	if _, _, err := e.LeaseGrant(ctx, 0, 60); err != nil {
		t.Fatalf("LeaseGrant: %v", err)
	}
	e.WatchBus().Register([]byte("a"), nil, WatchOptions{})

	s := e.Stats()
	if s.AppliedPuts != 2 || s.AppliedDeletes != 1 || s.AppliedLeaseGrants != 1 {
		t.Errorf("applied counters = %+v", s)
	}
	if s.Keys != 2 || s.Leases != 1 || s.Watches != 1 {
		t.Errorf("sizes = keys %d leases %d watches %d", s.Keys, s.Leases, s.Watches)
	}
	if s.CurrentRevision != e.CurrentRevision() {
		t.Errorf("revision = %d, want %d", s.CurrentRevision, e.CurrentRevision())
	}
}

func TestEngineClose(t *testing.T) {
	e, stop := startEngine(t, Config{}, meta.NewMemoryWriter())
	mustPut(t, e, "a", "v")
	stop()
	if _, _, err := e.Put(context.Background(), []byte("b"), []byte("v"), PutOptions{}); !errors.Is(err, ErrClosed) {
		t.Errorf("put after close err = %v, want ErrClosed", err)
	}
}
