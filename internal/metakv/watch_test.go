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

import "testing"

func putEvent(key string, rev int64) Event {
	return Event{
		Type:     EventPut,
		Kv:       &KvRev{Key: []byte(key), Value: []byte("v")},
		PrevKv:   &KvRev{Key: []byte(key), Value: []byte("old")},
		Revision: rev,
	}
}

func TestWatchBusFireOnce(t *testing.T) {
	b := NewWatchBus()
	_, ch := b.Register([]byte("foo"), nil, WatchOptions{})

	b.Fire(putEvent("foo", 5))

	ev, ok := <-ch
	if !ok {
		t.Fatal("expected an event before close")
	}
	if ev.Type != EventPut || string(ev.Kv.Key) != "foo" || ev.Revision != 5 {
		t.Errorf("event = %+v", ev)
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after the event")
	}
	if b.Len() != 0 {
		t.Errorf("Len = %d, want 0 after firing", b.Len())
	}

	// A second fire finds no subscription.
	b.Fire(putEvent("foo", 6))
}

func TestWatchBusRangeMatch(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		rangeEnd []byte
		evKey    string
		fired    bool
	}{
		{"point hit", "foo", nil, "foo", true},
		{"point miss", "foo", nil, "foobar", false},
		{"half open hit", "a", []byte("c"), "b", true},
		{"half open end excluded", "a", []byte("c"), "c", false},
		{"half open below start", "b", []byte("d"), "a", false},
		{"from key up", "b", []byte{0}, "zzz", true},
		{"from key up below", "b", []byte{0}, "a", false},
	}
	for _, tt := range tests {
		b := NewWatchBus()
		_, ch := b.Register([]byte(tt.key), tt.rangeEnd, WatchOptions{})
		b.Fire(putEvent(tt.evKey, 1))
		if fired := b.Len() == 0; fired != tt.fired {
			t.Errorf("%s: fired = %v, want %v", tt.name, fired, tt.fired)
		}
		if tt.fired {
			if _, ok := <-ch; !ok {
				t.Errorf("%s: no event delivered", tt.name)
			}
		}
	}
}

func TestWatchBusStartRev(t *testing.T) {
	b := NewWatchBus()
	_, ch := b.Register([]byte("foo"), nil, WatchOptions{StartRev: 10})

	// Events below the start revision leave the subscription pending.
	b.Fire(putEvent("foo", 9))
	if b.Len() != 1 {
		t.Fatal("subscription should be retained below StartRev")
	}

	b.Fire(putEvent("foo", 10))
	ev, ok := <-ch
	if !ok || ev.Revision != 10 {
		t.Errorf("event = (%+v, %v), want revision 10", ev, ok)
	}
}

func TestWatchBusFilters(t *testing.T) {
	b := NewWatchBus()
	_, ch := b.Register([]byte("foo"), nil, WatchOptions{NoPut: true})

	b.Fire(putEvent("foo", 1))
	if b.Len() != 1 {
		t.Fatal("NoPut subscription should survive a PUT")
	}

	del := Event{Type: EventDelete, Kv: &KvRev{Key: []byte("foo"), IsDeleted: true}, Revision: 2}
	b.Fire(del)
	ev, ok := <-ch
	if !ok || ev.Type != EventDelete {
		t.Errorf("event = (%+v, %v), want DELETE", ev, ok)
	}

	b = NewWatchBus()
	_, ch = b.Register([]byte("foo"), nil, WatchOptions{NoDelete: true})
	b.Fire(del)
	if b.Len() != 1 {
		t.Fatal("NoDelete subscription should survive a DELETE")
	}
	b.Fire(putEvent("foo", 3))
	if ev, ok := <-ch; !ok || ev.Type != EventPut {
		t.Errorf("event = (%+v, %v), want PUT", ev, ok)
	}
}

func TestWatchBusPrevKv(t *testing.T) {
	b := NewWatchBus()
	_, plain := b.Register([]byte("foo"), nil, WatchOptions{})
	_, withPrev := b.Register([]byte("foo"), nil, WatchOptions{NeedPrev: true})

	b.Fire(putEvent("foo", 1))

	if ev := <-plain; ev.PrevKv != nil {
		t.Error("PrevKv should be stripped without NeedPrev")
	}
	if ev := <-withPrev; ev.PrevKv == nil || string(ev.PrevKv.Value) != "old" {
		t.Error("PrevKv should be delivered with NeedPrev")
	}
}

func TestWatchBusCancel(t *testing.T) {
	b := NewWatchBus()
	id, ch := b.Register([]byte("foo"), nil, WatchOptions{})

	if !b.Cancel(id) {
		t.Fatal("Cancel of a pending subscription should succeed")
	}
	if _, ok := <-ch; ok {
		t.Error("canceled channel should close without an event")
	}
	if b.Cancel(id) {
		t.Error("second Cancel should fail")
	}

	id, _ = b.Register([]byte("foo"), nil, WatchOptions{})
	b.Fire(putEvent("foo", 1))
	if b.Cancel(id) {
		t.Error("Cancel after firing should fail")
	}
}

func TestWatchBusClose(t *testing.T) {
	b := NewWatchBus()
	_, ch1 := b.Register([]byte("a"), nil, WatchOptions{})
	_, ch2 := b.Register([]byte("b"), nil, WatchOptions{})

	b.Close()
	if _, ok := <-ch1; ok {
		t.Error("ch1 should be closed")
	}
	if _, ok := <-ch2; ok {
		t.Error("ch2 should be closed")
	}
	if b.Len() != 0 {
		t.Errorf("Len = %d, want 0 after Close", b.Len())
	}
}
