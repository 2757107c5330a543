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
	"encoding/binary"

	"github.com/google/btree"
)

// KvRev is the value record written at each mutation revision.
type KvRev struct {
	Key            []byte
	Value          []byte
	CreateRevision Revision
	ModRevision    Revision
	Version        int64
	Lease          int64
	IsDeleted      bool
}

// Clone returns a deep copy so callers can hold results outside the
// engine's lock.
func (kv *KvRev) Clone() *KvRev {
	if kv == nil {
		return nil
	}
	c := *kv
	c.Key = append([]byte{}, kv.Key...)
	c.Value = append([]byte{}, kv.Value...)
	return &c
}

const kvRevHeaderSize = 1 + 4 + 4 + 8*6

// Marshal encodes the record to its persisted binary form:
// [flags:1][keyLen:4][valueLen:4][create:16][mod:16][version:8][lease:8][key][value].
func (kv *KvRev) Marshal() []byte {
	buf := make([]byte, kvRevHeaderSize+len(kv.Key)+len(kv.Value))
	if kv.IsDeleted {
		buf[0] = 1
	}
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(kv.Key)))
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(kv.Value)))
	binary.BigEndian.PutUint64(buf[9:17], uint64(kv.CreateRevision.Main))
	binary.BigEndian.PutUint64(buf[17:25], uint64(kv.CreateRevision.Sub))
	binary.BigEndian.PutUint64(buf[25:33], uint64(kv.ModRevision.Main))
	binary.BigEndian.PutUint64(buf[33:41], uint64(kv.ModRevision.Sub))
	binary.BigEndian.PutUint64(buf[41:49], uint64(kv.Version))
	binary.BigEndian.PutUint64(buf[49:57], uint64(kv.Lease))
	copy(buf[kvRevHeaderSize:], kv.Key)
	copy(buf[kvRevHeaderSize+len(kv.Key):], kv.Value)
	return buf
}

// UnmarshalKvRev decodes a persisted record.
func UnmarshalKvRev(data []byte) (*KvRev, error) {
	if len(data) < kvRevHeaderSize {
		return nil, ErrInvalidRevision
	}
	keyLen := int(binary.BigEndian.Uint32(data[1:5]))
	valueLen := int(binary.BigEndian.Uint32(data[5:9]))
	if len(data) != kvRevHeaderSize+keyLen+valueLen {
		return nil, ErrInvalidRevision
	}
	kv := &KvRev{
		IsDeleted: data[0] == 1,
		CreateRevision: Revision{
			Main: int64(binary.BigEndian.Uint64(data[9:17])),
			Sub:  int64(binary.BigEndian.Uint64(data[17:25])),
		},
		ModRevision: Revision{
			Main: int64(binary.BigEndian.Uint64(data[25:33])),
			Sub:  int64(binary.BigEndian.Uint64(data[33:41])),
		},
		Version: int64(binary.BigEndian.Uint64(data[41:49])),
		Lease:   int64(binary.BigEndian.Uint64(data[49:57])),
	}
	kv.Key = append([]byte{}, data[kvRevHeaderSize:kvRevHeaderSize+keyLen]...)
	kv.Value = append([]byte{}, data[kvRevHeaderSize+keyLen:]...)
	return kv, nil
}

type revItem struct {
	rev Revision
	kv  *KvRev
}

func (ri *revItem) Less(other btree.Item) bool {
	return ri.rev.LessThan(other.(*revItem).rev)
}

// RevMap maps mutation revisions to their KvRev records. Like
// KeyIndexMap it relies on the engine for synchronization.
type RevMap struct {
	tree *btree.BTree
}

// NewRevMap creates an empty revision map.
func NewRevMap() *RevMap {
	return &RevMap{tree: btree.New(32)}
}

// Get retrieves the record at rev, or nil.
func (m *RevMap) Get(rev Revision) *KvRev {
	item := m.tree.Get(&revItem{rev: rev})
	if item == nil {
		return nil
	}
	return item.(*revItem).kv
}

// Put inserts or replaces the record at rev.
func (m *RevMap) Put(rev Revision, kv *KvRev) {
	m.tree.ReplaceOrInsert(&revItem{rev: rev, kv: kv})
}

// Erase removes the record at rev.
func (m *RevMap) Erase(rev Revision) {
	m.tree.Delete(&revItem{rev: rev})
}

// Len returns the number of records.
func (m *RevMap) Len() int {
	return m.tree.Len()
}
