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

package raftnode

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/linxGnu/grocksdb"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

const (
	logEntryPrefix = "log_"
	hardStateKey   = "hard_state"
	confStateKey   = "conf_state"
	snapshotKey    = "snapshot"
	firstIndexKey  = "first_index"
	lastIndexKey   = "last_index"
)

// Storage implements raft.Storage over RocksDB. Log entries, hard
// state and the latest snapshot all live under a per-node key prefix so
// multiple nodes can share a database in tests.
type Storage struct {
	db     *grocksdb.DB
	wo     *grocksdb.WriteOptions
	ro     *grocksdb.ReadOptions
	prefix string

	mu         sync.RWMutex
	firstIndex uint64
	lastIndex  uint64
}

// NewStorage wraps an open database. The index markers are initialized
// on first use and reloaded on restart.
func NewStorage(db *grocksdb.DB, nodeID uint64) (*Storage, error) {
	wo := grocksdb.NewDefaultWriteOptions()
	wo.SetSync(true)
	s := &Storage{
		db:     db,
		wo:     wo,
		ro:     grocksdb.NewDefaultReadOptions(),
		prefix: fmt.Sprintf("node_%d_", nodeID),
	}

	first, ok, err := s.readIndex(firstIndexKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		first = 1
		if err := s.writeIndex(firstIndexKey, first); err != nil {
			return nil, err
		}
	}
	s.firstIndex = first

	last, ok, err := s.readIndex(lastIndexKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		last = first - 1
		if err := s.writeIndex(lastIndexKey, last); err != nil {
			return nil, err
		}
	}
	s.lastIndex = last
	return s, nil
}

// Close releases the option handles. The database itself belongs to
// the caller.
func (s *Storage) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wo != nil {
		s.wo.Destroy()
		s.wo = nil
	}
	if s.ro != nil {
		s.ro.Destroy()
		s.ro = nil
	}
}

func (s *Storage) key(name string) []byte {
	return []byte(s.prefix + name)
}

func (s *Storage) entryKey(index uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, index)
	return append(s.key(logEntryPrefix), buf...)
}

func (s *Storage) readIndex(name string) (uint64, bool, error) {
	data, err := s.db.Get(s.ro, s.key(name))
	if err != nil {
		return 0, false, err
	}
	defer data.Free()
	if data.Size() < 8 {
		return 0, false, nil
	}
	return binary.BigEndian.Uint64(data.Data()), true, nil
}

func (s *Storage) writeIndex(name string, index uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, index)
	return s.db.Put(s.wo, s.key(name), buf)
}

func (s *Storage) batchIndex(wb *grocksdb.WriteBatch, name string, index uint64) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, index)
	wb.Put(s.key(name), buf)
}

// InitialState implements raft.Storage.
func (s *Storage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hs raftpb.HardState
	var cs raftpb.ConfState

	hsData, err := s.db.Get(s.ro, s.key(hardStateKey))
	if err != nil {
		return hs, cs, err
	}
	if hsData.Size() > 0 {
		err = hs.Unmarshal(hsData.Data())
	}
	hsData.Free()
	if err != nil {
		return hs, cs, fmt.Errorf("unmarshal hard state: %w", err)
	}

	csData, err := s.db.Get(s.ro, s.key(confStateKey))
	if err != nil {
		return hs, cs, err
	}
	if csData.Size() > 0 {
		err = cs.Unmarshal(csData.Data())
	}
	csData.Free()
	if err != nil {
		return hs, cs, fmt.Errorf("unmarshal conf state: %w", err)
	}
	return hs, cs, nil
}

func (s *Storage) getEntry(index uint64) (raftpb.Entry, error) {
	var ent raftpb.Entry
	data, err := s.db.Get(s.ro, s.entryKey(index))
	if err != nil {
		return ent, fmt.Errorf("get entry %d: %w", index, err)
	}
	defer data.Free()
	if data.Size() == 0 {
		return ent, raft.ErrUnavailable
	}
	if err := ent.Unmarshal(data.Data()); err != nil {
		return ent, fmt.Errorf("unmarshal entry %d: %w", index, err)
	}
	return ent, nil
}

// Entries implements raft.Storage.
func (s *Storage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if lo > hi {
		return nil, fmt.Errorf("invalid entry range [%d, %d)", lo, hi)
	}
	if lo < s.firstIndex {
		return nil, raft.ErrCompacted
	}
	if hi > s.lastIndex+1 {
		return nil, raft.ErrUnavailable
	}
	if lo == hi {
		return nil, nil
	}

	var ents []raftpb.Entry
	var size uint64
	for i := lo; i < hi; i++ {
		ent, err := s.getEntry(i)
		if err != nil {
			return nil, err
		}
		entSize := uint64(ent.Size())
		if size > 0 && size+entSize > maxSize {
			break
		}
		ents = append(ents, ent)
		size += entSize
	}
	return ents, nil
}

// Term implements raft.Storage.
func (s *Storage) Term(index uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < s.firstIndex-1 {
		return 0, raft.ErrCompacted
	}
	if index > s.lastIndex {
		return 0, raft.ErrUnavailable
	}
	if index == s.firstIndex-1 {
		snapshot, err := s.loadSnapshotLocked()
		if err != nil {
			return 0, err
		}
		if !raft.IsEmptySnap(snapshot) && snapshot.Metadata.Index == index {
			return snapshot.Metadata.Term, nil
		}
		if index == 0 {
			return 0, nil
		}
		return 0, raft.ErrCompacted
	}
	ent, err := s.getEntry(index)
	if err != nil {
		return 0, err
	}
	return ent.Term, nil
}

// LastIndex implements raft.Storage.
func (s *Storage) LastIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndex, nil
}

// FirstIndex implements raft.Storage.
func (s *Storage) FirstIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstIndex, nil
}

// Snapshot implements raft.Storage.
func (s *Storage) Snapshot() (raftpb.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadSnapshotLocked()
}

func (s *Storage) loadSnapshotLocked() (raftpb.Snapshot, error) {
	var snapshot raftpb.Snapshot
	data, err := s.db.Get(s.ro, s.key(snapshotKey))
	if err != nil {
		return snapshot, err
	}
	defer data.Free()
	if data.Size() > 0 {
		if err := snapshot.Unmarshal(data.Data()); err != nil {
			return snapshot, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		return snapshot, nil
	}
	// No stored snapshot yet. Return a valid empty one so raft never
	// sees a nil snapshot when syncing a new follower.
	snapshot.Metadata.Index = s.firstIndex - 1
	snapshot.Data = []byte{}
	return snapshot, nil
}

// Append stores new entries, truncating any conflicting suffix.
func (s *Storage) Append(entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wb := grocksdb.NewWriteBatch()
	defer wb.Destroy()

	first := entries[0].Index
	last := entries[len(entries)-1].Index

	if first <= s.lastIndex {
		for i := first; i <= s.lastIndex; i++ {
			wb.Delete(s.entryKey(i))
		}
	}
	for _, ent := range entries {
		data, err := ent.Marshal()
		if err != nil {
			return fmt.Errorf("marshal entry %d: %w", ent.Index, err)
		}
		wb.Put(s.entryKey(ent.Index), data)
	}
	if last > s.lastIndex {
		s.batchIndex(wb, lastIndexKey, last)
	}
	if s.firstIndex > s.lastIndex {
		s.batchIndex(wb, firstIndexKey, first)
	}
	if err := s.db.Write(s.wo, wb); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}
	if last > s.lastIndex {
		s.lastIndex = last
	}
	if s.firstIndex > s.lastIndex {
		s.firstIndex = first
	}
	return nil
}

// SetHardState persists the hard state.
func (s *Storage) SetHardState(st raftpb.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := st.Marshal()
	if err != nil {
		return fmt.Errorf("marshal hard state: %w", err)
	}
	return s.db.Put(s.wo, s.key(hardStateKey), data)
}

// CreateSnapshot captures the state machine data at index.
func (s *Storage) CreateSnapshot(index uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < s.firstIndex-1 {
		return raftpb.Snapshot{}, raft.ErrSnapOutOfDate
	}
	if index > s.lastIndex {
		return raftpb.Snapshot{}, fmt.Errorf("snapshot index %d beyond last index %d", index, s.lastIndex)
	}

	var term uint64
	if index == s.firstIndex-1 {
		snapshot, err := s.loadSnapshotLocked()
		if err != nil {
			return raftpb.Snapshot{}, err
		}
		if !raft.IsEmptySnap(snapshot) {
			term = snapshot.Metadata.Term
		}
	} else {
		ent, err := s.getEntry(index)
		if err != nil {
			return raftpb.Snapshot{}, err
		}
		term = ent.Term
	}

	snapshot := raftpb.Snapshot{
		Data: data,
		Metadata: raftpb.SnapshotMetadata{
			Index:     index,
			Term:      term,
			ConfState: *cs,
		},
	}
	encoded, err := snapshot.Marshal()
	if err != nil {
		return raftpb.Snapshot{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.db.Put(s.wo, s.key(snapshotKey), encoded); err != nil {
		return raftpb.Snapshot{}, fmt.Errorf("save snapshot: %w", err)
	}
	return snapshot, nil
}

// ApplySnapshot installs a snapshot received from the leader, dropping
// the log entries it covers.
func (s *Storage) ApplySnapshot(snapshot raftpb.Snapshot) error {
	if raft.IsEmptySnap(snapshot) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	index := snapshot.Metadata.Index
	if index <= s.firstIndex-1 {
		return raft.ErrSnapOutOfDate
	}

	wb := grocksdb.NewWriteBatch()
	defer wb.Destroy()

	encoded, err := snapshot.Marshal()
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	wb.Put(s.key(snapshotKey), encoded)

	for i := s.firstIndex; i <= index && i <= s.lastIndex; i++ {
		wb.Delete(s.entryKey(i))
	}
	newFirst := index + 1
	s.batchIndex(wb, firstIndexKey, newFirst)
	if index > s.lastIndex {
		s.batchIndex(wb, lastIndexKey, index)
	}
	csData, err := snapshot.Metadata.ConfState.Marshal()
	if err != nil {
		return fmt.Errorf("marshal conf state: %w", err)
	}
	wb.Put(s.key(confStateKey), csData)

	if err := s.db.Write(s.wo, wb); err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}
	s.firstIndex = newFirst
	if index > s.lastIndex {
		s.lastIndex = index
	}
	return nil
}

// Compact discards log entries below compactIndex.
func (s *Storage) Compact(compactIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if compactIndex <= s.firstIndex {
		return raft.ErrCompacted
	}
	if compactIndex > s.lastIndex {
		return fmt.Errorf("compact index %d beyond last index %d", compactIndex, s.lastIndex)
	}

	wb := grocksdb.NewWriteBatch()
	defer wb.Destroy()
	for i := s.firstIndex; i < compactIndex; i++ {
		wb.Delete(s.entryKey(i))
	}
	s.batchIndex(wb, firstIndexKey, compactIndex)
	if err := s.db.Write(s.wo, wb); err != nil {
		return fmt.Errorf("compact log: %w", err)
	}
	s.firstIndex = compactIndex
	return nil
}

// OpenDB opens the RocksDB instance backing the raft log.
func OpenDB(path string) (*grocksdb.DB, error) {
	bbto := grocksdb.NewDefaultBlockBasedTableOptions()
	bbto.SetBlockCache(grocksdb.NewLRUCache(512 << 20))
	bbto.SetFilterPolicy(grocksdb.NewBloomFilter(10))
	defer bbto.Destroy()

	opts := grocksdb.NewDefaultOptions()
	opts.SetBlockBasedTableFactory(bbto)
	opts.SetCreateIfMissing(true)
	opts.SetMaxBackgroundJobs(4)
	opts.SetMaxOpenFiles(1000)
	opts.SetWriteBufferSize(64 << 20)
	opts.SetCompression(grocksdb.SnappyCompression)

	db, err := grocksdb.OpenDb(opts, path)
	if err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("open raft db %s: %w", path, err)
	}
	return db, nil
}
