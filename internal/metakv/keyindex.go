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

	"github.com/google/btree"
)

// Generation represents one lifetime of a key: it begins at Created,
// accumulates put revisions, and is closed by a delete revision followed
// by a tombstone generation. A tombstone generation has no Created and
// no revisions.
type Generation struct {
	// Created is the revision at which this lifetime began.
	// Zero for tombstone generations.
	Created Revision `json:"created"`

	// Version counts the mutations recorded in this generation.
	Version int64 `json:"version"`

	// Revisions lists every mutation revision in ascending order.
	// For a closed generation the last entry is the delete revision.
	Revisions []Revision `json:"revisions"`
}

// IsTombstone returns true if this generation marks a deletion.
func (g *Generation) IsTombstone() bool {
	return len(g.Revisions) == 0
}

// LastRevision returns the last revision in this generation.
func (g *Generation) LastRevision() Revision {
	if len(g.Revisions) == 0 {
		return Zero
	}
	return g.Revisions[len(g.Revisions)-1]
}

// KeyItem is the per-key catalog of generations.
// It implements btree.Item for the ordered key map.
type KeyItem struct {
	// Key is the logical key bytes.
	Key []byte `json:"key"`

	// Modified is the revision of the most recent mutation.
	Modified Revision `json:"modified"`

	// Generations is time-ordered. The last element is either the open
	// generation or a tombstone.
	Generations []Generation `json:"generations"`
}

// Less implements btree.Item.
func (ki *KeyItem) Less(other btree.Item) bool {
	return bytes.Compare(ki.Key, other.(*KeyItem).Key) < 0
}

func (ki *KeyItem) lastGeneration() *Generation {
	if len(ki.Generations) == 0 {
		return nil
	}
	return &ki.Generations[len(ki.Generations)-1]
}

// IsDeleted returns true if the key currently has no live value.
func (ki *KeyItem) IsDeleted() bool {
	gen := ki.lastGeneration()
	return gen == nil || gen.IsTombstone()
}

// put records a mutation revision. If the key is tombstoned a fresh
// generation is opened; otherwise the revision joins the current one.
// Returns the create revision and version of the resulting live value.
func (ki *KeyItem) put(rev Revision) (Revision, int64) {
	gen := ki.lastGeneration()
	if gen == nil || gen.IsTombstone() {
		if gen != nil && gen.IsTombstone() {
			// Replace the trailing tombstone with the new lifetime.
			ki.Generations = ki.Generations[:len(ki.Generations)-1]
		}
		ki.Generations = append(ki.Generations, Generation{
			Created:   rev,
			Version:   1,
			Revisions: []Revision{rev},
		})
		ki.Modified = rev
		return rev, 1
	}
	gen.Revisions = append(gen.Revisions, rev)
	gen.Version++
	ki.Modified = rev
	return gen.Created, gen.Version
}

// tombstone closes the open generation at rev. Returns false if the key
// is already deleted, in which case the structure is left unchanged.
func (ki *KeyItem) tombstone(rev Revision) bool {
	gen := ki.lastGeneration()
	if gen == nil || gen.IsTombstone() {
		return false
	}
	gen.Revisions = append(gen.Revisions, rev)
	gen.Version++
	ki.Generations = append(ki.Generations, Generation{})
	ki.Modified = rev
	return true
}

// live returns the revision of the current value, or false if the key
// is tombstoned.
func (ki *KeyItem) live() (Revision, bool) {
	gen := ki.lastGeneration()
	if gen == nil || gen.IsTombstone() {
		return Zero, false
	}
	return gen.LastRevision(), true
}

// findLive locates the newest revision <= atRev at which the key held a
// value. Returns false if the key did not exist or was deleted then.
func (ki *KeyItem) findLive(atRev Revision) (Revision, bool) {
	for i := len(ki.Generations) - 1; i >= 0; i-- {
		gen := &ki.Generations[i]
		if gen.IsTombstone() {
			continue
		}
		if gen.Created.GreaterThan(atRev) {
			continue
		}
		idx := searchRevision(gen.Revisions, atRev)
		if idx < 0 {
			return Zero, false
		}
		closed := i < len(ki.Generations)-1
		if closed && idx == len(gen.Revisions)-1 {
			// atRev lands on or after the delete that ended this lifetime.
			return Zero, false
		}
		return gen.Revisions[idx], true
	}
	return Zero, false
}

// searchRevision finds the index of the largest revision <= target.
// Returns -1 if no such revision exists.
func searchRevision(revs []Revision, target Revision) int {
	left, right := 0, len(revs)-1
	result := -1
	for left <= right {
		mid := (left + right) / 2
		if revs[mid].LessThanOrEqual(target) {
			result = mid
			left = mid + 1
		} else {
			right = mid - 1
		}
	}
	return result
}

// compact prunes revisions below atRev. Generations whose revisions all
// fall below atRev are dropped wholesale, except that the most recent
// open generation always retains its final revision. Returns the purged
// revisions and whether the key index is now empty.
func (ki *KeyItem) compact(atRev Revision) ([]Revision, bool) {
	var purged []Revision
	if len(ki.Generations) == 0 {
		return nil, true
	}

	lastIdx := len(ki.Generations) - 1
	lastOpen := !ki.Generations[lastIdx].IsTombstone()

	// First generation that survives: one holding a revision >= atRev,
	// or the open latest generation (its final value is never destroyed).
	first := -1
	for i := range ki.Generations {
		gen := &ki.Generations[i]
		if gen.IsTombstone() {
			continue
		}
		if lastOpen && i == lastIdx {
			first = i
			break
		}
		if gen.LastRevision().GreaterThanOrEqual(atRev) {
			first = i
			break
		}
	}

	if first < 0 {
		for i := range ki.Generations {
			purged = append(purged, ki.Generations[i].Revisions...)
		}
		ki.Generations = nil
		return purged, true
	}

	for i := 0; i < first; i++ {
		purged = append(purged, ki.Generations[i].Revisions...)
	}
	kept := make([]Generation, len(ki.Generations)-first)
	copy(kept, ki.Generations[first:])

	for i := range kept {
		gen := &kept[i]
		if gen.IsTombstone() {
			continue
		}
		final := first+i == lastIdx && lastOpen
		keep := gen.Revisions[:0:0]
		for j, r := range gen.Revisions {
			if r.GreaterThanOrEqual(atRev) || (final && j == len(gen.Revisions)-1) {
				keep = append(keep, r)
			} else {
				purged = append(purged, r)
			}
		}
		gen.Revisions = keep
	}

	ki.Generations = kept
	return purged, len(ki.Generations) == 0
}

// KeyIndexMap is the ordered key -> KeyIndex map. It is not internally
// synchronized; the engine serializes writers and guards readers.
type KeyIndexMap struct {
	tree *btree.BTree
}

// NewKeyIndexMap creates an empty key index map.
func NewKeyIndexMap() *KeyIndexMap {
	return &KeyIndexMap{tree: btree.New(32)}
}

// Get retrieves the KeyItem for key, or nil.
func (m *KeyIndexMap) Get(key []byte) *KeyItem {
	item := m.tree.Get(&KeyItem{Key: key})
	if item == nil {
		return nil
	}
	return item.(*KeyItem)
}

// Put inserts or replaces the KeyItem.
func (m *KeyIndexMap) Put(ki *KeyItem) {
	m.tree.ReplaceOrInsert(ki)
}

// Erase removes the KeyItem for key.
func (m *KeyIndexMap) Erase(key []byte) {
	m.tree.Delete(&KeyItem{Key: key})
}

// Ascend iterates KeyItems with key in [start, end) in ascending order.
// A nil end means no upper bound. fn returning false stops the walk.
func (m *KeyIndexMap) Ascend(start, end []byte, fn func(ki *KeyItem) bool) {
	m.tree.AscendGreaterOrEqual(&KeyItem{Key: start}, func(item btree.Item) bool {
		ki := item.(*KeyItem)
		if end != nil && bytes.Compare(ki.Key, end) >= 0 {
			return false
		}
		return fn(ki)
	})
}

// Keys returns every key in ascending order.
func (m *KeyIndexMap) Keys() [][]byte {
	keys := make([][]byte, 0, m.tree.Len())
	m.tree.Ascend(func(item btree.Item) bool {
		keys = append(keys, item.(*KeyItem).Key)
		return true
	})
	return keys
}

// Len returns the number of keys.
func (m *KeyIndexMap) Len() int {
	return m.tree.Len()
}
