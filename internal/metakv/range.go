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

// RangeOptions configures a read.
type RangeOptions struct {
	// Limit caps the number of returned kvs. Zero means unlimited.
	// Count always reflects the full range regardless of Limit.
	Limit int64

	// Revision reads at a historical main revision. Zero reads the
	// current state.
	Revision int64

	// KeysOnly strips values from the result.
	KeysOnly bool

	// CountOnly returns only the count.
	CountOnly bool
}

// RangeResult is the outcome of a read.
type RangeResult struct {
	Kvs []*KvRev

	// Count is the number of live keys in the full range, before Limit.
	Count int64

	// Revision is the engine revision the read was served at.
	Revision int64
}

// Range reads live keys in the range locally, without touching the
// log. Range-end semantics: empty means a point get of key, the single
// byte 0x00 means everything at or above key, anything else is a
// half-open bound.
func (e *Engine) Range(key, rangeEnd []byte, opts RangeOptions) (*RangeResult, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	current := e.appliedMain
	rev := opts.Revision
	if rev == 0 {
		rev = current
	}
	if rev < e.compactMain {
		return nil, ErrCompacted
	}
	if rev > current {
		return nil, ErrFutureRevision
	}
	atRev := Revision{Main: rev, Sub: maxSub}
	historical := rev != current

	var revs []Revision
	collect := func(ki *KeyItem) bool {
		if historical {
			if r, ok := ki.findLive(atRev); ok {
				revs = append(revs, r)
			}
			return true
		}
		if r, ok := ki.live(); ok {
			revs = append(revs, r)
		}
		return true
	}

	if len(rangeEnd) == 0 {
		if ki := e.keyIndexes.Get(key); ki != nil {
			collect(ki)
		}
	} else {
		end := rangeEnd
		if len(rangeEnd) == 1 && rangeEnd[0] == 0 {
			end = nil
		}
		e.keyIndexes.Ascend(key, end, collect)
	}

	result := &RangeResult{Count: int64(len(revs)), Revision: current}
	if opts.CountOnly {
		return result, nil
	}
	for _, r := range revs {
		if opts.Limit > 0 && int64(len(result.Kvs)) >= opts.Limit {
			break
		}
		kv := e.revs.Get(r)
		if kv == nil || kv.IsDeleted {
			continue
		}
		out := kv.Clone()
		if opts.KeysOnly {
			out.Value = nil
		}
		result.Kvs = append(result.Kvs, out)
	}
	return result, nil
}

// Get is a point read of key at the current revision. Returns
// ErrKeyNotFound when the key has no live value.
func (e *Engine) Get(key []byte) (*KvRev, error) {
	res, err := e.Range(key, nil, RangeOptions{})
	if err != nil {
		return nil, err
	}
	if len(res.Kvs) == 0 {
		return nil, ErrKeyNotFound
	}
	return res.Kvs[0], nil
}
