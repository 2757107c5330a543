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
	"fmt"
	"math"
	"sync"
)

const (
	// RevisionSize is the byte size of an encoded revision:
	// 8-byte main, 1-byte separator, 8-byte sub.
	RevisionSize = 17

	// revisionSep separates main from sub in the encoded form. It sits
	// at a fixed offset between two big-endian fields, so lexicographic
	// order on the encoding matches numeric order on non-negative
	// (main, sub).
	revisionSep = '_'
)

// Revision identifies a single mutation. Main is incremented once per
// logical transaction, Sub once per mutation inside that transaction.
type Revision struct {
	Main int64
	Sub  int64
}

// Zero is the zero revision, used as a sentinel value.
var Zero = Revision{}

// Compare compares two revisions.
// Returns -1 if r < other, 0 if r == other, 1 if r > other.
func (r Revision) Compare(other Revision) int {
	if r.Main < other.Main {
		return -1
	}
	if r.Main > other.Main {
		return 1
	}
	if r.Sub < other.Sub {
		return -1
	}
	if r.Sub > other.Sub {
		return 1
	}
	return 0
}

// GreaterThan returns true if r > other.
func (r Revision) GreaterThan(other Revision) bool {
	return r.Compare(other) > 0
}

// GreaterThanOrEqual returns true if r >= other.
func (r Revision) GreaterThanOrEqual(other Revision) bool {
	return r.Compare(other) >= 0
}

// LessThan returns true if r < other.
func (r Revision) LessThan(other Revision) bool {
	return r.Compare(other) < 0
}

// LessThanOrEqual returns true if r <= other.
func (r Revision) LessThanOrEqual(other Revision) bool {
	return r.Compare(other) <= 0
}

// IsZero returns true if the revision is zero.
func (r Revision) IsZero() bool {
	return r.Main == 0 && r.Sub == 0
}

// Bytes encodes the revision to its fixed 17-byte on-disk form
// [main:8]['_'][sub:8], big-endian. This encoding is persisted as the
// RevMap sort key and must stay stable.
func (r Revision) Bytes() []byte {
	buf := make([]byte, RevisionSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(r.Main))
	buf[8] = revisionSep
	binary.BigEndian.PutUint64(buf[9:17], uint64(r.Sub))
	return buf
}

// String returns a string representation of the revision.
func (r Revision) String() string {
	return fmt.Sprintf("{main: %d, sub: %d}", r.Main, r.Sub)
}

// ParseRevision decodes a revision from its 17-byte encoded form.
// Returns an error if the buffer is malformed.
func ParseRevision(b []byte) (Revision, error) {
	if len(b) != RevisionSize || b[8] != revisionSep {
		return Zero, ErrInvalidRevision
	}
	return Revision{
		Main: int64(binary.BigEndian.Uint64(b[0:8])),
		Sub:  int64(binary.BigEndian.Uint64(b[9:17])),
	}, nil
}

// NewRevision creates a new revision with the given main and sub values.
func NewRevision(main, sub int64) Revision {
	return Revision{Main: main, Sub: sub}
}

// Clock issues strictly increasing main revisions. Reserve hands out the
// next main on the proposing node; Observe advances the counter during
// apply so every replica converges on the same next value.
type Clock struct {
	mu   sync.Mutex
	next int64
}

// NewClock creates a clock whose next reserved main is next.
func NewClock(next int64) *Clock {
	if next < 1 {
		next = 1
	}
	return &Clock{next: next}
}

// Reserve returns the next main revision and advances the counter.
func (c *Clock) Reserve() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next >= math.MaxInt64 {
		return 0, ErrRevisionExhausted
	}
	main := c.next
	c.next++
	return main, nil
}

// Observe advances the counter past main if it is behind. Called from
// the apply path so followers track the leader's allocations.
func (c *Clock) Observe(main int64) {
	c.mu.Lock()
	if main >= c.next {
		c.next = main + 1
	}
	c.mu.Unlock()
}

// Next returns the next main revision that Reserve would hand out.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Current returns the highest main revision issued so far.
func (c *Clock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next - 1
}
