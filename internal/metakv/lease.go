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
	"sync"
	"time"
)

// Lease tracks one granted lease. Deadline is local wall-clock time on
// each replica; it is recomputed at apply, never replicated.
type Lease struct {
	ID         int64
	GrantedTTL int64
	Deadline   time.Time

	keys map[string]struct{}
}

// Remaining returns the seconds until expiry, rounded down, or -1 if
// the lease already expired.
func (l *Lease) Remaining(now time.Time) int64 {
	if !now.Before(l.Deadline) {
		return -1
	}
	return int64(l.Deadline.Sub(now) / time.Second)
}

// IsExpired reports whether the deadline has passed.
func (l *Lease) IsExpired(now time.Time) bool {
	return !now.Before(l.Deadline)
}

// Keys returns the attached keys in unspecified order.
func (l *Lease) Keys() [][]byte {
	keys := make([][]byte, 0, len(l.keys))
	for k := range l.keys {
		keys = append(keys, []byte(k))
	}
	return keys
}

// LeaseRegistry holds the live leases. It is safe for concurrent use.
type LeaseRegistry struct {
	mu     sync.RWMutex
	leases map[int64]*Lease
}

// NewLeaseRegistry creates an empty registry.
func NewLeaseRegistry() *LeaseRegistry {
	return &LeaseRegistry{leases: make(map[int64]*Lease)}
}

// Grant registers a lease with the given id and TTL. The id must be
// positive and unused.
func (r *LeaseRegistry) Grant(id, ttl int64, now time.Time) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.leases[id]; ok {
		return nil, ErrLeaseExists
	}
	l := &Lease{
		ID:         id,
		GrantedTTL: ttl,
		Deadline:   now.Add(time.Duration(ttl) * time.Second),
		keys:       make(map[string]struct{}),
	}
	r.leases[id] = l
	return l, nil
}

// Renew pushes the deadline out by the granted TTL from now. Returns
// the new TTL or ErrLeaseNotFound.
func (r *LeaseRegistry) Renew(id int64, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[id]
	if !ok {
		return 0, ErrLeaseNotFound
	}
	l.Deadline = now.Add(time.Duration(l.GrantedTTL) * time.Second)
	return l.GrantedTTL, nil
}

// Remove deletes the lease and returns its attached keys so the caller
// can delete them. Returns ErrLeaseNotFound for unknown ids.
func (r *LeaseRegistry) Remove(id int64) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leases[id]
	if !ok {
		return nil, ErrLeaseNotFound
	}
	delete(r.leases, id)
	return l.Keys(), nil
}

// Exists reports whether the lease id is registered.
func (r *LeaseRegistry) Exists(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.leases[id]
	return ok
}

// Attach binds key to the lease. Unknown ids are ignored; the apply
// path validates existence before calling.
func (r *LeaseRegistry) Attach(id int64, key []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.leases[id]; ok {
		l.keys[string(key)] = struct{}{}
	}
}

// Detach unbinds key from the lease, if both exist.
func (r *LeaseRegistry) Detach(id int64, key []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.leases[id]; ok {
		delete(l.keys, string(key))
	}
}

// Query returns the lease's granted TTL, remaining TTL and, when
// withKeys is set, its attached keys.
func (r *LeaseRegistry) Query(id int64, withKeys bool, now time.Time) (granted, remaining int64, keys [][]byte, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.leases[id]
	if !ok {
		return 0, 0, nil, ErrLeaseNotFound
	}
	granted = l.GrantedTTL
	remaining = l.Remaining(now)
	if withKeys {
		keys = l.Keys()
	}
	return granted, remaining, keys, nil
}

// Expired returns the ids of every lease whose deadline has passed.
func (r *LeaseRegistry) Expired(now time.Time) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []int64
	for id, l := range r.leases {
		if l.IsExpired(now) {
			ids = append(ids, id)
		}
	}
	return ids
}

// IDs returns every registered lease id.
func (r *LeaseRegistry) IDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.leases))
	for id := range r.leases {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of live leases.
func (r *LeaseRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.leases)
}

// snapshotLease is the serialized form used by engine snapshots.
type snapshotLease struct {
	ID         int64    `json:"id"`
	GrantedTTL int64    `json:"granted_ttl"`
	Keys       [][]byte `json:"keys,omitempty"`
}

func (r *LeaseRegistry) export() []snapshotLease {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]snapshotLease, 0, len(r.leases))
	for _, l := range r.leases {
		out = append(out, snapshotLease{ID: l.ID, GrantedTTL: l.GrantedTTL, Keys: l.Keys()})
	}
	return out
}

func (r *LeaseRegistry) restore(leases []snapshotLease, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leases = make(map[int64]*Lease, len(leases))
	for _, sl := range leases {
		l := &Lease{
			ID:         sl.ID,
			GrantedTTL: sl.GrantedTTL,
			Deadline:   now.Add(time.Duration(sl.GrantedTTL) * time.Second),
			keys:       make(map[string]struct{}, len(sl.Keys)),
		}
		for _, k := range sl.Keys {
			l.keys[string(k)] = struct{}{}
		}
		r.leases[sl.ID] = l
	}
}
