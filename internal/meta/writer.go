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

// Package meta persists the engine's durable mirror: the key catalog,
// the revision records and the compaction floor. The engine remains
// authoritative in memory; the writer exists so a restarted process can
// rebuild without replaying the whole log.
package meta

// Column families of the durable mirror.
const (
	CFKvIndex = "kv_index"
	CFKvRev   = "kv_rev"
	CFKvMeta  = "kv_meta"
)

// Tuple is one mutation in a write batch. Delete removes the key; the
// value is ignored then.
type Tuple struct {
	CF     string
	Key    []byte
	Value  []byte
	Delete bool
}

// Writer persists engine state changes. Implementations must apply a
// batch atomically.
type Writer interface {
	// WriteBatch applies every tuple in one atomic step.
	WriteBatch(tuples []Tuple) error

	// Scan visits every key in a column family in unspecified order.
	// Returning an error from fn aborts the scan.
	Scan(cf string, fn func(key, value []byte) error) error

	// Close releases the underlying resources.
	Close() error
}
