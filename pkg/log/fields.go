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

package log

import "go.uber.org/zap"

// Domain field constructors shared across packages so log queries can
// rely on stable key names.

// Key logs a store key as a byte string.
func Key(key []byte) zap.Field {
	return zap.ByteString("key", key)
}

// Value logs a store value, or only its length when large.
func Value(value []byte) zap.Field {
	if len(value) > 1024 {
		return zap.Int("value_size", len(value))
	}
	return zap.ByteString("value", value)
}

// Revision logs a main revision.
func Revision(rev int64) zap.Field {
	return zap.Int64("revision", rev)
}

// LeaseID logs a lease identifier.
func LeaseID(id int64) zap.Field {
	return zap.Int64("lease_id", id)
}

// Component names the subsystem emitting the entry.
func Component(name string) zap.Field {
	return zap.String("component", name)
}

// NodeID logs a raft node identifier.
func NodeID(id uint64) zap.Field {
	return zap.Uint64("node_id", id)
}
