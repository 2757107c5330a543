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

package etcd

import (
	mvccpb "go.etcd.io/etcd/api/v3/mvccpb"

	"github.com/nokiaMS/dingo-store/internal/metakv"
)

// Responses are marshaled by gRPC after the handler returns, so every
// conversion allocates fresh protobuf values rather than reusing
// engine records.

func toPbKeyValue(kv *metakv.KvRev) *mvccpb.KeyValue {
	if kv == nil {
		return nil
	}
	return &mvccpb.KeyValue{
		Key:            kv.Key,
		Value:          kv.Value,
		CreateRevision: kv.CreateRevision.Main,
		ModRevision:    kv.ModRevision.Main,
		Version:        kv.Version,
		Lease:          kv.Lease,
	}
}

func toPbKeyValues(kvs []*metakv.KvRev) []*mvccpb.KeyValue {
	if len(kvs) == 0 {
		return nil
	}
	out := make([]*mvccpb.KeyValue, len(kvs))
	for i, kv := range kvs {
		out[i] = toPbKeyValue(kv)
	}
	return out
}

func toPbEvent(ev metakv.Event) *mvccpb.Event {
	out := &mvccpb.Event{
		Kv:     toPbKeyValue(ev.Kv),
		PrevKv: toPbKeyValue(ev.PrevKv),
	}
	switch ev.Type {
	case metakv.EventDelete:
		out.Type = mvccpb.DELETE
		if out.Kv != nil {
			// Tombstone records carry no value on the wire.
			out.Kv.Value = nil
		}
	default:
		out.Type = mvccpb.PUT
	}
	return out
}
