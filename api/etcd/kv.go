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
	"context"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"

	"github.com/nokiaMS/dingo-store/internal/metakv"
)

// KVServer serves the etcd KV service over the engine. Txn is not
// part of the coordinator surface and answers Unimplemented through
// the embedded stub.
type KVServer struct {
	pb.UnimplementedKVServer
	server *Server
}

// Range serves reads, including historical reads when a revision is
// given.
func (s *KVServer) Range(ctx context.Context, req *pb.RangeRequest) (*pb.RangeResponse, error) {
	res, err := s.server.engine.Range(req.Key, req.RangeEnd, metakv.RangeOptions{
		Limit:     req.Limit,
		Revision:  req.Revision,
		KeysOnly:  req.KeysOnly,
		CountOnly: req.CountOnly,
	})
	if err != nil {
		return nil, toGRPCError(err)
	}

	resp := &pb.RangeResponse{
		Header: s.server.getResponseHeader(),
		Count:  res.Count,
		More:   req.Limit > 0 && res.Count > int64(len(res.Kvs)),
	}
	if !req.CountOnly {
		resp.Kvs = toPbKeyValues(res.Kvs)
	}
	resp.Header.Revision = res.Revision
	return resp, nil
}

// Put replicates a single write and optionally returns the prior
// record.
func (s *KVServer) Put(ctx context.Context, req *pb.PutRequest) (*pb.PutResponse, error) {
	rev, prev, err := s.server.engine.Put(ctx, req.Key, req.Value, metakv.PutOptions{
		Lease:       req.Lease,
		IgnoreValue: req.IgnoreValue,
		IgnoreLease: req.IgnoreLease,
		NeedPrev:    req.PrevKv,
	})
	if err != nil {
		return nil, toGRPCError(err)
	}

	resp := &pb.PutResponse{Header: s.server.getResponseHeader()}
	if req.PrevKv {
		resp.PrevKv = toPbKeyValue(prev)
	}
	resp.Header.Revision = rev
	return resp, nil
}

// DeleteRange tombstones every live key in the range at one revision.
func (s *KVServer) DeleteRange(ctx context.Context, req *pb.DeleteRangeRequest) (*pb.DeleteRangeResponse, error) {
	rev, deleted, prevKvs, err := s.server.engine.DeleteRange(ctx, req.Key, req.RangeEnd, req.PrevKv)
	if err != nil {
		return nil, toGRPCError(err)
	}

	resp := &pb.DeleteRangeResponse{
		Header:  s.server.getResponseHeader(),
		Deleted: deleted,
	}
	if req.PrevKv {
		resp.PrevKvs = toPbKeyValues(prevKvs)
	}
	resp.Header.Revision = rev
	return resp, nil
}

// Compact raises the history floor to the requested revision.
func (s *KVServer) Compact(ctx context.Context, req *pb.CompactionRequest) (*pb.CompactionResponse, error) {
	rev, err := s.server.engine.Compact(ctx, req.Revision)
	if err != nil {
		return nil, toGRPCError(err)
	}

	resp := &pb.CompactionResponse{Header: s.server.getResponseHeader()}
	resp.Header.Revision = rev
	return resp, nil
}
