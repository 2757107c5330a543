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
	"hash/crc32"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nokiaMS/dingo-store/internal/metakv"
)

const serverVersion = "3.6.0-compatible"

// snapshotChunkSize is the blob size per Snapshot stream message.
const snapshotChunkSize = 4 * 1024 * 1024

// MaintenanceServer serves the etcd Maintenance service: status,
// hashes, snapshots, defragment, leader moves and advisory alarms.
// Downgrade answers Unimplemented through the embedded stub.
type MaintenanceServer struct {
	pb.UnimplementedMaintenanceServer
	server *Server
}

// Status reports the replica's view of the cluster.
func (s *MaintenanceServer) Status(ctx context.Context, req *pb.StatusRequest) (*pb.StatusResponse, error) {
	resp := &pb.StatusResponse{
		Header:  s.server.getResponseHeader(),
		Version: serverVersion,
	}
	if snapshot, err := s.server.engine.GetSnapshot(); err == nil {
		resp.DbSize = int64(len(snapshot))
	}
	if s.server.node != nil {
		st := s.server.node.Status()
		resp.Leader = st.LeaderID
		resp.RaftIndex = st.Applied
		resp.RaftTerm = st.Term
	}
	return resp, nil
}

// Hash checksums the engine snapshot for cross-replica comparison.
func (s *MaintenanceServer) Hash(ctx context.Context, req *pb.HashRequest) (*pb.HashResponse, error) {
	snapshot, err := s.server.engine.GetSnapshot()
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &pb.HashResponse{
		Header: s.server.getResponseHeader(),
		Hash:   crc32.ChecksumIEEE(snapshot),
	}, nil
}

// HashKV checksums the live keyspace at the requested revision.
func (s *MaintenanceServer) HashKV(ctx context.Context, req *pb.HashKVRequest) (*pb.HashKVResponse, error) {
	res, err := s.server.engine.Range([]byte{0}, []byte{0}, metakv.RangeOptions{Revision: req.Revision})
	if err != nil {
		return nil, toGRPCError(err)
	}

	hasher := crc32.NewIEEE()
	for _, kv := range res.Kvs {
		hasher.Write(kv.Key)
		hasher.Write(kv.Value)
	}
	return &pb.HashKVResponse{
		Header:          s.server.getResponseHeader(),
		Hash:            hasher.Sum32(),
		CompactRevision: s.server.engine.CompactRevision(),
	}, nil
}

// Snapshot streams the engine snapshot in fixed-size chunks.
func (s *MaintenanceServer) Snapshot(req *pb.SnapshotRequest, stream pb.Maintenance_SnapshotServer) error {
	snapshot, err := s.server.engine.GetSnapshot()
	if err != nil {
		return toGRPCError(err)
	}

	for off := 0; off < len(snapshot); off += snapshotChunkSize {
		end := off + snapshotChunkSize
		if end > len(snapshot) {
			end = len(snapshot)
		}
		if err := stream.Send(&pb.SnapshotResponse{
			Header:         s.server.getResponseHeader(),
			RemainingBytes: uint64(len(snapshot) - end),
			Blob:           snapshot[off:end],
		}); err != nil {
			return err
		}
	}
	return nil
}

// Defragment is a no-op: the storage engine compacts itself.
func (s *MaintenanceServer) Defragment(ctx context.Context, req *pb.DefragmentRequest) (*pb.DefragmentResponse, error) {
	return &pb.DefragmentResponse{Header: s.server.getResponseHeader()}, nil
}

// MoveLeader transfers leadership to the target node.
func (s *MaintenanceServer) MoveLeader(ctx context.Context, req *pb.MoveLeaderRequest) (*pb.MoveLeaderResponse, error) {
	if s.server.node == nil {
		return nil, status.Error(codes.FailedPrecondition, "no raft node")
	}
	if !s.server.node.IsLeader() {
		return nil, status.Error(codes.FailedPrecondition, "not the leader")
	}
	if req.TargetID == 0 {
		return nil, status.Error(codes.InvalidArgument, "target id must be set")
	}
	s.server.node.TransferLeadership(req.TargetID)
	return &pb.MoveLeaderResponse{Header: s.server.getResponseHeader()}, nil
}
