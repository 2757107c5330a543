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
	"fmt"
	"sync"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/raft/v3/raftpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ClusterServer serves the etcd Cluster service. Membership changes go
// through raft conf-change proposals; the proposal is fired and the
// response is optimistic, matching the async contract of the raft
// layer.
type ClusterServer struct {
	pb.UnimplementedClusterServer
	server  *Server
	members *memberSet
}

// memberSet tracks the replica's view of the cluster membership. It is
// seeded from the static peer list and updated as conf changes are
// proposed.
type memberSet struct {
	mu     sync.RWMutex
	nextID uint64
	byID   map[uint64]*pb.Member
}

func newMemberSet(peers []string) *memberSet {
	ms := &memberSet{byID: make(map[uint64]*pb.Member)}
	for i, peer := range peers {
		id := uint64(i + 1)
		ms.byID[id] = &pb.Member{
			ID:       id,
			Name:     fmt.Sprintf("member-%d", id),
			PeerURLs: []string{peer},
		}
	}
	ms.nextID = uint64(len(peers)) + 1
	return ms
}

func (ms *memberSet) list() []*pb.Member {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := make([]*pb.Member, 0, len(ms.byID))
	for id := uint64(1); id < ms.nextID; id++ {
		if m, ok := ms.byID[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

func (ms *memberSet) add(peerURLs []string) *pb.Member {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	m := &pb.Member{
		ID:       ms.nextID,
		Name:     fmt.Sprintf("member-%d", ms.nextID),
		PeerURLs: peerURLs,
	}
	ms.byID[m.ID] = m
	ms.nextID++
	return m
}

func (ms *memberSet) remove(id uint64) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.byID[id]; !ok {
		return false
	}
	delete(ms.byID, id)
	return true
}

// MemberList reports the replica's membership view.
func (s *ClusterServer) MemberList(ctx context.Context, req *pb.MemberListRequest) (*pb.MemberListResponse, error) {
	return &pb.MemberListResponse{
		Header:  s.server.getResponseHeader(),
		Members: s.members.list(),
	}, nil
}

// MemberAdd proposes an AddNode conf change for the new peer.
func (s *ClusterServer) MemberAdd(ctx context.Context, req *pb.MemberAddRequest) (*pb.MemberAddResponse, error) {
	if len(req.PeerURLs) == 0 {
		return nil, status.Error(codes.InvalidArgument, "peer URLs must be set")
	}
	if s.server.cfg.ConfChange == nil {
		return nil, status.Error(codes.FailedPrecondition, "membership changes are not wired")
	}

	m := s.members.add(req.PeerURLs)
	cc := raftpb.ConfChange{
		Type:    raftpb.ConfChangeAddNode,
		NodeID:  m.ID,
		Context: []byte(req.PeerURLs[0]),
	}
	select {
	case s.server.cfg.ConfChange <- cc:
	case <-ctx.Done():
		s.members.remove(m.ID)
		return nil, toGRPCError(ctx.Err())
	}

	return &pb.MemberAddResponse{
		Header:  s.server.getResponseHeader(),
		Member:  m,
		Members: s.members.list(),
	}, nil
}

// MemberRemove proposes a RemoveNode conf change.
func (s *ClusterServer) MemberRemove(ctx context.Context, req *pb.MemberRemoveRequest) (*pb.MemberRemoveResponse, error) {
	if s.server.cfg.ConfChange == nil {
		return nil, status.Error(codes.FailedPrecondition, "membership changes are not wired")
	}
	if !s.members.remove(req.ID) {
		return nil, status.Error(codes.NotFound, "member not found")
	}

	cc := raftpb.ConfChange{
		Type:   raftpb.ConfChangeRemoveNode,
		NodeID: req.ID,
	}
	select {
	case s.server.cfg.ConfChange <- cc:
	case <-ctx.Done():
		return nil, toGRPCError(ctx.Err())
	}

	return &pb.MemberRemoveResponse{
		Header:  s.server.getResponseHeader(),
		Members: s.members.list(),
	}, nil
}
