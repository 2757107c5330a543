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
)

// LeaseServer serves the etcd Lease service over the engine.
type LeaseServer struct {
	pb.UnimplementedLeaseServer
	server *Server
}

// LeaseGrant creates a lease, honoring a caller-chosen id when one is
// given.
func (s *LeaseServer) LeaseGrant(ctx context.Context, req *pb.LeaseGrantRequest) (*pb.LeaseGrantResponse, error) {
	id, ttl, err := s.server.engine.LeaseGrant(ctx, req.ID, req.TTL)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &pb.LeaseGrantResponse{
		Header: s.server.getResponseHeader(),
		ID:     id,
		TTL:    ttl,
	}, nil
}

// LeaseRevoke revokes a lease and deletes its bound keys.
func (s *LeaseServer) LeaseRevoke(ctx context.Context, req *pb.LeaseRevokeRequest) (*pb.LeaseRevokeResponse, error) {
	if err := s.server.engine.LeaseRevoke(ctx, req.ID); err != nil {
		return nil, toGRPCError(err)
	}
	return &pb.LeaseRevokeResponse{Header: s.server.getResponseHeader()}, nil
}

// LeaseKeepAlive renews the named lease once per stream message.
func (s *LeaseServer) LeaseKeepAlive(stream pb.Lease_LeaseKeepAliveServer) error {
	for {
		req, err := stream.Recv()
		if err != nil {
			return err
		}

		ttl, err := s.server.engine.LeaseRenew(stream.Context(), req.ID)
		if err != nil {
			return toGRPCError(err)
		}

		if err := stream.Send(&pb.LeaseKeepAliveResponse{
			Header: s.server.getResponseHeader(),
			ID:     req.ID,
			TTL:    ttl,
		}); err != nil {
			return err
		}
	}
}

// LeaseTimeToLive reports the remaining lifetime and, when asked, the
// bound keys.
func (s *LeaseServer) LeaseTimeToLive(ctx context.Context, req *pb.LeaseTimeToLiveRequest) (*pb.LeaseTimeToLiveResponse, error) {
	granted, remaining, keys, err := s.server.engine.LeaseTimeToLive(req.ID, req.Keys)
	if err != nil {
		return nil, toGRPCError(err)
	}

	resp := &pb.LeaseTimeToLiveResponse{
		Header:     s.server.getResponseHeader(),
		ID:         req.ID,
		TTL:        remaining,
		GrantedTTL: granted,
	}
	if req.Keys {
		resp.Keys = keys
	}
	return resp, nil
}

// LeaseLeases lists the live lease ids.
func (s *LeaseServer) LeaseLeases(ctx context.Context, req *pb.LeaseLeasesRequest) (*pb.LeaseLeasesResponse, error) {
	ids := s.server.engine.Leases().IDs()
	statuses := make([]*pb.LeaseStatus, len(ids))
	for i, id := range ids {
		statuses[i] = &pb.LeaseStatus{ID: id}
	}
	return &pb.LeaseLeasesResponse{
		Header: s.server.getResponseHeader(),
		Leases: statuses,
	}, nil
}
