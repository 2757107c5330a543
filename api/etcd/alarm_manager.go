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
	"sync"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// alarmSet holds the raised alarms per member. Alarms are advisory on
// this server: they are reported through the Maintenance service but do
// not fence writes.
type alarmSet struct {
	mu     sync.RWMutex
	raised map[uint64]map[pb.AlarmType]struct{}
}

func newAlarmSet() *alarmSet {
	return &alarmSet{raised: make(map[uint64]map[pb.AlarmType]struct{})}
}

func (a *alarmSet) activate(memberID uint64, alarm pb.AlarmType) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.raised[memberID]
	if !ok {
		set = make(map[pb.AlarmType]struct{})
		a.raised[memberID] = set
	}
	if _, dup := set[alarm]; dup {
		return false
	}
	set[alarm] = struct{}{}
	return true
}

func (a *alarmSet) deactivate(memberID uint64, alarm pb.AlarmType) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.raised[memberID]
	if !ok {
		return false
	}
	if _, raised := set[alarm]; !raised {
		return false
	}
	delete(set, alarm)
	if len(set) == 0 {
		delete(a.raised, memberID)
	}
	return true
}

func (a *alarmSet) list() []*pb.AlarmMember {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []*pb.AlarmMember
	for memberID, set := range a.raised {
		for alarm := range set {
			out = append(out, &pb.AlarmMember{MemberID: memberID, Alarm: alarm})
		}
	}
	return out
}

// Alarm serves GET, ACTIVATE and DEACTIVATE over the alarm set.
func (s *MaintenanceServer) Alarm(ctx context.Context, req *pb.AlarmRequest) (*pb.AlarmResponse, error) {
	resp := &pb.AlarmResponse{Header: s.server.getResponseHeader()}

	switch req.Action {
	case pb.AlarmRequest_GET:
		resp.Alarms = s.server.alarms.list()
	case pb.AlarmRequest_ACTIVATE:
		if req.Alarm == pb.AlarmType_NONE {
			return nil, status.Error(codes.InvalidArgument, "alarm type must be set")
		}
		if s.server.alarms.activate(req.MemberID, req.Alarm) {
			resp.Alarms = []*pb.AlarmMember{{MemberID: req.MemberID, Alarm: req.Alarm}}
		}
	case pb.AlarmRequest_DEACTIVATE:
		if s.server.alarms.deactivate(req.MemberID, req.Alarm) {
			resp.Alarms = []*pb.AlarmMember{{MemberID: req.MemberID, Alarm: req.Alarm}}
		}
	default:
		return nil, status.Error(codes.InvalidArgument, "unknown alarm action")
	}
	return resp, nil
}
