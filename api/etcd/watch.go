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
	"sync"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	mvccpb "go.etcd.io/etcd/api/v3/mvccpb"
	"go.uber.org/zap"

	"github.com/nokiaMS/dingo-store/internal/metakv"
)

// WatchServer serves the etcd Watch service. Subscriptions are one
// shot: after the single matching event is delivered the watch is
// closed with a canceled response, and the client re-registers if it
// wants the next event.
type WatchServer struct {
	pb.UnimplementedWatchServer
	server *Server
}

// watchStream serializes sends and tracks the registrations owned by
// one client stream.
type watchStream struct {
	stream pb.Watch_WatchServer

	sendMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]struct{}
}

func (ws *watchStream) send(resp *pb.WatchResponse) error {
	ws.sendMu.Lock()
	defer ws.sendMu.Unlock()
	return ws.stream.Send(resp)
}

func (ws *watchStream) track(id int64) {
	ws.mu.Lock()
	ws.pending[id] = struct{}{}
	ws.mu.Unlock()
}

func (ws *watchStream) untrack(id int64) bool {
	ws.mu.Lock()
	_, ok := ws.pending[id]
	delete(ws.pending, id)
	ws.mu.Unlock()
	return ok
}

func (ws *watchStream) drain() []int64 {
	ws.mu.Lock()
	ids := make([]int64, 0, len(ws.pending))
	for id := range ws.pending {
		ids = append(ids, id)
	}
	ws.pending = make(map[int64]struct{})
	ws.mu.Unlock()
	return ids
}

// Watch drives one client stream until it closes.
func (s *WatchServer) Watch(stream pb.Watch_WatchServer) error {
	ws := &watchStream{stream: stream, pending: make(map[int64]struct{})}

	// Undelivered registrations die with the stream.
	defer func() {
		for _, id := range ws.drain() {
			s.server.engine.WatchBus().Cancel(id)
		}
	}()

	for {
		req, err := stream.Recv()
		if err != nil {
			return err
		}

		if createReq := req.GetCreateRequest(); createReq != nil {
			if err := s.handleCreate(ws, createReq); err != nil {
				return err
			}
		}
		if cancelReq := req.GetCancelRequest(); cancelReq != nil {
			if err := s.handleCancel(ws, cancelReq); err != nil {
				return err
			}
		}
	}
}

func (s *WatchServer) handleCreate(ws *watchStream, req *pb.WatchCreateRequest) error {
	opts := metakv.WatchOptions{
		StartRev: req.StartRevision,
		NeedPrev: req.PrevKv,
	}
	for _, f := range req.Filters {
		switch f {
		case pb.WatchCreateRequest_NOPUT:
			opts.NoPut = true
		case pb.WatchCreateRequest_NODELETE:
			opts.NoDelete = true
		}
	}

	id, eventC := s.server.engine.WatchBus().Register(req.Key, req.RangeEnd, opts)
	ws.track(id)

	if err := ws.send(&pb.WatchResponse{
		Header:  s.server.getResponseHeader(),
		WatchId: id,
		Created: true,
	}); err != nil {
		ws.untrack(id)
		s.server.engine.WatchBus().Cancel(id)
		return err
	}

	go s.deliver(ws, id, eventC)
	return nil
}

// deliver waits for the subscription's single event, forwards it and
// closes the watch. A closed channel without an event means the watch
// was canceled elsewhere and there is nothing to send.
func (s *WatchServer) deliver(ws *watchStream, id int64, eventC <-chan metakv.Event) {
	ev, ok := <-eventC
	if !ok {
		return
	}
	if !ws.untrack(id) {
		return
	}

	resp := &pb.WatchResponse{
		Header:  s.server.getResponseHeader(),
		WatchId: id,
		Events:  []*mvccpb.Event{toPbEvent(ev)},
	}
	resp.Header.Revision = ev.Revision
	if err := ws.send(resp); err != nil {
		s.server.logger.Warn("watch event send failed",
			zap.Int64("watch_id", id), zap.Error(err))
		return
	}

	if err := ws.send(&pb.WatchResponse{
		Header:   s.server.getResponseHeader(),
		WatchId:  id,
		Canceled: true,
	}); err != nil {
		s.server.logger.Warn("watch close send failed",
			zap.Int64("watch_id", id), zap.Error(err))
	}
}

func (s *WatchServer) handleCancel(ws *watchStream, req *pb.WatchCancelRequest) error {
	if ws.untrack(req.WatchId) {
		s.server.engine.WatchBus().Cancel(req.WatchId)
	}
	return ws.send(&pb.WatchResponse{
		Header:   s.server.getResponseHeader(),
		WatchId:  req.WatchId,
		Canceled: true,
	})
}
