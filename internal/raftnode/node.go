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

// Package raftnode runs the consensus layer. Proposals enter on a
// channel, committed batches leave on another, and the state machine
// above decides what the bytes mean.
package raftnode

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/linxGnu/grocksdb"
	"go.etcd.io/etcd/client/pkg/v3/fileutil"
	"go.etcd.io/etcd/client/pkg/v3/types"
	"go.etcd.io/etcd/server/v3/etcdserver/api/rafthttp"
	"go.etcd.io/etcd/server/v3/etcdserver/api/snap"
	stats "go.etcd.io/etcd/server/v3/etcdserver/api/v2stats"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"
)

// Commit is a batch of committed log entries handed to the state
// machine. Closing ApplyDoneC tells the node the batch is applied so
// snapshotting can proceed.
type Commit struct {
	Data       []string
	ApplyDoneC chan struct{}
}

// Status is a point-in-time view of the raft node.
type Status struct {
	NodeID   uint64
	Term     uint64
	LeaderID uint64
	State    string
	Applied  uint64
	Commit   uint64
}

// Config carries the consensus tunables.
type Config struct {
	ID    int
	Peers []string
	Join  bool

	// DataDir holds the log database and the snapshot directory.
	DataDir string

	TickInterval  time.Duration
	ElectionTick  int
	HeartbeatTick int

	// SnapshotCount is how many applied entries trigger a snapshot.
	SnapshotCount uint64

	MaxSizePerMsg             uint64
	MaxInflightMsgs           int
	MaxUncommittedEntriesSize uint64
	PreVote                   bool
	CheckQuorum               bool

	Logger *zap.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.TickInterval <= 0 {
		out.TickInterval = 100 * time.Millisecond
	}
	if out.ElectionTick <= 0 {
		out.ElectionTick = 10
	}
	if out.HeartbeatTick <= 0 {
		out.HeartbeatTick = 1
	}
	if out.SnapshotCount == 0 {
		out.SnapshotCount = 10000
	}
	if out.MaxSizePerMsg == 0 {
		out.MaxSizePerMsg = 1024 * 1024
	}
	if out.MaxInflightMsgs == 0 {
		out.MaxInflightMsgs = 256
	}
	if out.MaxUncommittedEntriesSize == 0 {
		out.MaxUncommittedEntriesSize = 1 << 30
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// snapshotCatchUpEntries is how much log is kept behind a snapshot so
// slow followers can catch up without a full snapshot transfer.
const snapshotCatchUpEntries uint64 = 10000

// Node is one raft replica. It owns the log storage, the peer
// transport and the snapshot directory.
type Node struct {
	proposeC    <-chan string
	confChangeC <-chan raftpb.ConfChange
	commitC     chan<- *Commit
	errorC      chan<- error

	cfg         Config
	snapdir     string
	getSnapshot func() ([]byte, error)

	confState     raftpb.ConfState
	snapshotIndex uint64
	appliedIndex  uint64

	node    raft.Node
	storage *Storage
	db      *grocksdb.DB

	snapshotter      *snap.Snapshotter
	snapshotterReady chan *snap.Snapshotter

	transport *rafthttp.Transport
	stopc     chan struct{}
	httpstopc chan struct{}
	httpdonec chan struct{}

	logger *zap.Logger
}

// NewNode starts a raft replica. It returns the commit channel, the
// error channel, a channel that delivers the snapshotter once ready,
// and the node handle for status queries.
func NewNode(cfg Config, getSnapshot func() ([]byte, error),
	proposeC <-chan string, confChangeC <-chan raftpb.ConfChange, db *grocksdb.DB,
) (<-chan *Commit, <-chan error, <-chan *snap.Snapshotter, *Node) {
	cfg = cfg.withDefaults()
	commitC := make(chan *Commit)
	errorC := make(chan error)

	n := &Node{
		proposeC:         proposeC,
		confChangeC:      confChangeC,
		commitC:          commitC,
		errorC:           errorC,
		cfg:              cfg,
		snapdir:          filepath.Join(cfg.DataDir, "snap"),
		getSnapshot:      getSnapshot,
		db:               db,
		stopc:            make(chan struct{}),
		httpstopc:        make(chan struct{}),
		httpdonec:        make(chan struct{}),
		logger:           cfg.Logger,
		snapshotterReady: make(chan *snap.Snapshotter, 1),
	}
	go n.startRaft()
	return commitC, errorC, n.snapshotterReady, n
}

func (n *Node) startRaft() {
	if !fileutil.Exist(n.snapdir) {
		if err := os.MkdirAll(n.snapdir, 0o750); err != nil {
			n.logger.Fatal("cannot create snapshot dir", zap.Error(err))
		}
	}
	n.snapshotter = snap.New(n.logger, n.snapdir)

	storage, err := NewStorage(n.db, uint64(n.cfg.ID))
	if err != nil {
		n.logger.Fatal("cannot initialize raft storage", zap.Error(err))
	}
	n.storage = storage

	snapshot := n.loadSnapshot()
	if !raft.IsEmptySnap(*snapshot) {
		n.logger.Info("applying snapshot to raft storage",
			zap.Uint64("term", snapshot.Metadata.Term),
			zap.Uint64("index", snapshot.Metadata.Index))
		if err := n.storage.ApplySnapshot(*snapshot); err != nil {
			n.logger.Fatal("cannot apply snapshot", zap.Error(err))
		}
	}

	hardState, confState, err := n.storage.InitialState()
	if err != nil {
		n.logger.Fatal("cannot read initial state", zap.Error(err))
	}
	if len(confState.Voters) > 0 {
		n.confState = confState
	}
	oldNode := !raft.IsEmptyHardState(hardState)

	n.snapshotterReady <- n.snapshotter

	rpeers := make([]raft.Peer, len(n.cfg.Peers))
	for i := range rpeers {
		rpeers[i] = raft.Peer{ID: uint64(i + 1)}
	}
	c := &raft.Config{
		ID:                        uint64(n.cfg.ID),
		ElectionTick:              n.cfg.ElectionTick,
		HeartbeatTick:             n.cfg.HeartbeatTick,
		Storage:                   n.storage,
		MaxSizePerMsg:             n.cfg.MaxSizePerMsg,
		MaxInflightMsgs:           n.cfg.MaxInflightMsgs,
		MaxUncommittedEntriesSize: n.cfg.MaxUncommittedEntriesSize,
		PreVote:                   n.cfg.PreVote,
		CheckQuorum:               n.cfg.CheckQuorum,
	}

	if oldNode || n.cfg.Join {
		n.node = raft.RestartNode(c)
	} else {
		n.node = raft.StartNode(c, rpeers)
	}

	n.transport = &rafthttp.Transport{
		Logger:      n.logger,
		ID:          types.ID(n.cfg.ID),
		ClusterID:   0x1000,
		Raft:        n,
		ServerStats: stats.NewServerStats("", ""),
		LeaderStats: stats.NewLeaderStats(n.logger, strconv.Itoa(n.cfg.ID)),
		ErrorC:      make(chan error),
	}
	n.transport.Start()
	for i := range n.cfg.Peers {
		if i+1 != n.cfg.ID {
			n.transport.AddPeer(types.ID(i+1), []string{n.cfg.Peers[i]})
		}
	}

	// Seed an initial snapshot for a brand new cluster so the leader
	// never needs to sync a follower from a nil snapshot.
	if !oldNode && !n.cfg.Join {
		go func() {
			time.Sleep(100 * time.Millisecond)
			current, err := n.storage.Snapshot()
			if err != nil || !raft.IsEmptySnap(current) {
				return
			}
			data, err := n.getSnapshot()
			if err != nil {
				n.logger.Error("cannot build initial snapshot", zap.Error(err))
				return
			}
			if _, err := n.storage.CreateSnapshot(0, &n.confState, data); err != nil {
				n.logger.Error("cannot create initial snapshot", zap.Error(err))
			}
		}()
	}

	go n.serveRaft()
	go n.serveChannels()
}

func (n *Node) loadSnapshot() *raftpb.Snapshot {
	snapshot, err := n.snapshotter.Load()
	if err != nil && !errors.Is(err, snap.ErrNoSnapshot) {
		n.logger.Fatal("error loading snapshot", zap.Error(err))
	}
	if snapshot != nil {
		return snapshot
	}
	return &raftpb.Snapshot{}
}

func (n *Node) saveSnap(snapshot raftpb.Snapshot) error {
	if err := n.snapshotter.SaveSnap(snapshot); err != nil {
		return err
	}
	n.logger.Info("saved snapshot", zap.Uint64("index", snapshot.Metadata.Index))
	return nil
}

func (n *Node) entriesToApply(ents []raftpb.Entry) []raftpb.Entry {
	if len(ents) == 0 {
		return ents
	}
	firstIdx := ents[0].Index
	if firstIdx > n.appliedIndex+1 {
		n.logger.Fatal("committed entries out of order",
			zap.Uint64("first_index", firstIdx),
			zap.Uint64("applied_index", n.appliedIndex))
	}
	if n.appliedIndex-firstIdx+1 < uint64(len(ents)) {
		return ents[n.appliedIndex-firstIdx+1:]
	}
	return nil
}

func (n *Node) publishEntries(ents []raftpb.Entry) (<-chan struct{}, bool) {
	if len(ents) == 0 {
		return nil, true
	}

	data := make([]string, 0, len(ents))
	for i := range ents {
		switch ents[i].Type {
		case raftpb.EntryNormal:
			if len(ents[i].Data) == 0 {
				break
			}
			data = append(data, string(ents[i].Data))
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			cc.Unmarshal(ents[i].Data)
			n.confState = *n.node.ApplyConfChange(cc)
			switch cc.Type {
			case raftpb.ConfChangeAddNode:
				if len(cc.Context) > 0 {
					n.transport.AddPeer(types.ID(cc.NodeID), []string{string(cc.Context)})
				}
			case raftpb.ConfChangeRemoveNode:
				if cc.NodeID == uint64(n.cfg.ID) {
					n.logger.Warn("removed from cluster, shutting down")
					return nil, false
				}
				n.transport.RemovePeer(types.ID(cc.NodeID))
			}
		}
	}

	var applyDoneC chan struct{}
	if len(data) > 0 {
		applyDoneC = make(chan struct{}, 1)
		select {
		case n.commitC <- &Commit{Data: data, ApplyDoneC: applyDoneC}:
		case <-n.stopc:
			return nil, false
		}
	}
	n.appliedIndex = ents[len(ents)-1].Index
	return applyDoneC, true
}

func (n *Node) publishSnapshot(snapshot raftpb.Snapshot) {
	if raft.IsEmptySnap(snapshot) {
		return
	}
	if snapshot.Metadata.Index <= n.appliedIndex {
		n.logger.Fatal("stale snapshot",
			zap.Uint64("snapshot_index", snapshot.Metadata.Index),
			zap.Uint64("applied_index", n.appliedIndex))
	}
	n.commitC <- nil // tell the state machine to reload from the snapshotter

	n.confState = snapshot.Metadata.ConfState
	n.snapshotIndex = snapshot.Metadata.Index
	n.appliedIndex = snapshot.Metadata.Index
}

func (n *Node) maybeTriggerSnapshot(applyDoneC <-chan struct{}) {
	if n.appliedIndex-n.snapshotIndex <= n.cfg.SnapshotCount {
		return
	}
	if applyDoneC != nil {
		select {
		case <-applyDoneC:
		case <-n.stopc:
			return
		}
	}

	n.logger.Info("starting snapshot",
		zap.Uint64("applied_index", n.appliedIndex),
		zap.Uint64("last_snapshot_index", n.snapshotIndex))
	data, err := n.getSnapshot()
	if err != nil {
		n.logger.Fatal("cannot capture state machine snapshot", zap.Error(err))
	}
	snapshot, err := n.storage.CreateSnapshot(n.appliedIndex, &n.confState, data)
	if err != nil {
		n.logger.Fatal("cannot create snapshot", zap.Error(err))
	}
	if err := n.saveSnap(snapshot); err != nil {
		n.logger.Fatal("cannot save snapshot", zap.Error(err))
	}

	compactIndex := uint64(1)
	if n.appliedIndex > snapshotCatchUpEntries {
		compactIndex = n.appliedIndex - snapshotCatchUpEntries
	}
	if err := n.storage.Compact(compactIndex); err != nil {
		if !errors.Is(err, raft.ErrCompacted) {
			n.logger.Fatal("cannot compact raft log", zap.Error(err))
		}
	} else {
		n.logger.Info("compacted raft log", zap.Uint64("index", compactIndex))
	}
	n.snapshotIndex = n.appliedIndex
}

func (n *Node) serveChannels() {
	snapshot, err := n.storage.Snapshot()
	if err != nil {
		n.logger.Fatal("cannot read snapshot", zap.Error(err))
	}
	n.confState = snapshot.Metadata.ConfState
	n.snapshotIndex = snapshot.Metadata.Index
	n.appliedIndex = snapshot.Metadata.Index

	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()

	go func() {
		confChangeCount := uint64(0)
		proposeC := n.proposeC
		confChangeC := n.confChangeC
		for proposeC != nil && confChangeC != nil {
			select {
			case prop, ok := <-proposeC:
				if !ok {
					proposeC = nil
				} else {
					n.node.Propose(context.TODO(), []byte(prop))
				}
			case cc, ok := <-confChangeC:
				if !ok {
					confChangeC = nil
				} else {
					confChangeCount++
					cc.ID = confChangeCount
					n.node.ProposeConfChange(context.TODO(), cc)
				}
			}
		}
		close(n.stopc)
	}()

	for {
		select {
		case <-ticker.C:
			n.node.Tick()

		case rd := <-n.node.Ready():
			if !raft.IsEmptyHardState(rd.HardState) {
				if err := n.storage.SetHardState(rd.HardState); err != nil {
					n.logger.Fatal("cannot save hard state", zap.Error(err))
				}
			}
			if !raft.IsEmptySnap(rd.Snapshot) {
				if err := n.storage.ApplySnapshot(rd.Snapshot); err != nil {
					n.logger.Fatal("cannot apply snapshot", zap.Error(err))
				}
				if err := n.saveSnap(rd.Snapshot); err != nil {
					n.logger.Fatal("cannot save snapshot", zap.Error(err))
				}
				n.publishSnapshot(rd.Snapshot)
			}
			if len(rd.Entries) > 0 {
				if err := n.storage.Append(rd.Entries); err != nil {
					n.logger.Fatal("cannot append entries", zap.Error(err))
				}
			}
			n.transport.Send(n.processMessages(rd.Messages))

			applyDoneC, ok := n.publishEntries(n.entriesToApply(rd.CommittedEntries))
			if !ok {
				n.stop()
				return
			}
			n.maybeTriggerSnapshot(applyDoneC)
			n.node.Advance()

		case err := <-n.transport.ErrorC:
			n.writeError(err)
			return

		case <-n.stopc:
			n.stop()
			return
		}
	}
}

// processMessages stamps the current conf state into outgoing snapshot
// messages.
func (n *Node) processMessages(ms []raftpb.Message) []raftpb.Message {
	for i := 0; i < len(ms); i++ {
		if ms[i].Type == raftpb.MsgSnap {
			ms[i].Snapshot.Metadata.ConfState = n.confState
		}
	}
	return ms
}

func (n *Node) serveRaft() {
	peerURL, err := url.Parse(n.cfg.Peers[n.cfg.ID-1])
	if err != nil {
		n.logger.Fatal("cannot parse peer URL", zap.Error(err))
	}
	ln, err := newStoppableListener(peerURL.Host, n.httpstopc)
	if err != nil {
		n.logger.Fatal("cannot listen for raft traffic", zap.Error(err))
	}
	err = (&http.Server{Handler: n.transport.Handler()}).Serve(ln)
	select {
	case <-n.httpstopc:
	default:
		n.logger.Fatal("raft transport server failed", zap.Error(err))
	}
	close(n.httpdonec)
}

func (n *Node) stop() {
	n.stopHTTP()
	close(n.commitC)
	close(n.errorC)
	n.node.Stop()
	if n.storage != nil {
		n.storage.Close()
	}
}

func (n *Node) stopHTTP() {
	n.transport.Stop()
	close(n.httpstopc)
	<-n.httpdonec
}

func (n *Node) writeError(err error) {
	n.stopHTTP()
	close(n.commitC)
	n.errorC <- err
	close(n.errorC)
	n.node.Stop()
}

// Process implements rafthttp.Raft.
func (n *Node) Process(ctx context.Context, m raftpb.Message) error {
	return n.node.Step(ctx, m)
}

// IsIDRemoved implements rafthttp.Raft.
func (n *Node) IsIDRemoved(_ uint64) bool { return false }

// ReportUnreachable implements rafthttp.Raft.
func (n *Node) ReportUnreachable(id uint64) { n.node.ReportUnreachable(id) }

// ReportSnapshot implements rafthttp.Raft.
func (n *Node) ReportSnapshot(id uint64, status raft.SnapshotStatus) {
	n.node.ReportSnapshot(id, status)
}

// Status reports the node's consensus state.
func (n *Node) Status() Status {
	st := n.node.Status()
	return Status{
		NodeID:   st.ID,
		Term:     st.Term,
		LeaderID: st.Lead,
		State:    st.RaftState.String(),
		Applied:  st.Applied,
		Commit:   st.Commit,
	}
}

// IsLeader reports whether this node currently leads the cluster.
func (n *Node) IsLeader() bool {
	st := n.node.Status()
	return st.Lead == st.ID
}

// TransferLeadership hands leadership to the target node.
func (n *Node) TransferLeadership(targetID uint64) {
	n.node.TransferLeadership(context.TODO(), 0, targetID)
}
