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

// Command dingo-coordinator runs one replica of the coordinator KV
// store: the raft replication layer, the versioned KV engine, and the
// etcd-compatible gRPC front end.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/nokiaMS/dingo-store/api/etcd"
	adminhttp "github.com/nokiaMS/dingo-store/api/http"
	"github.com/nokiaMS/dingo-store/internal/meta"
	"github.com/nokiaMS/dingo-store/internal/metakv"
	"github.com/nokiaMS/dingo-store/internal/raftnode"
	"github.com/nokiaMS/dingo-store/pkg/config"
	"github.com/nokiaMS/dingo-store/pkg/log"
	"github.com/nokiaMS/dingo-store/pkg/metrics"
	"github.com/nokiaMS/dingo-store/pkg/reliability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = pflag.String("config", "", "path to YAML config file")
		cluster    = pflag.String("cluster", "http://127.0.0.1:9021", "comma separated raft peer URLs")
		clusterID  = pflag.Uint64("cluster-id", 1, "cluster ID")
		memberID   = pflag.Uint64("member-id", 1, "member ID, doubles as the raft node ID")
		listenAddr = pflag.String("listen-address", "", "client gRPC listen address")
		join       = pflag.Bool("join", false, "join an existing cluster")
		storage    = pflag.String("storage", "rocksdb", "meta mirror backend: rocksdb or memory")
		dataDir    = pflag.String("data-dir", "", "data directory for raft log, snapshots and meta mirror")
	)
	pflag.Parse()

	cfg, err := config.LoadConfigOrDefault(*configPath, *clusterID, *memberID, *listenAddr)
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddress = *listenAddr
	}
	if *dataDir != "" {
		cfg.Server.Raft.DataDir = *dataDir
	}
	if cfg.Server.Raft.NodeID == 0 {
		cfg.Server.Raft.NodeID = cfg.Server.MemberID
	}
	if len(cfg.Server.Raft.Peers) == 0 {
		cfg.Server.Raft.Peers = strings.Split(*cluster, ",")
	}
	if *join {
		cfg.Server.Raft.Join = true
	}

	if err := log.Init(&log.Config{
		Level:            cfg.Server.Log.Level,
		Encoding:         cfg.Server.Log.Encoding,
		OutputPaths:      cfg.Server.Log.OutputPaths,
		ErrorOutputPaths: cfg.Server.Log.ErrorOutputPaths,
	}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger := log.L()
	defer log.Sync()

	logger.Info("starting coordinator",
		zap.Uint64("cluster_id", cfg.Server.ClusterID),
		zap.Uint64("member_id", cfg.Server.MemberID),
		log.NodeID(cfg.Server.Raft.NodeID),
		zap.Strings("peers", cfg.Server.Raft.Peers),
		zap.String("storage", *storage))

	baseDir := filepath.Join(cfg.Server.Raft.DataDir, fmt.Sprintf("node-%d", cfg.Server.Raft.NodeID))

	var writer meta.Writer
	switch *storage {
	case "rocksdb":
		rocks, err := meta.OpenRocks(filepath.Join(baseDir, "meta"))
		if err != nil {
			return fmt.Errorf("open meta mirror: %w", err)
		}
		defer rocks.Close()
		writer = rocks
	case "memory":
		writer = meta.NewMemoryWriter()
	default:
		return fmt.Errorf("unknown storage backend %q", *storage)
	}

	db, err := raftnode.OpenDB(filepath.Join(baseDir, "raft"))
	if err != nil {
		return fmt.Errorf("open raft storage: %w", err)
	}
	defer db.Close()

	proposeC := make(chan string)
	confChangeC := make(chan raftpb.ConfChange)

	var engine *metakv.Engine
	getSnapshot := func() ([]byte, error) {
		if engine == nil {
			return nil, errors.New("engine not ready")
		}
		return engine.GetSnapshot()
	}

	commitC, errorC, snapshotterReady, node := raftnode.NewNode(raftnode.Config{
		ID:              int(cfg.Server.Raft.NodeID),
		Peers:           cfg.Server.Raft.Peers,
		Join:            cfg.Server.Raft.Join,
		DataDir:         baseDir,
		TickInterval:    cfg.Server.Raft.TickInterval,
		ElectionTick:    cfg.Server.Raft.ElectionTick,
		HeartbeatTick:   cfg.Server.Raft.HeartbeatTick,
		SnapshotCount:   cfg.Server.Raft.SnapshotCount,
		MaxSizePerMsg:   cfg.Server.Raft.MaxSizePerMsg,
		MaxInflightMsgs: cfg.Server.Raft.MaxInflightMsgs,
		PreVote:         cfg.Server.Raft.PreVote,
		CheckQuorum:     cfg.Server.Raft.CheckQuorum,
		Logger:          logger.Named("raft"),
	}, getSnapshot, proposeC, confChangeC, db)

	engine, err = metakv.NewEngine(metakv.Config{
		MaxKeySize:    cfg.Server.Engine.MaxKeySize,
		MaxValueSize:  cfg.Server.Engine.MaxValueSize,
		CommitTimeout: cfg.Server.Engine.CommitTimeout,
		Logger:        logger.Named("engine"),
	}, writer, proposeC)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	reliability.SafeGo("apply-loop", logger, func() {
		engine.ReadCommits(commitC, errorC, <-snapshotterReady)
	})

	compactor := metakv.NewCompactor(engine, metakv.CompactorConfig{
		Enable:             cfg.Server.Compaction.Enable,
		RetentionRevisions: cfg.Server.Compaction.RetentionRevisions,
		Period:             cfg.Server.Compaction.Period,
	}, node.IsLeader, logger.Named("compactor"))
	reliability.SafeGo("compactor", logger, compactor.Run)

	expirer := metakv.NewLeaseExpirer(engine, cfg.Server.Lease.CheckInterval, node.IsLeader, logger.Named("lease-expirer"))
	reliability.SafeGo("lease-expirer", logger, expirer.Run)

	var metricsSrv *metrics.Server
	if cfg.Server.Monitoring.EnablePrometheus {
		metrics.RegisterEngineCollector(engine)
		metricsSrv = metrics.Serve(
			fmt.Sprintf(":%d", cfg.Server.Monitoring.PrometheusPort),
			metrics.Registry(),
			logger.Named("metrics"))
	}

	var adminSrv *adminhttp.Server
	if cfg.Server.Admin.Enable {
		adminSrv = adminhttp.NewServer(adminhttp.Config{
			Engine:      engine,
			Address:     cfg.Server.Admin.ListenAddress,
			ConfChangeC: confChangeC,
			Logger:      logger.Named("admin"),
		})
		reliability.SafeGo("admin-http", logger, func() {
			if err := adminSrv.Start(); err != nil {
				logger.Error("admin http server failed", zap.Error(err))
			}
		})
	}

	srv, err := etcd.NewServer(etcd.ServerConfig{
		Engine:              engine,
		Node:                node,
		Address:             cfg.Server.ListenAddress,
		ClusterID:           cfg.Server.ClusterID,
		MemberID:            cfg.Server.MemberID,
		Peers:               cfg.Server.Raft.Peers,
		ConfChange:          confChangeC,
		EnableRateLimit:     cfg.Server.GRPC.EnableRateLimit,
		RateLimitQPS:        cfg.Server.GRPC.RateLimitQPS,
		RateLimitBurst:      cfg.Server.GRPC.RateLimitBurst,
		MaxInflightRequests: cfg.Server.GRPC.MaxInflightRequests,
		ShutdownTimeout:     cfg.Server.Reliability.ShutdownTimeout,
		Logger:              logger.Named("api"),
	})
	if err != nil {
		return err
	}

	srv.RegisterShutdownHook(reliability.PhaseStopAccepting, func(ctx context.Context) error {
		if adminSrv != nil {
			return adminSrv.Shutdown(ctx)
		}
		return nil
	})
	srv.RegisterShutdownHook(reliability.PhasePersistState, func(ctx context.Context) error {
		compactor.Stop()
		expirer.Stop()
		engine.Close()
		return nil
	})
	srv.RegisterShutdownHook(reliability.PhaseCloseResources, func(ctx context.Context) error {
		close(proposeC)
		close(confChangeC)
		if metricsSrv != nil {
			return metricsSrv.Shutdown(ctx)
		}
		return nil
	})

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("api server failed", zap.Error(err))
		}
	}()

	srv.WaitForShutdown()
	return nil
}
