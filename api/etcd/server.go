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

// Package etcd exposes the engine over the etcd v3 gRPC surface so
// stock etcd clients can speak to a coordinator replica.
package etcd

import (
	"context"
	"fmt"
	"net"
	"time"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nokiaMS/dingo-store/internal/metakv"
	"github.com/nokiaMS/dingo-store/internal/raftnode"
	"github.com/nokiaMS/dingo-store/pkg/metrics"
	"github.com/nokiaMS/dingo-store/pkg/reliability"
)

// ServerConfig wires a gRPC front end over an engine and its raft node.
type ServerConfig struct {
	Engine *metakv.Engine
	Node   *raftnode.Node

	// Address is the client listen address. Defaults to ":2379".
	Address string

	// ClusterID and MemberID fill response headers. Default to 1.
	ClusterID uint64
	MemberID  uint64

	// Peers seeds the membership view served by the Cluster service.
	Peers []string

	// ConfChange, when set, lets the Cluster service propose raft
	// membership changes.
	ConfChange chan<- raftpb.ConfChange

	// EnableRateLimit turns on the shared token bucket.
	EnableRateLimit bool
	RateLimitQPS    float64
	RateLimitBurst  int

	// MaxInflightRequests caps concurrent unary RPCs. 0 disables the cap.
	MaxInflightRequests int64

	// ShutdownTimeout bounds each shutdown phase. Defaults to 30s.
	ShutdownTimeout time.Duration

	Logger *zap.Logger
}

func (c *ServerConfig) withDefaults() {
	if c.Address == "" {
		c.Address = ":2379"
	}
	if c.ClusterID == 0 {
		c.ClusterID = 1
	}
	if c.MemberID == 0 {
		c.MemberID = 1
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.RateLimitQPS <= 0 {
		c.RateLimitQPS = 10000
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = int(c.RateLimitQPS)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Server hosts the KV, Lease, Watch and Maintenance services.
type Server struct {
	cfg      ServerConfig
	engine   *metakv.Engine
	node     *raftnode.Node
	logger   *zap.Logger
	grpcSrv  *grpc.Server
	listener net.Listener
	health   *health.Server
	alarms   *alarmSet
	shutdown *reliability.GracefulShutdown
}

// NewServer builds the server and binds its listener. Start must be
// called to begin serving.
func NewServer(cfg ServerConfig) (*Server, error) {
	cfg.withDefaults()
	if cfg.Engine == nil {
		return nil, fmt.Errorf("etcd api: engine is required")
	}

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("etcd api: listen %s: %w", cfg.Address, err)
	}

	var limiter *rate.Limiter
	if cfg.EnableRateLimit {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitQPS), cfg.RateLimitBurst)
	}

	s := &Server{
		cfg:      cfg,
		engine:   cfg.Engine,
		node:     cfg.Node,
		logger:   cfg.Logger,
		listener: ln,
		health:   health.NewServer(),
		alarms:   newAlarmSet(),
		shutdown: reliability.NewGracefulShutdown(cfg.ShutdownTimeout, cfg.Logger),
	}

	s.grpcSrv = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			panicUnaryInterceptor(cfg.Logger),
			inflightUnaryInterceptor(reliability.NewRequestLimiter(cfg.MaxInflightRequests)),
			rateLimitUnaryInterceptor(limiter),
			metrics.UnaryServerInterceptor(),
		),
		grpc.ChainStreamInterceptor(
			panicStreamInterceptor(cfg.Logger),
			metrics.StreamServerInterceptor(),
		),
	)

	pb.RegisterKVServer(s.grpcSrv, &KVServer{server: s})
	pb.RegisterLeaseServer(s.grpcSrv, &LeaseServer{server: s})
	pb.RegisterWatchServer(s.grpcSrv, &WatchServer{server: s})
	pb.RegisterMaintenanceServer(s.grpcSrv, &MaintenanceServer{server: s})
	pb.RegisterClusterServer(s.grpcSrv, &ClusterServer{server: s, members: newMemberSet(cfg.Peers)})
	healthpb.RegisterHealthServer(s.grpcSrv, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	s.shutdown.RegisterHook(reliability.PhaseStopAccepting, func(ctx context.Context) error {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		return nil
	})
	s.shutdown.RegisterHook(reliability.PhaseDrainConnections, func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			s.grpcSrv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			s.grpcSrv.Stop()
			return ctx.Err()
		}
	})

	return s, nil
}

// Start serves until Stop. It blocks, so callers run it in a goroutine.
func (s *Server) Start() error {
	s.logger.Info("serving etcd api", zap.String("address", s.listener.Addr().String()))
	if err := s.grpcSrv.Serve(s.listener); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("etcd api: serve: %w", err)
	}
	return nil
}

// RegisterShutdownHook lets the process add teardown work, such as
// closing the engine, into the server's shutdown sequence.
func (s *Server) RegisterShutdownHook(phase reliability.ShutdownPhase, hook reliability.ShutdownHook) {
	s.shutdown.RegisterHook(phase, hook)
}

// WaitForShutdown blocks until a termination signal arrives and the
// shutdown phases finish.
func (s *Server) WaitForShutdown() {
	s.shutdown.Wait()
}

// Stop runs the shutdown phases immediately.
func (s *Server) Stop() {
	s.shutdown.Shutdown()
}

// Address returns the bound listen address.
func (s *Server) Address() string {
	return s.listener.Addr().String()
}

func (s *Server) getResponseHeader() *pb.ResponseHeader {
	h := &pb.ResponseHeader{
		ClusterId: s.cfg.ClusterID,
		MemberId:  s.cfg.MemberID,
		Revision:  s.engine.CurrentRevision(),
	}
	if s.node != nil {
		h.RaftTerm = s.node.Status().Term
	}
	return h
}
