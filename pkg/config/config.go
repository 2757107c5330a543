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

// Package config loads the coordinator configuration from YAML with
// defaults, environment overrides and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig configures one coordinator replica.
type ServerConfig struct {
	ClusterID     uint64 `yaml:"cluster_id"`
	MemberID      uint64 `yaml:"member_id"`
	ListenAddress string `yaml:"listen_address"`

	GRPC        GRPCConfig        `yaml:"grpc"`
	Admin       AdminConfig       `yaml:"admin"`
	Engine      EngineConfig      `yaml:"engine"`
	Compaction  CompactionConfig  `yaml:"compaction"`
	Lease       LeaseConfig       `yaml:"lease"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Log         LogConfig         `yaml:"log"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Raft        RaftConfig        `yaml:"raft"`
	RocksDB     RocksDBConfig     `yaml:"rocksdb"`
}

// GRPCConfig tunes the client-facing gRPC server.
type GRPCConfig struct {
	MaxRecvMsgSize       int    `yaml:"max_recv_msg_size"`      // Default 4MB
	MaxSendMsgSize       int    `yaml:"max_send_msg_size"`      // Default 4MB
	MaxConcurrentStreams uint32 `yaml:"max_concurrent_streams"` // Default 2048

	EnableRateLimit bool    `yaml:"enable_rate_limit"` // Default false
	RateLimitQPS    float64 `yaml:"rate_limit_qps"`    // Default 10000
	RateLimitBurst  int     `yaml:"rate_limit_burst"`  // Default rate_limit_qps

	MaxInflightRequests int64 `yaml:"max_inflight_requests"` // Default 5000, negative disables
}

// AdminConfig configures the plain-HTTP debugging surface.
type AdminConfig struct {
	Enable        bool   `yaml:"enable"`         // Default false
	ListenAddress string `yaml:"listen_address"` // Default ":2378"
}

// EngineConfig bounds requests accepted by the KV engine.
type EngineConfig struct {
	MaxKeySize    int           `yaml:"max_key_size"`   // Default 4096
	MaxValueSize  int           `yaml:"max_value_size"` // Default 8192
	CommitTimeout time.Duration `yaml:"commit_timeout"` // Default 5s
}

// CompactionConfig drives the periodic revision compactor.
type CompactionConfig struct {
	Enable             bool          `yaml:"enable"`              // Default false
	RetentionRevisions int64         `yaml:"retention_revisions"` // Default 1000
	Period             time.Duration `yaml:"period"`              // Default 5m
}

// LeaseConfig drives lease expiry scanning.
type LeaseConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"` // Default 1s
}

// ReliabilityConfig tunes shutdown behavior.
type ReliabilityConfig struct {
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Default 30s
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level            string   `yaml:"level"`              // Default info
	Encoding         string   `yaml:"encoding"`           // Default json
	OutputPaths      []string `yaml:"output_paths"`       // Default ["stdout"]
	ErrorOutputPaths []string `yaml:"error_output_paths"` // Default ["stderr"]
}

// MonitoringConfig configures the Prometheus endpoint.
type MonitoringConfig struct {
	EnablePrometheus bool `yaml:"enable_prometheus"` // Default false
	PrometheusPort   int  `yaml:"prometheus_port"`   // Default 9090
}

// RaftConfig configures the replication layer.
type RaftConfig struct {
	NodeID  uint64   `yaml:"node_id"`
	Peers   []string `yaml:"peers"`
	Join    bool     `yaml:"join"`
	DataDir string   `yaml:"data_dir"` // Default "data"

	TickInterval  time.Duration `yaml:"tick_interval"`  // Default 100ms
	ElectionTick  int           `yaml:"election_tick"`  // Default 10
	HeartbeatTick int           `yaml:"heartbeat_tick"` // Default 1

	MaxSizePerMsg   uint64 `yaml:"max_size_per_msg"`  // Default 4MB
	MaxInflightMsgs int    `yaml:"max_inflight_msgs"` // Default 512
	SnapshotCount   uint64 `yaml:"snapshot_count"`    // Default 10000

	PreVote     bool `yaml:"pre_vote"`     // Default false
	CheckQuorum bool `yaml:"check_quorum"` // Default false
}

// RocksDBConfig tunes the meta mirror store.
type RocksDBConfig struct {
	BlockCacheSize       uint64 `yaml:"block_cache_size"`        // Default 256MB
	WriteBufferSize      uint64 `yaml:"write_buffer_size"`       // Default 64MB
	MaxWriteBufferNumber int    `yaml:"max_write_buffer_number"` // Default 3
	MaxBackgroundJobs    int    `yaml:"max_background_jobs"`     // Default 4
	MaxOpenFiles         int    `yaml:"max_open_files"`          // Default 10000
	UseFsync             bool   `yaml:"use_fsync"`               // Default false
}

// DefaultConfig returns production defaults for the given identity.
func DefaultConfig(clusterID, memberID uint64, listenAddress string) *Config {
	cfg := &Config{
		Server: ServerConfig{
			ClusterID:     clusterID,
			MemberID:      memberID,
			ListenAddress: listenAddress,
		},
	}
	cfg.SetDefaults()
	return cfg
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	cfg.OverrideFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadConfigOrDefault loads path when it exists, otherwise returns the
// defaults. A present but broken file is still an error.
func LoadConfigOrDefault(path string, clusterID, memberID uint64, listenAddress string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return LoadConfig(path)
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg := DefaultConfig(clusterID, memberID, listenAddress)
	cfg.OverrideFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SetDefaults fills zero fields with recommended values.
func (c *Config) SetDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":2379"
	}

	if c.Server.GRPC.MaxRecvMsgSize == 0 {
		c.Server.GRPC.MaxRecvMsgSize = 4 * 1024 * 1024
	}
	if c.Server.GRPC.MaxSendMsgSize == 0 {
		c.Server.GRPC.MaxSendMsgSize = 4 * 1024 * 1024
	}
	if c.Server.GRPC.MaxConcurrentStreams == 0 {
		c.Server.GRPC.MaxConcurrentStreams = 2048
	}
	if c.Server.GRPC.RateLimitQPS == 0 {
		c.Server.GRPC.RateLimitQPS = 10000
	}
	if c.Server.GRPC.RateLimitBurst == 0 {
		c.Server.GRPC.RateLimitBurst = int(c.Server.GRPC.RateLimitQPS)
	}
	if c.Server.GRPC.MaxInflightRequests == 0 {
		c.Server.GRPC.MaxInflightRequests = 5000
	}

	if c.Server.Admin.ListenAddress == "" {
		c.Server.Admin.ListenAddress = ":2378"
	}

	if c.Server.Engine.MaxKeySize == 0 {
		c.Server.Engine.MaxKeySize = 4096
	}
	if c.Server.Engine.MaxValueSize == 0 {
		c.Server.Engine.MaxValueSize = 8192
	}
	if c.Server.Engine.CommitTimeout == 0 {
		c.Server.Engine.CommitTimeout = 5 * time.Second
	}

	if c.Server.Compaction.RetentionRevisions == 0 {
		c.Server.Compaction.RetentionRevisions = 1000
	}
	if c.Server.Compaction.Period == 0 {
		c.Server.Compaction.Period = 5 * time.Minute
	}

	if c.Server.Lease.CheckInterval == 0 {
		c.Server.Lease.CheckInterval = time.Second
	}

	if c.Server.Reliability.ShutdownTimeout == 0 {
		c.Server.Reliability.ShutdownTimeout = 30 * time.Second
	}

	if c.Server.Log.Level == "" {
		c.Server.Log.Level = "info"
	}
	if c.Server.Log.Encoding == "" {
		c.Server.Log.Encoding = "json"
	}
	if len(c.Server.Log.OutputPaths) == 0 {
		c.Server.Log.OutputPaths = []string{"stdout"}
	}
	if len(c.Server.Log.ErrorOutputPaths) == 0 {
		c.Server.Log.ErrorOutputPaths = []string{"stderr"}
	}

	if c.Server.Monitoring.PrometheusPort == 0 {
		c.Server.Monitoring.PrometheusPort = 9090
	}

	if c.Server.Raft.DataDir == "" {
		c.Server.Raft.DataDir = "data"
	}
	if c.Server.Raft.TickInterval == 0 {
		c.Server.Raft.TickInterval = 100 * time.Millisecond
	}
	if c.Server.Raft.ElectionTick == 0 {
		c.Server.Raft.ElectionTick = 10
	}
	if c.Server.Raft.HeartbeatTick == 0 {
		c.Server.Raft.HeartbeatTick = 1
	}
	if c.Server.Raft.MaxSizePerMsg == 0 {
		c.Server.Raft.MaxSizePerMsg = 4 * 1024 * 1024
	}
	if c.Server.Raft.MaxInflightMsgs == 0 {
		c.Server.Raft.MaxInflightMsgs = 512
	}
	if c.Server.Raft.SnapshotCount == 0 {
		c.Server.Raft.SnapshotCount = 10000
	}

	if c.Server.RocksDB.BlockCacheSize == 0 {
		c.Server.RocksDB.BlockCacheSize = 256 * 1024 * 1024
	}
	if c.Server.RocksDB.WriteBufferSize == 0 {
		c.Server.RocksDB.WriteBufferSize = 64 * 1024 * 1024
	}
	if c.Server.RocksDB.MaxWriteBufferNumber == 0 {
		c.Server.RocksDB.MaxWriteBufferNumber = 3
	}
	if c.Server.RocksDB.MaxBackgroundJobs == 0 {
		c.Server.RocksDB.MaxBackgroundJobs = 4
	}
	if c.Server.RocksDB.MaxOpenFiles == 0 {
		c.Server.RocksDB.MaxOpenFiles = 10000
	}
}

// OverrideFromEnv applies DINGO_ environment overrides on top of the
// file values.
func (c *Config) OverrideFromEnv() {
	if v := os.Getenv("DINGO_CLUSTER_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Server.ClusterID = id
		}
	}
	if v := os.Getenv("DINGO_MEMBER_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Server.MemberID = id
		}
	}
	if v := os.Getenv("DINGO_LISTEN_ADDRESS"); v != "" {
		c.Server.ListenAddress = v
	}
	if v := os.Getenv("DINGO_RAFT_NODE_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			c.Server.Raft.NodeID = id
		}
	}
	if v := os.Getenv("DINGO_RAFT_PEERS"); v != "" {
		c.Server.Raft.Peers = strings.Split(v, ",")
	}
	if v := os.Getenv("DINGO_RAFT_DATA_DIR"); v != "" {
		c.Server.Raft.DataDir = v
	}
	if v := os.Getenv("DINGO_LOG_LEVEL"); v != "" {
		c.Server.Log.Level = v
	}
	if v := os.Getenv("DINGO_LOG_ENCODING"); v != "" {
		c.Server.Log.Encoding = v
	}
}

// Validate rejects inconsistent configurations.
func (c *Config) Validate() error {
	if c.Server.ClusterID == 0 {
		return fmt.Errorf("cluster_id is required and must be non-zero")
	}
	if c.Server.MemberID == 0 {
		return fmt.Errorf("member_id is required and must be non-zero")
	}
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("listen_address is required")
	}

	if c.Server.GRPC.MaxRecvMsgSize < 0 {
		return fmt.Errorf("grpc.max_recv_msg_size must be >= 0")
	}
	if c.Server.GRPC.MaxSendMsgSize < 0 {
		return fmt.Errorf("grpc.max_send_msg_size must be >= 0")
	}
	if c.Server.GRPC.EnableRateLimit && c.Server.GRPC.RateLimitQPS <= 0 {
		return fmt.Errorf("grpc.rate_limit_qps must be > 0 when rate limiting is enabled")
	}

	if c.Server.Engine.MaxKeySize <= 0 {
		return fmt.Errorf("engine.max_key_size must be > 0")
	}
	if c.Server.Engine.MaxValueSize <= 0 {
		return fmt.Errorf("engine.max_value_size must be > 0")
	}
	if c.Server.Engine.CommitTimeout <= 0 {
		return fmt.Errorf("engine.commit_timeout must be > 0")
	}

	if c.Server.Compaction.Enable {
		if c.Server.Compaction.RetentionRevisions <= 0 {
			return fmt.Errorf("compaction.retention_revisions must be > 0")
		}
		if c.Server.Compaction.Period <= 0 {
			return fmt.Errorf("compaction.period must be > 0")
		}
	}

	if c.Server.Lease.CheckInterval <= 0 {
		return fmt.Errorf("lease.check_interval must be > 0")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true,
		"error": true, "dpanic": true, "panic": true, "fatal": true,
	}
	if !validLogLevels[c.Server.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error, dpanic, panic, fatal")
	}
	if c.Server.Log.Encoding != "json" && c.Server.Log.Encoding != "console" {
		return fmt.Errorf("log.encoding must be either 'json' or 'console'")
	}

	if c.Server.Raft.TickInterval <= 0 {
		return fmt.Errorf("raft.tick_interval must be > 0")
	}
	if c.Server.Raft.ElectionTick <= 0 {
		return fmt.Errorf("raft.election_tick must be > 0")
	}
	if c.Server.Raft.HeartbeatTick <= 0 {
		return fmt.Errorf("raft.heartbeat_tick must be > 0")
	}
	if c.Server.Raft.ElectionTick <= c.Server.Raft.HeartbeatTick {
		return fmt.Errorf("raft.election_tick must be > raft.heartbeat_tick")
	}
	if c.Server.Raft.MaxInflightMsgs <= 0 {
		return fmt.Errorf("raft.max_inflight_msgs must be > 0")
	}

	return nil
}
