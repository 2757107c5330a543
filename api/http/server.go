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

// Package http serves a small plain-HTTP surface next to the gRPC API:
// raw key access for curl-level debugging, an engine stats endpoint,
// and raft membership changes.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/nokiaMS/dingo-store/internal/metakv"
)

// Server is the admin HTTP front end.
type Server struct {
	engine      *metakv.Engine
	confChangeC chan<- raftpb.ConfChange
	logger      *zap.Logger
	httpServer  *http.Server
}

// Config wires the admin server.
type Config struct {
	Engine *metakv.Engine

	// Address is the listen address, e.g. ":2378".
	Address string

	// ConfChangeC, when set, enables the member endpoints.
	ConfChangeC chan<- raftpb.ConfChange

	Logger *zap.Logger
}

// NewServer builds the admin server. Start begins serving.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		engine:      cfg.Engine,
		confChangeC: cfg.ConfChangeC,
		logger:      cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/kv/", s.handleKV)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/members/", s.handleMembers)

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown. It blocks, so callers run it in a
// goroutine.
func (s *Server) Start() error {
	s.logger.Info("serving admin http api", zap.String("address", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "key is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		kv, err := s.engine.Get([]byte(key))
		if errors.Is(err, metakv.ErrKeyNotFound) {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("X-Mod-Revision", strconv.FormatInt(kv.ModRevision.Main, 10))
		w.Write(kv.Value)

	case http.MethodPut:
		value, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		rev, _, err := s.engine.Put(r.Context(), []byte(key), value, metakv.PutOptions{})
		if err != nil {
			s.logger.Warn("admin put failed", zap.String("key", key), zap.Error(err))
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		w.Header().Set("X-Revision", strconv.FormatInt(rev, 10))
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		_, deleted, _, err := s.engine.DeleteRange(r.Context(), []byte(key), nil, false)
		if err != nil {
			s.logger.Warn("admin delete failed", zap.String("key", key), zap.Error(err))
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		if deleted == 0 {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.Header().Set("Allow", "GET, PUT, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.engine.Stats()); err != nil {
		s.logger.Warn("stats encode failed", zap.Error(err))
	}
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	if s.confChangeC == nil {
		http.Error(w, "membership changes are not wired", http.StatusServiceUnavailable)
		return
	}
	nodeID, err := strconv.ParseUint(strings.TrimPrefix(r.URL.Path, "/members/"), 0, 64)
	if err != nil {
		http.Error(w, "member id must be numeric", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPost:
		peerURL, err := io.ReadAll(r.Body)
		if err != nil || len(peerURL) == 0 {
			http.Error(w, "peer URL body is required", http.StatusBadRequest)
			return
		}
		s.confChangeC <- raftpb.ConfChange{
			Type:    raftpb.ConfChangeAddNode,
			NodeID:  nodeID,
			Context: peerURL,
		}
		// The conf change is proposed; raft applies it asynchronously.
		w.WriteHeader(http.StatusAccepted)

	case http.MethodDelete:
		s.confChangeC <- raftpb.ConfChange{
			Type:   raftpb.ConfChangeRemoveNode,
			NodeID: nodeID,
		}
		w.WriteHeader(http.StatusAccepted)

	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, metakv.ErrEmptyKey),
		errors.Is(err, metakv.ErrKeyTooLarge),
		errors.Is(err, metakv.ErrValueTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, metakv.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, metakv.ErrUnavailable), errors.Is(err, metakv.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
