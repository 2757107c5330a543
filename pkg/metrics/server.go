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

package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes the registry over HTTP for Prometheus scraping, plus a
// plain-text /health endpoint.
type Server struct {
	srv      *http.Server
	registry *prometheus.Registry
	logger   *zap.Logger
}

// NewServer builds the HTTP server on addr. Pass Registry() to export
// the process-wide instruments.
func NewServer(addr string, registry *prometheus.Registry, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		MaxRequestsInFlight: 10,
		Timeout:             30 * time.Second,
		ErrorHandling:       promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK\n"))
	})

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		registry: registry,
		logger:   logger,
	}
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	s.logger.Info("starting metrics server", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("metrics server failed", zap.Error(err))
		return err
	}
	return nil
}

// Shutdown drains in-flight scrapes within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error("metrics server shutdown failed", zap.Error(err))
		return err
	}
	s.logger.Info("metrics server stopped")
	return nil
}

// Serve starts a server on addr in the background and returns it.
func Serve(addr string, registry *prometheus.Registry, logger *zap.Logger) *Server {
	s := NewServer(addr, registry, logger)
	go func() {
		if err := s.Start(); err != nil {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return s
}
