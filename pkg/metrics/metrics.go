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

// Package metrics exposes the coordinator's Prometheus instrumentation:
// RPC latency histograms via gRPC interceptors and an engine collector
// sampling revision, key, lease and watch counts.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dingo"

// Metrics holds the RPC-side instruments.
type Metrics struct {
	GrpcRequestDuration *prometheus.HistogramVec
	GrpcRequestTotal    *prometheus.CounterVec
	GrpcRequestInFlight *prometheus.GaugeVec
}

// New creates the instruments on registry.
func New(registry *prometheus.Registry) *Metrics {
	return &Metrics{
		GrpcRequestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "request_duration_seconds",
				Help:      "Histogram of gRPC request latencies.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "code"},
		),
		GrpcRequestTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "request_total",
				Help:      "Total number of gRPC requests.",
			},
			[]string{"method", "code"},
		),
		GrpcRequestInFlight: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "request_in_flight",
				Help:      "Current number of in-flight gRPC requests.",
			},
			[]string{"method"},
		),
	}
}

// RecordGrpcRequest observes one finished RPC.
func (m *Metrics) RecordGrpcRequest(method, code string, duration time.Duration) {
	m.GrpcRequestDuration.WithLabelValues(method, code).Observe(duration.Seconds())
	m.GrpcRequestTotal.WithLabelValues(method, code).Inc()
}

var (
	defaultOnce     sync.Once
	defaultRegistry *prometheus.Registry
	defaultMetrics  *Metrics
)

func initDefault() {
	defaultOnce.Do(func() {
		defaultRegistry = prometheus.NewRegistry()
		defaultRegistry.MustRegister(collectors.NewGoCollector())
		defaultRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		defaultMetrics = New(defaultRegistry)
	})
}

// Default returns the process-wide instruments.
func Default() *Metrics {
	initDefault()
	return defaultMetrics
}

// Registry returns the process-wide registry, for the HTTP endpoint and
// extra collectors.
func Registry() *prometheus.Registry {
	initDefault()
	return defaultRegistry
}
