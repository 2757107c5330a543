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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nokiaMS/dingo-store/internal/metakv"
)

// StatsSource samples the engine for the collector. Satisfied by
// *metakv.Engine.
type StatsSource interface {
	Stats() metakv.StatsSnapshot
}

// EngineCollector exports engine state as gauges and the per-kind apply
// counters. Sampling happens on scrape, so an idle engine costs nothing.
type EngineCollector struct {
	source StatsSource

	currentRevision *prometheus.Desc
	compactRevision *prometheus.Desc
	keys            *prometheus.Desc
	revisions       *prometheus.Desc
	leases          *prometheus.Desc
	watches         *prometheus.Desc
	appliedTotal    *prometheus.Desc
}

// NewEngineCollector builds a collector sampling source on every scrape.
func NewEngineCollector(source StatsSource) *EngineCollector {
	return &EngineCollector{
		source: source,
		currentRevision: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "engine", "current_revision"),
			"Latest applied main revision.", nil, nil),
		compactRevision: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "engine", "compact_revision"),
			"Compaction floor revision.", nil, nil),
		keys: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "engine", "keys"),
			"Number of tracked keys, tombstoned generations included.", nil, nil),
		revisions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "engine", "revisions"),
			"Number of retained revision records.", nil, nil),
		leases: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "engine", "leases"),
			"Number of active leases.", nil, nil),
		watches: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "engine", "watches"),
			"Number of registered watch subscriptions.", nil, nil),
		appliedTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "engine", "applied_commands_total"),
			"Commands applied from the replicated log, by kind.",
			[]string{"kind"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.currentRevision
	ch <- c.compactRevision
	ch <- c.keys
	ch <- c.revisions
	ch <- c.leases
	ch <- c.watches
	ch <- c.appliedTotal
}

// Collect implements prometheus.Collector.
func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.Stats()

	ch <- prometheus.MustNewConstMetric(c.currentRevision, prometheus.GaugeValue, float64(snap.CurrentRevision))
	ch <- prometheus.MustNewConstMetric(c.compactRevision, prometheus.GaugeValue, float64(snap.CompactRevision))
	ch <- prometheus.MustNewConstMetric(c.keys, prometheus.GaugeValue, float64(snap.Keys))
	ch <- prometheus.MustNewConstMetric(c.revisions, prometheus.GaugeValue, float64(snap.Revisions))
	ch <- prometheus.MustNewConstMetric(c.leases, prometheus.GaugeValue, float64(snap.Leases))
	ch <- prometheus.MustNewConstMetric(c.watches, prometheus.GaugeValue, float64(snap.Watches))

	ch <- prometheus.MustNewConstMetric(c.appliedTotal, prometheus.CounterValue, float64(snap.AppliedPuts), "put")
	ch <- prometheus.MustNewConstMetric(c.appliedTotal, prometheus.CounterValue, float64(snap.AppliedDeletes), "delete")
	ch <- prometheus.MustNewConstMetric(c.appliedTotal, prometheus.CounterValue, float64(snap.AppliedCompactions), "compact")
	ch <- prometheus.MustNewConstMetric(c.appliedTotal, prometheus.CounterValue, float64(snap.AppliedLeaseGrants), "lease_grant")
	ch <- prometheus.MustNewConstMetric(c.appliedTotal, prometheus.CounterValue, float64(snap.AppliedLeaseRevokes), "lease_revoke")
	ch <- prometheus.MustNewConstMetric(c.appliedTotal, prometheus.CounterValue, float64(snap.AppliedLeaseRenews), "lease_renew")
}

// RegisterEngineCollector attaches an engine collector to the
// process-wide registry.
func RegisterEngineCollector(source StatsSource) {
	Registry().MustRegister(NewEngineCollector(source))
}
