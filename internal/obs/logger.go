// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package obs wires the process-wide structured logger and metrics registry
// that every subsystem accepts through its constructor instead of reaching
// for a package-level global.
package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// New builds a production zap.Logger. Callers own the returned logger's
// lifetime and should defer Sync() at shutdown.
func New() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.Logger { return zap.NewNop() }

// Metrics is the set of process-wide gauges/counters the core exposes.
// No HTTP handler is mounted here; an external collaborator scrapes
// Registry.
type Metrics struct {
	Registry *prometheus.Registry

	SideLogSize       *prometheus.GaugeVec // labels: table, partition
	SideLogReaderLag  *prometheus.GaugeVec // labels: table, partition, reader
	AttrLRUHits       prometheus.Counter
	AttrLRUMisses     prometheus.Counter
	PartitionTaskLagS *prometheus.GaugeVec // labels: partition
}

var (
	once       sync.Once
	defaultM   *Metrics
)

// NewMetrics constructs a fresh, independently registered Metrics set.
// Tests should prefer this over the package-level Default() singleton.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		SideLogSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "openset",
			Name:      "sidelog_size",
			Help:      "Number of live entries in a partition's side log.",
		}, []string{"table", "partition"}),
		SideLogReaderLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "openset",
			Name:      "sidelog_reader_lag",
			Help:      "Entries a reader cursor is behind the log head.",
		}, []string{"table", "partition", "reader"}),
		AttrLRUHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "openset",
			Name:      "attr_lru_hits_total",
			Help:      "AttributeStore live-bitmap LRU hits.",
		}),
		AttrLRUMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "openset",
			Name:      "attr_lru_misses_total",
			Help:      "AttributeStore live-bitmap LRU misses (mount from AttrRecord).",
		}),
		PartitionTaskLagS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "openset",
			Name:      "partition_task_lag_seconds",
			Help:      "Seconds a partition's task loop is behind its next-due cell.",
		}, []string{"partition"}),
	}
	reg.MustRegister(m.SideLogSize, m.SideLogReaderLag, m.AttrLRUHits, m.AttrLRUMisses, m.PartitionTaskLagS)
	return m
}

// Default returns a process-wide Metrics set, built once.
func Default() *Metrics {
	once.Do(func() { defaultM = NewMetrics() })
	return defaultM
}
