// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package distributed

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	collectiveDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trainflow",
		Subsystem: "distributed",
		Name:      "collective_duration_seconds",
		Help:      "Bucketed histogram of the time a collective waits for all its participants",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 18),
	}, []string{"kind"})

	collectiveFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trainflow",
		Subsystem: "distributed",
		Name:      "collective_failures_total",
		Help:      "count of collectives that failed",
	}, []string{"kind"})

	hubConnectionCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trainflow",
		Subsystem: "distributed",
		Name:      "hub_connections",
		Help:      "number of peers connected to the collective hub",
	})
)

// InitMetrics registers all metrics in this file.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(collectiveDuration)
	registry.MustRegister(collectiveFailures)
	registry.MustRegister(hubConnectionCount)
}
