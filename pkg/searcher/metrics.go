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

package searcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trainflow",
		Subsystem: "searcher",
		Name:      "operations_total",
		Help:      "count of searcher operations by event",
	}, []string{"event"})

	progressGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trainflow",
		Subsystem: "searcher",
		Name:      "progress",
		Help:      "last training progress reported to the master",
	})
)

// InitMetrics registers all metrics in this file.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(operationCounter)
	registry.MustRegister(progressGauge)
}
