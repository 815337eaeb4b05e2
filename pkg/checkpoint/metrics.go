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

package checkpoint

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	transferBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trainflow",
		Subsystem: "checkpoint",
		Name:      "transfer_bytes_total",
		Help:      "bytes moved between the worker and checkpoint storage",
	}, []string{"direction"})

	operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trainflow",
		Subsystem: "checkpoint",
		Name:      "operations_total",
		Help:      "count of checkpoint operations by result",
	}, []string{"op", "result"})
)

// InitMetrics registers all metrics in this file.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(transferBytes)
	registry.MustRegister(operationCounter)
}

func observe(op string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	operationCounter.WithLabelValues(op, result).Inc()
}
