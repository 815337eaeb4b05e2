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

package rendezvous

import (
	"fmt"

	"github.com/pingcap/trainflow/pkg/errors"
)

// Kind is the kind of a workload.
type Kind string

// Kinds of workloads the master sends.
const (
	RunStep                  Kind = "RUN_STEP"
	ComputeValidationMetrics Kind = "COMPUTE_VALIDATION_METRICS"
	CheckpointModel          Kind = "CHECKPOINT_MODEL"
	Terminate                Kind = "TERMINATE"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case RunStep, ComputeValidationMetrics, CheckpointModel, Terminate:
		return true
	}
	return false
}

// Workload is one unit of work handed out by the master.
type Workload struct {
	Kind                  Kind `json:"kind" toml:"kind"`
	ExperimentID          int  `json:"experiment_id" toml:"experiment-id"`
	TrialID               int  `json:"trial_id" toml:"trial-id"`
	StepID                int  `json:"step_id" toml:"step-id"`
	NumBatches            int  `json:"num_batches" toml:"num-batches"`
	TotalBatchesProcessed int  `json:"total_batches_processed" toml:"total-batches-processed"`
}

func (w *Workload) String() string {
	return fmt.Sprintf("%s(trial=%d, step=%d, batches=%d)", w.Kind, w.TrialID, w.StepID, w.NumBatches)
}

// Address is one published port of a container.
type Address struct {
	ContainerPort int    `json:"container_port"`
	ContainerIP   string `json:"container_ip"`
	HostPort      int    `json:"host_port"`
	HostIP        string `json:"host_ip"`
}

// Container lists the published ports of a container.
type Container struct {
	Addresses []Address `json:"addresses"`
}

// Info is the peer address table the master publishes once per job.
type Info struct {
	Addrs      []string    `json:"addrs"`
	Addrs2     []string    `json:"addrs2"`
	Rank       int         `json:"rank"`
	Containers []Container `json:"containers,omitempty"`
}

// bindLocal replaces the entries of rank with wildcard binds, a process
// listens on the container ports it was given.
func (i *Info) bindLocal(port1, port2 int) error {
	if i.Rank < 0 || i.Rank >= len(i.Addrs) || i.Rank >= len(i.Addrs2) {
		return errors.ErrRendezvousProtocol.GenWithStackByArgs(
			fmt.Sprintf("rank %d is out of the address table of %d/%d entries", i.Rank, len(i.Addrs), len(i.Addrs2)))
	}
	i.Addrs[i.Rank] = fmt.Sprintf("0.0.0.0:%d", port1)
	i.Addrs2[i.Rank] = fmt.Sprintf("0.0.0.0:%d", port2)
	return nil
}

const (
	typeRendezvousInfo = "RENDEZVOUS_INFO"
	typeRunWorkload    = "RUN_WORKLOAD"
)

// frame is any message the master writes on the trial socket.
type frame struct {
	Type string `json:"type"`
	Info
	Workload *Workload `json:"workload,omitempty"`
}
