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
	"fmt"

	"github.com/pingcap/trainflow/pkg/errors"
)

// ProcessRank is the position of a worker process among its peers. It is
// assigned by the master at launch and never changes.
type ProcessRank struct {
	Rank      int `toml:"rank" json:"rank"`
	Size      int `toml:"size" json:"size"`
	LocalRank int `toml:"local-rank" json:"local-rank"`
	LocalSize int `toml:"local-size" json:"local-size"`
	// CrossRank is the index of the node this process runs on.
	CrossRank int `toml:"cross-rank" json:"cross-rank"`
	// CrossSize is the number of nodes taking part in the job.
	CrossSize int `toml:"cross-size" json:"cross-size"`
}

// SingleProcess is the rank of a job made of one process.
var SingleProcess = ProcessRank{Size: 1, LocalSize: 1, CrossSize: 1}

// Validate checks that every index is inside its range.
func (r ProcessRank) Validate() error {
	check := func(name string, idx, size int) error {
		if size < 1 {
			return errors.ErrConfiguration.GenWithStackByArgs(
				fmt.Sprintf("%s size must be positive, got %d", name, size))
		}
		if idx < 0 || idx >= size {
			return errors.ErrConfiguration.GenWithStackByArgs(
				fmt.Sprintf("%s rank %d is out of range [0, %d)", name, idx, size))
		}
		return nil
	}
	if err := check("global", r.Rank, r.Size); err != nil {
		return err
	}
	if err := check("local", r.LocalRank, r.LocalSize); err != nil {
		return err
	}
	if err := check("cross", r.CrossRank, r.CrossSize); err != nil {
		return err
	}
	if r.LocalSize > r.Size || r.CrossSize > r.Size {
		return errors.ErrConfiguration.GenWithStackByArgs(
			fmt.Sprintf("local size %d and cross size %d must not exceed size %d",
				r.LocalSize, r.CrossSize, r.Size))
	}
	return nil
}

// IsChief reports whether this process is rank 0.
func (r ProcessRank) IsChief() bool {
	return r.Rank == 0
}

// IsLocalChief reports whether this process is the lowest rank on its node.
func (r ProcessRank) IsLocalChief() bool {
	return r.LocalRank == 0
}

// NodeLayout returns the ranks of size processes placed on nodes of
// localSize processes each, ranks being assigned node by node.
func NodeLayout(size, localSize int) ([]ProcessRank, error) {
	if localSize < 1 || size < 1 || size%localSize != 0 {
		return nil, errors.ErrConfiguration.GenWithStackByArgs(
			fmt.Sprintf("size %d is not a multiple of local size %d", size, localSize))
	}
	ranks := make([]ProcessRank, 0, size)
	for rank := 0; rank < size; rank++ {
		ranks = append(ranks, ProcessRank{
			Rank:      rank,
			Size:      size,
			LocalRank: rank % localSize,
			LocalSize: localSize,
			CrossRank: rank / localSize,
			CrossSize: size / localSize,
		})
	}
	return ranks, nil
}
