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

package master

import (
	"bytes"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/pingcap/trainflow/pkg/errors"
)

// Int64 is an integer that grpc-gateway may encode as a JSON string. It
// decodes from both forms and always encodes as a number.
type Int64 int64

// UnmarshalJSON implements json.Unmarshaler.
func (i *Int64) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*i = 0
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return errors.WrapError(errors.ErrDecodeFailed, err, "int64 value")
	}
	*i = Int64(v)
	return nil
}

// OpLength is the target length of a searcher operation.
type OpLength struct {
	Unit   string `json:"unit,omitempty"`
	Length Int64  `json:"length"`
}

// UnmarshalJSON accepts both `{"unit":..,"length":..}` and a bare length.
func (l *OpLength) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '{' {
		l.Unit = ""
		return l.Length.UnmarshalJSON(trimmed)
	}
	type plain OpLength
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return errors.WrapError(errors.ErrDecodeFailed, err, "searcher operation length")
	}
	*l = OpLength(p)
	return nil
}

// ValidateAfter is the legacy wrapper of an operation length.
type ValidateAfter struct {
	Length OpLength `json:"length"`
}

// SearcherOperation is a unit of work assigned by the master. Newer
// masters send the length directly, older ones wrap it in validateAfter.
type SearcherOperation struct {
	Length        *OpLength      `json:"length,omitempty"`
	ValidateAfter *ValidateAfter `json:"validateAfter,omitempty"`
}

// TargetLength returns the length of the operation, preferring the direct
// form. ok is false when the master sent neither.
func (o *SearcherOperation) TargetLength() (l OpLength, ok bool) {
	switch {
	case o == nil:
		return l, false
	case o.Length != nil:
		return *o.Length, true
	case o.ValidateAfter != nil:
		return o.ValidateAfter.Length, true
	}
	return l, false
}

// SearcherOperationResponse answers the current searcher operation of a trial.
type SearcherOperationResponse struct {
	Completed bool               `json:"completed"`
	Op        *SearcherOperation `json:"op,omitempty"`
}

// CompletedOperation is sent once a searcher operation is done.
type CompletedOperation struct {
	Op struct {
		Length OpLength `json:"length"`
	} `json:"op"`
	SearcherMetric float64 `json:"searcherMetric"`
}

// NewCompletedOperation builds the completion of an operation.
func NewCompletedOperation(unit string, length int64, metric float64) *CompletedOperation {
	c := &CompletedOperation{SearcherMetric: metric}
	c.Op.Length = OpLength{Unit: unit, Length: Int64(length)}
	return c
}

// CheckpointState is the state of a reported checkpoint.
type CheckpointState string

// StateCompleted is the state of a fully uploaded checkpoint.
const StateCompleted CheckpointState = "STATE_COMPLETED"

// CheckpointReport announces an uploaded checkpoint to the master.
type CheckpointReport struct {
	UUID         string `json:"uuid"`
	AllocationID string `json:"allocationId,omitempty"`
	TaskID       string `json:"taskId,omitempty"`
	TrialID      int    `json:"trialId,omitempty"`
	TrialRunID   int    `json:"trialRunId,omitempty"`
	// Resources maps every relative path to its size, encoded as strings
	// as grpc-gateway does for 64-bit integers.
	Resources  map[string]string `json:"resources"`
	Metadata   map[string]any    `json:"metadata"`
	ReportTime string            `json:"reportTime,omitempty"`
	State      CheckpointState   `json:"state,omitempty"`
}

// NewResources converts a manifest into the wire form of resources.
func NewResources(manifest map[string]int64) map[string]string {
	resources := make(map[string]string, len(manifest))
	for path, size := range manifest {
		resources[path] = strconv.FormatInt(size, 10)
	}
	return resources
}

type preemptionResponse struct {
	Preempt bool `json:"preempt"`
}

type checkpointResponse struct {
	Metadata   map[string]any `json:"metadata"`
	Checkpoint *struct {
		Metadata map[string]any `json:"metadata"`
	} `json:"checkpoint"`
}
