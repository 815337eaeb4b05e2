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
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/pingcap/trainflow/pkg/errors"
	"github.com/pingcap/trainflow/pkg/master"
	"go.uber.org/zap"
)

// Operation is a unit of training work assigned by the master: train until
// Length units are reached, then Complete with the searcher metric.
type Operation struct {
	searcher *Context
	unit     Unit
	length   int64
	isChief  bool

	mu        sync.Mutex
	completed bool
}

// Length is the absolute length training must reach.
func (op *Operation) Length() int64 { return op.length }

// Unit is the unit Length is measured in.
func (op *Operation) Unit() Unit { return op.unit }

// Records returns Length if the operation is measured in records.
func (op *Operation) Records() (int64, error) { return op.lengthIn(Records) }

// Batches returns Length if the operation is measured in batches.
func (op *Operation) Batches() (int64, error) { return op.lengthIn(Batches) }

// Epochs returns Length if the operation is measured in epochs.
func (op *Operation) Epochs() (int64, error) { return op.lengthIn(Epochs) }

func (op *Operation) lengthIn(unit Unit) (int64, error) {
	if op.unit != unit {
		return 0, errors.ErrUnitMismatch.GenWithStackByArgs(op.unit, unit)
	}
	return op.length, nil
}

// Completed reports whether Complete succeeded.
func (op *Operation) Completed() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.completed
}

// ReportProgress reports the training progress, in the unit of the
// operation, so the master can display it. Only the chief may call it and
// not after Complete.
func (op *Operation) ReportProgress(ctx context.Context, progress float64) error {
	if !op.isChief {
		return errors.ErrRoleViolation.GenWithStackByArgs("ReportProgress", op.searcher.dist.Rank())
	}
	if op.Completed() {
		return errors.ErrProtocolViolation.GenWithStackByArgs(
			"ReportProgress called after the operation was completed")
	}
	op.searcher.logger.Debug("report searcher progress", zap.Float64("progress", progress))
	progressGauge.Set(progress)
	if op.searcher.client == nil {
		return nil
	}
	return op.searcher.client.ReportTrialProgress(ctx, op.searcher.trialID, progress)
}

// Complete finishes the operation with the value of the searcher metric.
// It must be called exactly once, by the chief.
func (op *Operation) Complete(ctx context.Context, metric float64) error {
	if !op.isChief {
		return errors.ErrRoleViolation.GenWithStackByArgs("Complete", op.searcher.dist.Rank())
	}
	if math.IsNaN(metric) {
		return errors.ErrInvalidMetric.GenWithStackByArgs(metric)
	}

	op.mu.Lock()
	defer op.mu.Unlock()
	if op.completed {
		return errors.ErrProtocolViolation.GenWithStackByArgs("Complete called twice on one operation")
	}
	op.searcher.logger.Info("complete searcher operation",
		zap.Stringer("unit", op.unit), zap.Int64("length", op.length), zap.Float64("metric", metric))
	if op.searcher.client != nil {
		body := master.NewCompletedOperation(op.unit.WireName(), op.length, metric)
		if err := op.searcher.client.CompleteSearcherOperation(ctx, op.searcher.trialID, body); err != nil {
			return err
		}
	}
	op.completed = true
	operationCounter.WithLabelValues("completed").Inc()
	return nil
}

func (op *Operation) String() string {
	return fmt.Sprintf("%d %s", op.length, op.unit)
}
