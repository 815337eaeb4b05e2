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

	"github.com/pingcap/trainflow/pkg/distributed"
	"github.com/pingcap/trainflow/pkg/errors"
	"github.com/pingcap/trainflow/pkg/master"
	"go.uber.org/zap"
)

// Mode decides who may iterate the operations.
type Mode string

const (
	// WorkersAskChief is the default, every worker iterates in step and
	// the chief hands the operations out.
	WorkersAskChief Mode = "WORKERS_ASK_CHIEF"
	// ChiefOnly lets only the chief iterate.
	ChiefOnly Mode = "CHIEF_ONLY"
)

// ParseMode parses the configured name of a mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return WorkersAskChief, nil
	case WorkersAskChief, ChiefOnly:
		return Mode(s), nil
	}
	return "", errors.ErrConfiguration.GenWithStackByArgs("unknown searcher mode " + s)
}

// Client is the part of the master session the searcher needs.
type Client interface {
	GetSearcherOperation(ctx context.Context, trialID int) (*master.SearcherOperationResponse, error)
	ReportTrialProgress(ctx context.Context, trialID int, progress float64) error
	CompleteSearcherOperation(ctx context.Context, trialID int, op *master.CompletedOperation) error
	AckPreemptionSignal(ctx context.Context, allocationID string) error
}

// Context speaks the searcher operation protocol of one trial.
type Context struct {
	dist         *distributed.Context
	client       Client
	trialID      int
	allocationID string
	unit         Unit
	logger       *zap.Logger

	// dummyLength is the single operation handed out without a master
	dummyLength int64
}

// New creates a Context. unit is the unit configured for the experiment,
// used when the master does not name one.
func New(dist *distributed.Context, client Client, trialID int, allocationID string, unit Unit) *Context {
	return &Context{
		dist:         dist,
		client:       client,
		trialID:      trialID,
		allocationID: allocationID,
		unit:         unit,
		logger:       dist.Logger().With(zap.Int("trial", trialID)),
	}
}

// NewDummy creates a Context for runs without a master, it hands out a
// single operation of length units.
func NewDummy(dist *distributed.Context, unit Unit, length int64) *Context {
	c := New(dist, nil, 0, "", unit)
	c.dummyLength = length
	return c
}

// Operations returns an iterator over the operations of the trial. With
// autoAck set, running out of operations is acknowledged to the master so
// it may resume the trial later instead of treating the exit as final.
func (c *Context) Operations(mode Mode, autoAck bool) *OpIterator {
	return &OpIterator{searcher: c, mode: mode, autoAck: autoAck}
}

// fetch polls the pending operation, nil means none is left.
func (c *Context) fetch(ctx context.Context, first bool) (*Operation, error) {
	if c.client == nil {
		if !first {
			return nil, nil
		}
		return &Operation{searcher: c, unit: c.unit, length: c.dummyLength, isChief: true}, nil
	}

	resp, err := c.client.GetSearcherOperation(ctx, c.trialID)
	if err != nil {
		return nil, err
	}
	if resp.Completed {
		return nil, nil
	}
	length, ok := resp.Op.TargetLength()
	if !ok {
		return nil, errors.ErrProtocolViolation.GenWithStackByArgs(
			"master returned a pending searcher operation without a length")
	}
	unit := c.unit
	if length.Unit != "" {
		if unit, err = ParseUnit(length.Unit); err != nil {
			return nil, err
		}
	}
	return &Operation{searcher: c, unit: unit, length: int64(length.Length), isChief: true}, nil
}

// opMessage carries an operation from the chief to the other workers.
type opMessage struct {
	Unit   Unit   `json:"unit"`
	Length int64  `json:"length"`
	Done   bool   `json:"done"`
	Err    string `json:"err,omitempty"`
}

// OpIterator lazily fetches the operations of a trial.
type OpIterator struct {
	searcher *Context
	mode     Mode
	autoAck  bool

	prev    *Operation
	fetched int
	done    bool
}

// Next returns the next operation, or nil once the master has none left.
// The chief must complete an operation before asking for the next one. In
// WorkersAskChief mode every worker must call Next in step.
func (it *OpIterator) Next(ctx context.Context) (*Operation, error) {
	if it.done {
		return nil, nil
	}
	c := it.searcher
	if !c.dist.IsChief() {
		if it.mode == ChiefOnly {
			return nil, errors.ErrConfiguration.GenWithStackByArgs(
				"searcher operations iterated from a non-chief worker in chief only mode")
		}
		msg, err := distributed.BroadcastValue(ctx, c.dist, opMessage{}, 0)
		if err != nil {
			return nil, err
		}
		if msg.Err != "" {
			return nil, errors.ErrTransport.Wrap(errors.New(msg.Err)).
				GenWithStackByArgs("searcher operation through the chief")
		}
		if msg.Done {
			it.done = true
			return nil, nil
		}
		it.fetched++
		return &Operation{searcher: c, unit: msg.Unit, length: msg.Length}, nil
	}

	if it.prev != nil && !it.prev.Completed() {
		return nil, errors.ErrProtocolViolation.GenWithStackByArgs(
			fmt.Sprintf("operation %s must be completed before fetching the next one", it.prev))
	}
	op, fetchErr := c.fetch(ctx, it.fetched == 0)
	if it.mode == WorkersAskChief {
		msg := opMessage{Done: op == nil}
		if fetchErr != nil {
			msg.Err = fetchErr.Error()
		} else if op != nil {
			msg.Unit, msg.Length = op.unit, op.length
		}
		if _, err := distributed.BroadcastValue(ctx, c.dist, msg, 0); err != nil {
			return nil, err
		}
	}
	if fetchErr != nil {
		return nil, fetchErr
	}
	if op == nil {
		it.done = true
		operationCounter.WithLabelValues("exhausted").Inc()
		c.logger.Info("no searcher operations left")
		if it.autoAck && c.client != nil {
			if err := c.client.AckPreemptionSignal(ctx, c.allocationID); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	it.prev = op
	it.fetched++
	operationCounter.WithLabelValues("fetched").Inc()
	c.logger.Info("fetched searcher operation", zap.Stringer("op", op))
	return op, nil
}
