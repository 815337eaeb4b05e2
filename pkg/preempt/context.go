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

package preempt

import (
	"context"
	"sync"

	"github.com/pingcap/trainflow/pkg/clock"
	"github.com/pingcap/trainflow/pkg/distributed"
	"github.com/pingcap/trainflow/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Mode decides who asks the master about preemption.
type Mode string

const (
	// WorkersAskChief is the default, the chief polls the master and every
	// worker gets the answer through a broadcast.
	WorkersAskChief Mode = "WORKERS_ASK_CHIEF"
	// ChiefOnly lets only the chief call ShouldPreempt.
	ChiefOnly Mode = "CHIEF_ONLY"
	// WorkersAskMaster makes every worker poll the master on its own, no
	// collective is involved.
	WorkersAskMaster Mode = "WORKERS_ASK_MASTER"
)

// ParseMode parses the configured name of a mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return WorkersAskChief, nil
	case WorkersAskChief, ChiefOnly, WorkersAskMaster:
		return Mode(s), nil
	}
	return "", errors.ErrConfiguration.GenWithStackByArgs("unknown preempt mode " + s)
}

// Signal is the preemption state as seen by this worker. It only moves
// forward: false/false, true/false, true/true.
type Signal struct {
	ShouldPreempt bool
	Acknowledged  bool
}

// Context lets every worker agree on whether the job should pause.
type Context struct {
	dist         *distributed.Context
	client       Client
	allocationID string
	mode         Mode
	watcher      *Watcher
	logger       *zap.Logger

	started atomic.Bool

	mu       sync.Mutex
	observed bool
	acked    bool
}

// New creates a Context. The chief, or every worker in WorkersAskMaster
// mode, owns a Watcher polling through client.
func New(
	dist *distributed.Context, client Client, allocationID string,
	mode Mode, cfg WatcherConfig, clk clock.Clock,
) *Context {
	c := &Context{
		dist:         dist,
		client:       client,
		allocationID: allocationID,
		mode:         mode,
		logger:       dist.Logger(),
	}
	if client != nil && (dist.IsChief() || mode == WorkersAskMaster) {
		c.watcher = NewWatcher(client, allocationID, cfg, clk)
	}
	return c
}

// NewDummy creates a Context for runs without a master, it never asks to
// preempt.
func NewDummy(dist *distributed.Context) *Context {
	return New(dist, nil, "", WorkersAskChief, WatcherConfig{}, nil)
}

// Start launches the background watcher, if this worker owns one.
func (c *Context) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.ErrProtocolViolation.GenWithStackByArgs("preempt context started twice")
	}
	if c.watcher != nil {
		return c.watcher.Start()
	}
	return nil
}

// ShouldPreempt tells whether the master asked this job to pause.
//
// With chiefOnly set, or in ChiefOnly mode, only the chief may call it and
// no broadcast happens. Otherwise every worker must call it in step and
// all of them get the chief's answer. With autoAck set, the first positive
// answer is acknowledged to the master once.
func (c *Context) ShouldPreempt(ctx context.Context, chiefOnly, autoAck bool) (bool, error) {
	if !c.started.Load() {
		return false, errors.ErrProtocolViolation.GenWithStackByArgs(
			"ShouldPreempt called before the preempt context was started")
	}

	if c.mode == WorkersAskMaster {
		preempt, err := c.localAnswer(ctx)
		if err != nil {
			return false, err
		}
		var ackErr error
		if preempt && autoAck && c.dist.IsChief() {
			ackErr = c.AcknowledgePreemptionSignal(ctx)
		}
		c.observe(preempt)
		return preempt, ackErr
	}

	chiefOnly = chiefOnly || c.mode == ChiefOnly
	if chiefOnly && !c.dist.IsChief() {
		return false, errors.ErrConfiguration.GenWithStackByArgs(
			"ShouldPreempt(chiefOnly=true) called from a non-chief worker")
	}

	var (
		preempt bool
		ackErr  error
	)
	if c.dist.IsChief() {
		var err error
		if preempt, err = c.localAnswer(ctx); err != nil {
			return false, err
		}
		if preempt && autoAck {
			// peers still get the answer if the ack fails
			ackErr = c.AcknowledgePreemptionSignal(ctx)
		}
	}
	if !chiefOnly {
		var err error
		if preempt, err = distributed.BroadcastValue(ctx, c.dist, preempt, 0); err != nil {
			return false, err
		}
	}
	c.observe(preempt)
	return preempt, ackErr
}

func (c *Context) localAnswer(ctx context.Context) (bool, error) {
	if c.watcher == nil {
		return false, nil
	}
	return c.watcher.ShouldPreempt(ctx)
}

func (c *Context) observe(preempt bool) {
	if !preempt {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observed = true
}

// AcknowledgePreemptionSignal tells the master this worker will exit to
// honor the preemption, so the exit is a pause and not a completion. Only
// the first successful call reaches the master.
func (c *Context) AcknowledgePreemptionSignal(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acked {
		c.logger.Debug("preemption signal already acknowledged")
		return nil
	}
	if c.client == nil {
		c.acked = true
		return nil
	}
	if err := c.client.AckPreemptionSignal(ctx, c.allocationID); err != nil {
		return err
	}
	c.acked = true
	ackCounter.Inc()
	c.logger.Info("preemption signal acknowledged", zap.String("allocation", c.allocationID))
	return nil
}

// Signal returns the state observed so far.
func (c *Context) Signal() Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Signal{ShouldPreempt: c.observed || c.acked, Acknowledged: c.acked}
}

// WatcherState returns the state of the owned watcher, StateUnstarted if
// this worker does not poll.
func (c *Context) WatcherState() State {
	if c.watcher == nil {
		return StateUnstarted
	}
	return c.watcher.State()
}

// Close stops the background watcher.
func (c *Context) Close() {
	if c.watcher != nil {
		c.watcher.Close()
	}
}
