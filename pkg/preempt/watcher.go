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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pingcap/log"
	"github.com/pingcap/trainflow/pkg/clock"
	"github.com/pingcap/trainflow/pkg/errors"
	"github.com/pingcap/trainflow/pkg/logutil"
	"go.uber.org/zap"
)

const (
	defaultLongPollSeconds = 60
	defaultErrorBackoff    = 10 * time.Second
	defaultMaxErrorBackoff = 2 * time.Minute
)

// Client is the part of the master session the preemption logic needs.
type Client interface {
	GetPreemptionSignal(ctx context.Context, allocationID string, timeoutSeconds int) (bool, error)
	AckPreemptionSignal(ctx context.Context, allocationID string) error
}

// WatcherConfig configures the long-poll loop.
type WatcherConfig struct {
	// LongPollSeconds is the server side bound of each long-poll.
	LongPollSeconds int
	// ErrorBackoff is the first wait after a failed poll.
	ErrorBackoff time.Duration
	// MaxErrorBackoff caps the wait between failed polls.
	MaxErrorBackoff time.Duration
}

func (c *WatcherConfig) adjust() {
	if c.LongPollSeconds <= 0 {
		c.LongPollSeconds = defaultLongPollSeconds
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = defaultErrorBackoff
	}
	if c.MaxErrorBackoff < c.ErrorBackoff {
		c.MaxErrorBackoff = defaultMaxErrorBackoff
		if c.MaxErrorBackoff < c.ErrorBackoff {
			c.MaxErrorBackoff = c.ErrorBackoff
		}
	}
}

// State is the lifecycle state of a Watcher.
type State int

// Watcher states.
const (
	StateUnstarted State = iota
	StatePolling
	StatePreempted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StatePolling:
		return "polling"
	case StatePreempted:
		return "preempted"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Watcher long-polls the master for the preemption signal of an allocation
// in a background goroutine and caches the answer.
type Watcher struct {
	client       Client
	allocationID string
	cfg          WatcherConfig
	clk          clock.Clock

	mu            sync.Mutex
	state         State
	shouldPreempt bool
	// resolved is closed once the first answer is known
	resolved chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a Watcher, Start must be called before reading it.
func NewWatcher(client Client, allocationID string, cfg WatcherConfig, clk clock.Clock) *Watcher {
	cfg.adjust()
	if clk == nil {
		clk = clock.New()
	}
	return &Watcher{
		client:       client,
		allocationID: allocationID,
		cfg:          cfg,
		clk:          clk,
		resolved:     make(chan struct{}),
	}
}

// Start launches the poll loop.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateUnstarted {
		return errors.ErrProtocolViolation.GenWithStackByArgs("preemption watcher started twice")
	}
	w.state = StatePolling

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	preempt, err := w.client.GetPreemptionSignal(ctx, w.allocationID, 0)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("failure during initial preemption check (continuing)",
			zap.String("allocation", w.allocationID), logutil.ShortError(err))
		preempt = false
	}
	w.resolve(preempt)
	if preempt {
		pollCounter.WithLabelValues("preempt").Inc()
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.ErrorBackoff
	bo.MaxInterval = w.cfg.MaxErrorBackoff
	bo.MaxElapsedTime = 0
	bo.Clock = w.clk
	bo.Reset()

	for {
		preempt, err := w.client.GetPreemptionSignal(ctx, w.allocationID, w.cfg.LongPollSeconds)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.IsTimeout(err) {
				pollCounter.WithLabelValues("timeout").Inc()
				log.Debug("preemption long-poll timed out, retrying",
					zap.String("allocation", w.allocationID))
				continue
			}
			pollCounter.WithLabelValues("error").Inc()
			wait := bo.NextBackOff()
			log.Warn("preemption long-poll failed, retrying",
				zap.String("allocation", w.allocationID),
				zap.Duration("backoff", wait), logutil.ShortError(err))
			timer := w.clk.Timer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		bo.Reset()
		if preempt {
			pollCounter.WithLabelValues("preempt").Inc()
			log.Info("preemption signal received", zap.String("allocation", w.allocationID))
			w.resolve(true)
			return
		}
		pollCounter.WithLabelValues("continue").Inc()
	}
}

func (w *Watcher) resolve(preempt bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if preempt {
		w.shouldPreempt = true
		if w.state == StatePolling {
			w.state = StatePreempted
		}
	}
	select {
	case <-w.resolved:
	default:
		close(w.resolved)
	}
}

// ShouldPreempt returns the cached answer, it blocks only until the first
// answer is known.
func (w *Watcher) ShouldPreempt(ctx context.Context) (bool, error) {
	select {
	case <-w.resolved:
	case <-ctx.Done():
		return false, errors.Trace(ctx.Err())
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shouldPreempt, nil
}

// State returns the current state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Close stops the poll loop and waits for it to exit. Readers blocked on
// the first answer get false.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.state == StateUnstarted || w.state == StateClosed {
		w.state = StateClosed
		w.mu.Unlock()
		w.resolve(false)
		return
	}
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	w.resolve(false)

	w.mu.Lock()
	if w.state == StatePolling {
		w.state = StateClosed
	}
	w.mu.Unlock()
}
