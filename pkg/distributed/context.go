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
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/pingcap/log"
	"github.com/pingcap/trainflow/pkg/clock"
	"github.com/pingcap/trainflow/pkg/errors"
	"github.com/pingcap/trainflow/pkg/logutil"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// DefaultCollectiveTimeout bounds every collective unless overridden.
const DefaultCollectiveTimeout = 30 * time.Minute

// Option configures a Context.
type Option func(*Context)

// WithCollectiveTimeout sets how long a collective waits for its peers.
func WithCollectiveTimeout(timeout time.Duration) Option {
	return func(c *Context) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// Context gives a worker its rank among its peers and the small set of
// synchronous collectives used to agree on control decisions.
// The collectives of one scope must be called in the same order on every
// participant.
type Context struct {
	rank      ProcessRank
	transport Transport
	timeout   time.Duration
	logger    *zap.Logger

	mu   sync.Mutex
	seqs map[Scope]uint64

	closed atomic.Bool
}

// New creates a Context for rank communicating through transport.
func New(rank ProcessRank, transport Transport, opts ...Option) (*Context, error) {
	if err := rank.Validate(); err != nil {
		return nil, err
	}
	if transport == nil && (rank.Size > 1 || rank.LocalSize > 1) {
		return nil, errors.ErrConfiguration.GenWithStackByArgs(
			"a transport is required when more than one process takes part")
	}
	c := &Context{
		rank:      rank,
		transport: transport,
		timeout:   DefaultCollectiveTimeout,
		logger:    logutil.NewLogger4Rank(rank.Rank, rank.LocalRank, rank.CrossRank),
		seqs:      make(map[Scope]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewSingle returns the Context of a job made of a single process.
func NewSingle() *Context {
	c, err := New(SingleProcess, nil)
	if err != nil {
		log.Panic("invalid single process rank", zap.Error(err))
	}
	return c
}

// NewLocalCluster creates size contexts sharing one in-process hub, laid
// out on nodes of localSize ranks each. It is used to run several workers
// inside one process.
func NewLocalCluster(size, localSize int, opts ...Option) ([]*Context, error) {
	ranks, err := NodeLayout(size, localSize)
	if err != nil {
		return nil, err
	}
	hub := sharedHub{NewHub()}
	contexts := make([]*Context, 0, size)
	for _, rank := range ranks {
		c, err := New(rank, hub, opts...)
		if err != nil {
			return nil, err
		}
		contexts = append(contexts, c)
	}
	return contexts, nil
}

// ProcessRank returns the full rank of this process.
func (c *Context) ProcessRank() ProcessRank { return c.rank }

// Rank returns the global rank.
func (c *Context) Rank() int { return c.rank.Rank }

// Size returns the number of processes in the job.
func (c *Context) Size() int { return c.rank.Size }

// LocalRank returns the rank among the processes of this node.
func (c *Context) LocalRank() int { return c.rank.LocalRank }

// LocalSize returns the number of processes on this node.
func (c *Context) LocalSize() int { return c.rank.LocalSize }

// CrossRank returns the index of this node.
func (c *Context) CrossRank() int { return c.rank.CrossRank }

// CrossSize returns the number of nodes.
func (c *Context) CrossSize() int { return c.rank.CrossSize }

// IsChief reports whether this process is rank 0.
func (c *Context) IsChief() bool { return c.rank.IsChief() }

// IsLocalChief reports whether this process is the lowest rank of its node.
func (c *Context) IsLocalChief() bool { return c.rank.IsLocalChief() }

// Logger returns a logger carrying the rank of this process.
func (c *Context) Logger() *zap.Logger { return c.logger }

// Broadcast sends payload from sender to every rank. Every caller,
// including the sender, gets the sender's payload. Payloads of the other
// ranks are ignored.
func (c *Context) Broadcast(ctx context.Context, payload []byte, sender int) ([]byte, error) {
	if sender < 0 || sender >= c.rank.Size {
		return nil, errors.ErrProtocolViolation.GenWithStackByArgs(
			fmt.Sprintf("broadcast sender %d is out of range [0, %d)", sender, c.rank.Size))
	}
	if c.rank.Size == 1 {
		return payload, nil
	}
	if c.rank.Rank != sender {
		payload = nil
	}
	res, err := c.exchange(ctx, ScopeGlobal, KindBroadcast, sender, payload)
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

// Gather collects the payload of every rank on rank 0, ordered by rank.
// Other ranks get nil.
func (c *Context) Gather(ctx context.Context, payload []byte) ([][]byte, error) {
	if c.rank.Size == 1 {
		return [][]byte{payload}, nil
	}
	res, err := c.exchange(ctx, ScopeGlobal, KindGather, 0, payload)
	if err != nil {
		return nil, err
	}
	return res.Payloads, nil
}

// Allgather collects the payload of every rank on every rank, ordered by rank.
func (c *Context) Allgather(ctx context.Context, payload []byte) ([][]byte, error) {
	if c.rank.Size == 1 {
		return [][]byte{payload}, nil
	}
	res, err := c.exchange(ctx, ScopeGlobal, KindAllgather, 0, payload)
	if err != nil {
		return nil, err
	}
	return res.Payloads, nil
}

// Barrier returns once every rank called it.
func (c *Context) Barrier(ctx context.Context) error {
	_, err := c.Broadcast(ctx, nil, 0)
	return err
}

// BroadcastLocal sends the payload of the local chief to every rank of
// this node.
func (c *Context) BroadcastLocal(ctx context.Context, payload []byte) ([]byte, error) {
	if c.rank.LocalSize == 1 {
		return payload, nil
	}
	if !c.rank.IsLocalChief() {
		payload = nil
	}
	res, err := c.exchange(ctx, ScopeLocal, KindBroadcast, 0, payload)
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

// GatherLocal collects the payload of every rank of this node on the local
// chief, ordered by local rank. Other ranks get nil.
func (c *Context) GatherLocal(ctx context.Context, payload []byte) ([][]byte, error) {
	if c.rank.LocalSize == 1 {
		return [][]byte{payload}, nil
	}
	res, err := c.exchange(ctx, ScopeLocal, KindGather, 0, payload)
	if err != nil {
		return nil, err
	}
	return res.Payloads, nil
}

func (c *Context) exchange(
	ctx context.Context, scope Scope, kind Kind, root int, payload []byte,
) (*Result, error) {
	if c.closed.Load() {
		return nil, errors.ErrChannelClosed.GenWithStackByArgs("distributed context")
	}

	contribution := &Contribution{
		Scope:   scope,
		Kind:    kind,
		Root:    root,
		Payload: payload,
		Seq:     c.nextSeq(scope),
	}
	if scope == ScopeGlobal {
		contribution.Member, contribution.Members = c.rank.Rank, c.rank.Size
	} else {
		contribution.Group = c.rank.CrossRank
		contribution.Member, contribution.Members = c.rank.LocalRank, c.rank.LocalSize
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := clock.MonoNow()
	res, err := c.transport.Exchange(cctx, contribution)
	collectiveDuration.WithLabelValues(string(kind)).Observe(clock.MonoNow().Sub(start).Seconds())
	if err == nil {
		return res, nil
	}

	collectiveFailures.WithLabelValues(string(kind)).Inc()
	if !errors.Is(err, errors.ErrCoordinationTimeout) &&
		ctx.Err() == nil && stdErrors.Is(cctx.Err(), context.DeadlineExceeded) {
		err = errors.ErrCoordinationTimeout.GenWithStackByArgs(
			kind, fmt.Sprintf("not every peer arrived within %s", c.timeout))
	}
	c.logger.Warn("collective failed",
		zap.Stringer("collective", contribution), logutil.ShortError(err))
	return nil, err
}

func (c *Context) nextSeq(scope Scope) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.seqs[scope]
	c.seqs[scope] = seq + 1
	return seq
}

// Close releases the transport, pending and later collectives fail.
func (c *Context) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.transport == nil {
		return nil
	}
	return errors.Trace(c.transport.Close())
}
