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

package core

import (
	"context"
	"net/http"

	"github.com/pingcap/trainflow/pkg/checkpoint"
	"github.com/pingcap/trainflow/pkg/clock"
	"github.com/pingcap/trainflow/pkg/distributed"
	"github.com/pingcap/trainflow/pkg/master"
	"github.com/pingcap/trainflow/pkg/preempt"
	"github.com/pingcap/trainflow/pkg/rendezvous"
	"github.com/pingcap/trainflow/pkg/searcher"
	"github.com/pingcap/trainflow/pkg/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// InitMetrics registers the metrics of every component.
func InitMetrics(registry *prometheus.Registry) {
	distributed.InitMetrics(registry)
	preempt.InitMetrics(registry)
	searcher.InitMetrics(registry)
	checkpoint.InitMetrics(registry)
	rendezvous.InitMetrics(registry)
}

type options struct {
	dist      *distributed.Context
	transport http.RoundTripper
	clock     clock.Clock
	uuidGen   uuid.Generator
}

// Option customizes Init.
type Option func(*options)

// WithDistributed makes Init use dist instead of building one from the
// config. The caller keeps owning it.
func WithDistributed(dist *distributed.Context) Option {
	return func(o *options) {
		o.dist = dist
	}
}

// WithHTTPTransport sets the round tripper used to reach the master.
func WithHTTPTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.transport = rt
	}
}

// WithClock sets the clock of the preemption watcher.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// WithUUIDGenerator sets the generator of checkpoint storage ids.
func WithUUIDGenerator(gen uuid.Generator) Option {
	return func(o *options) {
		o.uuidGen = gen
	}
}

// Context bundles every component a worker uses during a job.
type Context struct {
	cfg *Config

	session    *master.Session
	dist       *distributed.Context
	ownsDist   bool
	preempt    *preempt.Context
	searcher   *searcher.Context
	checkpoint *checkpoint.Context
	rendezvous *rendezvous.Channel
	logger     *zap.Logger
}

// Init builds every component from cfg. Without a master address the
// worker runs off cluster: it is never preempted, gets a single searcher
// operation and keeps its checkpoints out of any master.
func Init(ctx context.Context, cfg *Config, opts ...Option) (_ *Context, err error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if err := cfg.Adjust(); err != nil {
		return nil, err
	}

	c := &Context{cfg: cfg}
	defer func() {
		if err != nil {
			//nolint:errcheck
			c.Close()
		}
	}()

	if err := c.initDistributed(ctx, o); err != nil {
		return nil, err
	}
	c.logger = c.dist.Logger()

	if cfg.Master.Address != "" {
		c.session, err = master.NewSession(master.Config{
			Address:        cfg.Master.Address,
			Token:          cfg.Master.Token,
			Credential:     cfg.Master.Security,
			RequestTimeout: cfg.Master.RequestTimeout,
			LongPollGrace:  cfg.Master.LongPollGrace,
		})
		if err != nil {
			return nil, err
		}
		if o.transport != nil {
			c.session.SetTransport(o.transport)
		}
	}

	if c.session == nil {
		c.preempt = preempt.NewDummy(c.dist)
		c.searcher = searcher.NewDummy(c.dist, cfg.Searcher.ParsedUnit, cfg.Searcher.DummyLength)
	} else {
		c.preempt = preempt.New(c.dist, c.session, cfg.Cluster.AllocationID, cfg.Preempt.ParsedMode,
			preempt.WatcherConfig{
				LongPollSeconds: cfg.Preempt.LongPollSeconds,
				ErrorBackoff:    cfg.Preempt.ErrorBackoff,
				MaxErrorBackoff: cfg.Preempt.MaxErrorBackoff,
			}, o.clock)
		c.searcher = searcher.New(c.dist, c.session, cfg.Cluster.TrialID, cfg.Cluster.AllocationID,
			cfg.Searcher.ParsedUnit)
	}
	if err := c.preempt.Start(); err != nil {
		return nil, err
	}

	storage, err := checkpoint.NewStorageManager(ctx, cfg.Checkpoint.StorageURI, cfg.Checkpoint.Concurrency)
	if err != nil {
		return nil, err
	}
	var reporter checkpoint.Reporter
	if c.session != nil {
		reporter = c.session
	}
	var ckptOpts []checkpoint.Option
	if o.uuidGen != nil {
		ckptOpts = append(ckptOpts, checkpoint.WithUUIDGenerator(o.uuidGen))
	}
	c.checkpoint = checkpoint.New(c.dist, storage, reporter, checkpoint.Config{
		AllocationID: cfg.Cluster.AllocationID,
		TaskID:       cfg.Cluster.TaskID,
		TrialID:      cfg.Cluster.TrialID,
		TrialRunID:   cfg.Cluster.TrialRunID,
		ReportPath:   cfg.Checkpoint.ReportPath,
		StagingDir:   cfg.Checkpoint.StagingDir,
	}, ckptOpts...)

	if cfg.Rendezvous.Enabled {
		if c.session == nil {
			c.logger.Warn("rendezvous is enabled but there is no master, skip it")
		} else {
			c.rendezvous, err = rendezvous.Dial(ctx, rendezvous.Config{
				MasterAddress:    c.session.BaseURL(),
				ExperimentID:     cfg.Cluster.ExperimentID,
				TrialID:          cfg.Cluster.TrialID,
				ContainerID:      cfg.Cluster.ContainerID,
				Token:            cfg.Master.Token,
				Credential:       cfg.Master.Security,
				Port1:            cfg.Rendezvous.Port1,
				Port2:            cfg.Rendezvous.Port2,
				InitialWorkload:  cfg.Rendezvous.InitialWorkload,
				HandshakeTimeout: cfg.Rendezvous.HandshakeTimeout,
			})
			if err != nil {
				return nil, err
			}
		}
	}

	c.logger.Info("core context initialized",
		zap.Bool("onCluster", c.session != nil),
		zap.String("storage", storage.URI()),
		zap.Bool("rendezvous", c.rendezvous != nil))
	return c, nil
}

func (c *Context) initDistributed(ctx context.Context, o *options) error {
	if o.dist != nil {
		c.dist = o.dist
		return nil
	}
	d := c.cfg.Distributed
	if d.Size <= 1 {
		c.dist = distributed.NewSingle()
		c.ownsDist = true
		return nil
	}
	transport, err := distributed.NewNetworkTransport(ctx, d.ProcessRank, d.ChiefAddr, d.ListenAddr, d.DialTimeout)
	if err != nil {
		return err
	}
	c.dist, err = distributed.New(d.ProcessRank, transport, distributed.WithCollectiveTimeout(d.CollectiveTimeout))
	if err != nil {
		//nolint:errcheck
		transport.Close()
		return err
	}
	c.ownsDist = true
	return nil
}

// Config returns the adjusted config.
func (c *Context) Config() *Config { return c.cfg }

// Session returns the master session, nil off cluster.
func (c *Context) Session() *master.Session { return c.session }

// Distributed returns the peer coordination context.
func (c *Context) Distributed() *distributed.Context { return c.dist }

// Preempt returns the preemption context.
func (c *Context) Preempt() *preempt.Context { return c.preempt }

// Searcher returns the searcher context.
func (c *Context) Searcher() *searcher.Context { return c.searcher }

// Checkpoint returns the checkpoint context.
func (c *Context) Checkpoint() *checkpoint.Context { return c.checkpoint }

// Rendezvous returns the workload stream, nil unless enabled on cluster.
func (c *Context) Rendezvous() *rendezvous.Channel { return c.rendezvous }

// Close releases every component in the reverse order of creation.
func (c *Context) Close() error {
	var err error
	if c.rendezvous != nil {
		err = multierr.Append(err, c.rendezvous.Close())
		c.rendezvous = nil
	}
	if c.preempt != nil {
		c.preempt.Close()
		c.preempt = nil
	}
	if c.dist != nil && c.ownsDist {
		err = multierr.Append(err, c.dist.Close())
	}
	c.dist = nil
	return err
}
