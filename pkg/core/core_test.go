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
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/pingcap/trainflow/pkg/distributed"
	"github.com/pingcap/trainflow/pkg/mastertest"
	"github.com/pingcap/trainflow/pkg/rendezvous"
	"github.com/pingcap/trainflow/pkg/searcher"
	"github.com/pingcap/trainflow/pkg/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func offClusterConfig(t *testing.T) *Config {
	cfg := GetDefaultConfig()
	cfg.Checkpoint.StorageURI = "local://" + t.TempDir()
	cfg.Checkpoint.StagingDir = t.TempDir()
	cfg.Searcher.DummyLength = 5
	return cfg
}

func TestInitOffCluster(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c, err := Init(ctx, offClusterConfig(t))
	require.NoError(t, err)
	defer c.Close()

	require.Nil(t, c.Session())
	require.Nil(t, c.Rendezvous())
	require.True(t, c.Distributed().IsChief())

	preempt, err := c.Preempt().ShouldPreempt(ctx, false, true)
	require.NoError(t, err)
	require.False(t, preempt)

	it := c.Searcher().Operations(searcher.WorkersAskChief, true)
	op, err := it.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), op.Length())
	require.NoError(t, op.Complete(ctx, 0.1))
	op, err = it.Next(ctx)
	require.NoError(t, err)
	require.Nil(t, op)

	id, err := c.Checkpoint().StorePath(ctx, map[string]any{"steps_completed": 5},
		func(dir, _ string) error {
			return os.WriteFile(filepath.Join(dir, "state"), []byte("s"), 0o600)
		})
	require.NoError(t, err)
	metadata, err := c.Checkpoint().GetMetadata(ctx, id)
	require.NoError(t, err)
	require.Equal(t, float64(5), metadata["steps_completed"])

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestInitRegistersMetrics(t *testing.T) {
	t.Parallel()

	require.NotPanics(t, func() { InitMetrics(prometheus.NewRegistry()) })
}

func onClusterConfig(t *testing.T, m *mastertest.Master) *Config {
	cfg := offClusterConfig(t)
	cfg.Master.Address = m.URL()
	cfg.Master.Token = "secret"
	cfg.Cluster.AllocationID = "alloc-1"
	cfg.Cluster.TrialID = 7
	cfg.Cluster.ExperimentID = 3
	cfg.Cluster.ContainerID = "c-1"
	cfg.Preempt.LongPollSeconds = 1
	return cfg
}

func TestTrainingLoopAgainstMaster(t *testing.T) {
	t.Parallel()

	m := mastertest.New("secret")
	defer m.Close()
	m.SetOperations(7, "UNIT_BATCHES", 100, 200)
	m.SetTrialSocket("c-1",
		rendezvous.Info{Addrs: []string{"10.0.0.1:1734"}, Addrs2: []string{"10.0.0.1:1735"}},
		rendezvous.Workload{Kind: rendezvous.RunStep, TrialID: 7, StepID: 1, NumBatches: 100},
		rendezvous.Workload{Kind: rendezvous.Terminate, TrialID: 7})

	cfg := onClusterConfig(t, m)
	cfg.Rendezvous.Enabled = true
	gen := uuid.NewMock()
	gen.Push("ckpt-1")
	ctx := context.Background()
	c, err := Init(ctx, cfg, WithUUIDGenerator(gen))
	require.NoError(t, err)
	defer c.Close()

	// searcher operations
	it := c.Searcher().Operations(searcher.WorkersAskChief, false)
	var lengths []int64
	for {
		op, err := it.Next(ctx)
		require.NoError(t, err)
		if op == nil {
			break
		}
		batches, err := op.Batches()
		require.NoError(t, err)
		lengths = append(lengths, batches)
		require.NoError(t, op.ReportProgress(ctx, float64(batches)/300))
		require.NoError(t, op.Complete(ctx, float64(batches)/1000))
	}
	require.Equal(t, []int64{100, 200}, lengths)
	require.Len(t, m.Completions(7), 2)
	require.Equal(t, mastertest.Completion{Unit: "UNIT_BATCHES", Length: 200, Metric: 0.2}, m.Completions(7)[1])
	require.Len(t, m.Progress(7), 2)

	// checkpoints
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "model"), []byte("weights"), 0o600))
	id, err := c.Checkpoint().Upload(ctx, src, map[string]any{"steps_completed": 300})
	require.NoError(t, err)
	require.Equal(t, "ckpt-1", id)
	report := m.Checkpoint(id)
	require.NotNil(t, report)
	require.Equal(t, "alloc-1", report.AllocationID)
	require.Equal(t, "7", report.Resources["model"])
	metadata, err := c.Checkpoint().GetMetadata(ctx, id)
	require.NoError(t, err)
	require.Equal(t, float64(300), metadata["steps_completed"])

	// rendezvous
	ch := c.Rendezvous()
	require.NotNil(t, ch)
	require.Equal(t, []string{"0.0.0.0:1734"}, ch.Info().Addrs)
	for {
		req, err := ch.Next(ctx)
		if err != nil {
			require.Equal(t, io.EOF, err)
			break
		}
		require.NoError(t, req.Respond(ctx, map[string]any{"kind": req.Workload().Kind}))
	}
	responses := m.TrialSocketResponses("c-1")
	require.Len(t, responses, 2)
	var first map[string]any
	require.NoError(t, json.Unmarshal(responses[0], &first))
	require.Equal(t, "RUN_STEP", first["kind"])

	// preemption
	preempt, err := c.Preempt().ShouldPreempt(ctx, false, true)
	require.NoError(t, err)
	require.False(t, preempt)
	m.Preempt("alloc-1")
	require.Eventually(t, func() bool {
		preempt, err := c.Preempt().ShouldPreempt(ctx, false, true)
		require.NoError(t, err)
		return preempt
	}, 10*time.Second, 20*time.Millisecond)
	_, err = c.Preempt().ShouldPreempt(ctx, false, true)
	require.NoError(t, err)
	require.Equal(t, 1, m.Acks("alloc-1"))

	require.NoError(t, c.Close())
}

func TestWorkersShareSearcherOperations(t *testing.T) {
	t.Parallel()

	m := mastertest.New("secret")
	defer m.Close()
	m.SetOperations(7, "UNIT_EPOCHS", 2)

	contexts, err := distributed.NewLocalCluster(2, 2)
	require.NoError(t, err)
	ctx := context.Background()

	var eg errgroup.Group
	seen := make([][]int64, len(contexts))
	for i, dist := range contexts {
		i, dist := i, dist
		eg.Go(func() error {
			c, err := Init(ctx, onClusterConfig(t, m), WithDistributed(dist))
			if err != nil {
				return err
			}
			defer c.Close()
			it := c.Searcher().Operations(searcher.WorkersAskChief, true)
			for {
				op, err := it.Next(ctx)
				if err != nil {
					return err
				}
				if op == nil {
					return nil
				}
				epochs, err := op.Epochs()
				if err != nil {
					return err
				}
				seen[i] = append(seen[i], epochs)
				if dist.IsChief() {
					if err := op.Complete(ctx, 0.5); err != nil {
						return err
					}
				}
			}
		})
	}
	require.NoError(t, eg.Wait())
	require.Equal(t, [][]int64{{2}, {2}}, seen)
	require.Len(t, m.Completions(7), 1)
	// running out of operations is acknowledged once
	require.Equal(t, 1, m.Acks("alloc-1"))
}
