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

package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/phayes/freeport"
	"github.com/pingcap/log"
	"github.com/pingcap/trainflow/pkg/core"
	"github.com/pingcap/trainflow/pkg/distributed"
	"github.com/pingcap/trainflow/pkg/errors"
	"github.com/pingcap/trainflow/pkg/mastertest"
	"github.com/pingcap/trainflow/pkg/rendezvous"
	"github.com/pingcap/trainflow/pkg/uuid"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

func parseFlags(t *testing.T, args ...string) (*options, *cobra.Command) {
	o := newOptions()
	cmd := &cobra.Command{}
	o.addFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	return o, cmd
}

func TestCompleteFlagsOverrideConfigFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "worker.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[log]
level = "warn"

[cluster]
trial-id = 3

[searcher]
dummy-length = 7
`), 0o600))

	storage := "local://" + t.TempDir()
	o, cmd := parseFlags(t,
		"--config", path,
		"--log-level", "debug",
		"--trial-id", "9",
		"--storage-uri", storage,
		"--progress-period", "5",
		"--ca", "ca.pem",
		"--cert-allowed-cn", "master,backup",
	)
	require.NoError(t, o.complete(cmd))

	cfg := o.workerConfig
	require.Equal(t, "debug", cfg.LogConf.Level)
	require.Equal(t, 9, cfg.Cluster.TrialID)
	require.Equal(t, int64(7), cfg.Searcher.DummyLength)
	require.Equal(t, storage, cfg.Checkpoint.StorageURI)
	require.Equal(t, int64(5), o.progressPeriod)
	require.Equal(t, "ca.pem", cfg.Master.Security.CAPath)
	require.Equal(t, []string{"master", "backup"}, cfg.Master.Security.CertAllowedCN)
}

func TestCompleteWithoutFlags(t *testing.T) {
	t.Parallel()

	o, cmd := parseFlags(t)
	require.NoError(t, o.complete(cmd))
	require.Equal(t, int64(defaultProgressPeriod), o.progressPeriod)
	require.Equal(t, core.GetDefaultConfig().Searcher.DummyLength, o.workerConfig.Searcher.DummyLength)
	require.NotEmpty(t, o.workerConfig.Checkpoint.StorageURI)
}

func TestCompleteRejectsBadInput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "worker.toml")
	require.NoError(t, os.WriteFile(path, []byte("unknown-item = 1\n"), 0o600))
	o, cmd := parseFlags(t, "--config", path)
	err := o.complete(cmd)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown-item")

	o, cmd = parseFlags(t, "--progress-period", "0")
	err = o.complete(cmd)
	require.True(t, errors.Is(err, errors.ErrConfiguration), "%v", err)

	o, cmd = parseFlags(t, "--latest-checkpoint", "not-an-id")
	err = o.complete(cmd)
	require.True(t, errors.Is(err, errors.ErrConfiguration), "%v", err)

	o, cmd = parseFlags(t, "--size", "2", "--local-size", "2")
	require.Error(t, o.complete(cmd))
}

func offClusterCore(t *testing.T, storageURI string, length int64) *core.Context {
	cfg := core.GetDefaultConfig()
	cfg.Checkpoint.StorageURI = storageURI
	cfg.Checkpoint.StagingDir = t.TempDir()
	cfg.Searcher.DummyLength = length
	c, err := core.Init(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestTrainingLoopOffClusterResumes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	storage := "local://" + t.TempDir()

	c := offClusterCore(t, storage, 25)
	first, err := newTrainingLoop(c, 10).run(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, first.Operations)
	require.Equal(t, int64(25), first.Steps)
	require.False(t, first.Preempted)
	require.Len(t, first.Checkpoints, 1)
	require.Contains(t, first.String(), "25 steps")

	metadata, err := c.Checkpoint().GetMetadata(ctx, first.Checkpoints[0])
	require.NoError(t, err)
	require.Equal(t, float64(25), metadata["steps_completed"])
	require.Equal(t, framework, metadata["framework"])

	c = offClusterCore(t, storage, 40)
	second, err := newTrainingLoop(c, 10).run(ctx, first.Checkpoints[0])
	require.NoError(t, err)
	require.Equal(t, int64(40), second.Steps)
	require.Len(t, second.Checkpoints, 1)

	_, err = newTrainingLoop(offClusterCore(t, storage, 1), 10).run(ctx, "missing")
	require.True(t, errors.Is(err, errors.ErrCheckpointNotFound), "%v", err)
}

func TestTrainingLoopLogsExitWithRank(t *testing.T) {
	zapcore, logs := observer.New(zap.InfoLevel)
	_, r, err := log.InitLogger(&log.Config{Level: "info", File: log.FileLogConfig{}})
	require.NoError(t, err)
	restoreFn := log.ReplaceGlobals(zap.New(zapcore), r)
	defer restoreFn()

	loop := newTrainingLoop(offClusterCore(t, "local://"+t.TempDir(), 1), 10)
	_, err = loop.run(context.Background(), "missing")
	require.Error(t, err)
	loop.logExit(err)
	loop.logExit(nil)

	for _, msg := range []string{"training loop exits with error", "trainflow worker exits successfully"} {
		entries := logs.FilterMessage(msg).All()
		require.Len(t, entries, 1, msg)
		require.Equal(t, int64(0), entries[0].ContextMap()["rank"], msg)
		require.Contains(t, entries[0].ContextMap(), "local_rank", msg)
	}
}

func onClusterCore(t *testing.T, m *mastertest.Master, rendezvousEnabled bool) *core.Context {
	cfg := core.GetDefaultConfig()
	cfg.Master.Address = m.URL()
	cfg.Master.Token = "secret"
	cfg.Cluster.AllocationID = "alloc-1"
	cfg.Cluster.TrialID = 7
	cfg.Cluster.ExperimentID = 3
	cfg.Cluster.ContainerID = "c-1"
	cfg.Preempt.LongPollSeconds = 1
	cfg.Checkpoint.StorageURI = "local://" + t.TempDir()
	cfg.Checkpoint.StagingDir = t.TempDir()
	cfg.Rendezvous.Enabled = rendezvousEnabled

	gen := uuid.NewMock()
	gen.Push("ckpt-1")
	c, err := core.Init(context.Background(), cfg, core.WithUUIDGenerator(gen))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestTrainingLoopCheckpointsOnPreemption(t *testing.T) {
	t.Parallel()

	m := mastertest.New("secret")
	t.Cleanup(m.Close)
	m.SetOperations(7, "UNIT_BATCHES", 50)
	m.Preempt("alloc-1")

	c := onClusterCore(t, m, false)
	s, err := newTrainingLoop(c, 10).run(context.Background(), "")
	require.NoError(t, err)
	require.True(t, s.Preempted)
	require.Equal(t, int64(10), s.Steps)
	require.Equal(t, 0, s.Operations)
	require.Equal(t, []string{"ckpt-1"}, s.Checkpoints)

	require.Equal(t, []float64{10}, m.Progress(7))
	require.Empty(t, m.Completions(7))
	require.Equal(t, 1, m.Acks("alloc-1"))
	report := m.Checkpoint("ckpt-1")
	require.NotNil(t, report)
	require.Equal(t, float64(10), report.Metadata["steps_completed"])
}

func TestTrainingLoopAnswersWorkloads(t *testing.T) {
	t.Parallel()

	m := mastertest.New("secret")
	t.Cleanup(m.Close)
	m.SetTrialSocket("c-1",
		rendezvous.Info{Addrs: []string{"10.0.0.1:1734"}, Addrs2: []string{"10.0.0.1:1735"}},
		rendezvous.Workload{Kind: rendezvous.RunStep, TrialID: 7, StepID: 1, NumBatches: 20},
		rendezvous.Workload{Kind: rendezvous.ComputeValidationMetrics, TrialID: 7, StepID: 1},
		rendezvous.Workload{Kind: rendezvous.CheckpointModel, TrialID: 7, StepID: 1},
		rendezvous.Workload{Kind: rendezvous.Terminate, TrialID: 7})

	c := onClusterCore(t, m, true)
	s, err := newTrainingLoop(c, 10).run(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 4, s.Workloads)
	require.Equal(t, int64(20), s.Steps)
	require.Equal(t, []string{"ckpt-1"}, s.Checkpoints)

	responses := m.TrialSocketResponses("c-1")
	require.Len(t, responses, 4)
	var step struct {
		NumBatches int `json:"num_batches"`
	}
	require.NoError(t, json.Unmarshal(responses[0], &step))
	require.Equal(t, 20, step.NumBatches)
	var ckpt map[string]string
	require.NoError(t, json.Unmarshal(responses[2], &ckpt))
	require.Equal(t, "ckpt-1", ckpt["uuid"])
	require.NotNil(t, m.Checkpoint("ckpt-1"))
}

func TestTrainingLoopOverNetwork(t *testing.T) {
	t.Parallel()

	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ranks, err := distributed.NodeLayout(2, 2)
	require.NoError(t, err)
	storage := "local://" + t.TempDir()

	ctx := context.Background()
	cores := make([]*core.Context, len(ranks))
	summaries := make([]*summary, len(ranks))
	var eg errgroup.Group
	for i, rank := range ranks {
		i, rank := i, rank
		cfg := core.GetDefaultConfig()
		cfg.Distributed.ProcessRank = rank
		cfg.Distributed.ChiefAddr = addr
		cfg.Distributed.ListenAddr = addr
		cfg.Checkpoint.StorageURI = storage
		cfg.Checkpoint.StagingDir = t.TempDir()
		cfg.Searcher.DummyLength = 20
		eg.Go(func() error {
			c, err := core.Init(ctx, cfg)
			if err != nil {
				return err
			}
			cores[i] = c
			summaries[i], err = newTrainingLoop(c, 5).run(ctx, "")
			return err
		})
	}
	err = eg.Wait()
	for i := len(cores) - 1; i >= 0; i-- {
		if cores[i] != nil {
			require.NoError(t, cores[i].Close())
		}
	}
	require.NoError(t, err)

	for _, s := range summaries {
		require.Equal(t, int64(20), s.Steps)
		require.Equal(t, 1, s.Operations)
		require.False(t, s.Preempted)
	}
	require.Len(t, summaries[0].Checkpoints, 1)
	require.Empty(t, summaries[1].Checkpoints)
}
