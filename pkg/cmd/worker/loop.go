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
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/pingcap/trainflow/pkg/core"
	"github.com/pingcap/trainflow/pkg/errors"
	"github.com/pingcap/trainflow/pkg/preempt"
	"github.com/pingcap/trainflow/pkg/rendezvous"
	"github.com/pingcap/trainflow/pkg/searcher"
	"github.com/pingcap/trainflow/pkg/version"
	"go.uber.org/zap"
)

const (
	defaultProgressPeriod = 10
	stateFile             = "state.json"
	framework             = "trainflow"
)

type summary struct {
	Operations  int      `json:"operations"`
	Workloads   int      `json:"workloads"`
	Steps       int64    `json:"steps"`
	Checkpoints []string `json:"checkpoints,omitempty"`
	Preempted   bool     `json:"preempted"`
}

func (s *summary) String() string {
	return fmt.Sprintf("%d operations, %d workloads, %d steps, %d checkpoints, preempted=%t",
		s.Operations, s.Workloads, s.Steps, len(s.Checkpoints), s.Preempted)
}

type modelState struct {
	Steps int64 `json:"steps"`
}

// trainingLoop stands in for a model: a step only bumps a counter, which
// is what the checkpoints persist.
type trainingLoop struct {
	core           *core.Context
	progressPeriod int64
	logger         *zap.Logger

	summary summary
}

func newTrainingLoop(c *core.Context, progressPeriod int64) *trainingLoop {
	return &trainingLoop{
		core:           c,
		progressPeriod: progressPeriod,
		logger:         c.Distributed().Logger(),
	}
}

// logExit logs how the loop ended under the rank of this worker.
func (l *trainingLoop) logExit(err error) {
	if err != nil {
		l.logger.Error("training loop exits with error", zap.Error(err))
		return
	}
	l.logger.Info("trainflow worker exits successfully", zap.Stringer("summary", &l.summary))
}

func (l *trainingLoop) run(ctx context.Context, latestCheckpoint string) (*summary, error) {
	if latestCheckpoint != "" {
		if err := l.restore(ctx, latestCheckpoint); err != nil {
			return &l.summary, err
		}
	}
	if ch := l.core.Rendezvous(); ch != nil {
		return &l.summary, l.runWorkloads(ctx, ch)
	}
	return &l.summary, l.runOperations(ctx)
}

func (l *trainingLoop) metric() float64 {
	return 100 / (100 + float64(l.summary.Steps))
}

func (l *trainingLoop) restore(ctx context.Context, storageID string) error {
	mode := l.core.Config().Checkpoint.ParsedDownloadMode
	return l.core.Checkpoint().RestorePath(ctx, storageID, mode, func(dir string) error {
		data, err := os.ReadFile(filepath.Join(dir, stateFile))
		if err != nil {
			return errors.Trace(err)
		}
		var state modelState
		if err := json.Unmarshal(data, &state); err != nil {
			return errors.WrapError(errors.ErrDecodeFailed, err, stateFile)
		}
		l.summary.Steps = state.Steps
		l.logger.Info("resumed from checkpoint",
			zap.String("storageID", storageID), zap.Int64("steps", state.Steps))
		return nil
	})
}

// checkpoint stores the state from the chief, other ranks return an
// empty id.
func (l *trainingLoop) checkpoint(ctx context.Context) (string, error) {
	if !l.core.Distributed().IsChief() {
		return "", nil
	}
	metadata := map[string]any{
		"steps_completed": l.summary.Steps,
		"framework":       framework,
	}
	if v := version.ReleaseSemver(); v != "" {
		metadata["determined_version"] = v
	}
	id, err := l.core.Checkpoint().StorePath(ctx, metadata, func(dir, _ string) error {
		data, err := json.Marshal(&modelState{Steps: l.summary.Steps})
		if err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(os.WriteFile(filepath.Join(dir, stateFile), data, 0o600))
	})
	if err != nil {
		return "", err
	}
	l.summary.Checkpoints = append(l.summary.Checkpoints, id)
	return id, nil
}

func (l *trainingLoop) runOperations(ctx context.Context) error {
	cfg := l.core.Config().Searcher
	dist := l.core.Distributed()
	chiefOnly := cfg.ParsedMode == searcher.ChiefOnly
	checkPreempt := dist.IsChief() || l.core.Config().Preempt.ParsedMode != preempt.ChiefOnly
	if chiefOnly && !dist.IsChief() {
		l.logger.Info("searcher runs on the chief only, nothing to do")
		return nil
	}

	it := l.core.Searcher().Operations(cfg.ParsedMode, cfg.AutoAck)
	for {
		op, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if op == nil {
			return nil
		}
		// the length is the total to reach, not an increment
		target := op.Length()
		for l.summary.Steps < target {
			if err := ctx.Err(); err != nil {
				return errors.Trace(err)
			}
			l.summary.Steps++
			if l.summary.Steps%l.progressPeriod != 0 && l.summary.Steps != target {
				continue
			}
			if dist.IsChief() {
				if err := op.ReportProgress(ctx, float64(l.summary.Steps)); err != nil {
					return err
				}
			}
			if !checkPreempt {
				continue
			}
			preempted, err := l.core.Preempt().ShouldPreempt(ctx, chiefOnly, true)
			if err != nil {
				return err
			}
			if preempted {
				l.logger.Info("preempted, checkpoint and exit", zap.Int64("steps", l.summary.Steps))
				l.summary.Preempted = true
				_, err := l.checkpoint(ctx)
				return err
			}
		}
		if _, err := l.checkpoint(ctx); err != nil {
			return err
		}
		if dist.IsChief() {
			if err := op.Complete(ctx, l.metric()); err != nil {
				return err
			}
		}
		l.summary.Operations++
	}
}

func (l *trainingLoop) runWorkloads(ctx context.Context, ch *rendezvous.Channel) error {
	for {
		req, err := ch.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		w := req.Workload()
		l.summary.Workloads++

		var result map[string]any
		switch w.Kind {
		case rendezvous.RunStep:
			l.summary.Steps += int64(w.NumBatches)
			result = map[string]any{
				"num_batches": w.NumBatches,
				"metrics":     map[string]any{"loss": l.metric()},
			}
		case rendezvous.ComputeValidationMetrics:
			result = map[string]any{"validation_metrics": map[string]any{"loss": l.metric()}}
		case rendezvous.CheckpointModel:
			id, err := l.checkpoint(ctx)
			if err != nil {
				return err
			}
			result = map[string]any{"uuid": id}
		default:
			result = map[string]any{}
		}
		if err := req.Respond(ctx, result); err != nil {
			return err
		}
	}
}
