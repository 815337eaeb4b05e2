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

package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pingcap/trainflow/pkg/distributed"
	"github.com/pingcap/trainflow/pkg/errors"
	"github.com/pingcap/trainflow/pkg/logutil"
	"github.com/pingcap/trainflow/pkg/master"
	"github.com/pingcap/trainflow/pkg/uuid"
	"go.uber.org/zap"
)

// MetadataFile is written next to the checkpoint files on upload.
const MetadataFile = "metadata.json"

// RequiredMetadataKey must be present in the metadata of every checkpoint.
const RequiredMetadataKey = "steps_completed"

var allowedMetadataKeys = map[string]struct{}{
	RequiredMetadataKey:  {},
	"framework":          {},
	"format":             {},
	"determined_version": {},
}

// ValidateMetadata checks the metadata against the keys the master accepts.
func ValidateMetadata(metadata map[string]any) error {
	if _, ok := metadata[RequiredMetadataKey]; !ok {
		return errors.ErrInvalidCheckpointMetadata.GenWithStackByArgs(
			fmt.Sprintf("missing required key %q", RequiredMetadataKey))
	}
	var unknown []string
	for key := range metadata {
		if _, ok := allowedMetadataKeys[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return errors.ErrInvalidCheckpointMetadata.GenWithStackByArgs(
			"unsupported keys " + strings.Join(unknown, ", "))
	}
	return nil
}

// DownloadMode decides how the ranks of one node share a download.
type DownloadMode string

const (
	// LocalWorkersShareDownload lets the local chief download once for
	// every rank of the node.
	LocalWorkersShareDownload DownloadMode = "LOCAL_WORKERS_SHARE_DOWNLOAD"
	// NoSharedDownload lets every rank download on its own.
	NoSharedDownload DownloadMode = "NO_SHARED_DOWNLOAD"
)

// ParseDownloadMode parses the configured name of a mode.
func ParseDownloadMode(s string) (DownloadMode, error) {
	switch DownloadMode(s) {
	case "":
		return LocalWorkersShareDownload, nil
	case LocalWorkersShareDownload, NoSharedDownload:
		return DownloadMode(s), nil
	}
	return "", errors.ErrConfiguration.GenWithStackByArgs("unknown download mode " + s)
}

// Reporter is the part of the master session the checkpoint context needs.
type Reporter interface {
	ReportCheckpoint(ctx context.Context, path string, report *master.CheckpointReport) error
	GetCheckpointMetadata(ctx context.Context, uuid string) (map[string]any, error)
}

// Config identifies the trial the checkpoints belong to.
type Config struct {
	AllocationID string
	TaskID       string
	TrialID      int
	TrialRunID   int
	// ReportPath overrides the master api path used to report a checkpoint.
	ReportPath string
	// StagingDir holds the temporary directories of StorePath and
	// RestorePath, empty means the system temporary directory.
	StagingDir string
}

// Context uploads, downloads and reports the checkpoints of one trial.
type Context struct {
	dist     *distributed.Context
	storage  *StorageManager
	reporter Reporter
	cfg      Config
	uuidGen  uuid.Generator
	logger   *zap.Logger
}

// Option customizes a Context.
type Option func(*Context)

// WithUUIDGenerator sets the generator of storage ids.
func WithUUIDGenerator(gen uuid.Generator) Option {
	return func(c *Context) {
		c.uuidGen = gen
	}
}

// New creates a Context. A nil reporter keeps the checkpoints out of the
// master, which suits runs without a cluster.
func New(
	dist *distributed.Context, storage *StorageManager, reporter Reporter, cfg Config, opts ...Option,
) *Context {
	c := &Context{
		dist:     dist,
		storage:  storage,
		reporter: reporter,
		cfg:      cfg,
		uuidGen:  uuid.NewGenerator(),
		logger:   dist.Logger().With(zap.String("storage", storage.URI())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Storage returns the storage manager in use.
func (c *Context) Storage() *StorageManager {
	return c.storage
}

// Upload uploads the content of localDir as a new checkpoint, reports it
// and returns its storage id. Only the chief may upload.
func (c *Context) Upload(ctx context.Context, localDir string, metadata map[string]any) (storageID string, err error) {
	defer func() { observe("upload", err) }()
	if !c.dist.IsChief() {
		return "", errors.ErrRoleViolation.GenWithStackByArgs("checkpoint upload", c.dist.Rank())
	}
	if err := ValidateMetadata(metadata); err != nil {
		return "", err
	}
	storageID = c.uuidGen.NewString()
	if err := c.upload(ctx, localDir, storageID, metadata); err != nil {
		return "", err
	}
	return storageID, nil
}

// StorePath hands fn a fresh directory and the storage id the checkpoint
// will get. Once fn returns without error the directory is uploaded and
// reported. Only the chief may store.
func (c *Context) StorePath(
	ctx context.Context, metadata map[string]any, fn func(dir, storageID string) error,
) (storageID string, err error) {
	defer func() { observe("store", err) }()
	if !c.dist.IsChief() {
		return "", errors.ErrRoleViolation.GenWithStackByArgs("checkpoint store", c.dist.Rank())
	}
	if err := ValidateMetadata(metadata); err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp(c.cfg.StagingDir, "store-")
	if err != nil {
		return "", errors.Trace(err)
	}
	defer c.removeDir(dir)

	storageID = c.uuidGen.NewString()
	if err := fn(dir, storageID); err != nil {
		return "", err
	}
	if err := c.upload(ctx, dir, storageID, metadata); err != nil {
		return "", err
	}
	return storageID, nil
}

func (c *Context) upload(ctx context.Context, dir, storageID string, metadata map[string]any) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return errors.ErrInvalidCheckpointMetadata.Wrap(err).GenWithStackByArgs("not encodable")
	}
	if err := os.WriteFile(filepath.Join(dir, MetadataFile), data, 0o640); err != nil {
		return errors.Trace(err)
	}
	if _, err := c.storage.Upload(ctx, dir, storageID); err != nil {
		return err
	}
	manifest, err := c.storage.List(ctx, storageID)
	if err != nil {
		return err
	}
	if c.reporter == nil {
		c.logger.Info("checkpoint stored without a master", zap.String("storageID", storageID))
		return nil
	}
	report := &master.CheckpointReport{
		UUID:         storageID,
		AllocationID: c.cfg.AllocationID,
		TaskID:       c.cfg.TaskID,
		TrialID:      c.cfg.TrialID,
		TrialRunID:   c.cfg.TrialRunID,
		Resources:    master.NewResources(manifest),
		Metadata:     metadata,
		ReportTime:   time.Now().UTC().Format(time.RFC3339Nano),
		State:        master.StateCompleted,
	}
	if err := c.reporter.ReportCheckpoint(ctx, c.cfg.ReportPath, report); err != nil {
		c.logger.Warn("checkpoint is uploaded but not reported",
			zap.String("storageID", storageID), logutil.ShortError(err))
		return err
	}
	c.logger.Info("checkpoint reported",
		zap.String("storageID", storageID), zap.Int("files", len(manifest)))
	return nil
}

// DownloadOption customizes Download and RestorePath.
type DownloadOption func(*downloadOptions)

type downloadOptions struct {
	selector Selector
}

// WithSelector downloads only the files selector accepts. With
// LocalWorkersShareDownload the ranks of a node may pass different
// selectors, a file is downloaded when any of them accepts it.
func WithSelector(selector Selector) DownloadOption {
	return func(o *downloadOptions) {
		o.selector = selector
	}
}

func newDownloadOptions(opts []DownloadOption) *downloadOptions {
	o := &downloadOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// downloadMessage is what the local chief broadcasts while it downloads:
// one message per file to vote on, then a final one once it is done.
type downloadMessage struct {
	Path string `json:"path,omitempty"`
	Done bool   `json:"done,omitempty"`
	Dir  string `json:"dir,omitempty"`
	Err  string `json:"err,omitempty"`
}

// shareDownload lets the local chief download into the directory prepare
// returns while the other local ranks vote on every file when any rank
// has a selector. Every local rank gets the final message, downloadErr is
// the error of this rank's own download.
func (c *Context) shareDownload(
	ctx context.Context, storageID string, prepare func() (string, error), selector Selector,
) (msg downloadMessage, downloadErr error, err error) {
	wants, err := distributed.AllgatherValue(ctx, c.dist, selector != nil)
	if err != nil {
		return msg, nil, err
	}
	wantFilter := false
	for _, w := range wants {
		wantFilter = wantFilter || w
	}

	if !c.dist.IsLocalChief() {
		for {
			msg, err = distributed.BroadcastLocalValue(ctx, c.dist, downloadMessage{})
			if err != nil || msg.Done {
				return msg, nil, err
			}
			if !wantFilter {
				return msg, nil, errors.ErrProtocolViolation.GenWithStackByArgs(
					"local chief asked about " + msg.Path + " while no rank has a selector")
			}
			if _, err = distributed.GatherLocalValue(ctx, c.dist, selector.accepts(msg.Path)); err != nil {
				return msg, nil, err
			}
		}
	}

	var selectFn func(string) (bool, error)
	if wantFilter {
		selectFn = func(rel string) (bool, error) {
			if _, err := distributed.BroadcastLocalValue(ctx, c.dist, downloadMessage{Path: rel}); err != nil {
				return false, err
			}
			votes, err := distributed.GatherLocalValue(ctx, c.dist, selector.accepts(rel))
			if err != nil {
				return false, err
			}
			for _, v := range votes {
				if v {
					return true, nil
				}
			}
			return false, nil
		}
	}
	dir, downloadErr := prepare()
	if downloadErr == nil {
		_, downloadErr = c.storage.download(ctx, storageID, dir, selectFn)
	}
	msg = downloadMessage{Done: true, Dir: dir}
	if downloadErr != nil {
		msg.Err = downloadErr.Error()
	}
	_, err = distributed.BroadcastLocalValue(ctx, c.dist, msg)
	return msg, downloadErr, err
}

// sharedError is the error a local rank sees for the download of its
// local chief.
func sharedError(msg downloadMessage, downloadErr error) error {
	if downloadErr != nil {
		return downloadErr
	}
	if msg.Err != "" {
		return errors.ErrExternalStorageAPI.Wrap(errors.New(msg.Err)).GenWithStackByArgs()
	}
	return nil
}

// Download fetches the checkpoint into dstDir. With
// LocalWorkersShareDownload every rank of a node must pass the same dstDir,
// the local chief downloads and the others wait for it.
func (c *Context) Download(
	ctx context.Context, storageID, dstDir string, mode DownloadMode, opts ...DownloadOption,
) (err error) {
	defer func() { observe("download", err) }()
	o := newDownloadOptions(opts)
	if mode == NoSharedDownload {
		_, err = c.storage.Download(ctx, storageID, dstDir, o.selector)
		return err
	}

	msg, downloadErr, err := c.shareDownload(ctx, storageID, func() (string, error) {
		return dstDir, nil
	}, o.selector)
	if err != nil {
		if downloadErr != nil {
			return downloadErr
		}
		return err
	}
	return sharedError(msg, downloadErr)
}

// RestorePath downloads the checkpoint into a temporary directory, runs fn
// on it and removes it. With LocalWorkersShareDownload the ranks of a node
// share one directory, which lives until every one of them is done.
func (c *Context) RestorePath(
	ctx context.Context, storageID string, mode DownloadMode, fn func(dir string) error, opts ...DownloadOption,
) (err error) {
	defer func() { observe("restore", err) }()
	o := newDownloadOptions(opts)
	if mode == NoSharedDownload {
		dir, err := os.MkdirTemp(c.cfg.StagingDir, "restore-")
		if err != nil {
			return errors.Trace(err)
		}
		defer c.removeDir(dir)
		if _, err := c.storage.Download(ctx, storageID, dir, o.selector); err != nil {
			return err
		}
		return fn(dir)
	}

	msg, downloadErr, err := c.shareDownload(ctx, storageID, func() (string, error) {
		dir, err := os.MkdirTemp(c.cfg.StagingDir, "restore-")
		return dir, errors.Trace(err)
	}, o.selector)
	if c.dist.IsLocalChief() && msg.Dir != "" {
		defer c.removeDir(msg.Dir)
	}
	if err != nil {
		if downloadErr != nil {
			return downloadErr
		}
		return err
	}

	fnErr := sharedError(msg, downloadErr)
	if fnErr == nil {
		fnErr = fn(msg.Dir)
	}
	// the local chief removes the directory only after every local rank
	// is done with it
	if _, err := c.dist.GatherLocal(ctx, nil); err != nil {
		if fnErr != nil {
			return fnErr
		}
		return err
	}
	return fnErr
}

// Delete removes the files of a checkpoint from the storage.
func (c *Context) Delete(ctx context.Context, storageID string) (err error) {
	defer func() { observe("delete", err) }()
	return c.storage.Delete(ctx, storageID)
}

// GetMetadata returns the metadata of a checkpoint. It asks the master and
// falls back to the stored metadata file when there is none.
func (c *Context) GetMetadata(ctx context.Context, storageID string) (map[string]any, error) {
	if c.reporter != nil {
		return c.reporter.GetCheckpointMetadata(ctx, storageID)
	}
	data, err := c.storage.ReadFile(ctx, storageID, MetadataFile)
	if err != nil {
		return nil, err
	}
	metadata := make(map[string]any)
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, errors.ErrDecodeFailed.Wrap(err).GenWithStackByArgs(MetadataFile)
	}
	return metadata, nil
}

func (c *Context) removeDir(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		c.logger.Warn("failed to remove checkpoint directory",
			zap.String("dir", dir), logutil.ShortError(err))
	}
}
