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
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/docker/go-units"
	"github.com/dustin/go-humanize"
	"github.com/pingcap/log"
	brStorage "github.com/pingcap/tidb/br/pkg/storage"
	"github.com/pingcap/trainflow/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTransferConcurrency = 8
	// files above this size are streamed instead of written at once
	streamThreshold = 64 * units.MiB
	streamChunkSize = 4 * units.MiB
)

// Selector picks the files of a checkpoint to download by their path
// relative to the checkpoint root.
type Selector func(path string) bool

func (s Selector) accepts(path string) bool {
	return s == nil || s(path)
}

// StorageManager moves checkpoint directories between the local disk and
// the checkpoint storage. Every checkpoint lives under a directory named
// after its storage id.
type StorageManager struct {
	uri         string
	storage     brStorage.ExternalStorage
	concurrency int
}

// NewStorageManager opens the storage at uri, e.g. "local:///mnt/ckpt",
// "s3://bucket/prefix" or "gcs://bucket/prefix".
func NewStorageManager(ctx context.Context, uri string, concurrency int) (*StorageManager, error) {
	backend, err := brStorage.ParseBackend(uri, nil)
	if err != nil {
		return nil, errors.ErrConfiguration.Wrap(err).GenWithStackByArgs("invalid checkpoint storage " + uri)
	}
	// Note that we may have network I/O here.
	storage, err := brStorage.New(ctx, backend, &brStorage.ExternalStorageOptions{})
	if err != nil {
		return nil, errors.ErrExternalStorageAPI.Wrap(err).GenWithStackByArgs()
	}
	return NewStorageManagerWithStorage(uri, storage, concurrency), nil
}

// NewStorageManagerWithStorage wraps an opened storage.
func NewStorageManagerWithStorage(uri string, storage brStorage.ExternalStorage, concurrency int) *StorageManager {
	if concurrency <= 0 {
		concurrency = defaultTransferConcurrency
	}
	return &StorageManager{uri: uri, storage: storage, concurrency: concurrency}
}

// URI returns the location of the storage.
func (m *StorageManager) URI() string {
	return m.uri
}

// Upload copies the content of srcDir, not the directory itself, under
// storageID. It returns the number of bytes written.
func (m *StorageManager) Upload(ctx context.Context, srcDir, storageID string) (int64, error) {
	var files []string
	err := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return 0, errors.Annotatef(err, "list checkpoint directory %s", srcDir)
	}

	var (
		mu    sync.Mutex
		total int64
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(m.concurrency)
	for _, file := range files {
		file := file
		eg.Go(func() error {
			rel, err := filepath.Rel(srcDir, file)
			if err != nil {
				return errors.Trace(err)
			}
			n, err := m.uploadFile(egCtx, file, path.Join(storageID, filepath.ToSlash(rel)))
			if err != nil {
				return err
			}
			mu.Lock()
			total += n
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, err
	}
	transferBytes.WithLabelValues("upload").Add(float64(total))
	log.Info("checkpoint uploaded",
		zap.String("storage", m.uri), zap.String("storageID", storageID),
		zap.Int("files", len(files)), zap.String("size", humanize.IBytes(uint64(total))))
	return total, nil
}

func (m *StorageManager) uploadFile(ctx context.Context, src, dst string) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if info.Size() <= streamThreshold {
		data, err := os.ReadFile(src)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if err := m.storage.WriteFile(ctx, dst, data); err != nil {
			return 0, errors.ErrExternalStorageAPI.Wrap(err).GenWithStackByArgs()
		}
		return int64(len(data)), nil
	}

	f, err := os.Open(src)
	if err != nil {
		return 0, errors.Trace(err)
	}
	defer f.Close()
	writer, err := m.storage.Create(ctx, dst, nil)
	if err != nil {
		return 0, errors.ErrExternalStorageAPI.Wrap(err).GenWithStackByArgs()
	}
	var (
		total int64
		buf   = make([]byte, streamChunkSize)
	)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, err := writer.Write(ctx, buf[:n]); err != nil {
				//nolint:errcheck
				writer.Close(ctx)
				return 0, errors.ErrExternalStorageAPI.Wrap(err).GenWithStackByArgs()
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			//nolint:errcheck
			writer.Close(ctx)
			return 0, errors.Trace(rerr)
		}
	}
	if err := writer.Close(ctx); err != nil {
		return 0, errors.ErrExternalStorageAPI.Wrap(err).GenWithStackByArgs()
	}
	return total, nil
}

// List returns the size of every file stored under storageID, keyed by its
// path relative to the checkpoint root.
func (m *StorageManager) List(ctx context.Context, storageID string) (map[string]int64, error) {
	manifest := make(map[string]int64)
	prefix := storageID + "/"
	err := m.storage.WalkDir(ctx, &brStorage.WalkOption{SubDir: storageID},
		func(p string, size int64) error {
			p = strings.TrimPrefix(filepath.ToSlash(p), "/")
			rel := strings.TrimPrefix(p, prefix)
			if rel == "" || rel == p {
				return nil
			}
			manifest[rel] = size
			return nil
		})
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return manifest, nil
		}
		return nil, errors.ErrExternalStorageAPI.Wrap(err).GenWithStackByArgs()
	}
	return manifest, nil
}

// Download copies the files stored under storageID into dstDir. A nil
// selector selects every file. It returns the number of bytes read.
func (m *StorageManager) Download(ctx context.Context, storageID, dstDir string, selector Selector) (int64, error) {
	var selectFn func(string) (bool, error)
	if selector != nil {
		selectFn = func(rel string) (bool, error) { return selector(rel), nil }
	}
	return m.download(ctx, storageID, dstDir, selectFn)
}

// download asks selectFn about every stored file in path order from the
// calling goroutine before any transfer starts.
func (m *StorageManager) download(
	ctx context.Context, storageID, dstDir string, selectFn func(string) (bool, error),
) (int64, error) {
	manifest, err := m.List(ctx, storageID)
	if err != nil {
		return 0, err
	}
	if len(manifest) == 0 {
		return 0, errors.ErrCheckpointNotFound.GenWithStackByArgs(storageID)
	}

	files := make([]string, 0, len(manifest))
	for rel := range manifest {
		files = append(files, rel)
	}
	sort.Strings(files)
	if selectFn != nil {
		selected := files[:0]
		for _, rel := range files {
			ok, err := selectFn(rel)
			if err != nil {
				return 0, err
			}
			if ok {
				selected = append(selected, rel)
			}
		}
		files = selected
	}
	if err := os.MkdirAll(dstDir, 0o750); err != nil {
		return 0, errors.Trace(err)
	}

	var (
		mu    sync.Mutex
		total int64
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(m.concurrency)
	for _, rel := range files {
		rel := rel
		eg.Go(func() error {
			data, err := m.storage.ReadFile(egCtx, path.Join(storageID, rel))
			if err != nil {
				return errors.ErrExternalStorageAPI.Wrap(err).GenWithStackByArgs()
			}
			dst := filepath.Join(dstDir, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
				return errors.Trace(err)
			}
			if err := os.WriteFile(dst, data, 0o640); err != nil {
				return errors.Trace(err)
			}
			mu.Lock()
			total += int64(len(data))
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return 0, err
	}
	transferBytes.WithLabelValues("download").Add(float64(total))
	log.Info("checkpoint downloaded",
		zap.String("storage", m.uri), zap.String("storageID", storageID),
		zap.String("dir", dstDir), zap.Int("files", len(files)),
		zap.String("size", humanize.IBytes(uint64(total))))
	return total, nil
}

// ReadFile reads one file of a checkpoint.
func (m *StorageManager) ReadFile(ctx context.Context, storageID, name string) ([]byte, error) {
	p := path.Join(storageID, name)
	exists, err := m.storage.FileExists(ctx, p)
	if err != nil {
		return nil, errors.ErrExternalStorageAPI.Wrap(err).GenWithStackByArgs()
	}
	if !exists {
		return nil, errors.ErrCheckpointNotFound.GenWithStackByArgs(p)
	}
	data, err := m.storage.ReadFile(ctx, p)
	if err != nil {
		return nil, errors.ErrExternalStorageAPI.Wrap(err).GenWithStackByArgs()
	}
	return data, nil
}

// Delete removes every file stored under storageID.
func (m *StorageManager) Delete(ctx context.Context, storageID string) error {
	manifest, err := m.List(ctx, storageID)
	if err != nil {
		return err
	}
	for rel := range manifest {
		if err := m.storage.DeleteFile(ctx, path.Join(storageID, rel)); err != nil {
			return errors.ErrExternalStorageAPI.Wrap(err).GenWithStackByArgs()
		}
	}
	log.Info("checkpoint deleted",
		zap.String("storage", m.uri), zap.String("storageID", storageID),
		zap.Int("files", len(manifest)))
	return nil
}
