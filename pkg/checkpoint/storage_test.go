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
	"os"
	"path/filepath"
	"strings"
	"testing"

	brStorage "github.com/pingcap/tidb/br/pkg/storage"
	"github.com/pingcap/trainflow/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// countingStorage counts the files read from the wrapped storage.
type countingStorage struct {
	brStorage.ExternalStorage
	reads atomic.Int32
}

func (s *countingStorage) ReadFile(ctx context.Context, name string) ([]byte, error) {
	s.reads.Inc()
	return s.ExternalStorage.ReadFile(ctx, name)
}

func newTestStorage(t *testing.T) (*StorageManager, *countingStorage) {
	uri := "local://" + t.TempDir()
	backend, err := brStorage.ParseBackend(uri, nil)
	require.NoError(t, err)
	storage, err := brStorage.New(context.Background(), backend, nil)
	require.NoError(t, err)
	counting := &countingStorage{ExternalStorage: storage}
	return NewStorageManagerWithStorage(uri, counting, 2), counting
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o640))
	}
}

func requireFiles(t *testing.T, dir string, files map[string]string) {
	for name, content := range files {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
		require.NoError(t, err)
		require.Equal(t, content, string(data))
	}
}

func TestStorageRoundTrip(t *testing.T) {
	t.Parallel()

	m, _ := newTestStorage(t)
	ctx := context.Background()
	files := map[string]string{
		"model.bin":        "weights",
		"optim/state.bin":  "momentum",
		"optim/extra/a.rs": "x",
	}
	src := t.TempDir()
	writeFiles(t, src, files)

	n, err := m.Upload(ctx, src, "ckpt-1")
	require.NoError(t, err)
	require.Equal(t, int64(len("weights")+len("momentum")+1), n)

	manifest, err := m.List(ctx, "ckpt-1")
	require.NoError(t, err)
	require.Equal(t, map[string]int64{
		"model.bin":        7,
		"optim/state.bin":  8,
		"optim/extra/a.rs": 1,
	}, manifest)

	dst := t.TempDir()
	n, err = m.Download(ctx, "ckpt-1", dst, nil)
	require.NoError(t, err)
	require.Equal(t, int64(16), n)
	requireFiles(t, dst, files)

	data, err := m.ReadFile(ctx, "ckpt-1", "optim/state.bin")
	require.NoError(t, err)
	require.Equal(t, "momentum", string(data))

	require.NoError(t, m.Delete(ctx, "ckpt-1"))
	manifest, err = m.List(ctx, "ckpt-1")
	require.NoError(t, err)
	require.Empty(t, manifest)
}

func TestStorageDownloadSelector(t *testing.T) {
	t.Parallel()

	m, counting := newTestStorage(t)
	ctx := context.Background()
	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"model.bin":       "weights",
		"optim/state.bin": "momentum",
		"logs/train.log":  "loss",
	})
	_, err := m.Upload(ctx, src, "ckpt-1")
	require.NoError(t, err)

	var asked []string
	dst := t.TempDir()
	n, err := m.Download(ctx, "ckpt-1", dst, func(path string) bool {
		asked = append(asked, path)
		return strings.HasPrefix(path, "optim/")
	})
	require.NoError(t, err)
	require.Equal(t, int64(len("momentum")), n)
	require.Equal(t, []string{"logs/train.log", "model.bin", "optim/state.bin"}, asked)
	require.EqualValues(t, 1, counting.reads.Load())
	requireFiles(t, dst, map[string]string{"optim/state.bin": "momentum"})
	_, err = os.Stat(filepath.Join(dst, "model.bin"))
	require.True(t, os.IsNotExist(err))
}

func TestStorageMissingCheckpoint(t *testing.T) {
	t.Parallel()

	m, _ := newTestStorage(t)
	ctx := context.Background()

	manifest, err := m.List(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, manifest)

	_, err = m.Download(ctx, "missing", t.TempDir(), nil)
	require.True(t, errors.Is(err, errors.ErrCheckpointNotFound), "%+v", err)

	_, err = m.ReadFile(ctx, "missing", MetadataFile)
	require.True(t, errors.Is(err, errors.ErrCheckpointNotFound), "%+v", err)
}

func TestStorageKeepsIDsApart(t *testing.T) {
	t.Parallel()

	m, _ := newTestStorage(t)
	ctx := context.Background()
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a": "1"})
	_, err := m.Upload(ctx, src, "ckpt")
	require.NoError(t, err)
	_, err = m.Upload(ctx, src, "ckpt-2")
	require.NoError(t, err)

	manifest, err := m.List(ctx, "ckpt")
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"a": 1}, manifest)
}

func TestNewStorageManagerInvalidURI(t *testing.T) {
	t.Parallel()

	_, err := NewStorageManager(context.Background(), "unknown://bucket", 0)
	require.Error(t, err)
}
