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

package logutil

import (
	"path/filepath"
	"testing"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitLogger(t *testing.T) {
	cfg := &Config{
		Level: "warn",
		File:  filepath.Join(t.TempDir(), "worker.log"),
	}
	require.NoError(t, InitLogger(cfg))
	require.Equal(t, defaultLogMaxSize, cfg.FileMaxSize)
	require.Equal(t, defaultLogMaxDays, cfg.FileMaxDays)
	require.Equal(t, zapcore.WarnLevel, log.GetLevel())

	require.Error(t, InitLogger(&Config{Level: "no-such-level"}))
}

func TestShortError(t *testing.T) {
	t.Parallel()

	require.Equal(t, zap.Skip(), ShortError(nil))
	err := errors.New("short error")
	field := ShortError(err)
	require.Equal(t, "error", field.Key)
	require.Equal(t, "short error", field.String)
}

func TestNewLogger4Rank(t *testing.T) {
	t.Parallel()

	require.NotNil(t, NewLogger4Rank(1, 0, 1))
}
