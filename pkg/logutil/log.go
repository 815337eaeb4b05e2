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
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	defaultLogLevel   = "info"
	defaultLogMaxDays = 7
	defaultLogMaxSize = 512 // MB

	fieldRankKey      = "rank"
	fieldLocalRankKey = "local_rank"
	fieldCrossRankKey = "cross_rank"
)

// Config serves as a log config of a worker process.
type Config struct {
	// Log level.
	Level string `toml:"level" json:"level"`
	// Log filename, leave empty to disable file log.
	File string `toml:"file" json:"file"`
	// Max size for a single file, in MB.
	FileMaxSize int `toml:"max-size" json:"max-size"`
	// Max log keep days, default is never deleting.
	FileMaxDays int `toml:"max-days" json:"max-days"`
	// Maximum number of old log files to retain.
	FileMaxBackups int `toml:"max-backups" json:"max-backups"`
}

// DefaultConfig returns a log config with default values.
func DefaultConfig() *Config {
	return &Config{
		Level:       defaultLogLevel,
		FileMaxSize: defaultLogMaxSize,
		FileMaxDays: defaultLogMaxDays,
	}
}

// Adjust fills the zero fields with default values.
func (cfg *Config) Adjust() {
	if cfg.Level == "" {
		cfg.Level = defaultLogLevel
	}
	if cfg.FileMaxSize == 0 {
		cfg.FileMaxSize = defaultLogMaxSize
	}
	if cfg.FileMaxDays == 0 {
		cfg.FileMaxDays = defaultLogMaxDays
	}
}

// InitLogger initializes the global logger.
func InitLogger(cfg *Config) error {
	cfg.Adjust()
	pclogConfig := &log.Config{
		Level: cfg.Level,
		File: log.FileLogConfig{
			Filename:   cfg.File,
			MaxSize:    cfg.FileMaxSize,
			MaxDays:    cfg.FileMaxDays,
			MaxBackups: cfg.FileMaxBackups,
		},
	}
	logger, props, err := log.InitLogger(pclogConfig)
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(logger, props)
	return nil
}

// ShortError contructs a field which only records the error message without
// the verbose text (i.e. excludes the stack trace).
func ShortError(err error) zap.Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.String("error", err.Error())
}

// NewLogger4Rank returns a logger whose entries carry the position of this
// worker among its peers.
func NewLogger4Rank(rank, localRank, crossRank int) *zap.Logger {
	return log.L().With(
		zap.Int(fieldRankKey, rank),
		zap.Int(fieldLocalRankKey, localRank),
		zap.Int(fieldCrossRankKey, crossRank),
	)
}
