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
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-json"
	"github.com/pingcap/log"
	"github.com/pingcap/trainflow/pkg/checkpoint"
	"github.com/pingcap/trainflow/pkg/distributed"
	"github.com/pingcap/trainflow/pkg/errors"
	"github.com/pingcap/trainflow/pkg/logutil"
	"github.com/pingcap/trainflow/pkg/preempt"
	"github.com/pingcap/trainflow/pkg/rendezvous"
	"github.com/pingcap/trainflow/pkg/searcher"
	"github.com/pingcap/trainflow/pkg/security"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout    = "30s"
	defaultLongPollGrace     = "10s"
	defaultCollectiveTimeout = "30m"
	defaultDialTimeout       = "5m"
	defaultListenAddr        = "0.0.0.0:29400"
	defaultLongPollSeconds   = 60
	defaultErrorBackoff      = "10s"
	defaultMaxErrorBackoff   = "2m"
	defaultHandshakeTimeout  = "5m"
	defaultDummyLength       = 100
	defaultTransferWorkers   = 8
)

// Config is the configuration of a worker.
type Config struct {
	LogConf     logutil.Config    `toml:"log" json:"log"`
	Master      MasterConfig      `toml:"master" json:"master"`
	Cluster     ClusterConfig     `toml:"cluster" json:"cluster"`
	Distributed DistributedConfig `toml:"distributed" json:"distributed"`
	Preempt     PreemptConfig     `toml:"preempt" json:"preempt"`
	Searcher    SearcherConfig    `toml:"searcher" json:"searcher"`
	Checkpoint  CheckpointConfig  `toml:"checkpoint" json:"checkpoint"`
	Rendezvous  RendezvousConfig  `toml:"rendezvous" json:"rendezvous"`
}

// MasterConfig locates the master. An empty address runs the worker off
// cluster.
type MasterConfig struct {
	Address  string               `toml:"address" json:"address"`
	Token    string               `toml:"token" json:"-"`
	Security *security.Credential `toml:"security" json:"security"`

	RequestTimeoutStr string `toml:"request-timeout" json:"request-timeout"`
	LongPollGraceStr  string `toml:"long-poll-grace" json:"long-poll-grace"`

	RequestTimeout time.Duration `toml:"-" json:"-"`
	LongPollGrace  time.Duration `toml:"-" json:"-"`
}

// ClusterConfig identifies what this worker runs for.
type ClusterConfig struct {
	AllocationID string `toml:"allocation-id" json:"allocation-id"`
	TaskID       string `toml:"task-id" json:"task-id"`
	ExperimentID int    `toml:"experiment-id" json:"experiment-id"`
	TrialID      int    `toml:"trial-id" json:"trial-id"`
	TrialRunID   int    `toml:"trial-run-id" json:"trial-run-id"`
	ContainerID  string `toml:"container-id" json:"container-id"`
}

// DistributedConfig places the worker among its peers.
type DistributedConfig struct {
	distributed.ProcessRank

	// ChiefAddr is where the chief serves the collective hub.
	ChiefAddr string `toml:"chief-addr" json:"chief-addr"`
	// ListenAddr is where the chief listens, other ranks ignore it.
	ListenAddr string `toml:"listen-addr" json:"listen-addr"`

	CollectiveTimeoutStr string `toml:"collective-timeout" json:"collective-timeout"`
	DialTimeoutStr       string `toml:"dial-timeout" json:"dial-timeout"`

	CollectiveTimeout time.Duration `toml:"-" json:"-"`
	DialTimeout       time.Duration `toml:"-" json:"-"`
}

// PreemptConfig configures the preemption watcher.
type PreemptConfig struct {
	Mode            string `toml:"mode" json:"mode"`
	LongPollSeconds int    `toml:"long-poll-seconds" json:"long-poll-seconds"`

	ErrorBackoffStr    string `toml:"error-backoff" json:"error-backoff"`
	MaxErrorBackoffStr string `toml:"max-error-backoff" json:"max-error-backoff"`

	ParsedMode      preempt.Mode  `toml:"-" json:"-"`
	ErrorBackoff    time.Duration `toml:"-" json:"-"`
	MaxErrorBackoff time.Duration `toml:"-" json:"-"`
}

// SearcherConfig configures the searcher client.
type SearcherConfig struct {
	Mode string `toml:"mode" json:"mode"`
	// Unit is used when the master does not name one.
	Unit    string `toml:"unit" json:"unit"`
	AutoAck bool   `toml:"auto-ack" json:"auto-ack"`
	// DummyLength is the length of the single operation of off cluster runs.
	DummyLength int64 `toml:"dummy-length" json:"dummy-length"`

	ParsedMode searcher.Mode `toml:"-" json:"-"`
	ParsedUnit searcher.Unit `toml:"-" json:"-"`
}

// CheckpointConfig configures the checkpoint storage.
type CheckpointConfig struct {
	// StorageURI is a br storage url, e.g. "s3://bucket/prefix".
	StorageURI   string `toml:"storage-uri" json:"storage-uri"`
	ReportPath   string `toml:"report-path" json:"report-path"`
	DownloadMode string `toml:"download-mode" json:"download-mode"`
	StagingDir   string `toml:"staging-dir" json:"staging-dir"`
	Concurrency  int    `toml:"concurrency" json:"concurrency"`

	ParsedDownloadMode checkpoint.DownloadMode `toml:"-" json:"-"`
}

// RendezvousConfig configures the workload stream of the legacy harness.
type RendezvousConfig struct {
	Enabled             bool                 `toml:"enabled" json:"enabled"`
	Port1               int                  `toml:"port1" json:"port1"`
	Port2               int                  `toml:"port2" json:"port2"`
	HandshakeTimeoutStr string               `toml:"handshake-timeout" json:"handshake-timeout"`
	InitialWorkload     *rendezvous.Workload `toml:"initial-workload" json:"initial-workload"`

	HandshakeTimeout time.Duration `toml:"-" json:"-"`
}

func (c *Config) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		log.L().Error("marshal to json", zap.Reflect("worker config", c), logutil.ShortError(err))
	}
	return string(cfg)
}

// Toml returns TOML format representation of config.
func (c *Config) Toml() (string, error) {
	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return "", errors.Trace(err)
	}
	return b.String(), nil
}

// Adjust fills the defaults, parses the durations and validates the
// named modes.
func (c *Config) Adjust() (err error) {
	c.LogConf.Adjust()

	if c.Master.RequestTimeout, err = parseDuration("master.request-timeout", c.Master.RequestTimeoutStr, defaultRequestTimeout); err != nil {
		return err
	}
	if c.Master.LongPollGrace, err = parseDuration("master.long-poll-grace", c.Master.LongPollGraceStr, defaultLongPollGrace); err != nil {
		return err
	}

	d := &c.Distributed
	if d.Size == 0 {
		d.ProcessRank = distributed.SingleProcess
	}
	if err := d.ProcessRank.Validate(); err != nil {
		return err
	}
	if d.Size > 1 && d.ChiefAddr == "" {
		return errors.ErrConfiguration.GenWithStackByArgs("distributed.chief-addr is required with more than one process")
	}
	if d.ListenAddr == "" {
		d.ListenAddr = defaultListenAddr
	}
	if d.CollectiveTimeout, err = parseDuration("distributed.collective-timeout", d.CollectiveTimeoutStr, defaultCollectiveTimeout); err != nil {
		return err
	}
	if d.DialTimeout, err = parseDuration("distributed.dial-timeout", d.DialTimeoutStr, defaultDialTimeout); err != nil {
		return err
	}

	p := &c.Preempt
	if p.ParsedMode, err = preempt.ParseMode(p.Mode); err != nil {
		return err
	}
	if p.LongPollSeconds <= 0 {
		p.LongPollSeconds = defaultLongPollSeconds
	}
	if p.ErrorBackoff, err = parseDuration("preempt.error-backoff", p.ErrorBackoffStr, defaultErrorBackoff); err != nil {
		return err
	}
	if p.MaxErrorBackoff, err = parseDuration("preempt.max-error-backoff", p.MaxErrorBackoffStr, defaultMaxErrorBackoff); err != nil {
		return err
	}

	s := &c.Searcher
	if s.ParsedMode, err = searcher.ParseMode(s.Mode); err != nil {
		return err
	}
	if s.Unit == "" {
		s.Unit = searcher.Batches.String()
	}
	if s.ParsedUnit, err = searcher.ParseUnit(s.Unit); err != nil {
		return err
	}
	if s.DummyLength <= 0 {
		s.DummyLength = defaultDummyLength
	}

	ck := &c.Checkpoint
	if ck.StorageURI == "" {
		ck.StorageURI = "local://" + filepath.Join(os.TempDir(), "trainflow-checkpoints")
	}
	if ck.ParsedDownloadMode, err = checkpoint.ParseDownloadMode(ck.DownloadMode); err != nil {
		return err
	}
	if ck.Concurrency <= 0 {
		ck.Concurrency = defaultTransferWorkers
	}

	r := &c.Rendezvous
	if r.Port1 == 0 {
		r.Port1 = rendezvous.DefaultPort1
	}
	if r.Port2 == 0 {
		r.Port2 = rendezvous.DefaultPort2
	}
	if r.HandshakeTimeout, err = parseDuration("rendezvous.handshake-timeout", r.HandshakeTimeoutStr, defaultHandshakeTimeout); err != nil {
		return err
	}
	if r.InitialWorkload != nil && !r.InitialWorkload.Kind.Valid() {
		return errors.ErrConfiguration.GenWithStackByArgs(
			fmt.Sprintf("unknown initial workload kind %q", r.InitialWorkload.Kind))
	}
	return nil
}

func parseDuration(name, value, def string) (time.Duration, error) {
	if value == "" {
		value = def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.ErrConfiguration.Wrap(err).GenWithStackByArgs(fmt.Sprintf("%s %q", name, value))
	}
	return d, nil
}

// ConfigFromFile loads config from file and merges items into Config.
func (c *Config) ConfigFromFile(path string) error {
	metaData, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.WrapError(errors.ErrDecodeConfigFile, err)
	}
	return checkUndecodedItems(metaData)
}

// ConfigFromString loads config from a TOML document.
func (c *Config) ConfigFromString(data string) error {
	metaData, err := toml.Decode(data, c)
	if err != nil {
		return errors.WrapError(errors.ErrDecodeConfigFile, err)
	}
	return checkUndecodedItems(metaData)
}

// GetDefaultConfig returns a default worker config.
func GetDefaultConfig() *Config {
	return &Config{
		LogConf: *logutil.DefaultConfig(),
		Master: MasterConfig{
			RequestTimeoutStr: defaultRequestTimeout,
			LongPollGraceStr:  defaultLongPollGrace,
		},
		Distributed: DistributedConfig{
			ProcessRank:          distributed.SingleProcess,
			ListenAddr:           defaultListenAddr,
			CollectiveTimeoutStr: defaultCollectiveTimeout,
			DialTimeoutStr:       defaultDialTimeout,
		},
		Preempt: PreemptConfig{
			Mode:               string(preempt.WorkersAskChief),
			LongPollSeconds:    defaultLongPollSeconds,
			ErrorBackoffStr:    defaultErrorBackoff,
			MaxErrorBackoffStr: defaultMaxErrorBackoff,
		},
		Searcher: SearcherConfig{
			Mode:        string(searcher.WorkersAskChief),
			Unit:        searcher.Batches.String(),
			AutoAck:     true,
			DummyLength: defaultDummyLength,
		},
		Checkpoint: CheckpointConfig{
			DownloadMode: string(checkpoint.LocalWorkersShareDownload),
			Concurrency:  defaultTransferWorkers,
		},
		Rendezvous: RendezvousConfig{
			Port1:               rendezvous.DefaultPort1,
			Port2:               rendezvous.DefaultPort2,
			HandshakeTimeoutStr: defaultHandshakeTimeout,
		},
	}
}

func checkUndecodedItems(metaData toml.MetaData) error {
	undecoded := metaData.Undecoded()
	if len(undecoded) > 0 {
		var undecodedItems []string
		for _, item := range undecoded {
			undecodedItems = append(undecodedItems, item.String())
		}
		return errors.ErrConfigUnknownItem.GenWithStackByArgs(strings.Join(undecodedItems, ","))
	}
	return nil
}
