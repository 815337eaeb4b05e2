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
	"net/http"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/pingcap/log"
	"github.com/pingcap/trainflow/pkg/cmd/util"
	"github.com/pingcap/trainflow/pkg/core"
	"github.com/pingcap/trainflow/pkg/errors"
	"github.com/pingcap/trainflow/pkg/logutil"
	"github.com/pingcap/trainflow/pkg/security"
	"github.com/pingcap/trainflow/pkg/uuid"
	"github.com/pingcap/trainflow/pkg/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// options defines flags for the worker command.
type options struct {
	workerConfig         *core.Config
	workerConfigFilePath string

	caPath        string
	certPath      string
	keyPath       string
	allowedCertCN string

	statusAddr       string
	latestCheckpoint string
	progressPeriod   int64
}

// newOptions creates new options for the worker command.
func newOptions() *options {
	return &options{
		workerConfig:   core.GetDefaultConfig(),
		progressPeriod: defaultProgressPeriod,
	}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *options) addFlags(cmd *cobra.Command) {
	cfg := o.workerConfig
	cmd.Flags().StringVar(&o.workerConfigFilePath, "config", "", "Path of the configuration file")
	cmd.Flags().StringVar(&cfg.LogConf.File, "log-file", cfg.LogConf.File, "log file path")
	cmd.Flags().StringVar(&cfg.LogConf.Level, "log-level", cfg.LogConf.Level, "log level (etc: debug|info|warn|error)")

	cmd.Flags().StringVar(&cfg.Master.Address, "master", cfg.Master.Address, "address of the master, empty runs the worker off cluster")
	cmd.Flags().StringVar(&cfg.Master.Token, "token", cfg.Master.Token, "token authenticating the worker to the master")
	cmd.Flags().StringVar(&cfg.Cluster.AllocationID, "allocation-id", cfg.Cluster.AllocationID, "allocation the worker belongs to")
	cmd.Flags().IntVar(&cfg.Cluster.TrialID, "trial-id", cfg.Cluster.TrialID, "trial the worker trains")
	cmd.Flags().IntVar(&cfg.Distributed.Rank, "rank", cfg.Distributed.Rank, "global rank of the worker")
	cmd.Flags().IntVar(&cfg.Distributed.Size, "size", cfg.Distributed.Size, "number of workers")
	cmd.Flags().IntVar(&cfg.Distributed.LocalRank, "local-rank", cfg.Distributed.LocalRank, "rank of the worker on its node")
	cmd.Flags().IntVar(&cfg.Distributed.LocalSize, "local-size", cfg.Distributed.LocalSize, "number of workers on the node")
	cmd.Flags().IntVar(&cfg.Distributed.CrossRank, "cross-rank", cfg.Distributed.CrossRank, "index of the node")
	cmd.Flags().IntVar(&cfg.Distributed.CrossSize, "cross-size", cfg.Distributed.CrossSize, "number of nodes")
	cmd.Flags().StringVar(&cfg.Distributed.ChiefAddr, "chief-addr", cfg.Distributed.ChiefAddr, "address the chief serves collectives on")
	cmd.Flags().StringVar(&cfg.Checkpoint.StorageURI, "storage-uri", cfg.Checkpoint.StorageURI, "checkpoint storage, e.g. s3://bucket/prefix")

	cmd.Flags().StringVar(&o.caPath, "ca", "", "CA certificate path for TLS connection")
	cmd.Flags().StringVar(&o.certPath, "cert", "", "Certificate path for TLS connection")
	cmd.Flags().StringVar(&o.keyPath, "key", "", "Private key path for TLS connection")
	cmd.Flags().StringVar(&o.allowedCertCN, "cert-allowed-cn", "", "Verify the master's identity (cert Common Name). Use ',' to separate multiple CN")

	cmd.Flags().StringVar(&o.statusAddr, "status-addr", "", "serve prometheus metrics on this address, empty disables it")
	cmd.Flags().StringVar(&o.latestCheckpoint, "latest-checkpoint", "", "storage id of the checkpoint to resume from")
	cmd.Flags().Int64Var(&o.progressPeriod, "progress-period", o.progressPeriod, "steps between progress reports and preemption checks")
}

func (o *options) getCredential() *security.Credential {
	var certAllowedCN []string
	if len(o.allowedCertCN) != 0 {
		certAllowedCN = strings.Split(o.allowedCertCN, ",")
	}
	return &security.Credential{
		CAPath:        o.caPath,
		CertPath:      o.certPath,
		KeyPath:       o.keyPath,
		CertAllowedCN: certAllowedCN,
	}
}

// complete adapts from the command line args and config file to the data required.
func (o *options) complete(cmd *cobra.Command) error {
	cfg := core.GetDefaultConfig()

	if len(o.workerConfigFilePath) > 0 {
		if err := cfg.ConfigFromFile(o.workerConfigFilePath); err != nil {
			return err
		}
	}

	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "log-file":
			cfg.LogConf.File = o.workerConfig.LogConf.File
		case "log-level":
			cfg.LogConf.Level = o.workerConfig.LogConf.Level
		case "master":
			cfg.Master.Address = o.workerConfig.Master.Address
		case "token":
			cfg.Master.Token = o.workerConfig.Master.Token
		case "allocation-id":
			cfg.Cluster.AllocationID = o.workerConfig.Cluster.AllocationID
		case "trial-id":
			cfg.Cluster.TrialID = o.workerConfig.Cluster.TrialID
		case "rank":
			cfg.Distributed.Rank = o.workerConfig.Distributed.Rank
		case "size":
			cfg.Distributed.Size = o.workerConfig.Distributed.Size
		case "local-rank":
			cfg.Distributed.LocalRank = o.workerConfig.Distributed.LocalRank
		case "local-size":
			cfg.Distributed.LocalSize = o.workerConfig.Distributed.LocalSize
		case "cross-rank":
			cfg.Distributed.CrossRank = o.workerConfig.Distributed.CrossRank
		case "cross-size":
			cfg.Distributed.CrossSize = o.workerConfig.Distributed.CrossSize
		case "chief-addr":
			cfg.Distributed.ChiefAddr = o.workerConfig.Distributed.ChiefAddr
		case "storage-uri":
			cfg.Checkpoint.StorageURI = o.workerConfig.Checkpoint.StorageURI
		case "ca", "cert", "key", "cert-allowed-cn":
			cfg.Master.Security = o.getCredential()
		case "config", "status-addr", "latest-checkpoint", "progress-period":
			// do nothing
		default:
			log.Panic("unknown flag, please report a bug", zap.String("flagName", flag.Name))
		}
	})

	if err := cfg.Adjust(); err != nil {
		return errors.Trace(err)
	}
	if cfg.Master.Address != "" && strings.Contains(cfg.Master.Address, "://") {
		if err := util.VerifyMasterEndpoint(cfg.Master.Address, cfg.Master.Security.IsTLSEnabled()); err != nil {
			return err
		}
	}
	if o.latestCheckpoint != "" && !uuid.IsValid(o.latestCheckpoint) {
		return errors.ErrConfiguration.GenWithStackByArgs("latest-checkpoint is not a storage id: " + o.latestCheckpoint)
	}
	if o.progressPeriod <= 0 {
		return errors.ErrConfiguration.GenWithStackByArgs("progress-period must be positive")
	}

	o.workerConfig = cfg
	return nil
}

// run runs the worker cmd.
func (o *options) run(cmd *cobra.Command) error {
	ctx, cancel := util.InitCmd(cmd, &o.workerConfig.LogConf)
	defer cancel()

	version.LogVersionInfo("trainflow worker")
	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	util.LogHTTPProxies()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	core.InitMetrics(registry)
	if o.statusAddr != "" {
		server := serveStatus(o.statusAddr, registry)
		defer server.Close()
	}

	c, err := core.Init(ctx, o.workerConfig)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			c.Distributed().Logger().Warn("close core context failed", logutil.ShortError(err))
		}
	}()

	done := make(chan struct{})
	util.InitSignalHandling(func() <-chan struct{} {
		cancel()
		return done
	}, cancel)

	loop := newTrainingLoop(c, o.progressPeriod)
	summary, err := loop.run(ctx, o.latestCheckpoint)
	close(done)
	if err != nil && errors.Cause(err) != context.Canceled {
		loop.logExit(err)
		return errors.Trace(err)
	}
	if c.Distributed().IsChief() {
		cmd.Println(color.GreenString("training finished:"))
		if err := util.JSONPrint(cmd, summary); err != nil {
			return err
		}
	}
	loop.logExit(nil)
	return nil
}

func serveStatus(addr string, registry *prometheus.Registry) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": version.ReleaseVersion, "git_hash": version.GitHash})
	})
	server := &http.Server{Addr: addr, Handler: router}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("status server exits", zap.Error(err))
		}
	}()
	return server
}

// NewCmdWorker creates the worker command.
func NewCmdWorker() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "trainworker",
		Short: "Run a training worker coordinated by the master",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.complete(cmd); err != nil {
				return err
			}
			return o.run(cmd)
		},
	}
	command.AddCommand(newCmdVersion())
	o.addFlags(command)

	return command
}

func newCmdVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Output version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(version.GetRawInfo())
		},
	}
}
