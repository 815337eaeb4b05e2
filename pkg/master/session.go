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

package master

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pingcap/log"
	"github.com/pingcap/trainflow/pkg/errors"
	"github.com/pingcap/trainflow/pkg/httputil"
	"github.com/pingcap/trainflow/pkg/security"
	"go.uber.org/zap"
)

const (
	apiPrefix = "/api/v1"

	defaultRequestTimeout = 30 * time.Second
	defaultLongPollGrace  = 10 * time.Second

	// DefaultCheckpointReportPath is where uploaded checkpoints are reported.
	DefaultCheckpointReportPath = apiPrefix + "/checkpoints"
)

// Config is the configuration of a Session.
type Config struct {
	// Address is the base url of the master, e.g. "https://master:8443".
	Address    string
	Token      string
	Credential *security.Credential
	// RequestTimeout bounds every request except long-polls.
	RequestTimeout time.Duration
	// LongPollGrace is added to the server side bound of a long-poll to
	// get its client side timeout.
	LongPollGrace time.Duration
}

// Session is an authenticated client of the master control plane. It is
// safe for concurrent use and holds no process wide state.
type Session struct {
	cfg     Config
	baseURL string
	cli     *httputil.Client
}

// NewSession creates a Session.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Address == "" {
		return nil, errors.ErrConfiguration.GenWithStackByArgs("master address is empty")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.LongPollGrace <= 0 {
		cfg.LongPollGrace = defaultLongPollGrace
	}
	baseURL := strings.TrimSuffix(cfg.Address, "/")
	if !strings.Contains(baseURL, "://") {
		scheme := "http://"
		if cfg.Credential.IsTLSEnabled() {
			scheme = "https://"
		}
		baseURL = scheme + baseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, errors.ErrConfiguration.GenWithStackByArgs(
			fmt.Sprintf("invalid master address %q: %s", cfg.Address, err))
	}
	cli, err := httputil.NewClient(cfg.Credential, cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	return &Session{cfg: cfg, baseURL: baseURL, cli: cli}, nil
}

// SetTransport replaces the round tripper of the underlying client.
func (s *Session) SetTransport(rt http.RoundTripper) {
	s.cli.SetTransport(rt)
}

// BaseURL returns the base url requests are sent to.
func (s *Session) BaseURL() string {
	return s.baseURL
}

// Token returns the bearer token of the session.
func (s *Session) Token() string {
	return s.cfg.Token
}

// Credential returns the TLS bundle of the session.
func (s *Session) Credential() *security.Credential {
	return s.cfg.Credential
}

func (s *Session) headers(withBody bool) http.Header {
	headers := http.Header{}
	if s.cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	if withBody {
		headers.Set("Content-Type", "application/json")
	}
	return headers
}

func (s *Session) do(
	ctx context.Context, timeout time.Duration, method, path string, in, out any,
) error {
	var (
		body     *bytes.Reader
		withBody = in != nil
	)
	if withBody {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Trace(err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	reqURL := s.baseURL + path
	log.Debug("master request", zap.String("method", method), zap.String("url", reqURL))
	content, err := s.cli.DoRequestWithTimeout(ctx, timeout, reqURL, method, s.headers(withBody), body)
	if err != nil {
		return err
	}
	if out == nil || len(content) == 0 {
		return nil
	}
	if err := json.Unmarshal(content, out); err != nil {
		return errors.WrapError(errors.ErrDecodeFailed, err, reqURL)
	}
	return nil
}

// GetSearcherOperation fetches the pending searcher operation of a trial.
func (s *Session) GetSearcherOperation(ctx context.Context, trialID int) (*SearcherOperationResponse, error) {
	resp := &SearcherOperationResponse{}
	path := fmt.Sprintf("%s/trials/%d/searcher/operation", apiPrefix, trialID)
	if err := s.do(ctx, s.cfg.RequestTimeout, http.MethodGet, path, nil, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ReportTrialProgress reports the training progress of a trial.
func (s *Session) ReportTrialProgress(ctx context.Context, trialID int, progress float64) error {
	path := fmt.Sprintf("%s/trials/%d/progress", apiPrefix, trialID)
	return s.do(ctx, s.cfg.RequestTimeout, http.MethodPost, path, progress, nil)
}

// CompleteSearcherOperation reports that a searcher operation is done.
func (s *Session) CompleteSearcherOperation(ctx context.Context, trialID int, op *CompletedOperation) error {
	path := fmt.Sprintf("%s/trials/%d/searcher/completed_operation", apiPrefix, trialID)
	return s.do(ctx, s.cfg.RequestTimeout, http.MethodPost, path, op, nil)
}

// GetPreemptionSignal long-polls the preemption signal of an allocation.
// The master answers within timeoutSeconds, the request itself is bounded
// by timeoutSeconds plus a grace period.
func (s *Session) GetPreemptionSignal(ctx context.Context, allocationID string, timeoutSeconds int) (bool, error) {
	resp := &preemptionResponse{}
	path := fmt.Sprintf("%s/allocations/%s/signals/preemption?timeout_seconds=%d",
		apiPrefix, url.PathEscape(allocationID), timeoutSeconds)
	timeout := time.Duration(timeoutSeconds)*time.Second + s.cfg.LongPollGrace
	if err := s.do(ctx, timeout, http.MethodGet, path, nil, resp); err != nil {
		return false, err
	}
	return resp.Preempt, nil
}

// AckPreemptionSignal tells the master the allocation will exit on purpose
// and should be resumed later.
func (s *Session) AckPreemptionSignal(ctx context.Context, allocationID string) error {
	path := fmt.Sprintf("%s/allocations/%s/signals/ack_preemption", apiPrefix, url.PathEscape(allocationID))
	return s.do(ctx, s.cfg.RequestTimeout, http.MethodPost, path, nil, nil)
}

// ReportCheckpoint posts report to path.
func (s *Session) ReportCheckpoint(ctx context.Context, path string, report *CheckpointReport) error {
	if path == "" {
		path = DefaultCheckpointReportPath
	}
	return s.do(ctx, s.cfg.RequestTimeout, http.MethodPost, path, report, nil)
}

// GetCheckpointMetadata reads the metadata the master recorded for a
// checkpoint.
func (s *Session) GetCheckpointMetadata(ctx context.Context, uuid string) (map[string]any, error) {
	resp := &checkpointResponse{}
	path := fmt.Sprintf("%s/checkpoints/%s", apiPrefix, url.PathEscape(uuid))
	if err := s.do(ctx, s.cfg.RequestTimeout, http.MethodGet, path, nil, resp); err != nil {
		return nil, err
	}
	if resp.Checkpoint != nil && resp.Checkpoint.Metadata != nil {
		return resp.Checkpoint.Metadata, nil
	}
	if resp.Metadata == nil {
		return map[string]any{}, nil
	}
	return resp.Metadata, nil
}
