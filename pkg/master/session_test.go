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
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/jarcoal/httpmock"
	"github.com/pingcap/trainflow/pkg/errors"
	"github.com/stretchr/testify/require"
)

const testMaster = "http://master:8080"

func newMockSession(t *testing.T) (*Session, *httpmock.MockTransport) {
	s, err := NewSession(Config{Address: testMaster, Token: "secret", RequestTimeout: time.Second})
	require.NoError(t, err)
	transport := httpmock.NewMockTransport()
	s.SetTransport(transport)
	return s, transport
}

func TestNewSession(t *testing.T) {
	t.Parallel()

	_, err := NewSession(Config{})
	require.True(t, errors.Is(err, errors.ErrConfiguration))

	s, err := NewSession(Config{Address: "master:8080/"})
	require.NoError(t, err)
	require.Equal(t, "http://master:8080", s.BaseURL())
}

func TestGetSearcherOperation(t *testing.T) {
	t.Parallel()

	s, transport := newMockSession(t)
	transport.RegisterResponder(http.MethodGet, testMaster+"/api/v1/trials/7/searcher/operation",
		func(req *http.Request) (*http.Response, error) {
			require.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
			return httpmock.NewStringResponse(http.StatusOK,
				`{"completed":false,"op":{"validateAfter":{"length":{"unit":"UNIT_BATCHES","length":"100"}}}}`), nil
		})

	resp, err := s.GetSearcherOperation(context.Background(), 7)
	require.NoError(t, err)
	require.False(t, resp.Completed)
	require.Equal(t, "UNIT_BATCHES", resp.Op.ValidateAfter.Length.Unit)
	require.Equal(t, Int64(100), resp.Op.ValidateAfter.Length.Length)
}

func TestSearcherOperationLengthShapes(t *testing.T) {
	t.Parallel()

	cases := map[string]OpLength{
		`{"length":{"unit":"UNIT_RECORDS","length":"64"}}`:                {Unit: "UNIT_RECORDS", Length: 64},
		`{"validateAfter":{"length":{"unit":"UNIT_EPOCHS","length":2}}}`:  {Unit: "UNIT_EPOCHS", Length: 2},
		`{"length":{"length":5},"validateAfter":{"length":{"length":9}}}`: {Length: 5},
	}
	for input, expected := range cases {
		var op SearcherOperation
		require.NoError(t, json.Unmarshal([]byte(input), &op), input)
		l, ok := op.TargetLength()
		require.True(t, ok, input)
		require.Equal(t, expected, l, input)
	}

	var empty SearcherOperation
	require.NoError(t, json.Unmarshal([]byte(`{}`), &empty))
	_, ok := empty.TargetLength()
	require.False(t, ok)
	_, ok = (*SearcherOperation)(nil).TargetLength()
	require.False(t, ok)
}

func TestOpLengthForms(t *testing.T) {
	t.Parallel()

	cases := map[string]OpLength{
		`{"unit":"UNIT_EPOCHS","length":3}`: {Unit: "UNIT_EPOCHS", Length: 3},
		`"42"`:                              {Length: 42},
		`17`:                                {Length: 17},
	}
	for input, expected := range cases {
		var l OpLength
		require.NoError(t, json.Unmarshal([]byte(input), &l), input)
		require.Equal(t, expected, l)
	}
	var l OpLength
	require.Error(t, json.Unmarshal([]byte(`"abc"`), &l))
}

func TestCompleteSearcherOperationPayload(t *testing.T) {
	t.Parallel()

	s, transport := newMockSession(t)
	var body map[string]any
	transport.RegisterResponder(http.MethodPost, testMaster+"/api/v1/trials/7/searcher/completed_operation",
		func(req *http.Request) (*http.Response, error) {
			data, err := io.ReadAll(req.Body)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(data, &body))
			return httpmock.NewStringResponse(http.StatusOK, `{}`), nil
		})

	err := s.CompleteSearcherOperation(context.Background(), 7, NewCompletedOperation("UNIT_BATCHES", 100, 0.42))
	require.NoError(t, err)
	length := body["op"].(map[string]any)["length"].(map[string]any)
	require.Equal(t, float64(100), length["length"])
	require.Equal(t, "UNIT_BATCHES", length["unit"])
	require.Equal(t, 0.42, body["searcherMetric"])
}

func TestPreemptionSignal(t *testing.T) {
	t.Parallel()

	s, transport := newMockSession(t)
	transport.RegisterResponder(http.MethodGet,
		testMaster+"/api/v1/allocations/alloc-1/signals/preemption?timeout_seconds=60",
		httpmock.NewStringResponder(http.StatusOK, `{"preempt":true}`))
	transport.RegisterResponder(http.MethodPost,
		testMaster+"/api/v1/allocations/alloc-1/signals/ack_preemption",
		httpmock.NewStringResponder(http.StatusOK, `{}`))

	preempt, err := s.GetPreemptionSignal(context.Background(), "alloc-1", 60)
	require.NoError(t, err)
	require.True(t, preempt)
	require.NoError(t, s.AckPreemptionSignal(context.Background(), "alloc-1"))

	info := transport.GetCallCountInfo()
	require.Equal(t, 1, info["POST "+testMaster+"/api/v1/allocations/alloc-1/signals/ack_preemption"])
}

func TestErrorClasses(t *testing.T) {
	t.Parallel()

	s, transport := newMockSession(t)
	transport.RegisterResponder(http.MethodPost, testMaster+"/api/v1/trials/1/progress",
		httpmock.NewStringResponder(http.StatusNotFound, `{"error":"trial not found"}`))
	transport.RegisterResponder(http.MethodGet, testMaster+"/api/v1/trials/1/searcher/operation",
		httpmock.NewErrorResponder(errors.New("connection reset")))
	transport.RegisterResponder(http.MethodGet, testMaster+"/api/v1/trials/2/searcher/operation",
		httpmock.NewStringResponder(http.StatusOK, `not json`))

	err := s.ReportTrialProgress(context.Background(), 1, 50)
	require.True(t, errors.Is(err, errors.ErrMasterAPI), err)
	require.Contains(t, err.Error(), "404")

	_, err = s.GetSearcherOperation(context.Background(), 1)
	require.True(t, errors.Is(err, errors.ErrTransport), err)

	_, err = s.GetSearcherOperation(context.Background(), 2)
	require.True(t, errors.Is(err, errors.ErrDecodeFailed), err)
}

func TestReportCheckpointAndMetadata(t *testing.T) {
	t.Parallel()

	s, transport := newMockSession(t)
	var report CheckpointReport
	transport.RegisterResponder(http.MethodPost, testMaster+DefaultCheckpointReportPath,
		func(req *http.Request) (*http.Response, error) {
			data, err := io.ReadAll(req.Body)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(data, &report))
			return httpmock.NewStringResponse(http.StatusOK, `{}`), nil
		})
	transport.RegisterResponder(http.MethodGet, testMaster+"/api/v1/checkpoints/ckpt-1",
		httpmock.NewStringResponder(http.StatusOK, `{"checkpoint":{"uuid":"ckpt-1","metadata":{"steps_completed":10}}}`))
	transport.RegisterResponder(http.MethodGet, testMaster+"/api/v1/checkpoints/ckpt-2",
		httpmock.NewStringResponder(http.StatusOK, `{"metadata":{"framework":"torch"}}`))

	err := s.ReportCheckpoint(context.Background(), "", &CheckpointReport{
		UUID:      "ckpt-1",
		Resources: NewResources(map[string]int64{"model.bin": 2048}),
		Metadata:  map[string]any{"steps_completed": 10},
		State:     StateCompleted,
	})
	require.NoError(t, err)
	require.Equal(t, "ckpt-1", report.UUID)
	require.Equal(t, map[string]string{"model.bin": "2048"}, report.Resources)

	md, err := s.GetCheckpointMetadata(context.Background(), "ckpt-1")
	require.NoError(t, err)
	require.Equal(t, float64(10), md["steps_completed"])
	md, err = s.GetCheckpointMetadata(context.Background(), "ckpt-2")
	require.NoError(t, err)
	require.Equal(t, "torch", md["framework"])
}
