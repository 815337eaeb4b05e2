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

// Package mastertest provides an in-process master speaking the control
// plane api, for tests driving workers end to end.
package mastertest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/pingcap/log"
	"github.com/pingcap/trainflow/pkg/master"
	"github.com/pingcap/trainflow/pkg/rendezvous"
	"go.uber.org/zap"
)

// Completion is a completed searcher operation received by the master.
type Completion struct {
	Unit   string
	Length int64
	Metric float64
}

type trialState struct {
	unit        string
	pending     []int64
	progress    []float64
	completions []Completion
}

type socketScript struct {
	info      rendezvous.Info
	workloads []rendezvous.Workload
	responses []json.RawMessage
}

// Master is a fake master served over httptest.
type Master struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	token    string

	mu          sync.Mutex
	trials      map[int]*trialState
	preempted   map[string]bool
	acks        map[string]int
	polls       map[string]int
	checkpoints map[string]*master.CheckpointReport
	sockets     map[string]*socketScript
	// changed is closed and replaced on every preemption
	changed chan struct{}
	wg      sync.WaitGroup
}

// New starts a Master. A non-empty token is required on every request.
func New(token string) *Master {
	gin.SetMode(gin.TestMode)
	m := &Master{
		token:       token,
		trials:      make(map[int]*trialState),
		preempted:   make(map[string]bool),
		acks:        make(map[string]int),
		polls:       make(map[string]int),
		checkpoints: make(map[string]*master.CheckpointReport),
		sockets:     make(map[string]*socketScript),
		changed:     make(chan struct{}),
	}

	router := gin.New()
	router.Use(gin.Recovery(), m.authenticate)
	api := router.Group("/api/v1")
	api.GET("/trials/:trial/searcher/operation", m.getOperation)
	api.POST("/trials/:trial/progress", m.postProgress)
	api.POST("/trials/:trial/searcher/completed_operation", m.postCompletion)
	api.GET("/allocations/:allocation/signals/preemption", m.getPreemption)
	api.POST("/allocations/:allocation/signals/ack_preemption", m.postAck)
	api.POST("/checkpoints", m.postCheckpoint)
	api.GET("/checkpoints/:uuid", m.getCheckpoint)
	router.GET("/trial/:experiment/:trial/:container", m.serveTrialSocket)

	m.server = httptest.NewServer(router)
	return m
}

// URL returns the base url of the master.
func (m *Master) URL() string {
	return m.server.URL
}

// Close stops the master.
func (m *Master) Close() {
	m.server.Close()
	m.wg.Wait()
}

func (m *Master) authenticate(c *gin.Context) {
	if m.token != "" && c.GetHeader("Authorization") != "Bearer "+m.token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	c.Next()
}

func (m *Master) trialLocked(id int) *trialState {
	t, ok := m.trials[id]
	if !ok {
		t = &trialState{}
		m.trials[id] = t
	}
	return t
}

func trialParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("trial"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid trial id"})
		return 0, false
	}
	return id, true
}

func bindJSON(c *gin.Context, out any) bool {
	data, err := io.ReadAll(c.Request.Body)
	if err == nil {
		err = json.Unmarshal(data, out)
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// SetOperations queues the searcher operations of a trial. unit is the
// wire name, e.g. "UNIT_BATCHES".
func (m *Master) SetOperations(trialID int, unit string, lengths ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.trialLocked(trialID)
	t.unit = unit
	t.pending = append([]int64(nil), lengths...)
}

// Progress returns the progress reports of a trial.
func (m *Master) Progress(trialID int) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.trialLocked(trialID).progress...)
}

// Completions returns the completed operations of a trial.
func (m *Master) Completions(trialID int) []Completion {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Completion(nil), m.trialLocked(trialID).completions...)
}

func (m *Master) getOperation(c *gin.Context) {
	id, ok := trialParam(c)
	if !ok {
		return
	}
	m.mu.Lock()
	t := m.trialLocked(id)
	if len(t.pending) == 0 {
		m.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"completed": true})
		return
	}
	length := strconv.FormatInt(t.pending[0], 10)
	unit := t.unit
	m.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"completed": false,
		"op": gin.H{"validateAfter": gin.H{"length": gin.H{
			"unit":   unit,
			"length": length,
		}}},
	})
}

func (m *Master) postProgress(c *gin.Context) {
	id, ok := trialParam(c)
	if !ok {
		return
	}
	var progress float64
	if !bindJSON(c, &progress) {
		return
	}
	m.mu.Lock()
	t := m.trialLocked(id)
	t.progress = append(t.progress, progress)
	m.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{})
}

func (m *Master) postCompletion(c *gin.Context) {
	id, ok := trialParam(c)
	if !ok {
		return
	}
	var op master.CompletedOperation
	if !bindJSON(c, &op) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.trialLocked(id)
	length := int64(op.Op.Length.Length)
	if len(t.pending) == 0 || t.pending[0] != length {
		c.JSON(http.StatusBadRequest, gin.H{"error": "completed operation is not the pending one"})
		return
	}
	t.pending = t.pending[1:]
	t.completions = append(t.completions, Completion{
		Unit:   op.Op.Length.Unit,
		Length: length,
		Metric: op.SearcherMetric,
	})
	c.JSON(http.StatusOK, gin.H{})
}

// Preempt asks the allocation to pause, pending long-polls answer at once.
func (m *Master) Preempt(allocationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preempted[allocationID] = true
	close(m.changed)
	m.changed = make(chan struct{})
}

// Acks returns how many times the allocation acknowledged a preemption.
func (m *Master) Acks(allocationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acks[allocationID]
}

// Polls returns how many preemption polls the allocation made.
func (m *Master) Polls(allocationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls[allocationID]
}

func (m *Master) getPreemption(c *gin.Context) {
	allocation := c.Param("allocation")
	timeout, err := strconv.Atoi(c.DefaultQuery("timeout_seconds", "60"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid timeout_seconds"})
		return
	}
	deadline := time.After(time.Duration(timeout) * time.Second)
	for {
		m.mu.Lock()
		m.polls[allocation]++
		preempt := m.preempted[allocation]
		changed := m.changed
		m.mu.Unlock()
		if preempt || timeout == 0 {
			c.JSON(http.StatusOK, gin.H{"preempt": preempt})
			return
		}
		select {
		case <-changed:
		case <-deadline:
			c.JSON(http.StatusOK, gin.H{"preempt": false})
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (m *Master) postAck(c *gin.Context) {
	m.mu.Lock()
	m.acks[c.Param("allocation")]++
	m.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{})
}

// Checkpoint returns the report of a checkpoint, nil if never reported.
func (m *Master) Checkpoint(uuid string) *master.CheckpointReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints[uuid]
}

// CheckpointCount returns the number of reported checkpoints.
func (m *Master) CheckpointCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.checkpoints)
}

func (m *Master) postCheckpoint(c *gin.Context) {
	var report master.CheckpointReport
	if !bindJSON(c, &report) {
		return
	}
	if report.UUID == "" || report.State != master.StateCompleted {
		c.JSON(http.StatusBadRequest, gin.H{"error": "incomplete checkpoint report"})
		return
	}
	m.mu.Lock()
	m.checkpoints[report.UUID] = &report
	m.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{})
}

func (m *Master) getCheckpoint(c *gin.Context) {
	m.mu.Lock()
	report, ok := m.checkpoints[c.Param("uuid")]
	m.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "checkpoint not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoint": gin.H{
		"uuid":      report.UUID,
		"resources": report.Resources,
		"metadata":  report.Metadata,
	}})
}

// SetTrialSocket scripts the trial socket of a container: the rendezvous
// info goes first, then each workload once the previous one is answered.
func (m *Master) SetTrialSocket(containerID string, info rendezvous.Info, workloads ...rendezvous.Workload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sockets[containerID] = &socketScript{info: info, workloads: workloads}
}

// TrialSocketResponses returns what the container answered so far.
func (m *Master) TrialSocketResponses(containerID string) []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sockets[containerID]; ok {
		return append([]json.RawMessage(nil), s.responses...)
	}
	return nil
}

func (m *Master) serveTrialSocket(c *gin.Context) {
	container := c.Param("container")
	m.mu.Lock()
	script, ok := m.sockets[container]
	m.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown container"})
		return
	}
	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("upgrade trial socket failed", zap.Error(err))
		return
	}
	m.wg.Add(1)
	defer m.wg.Done()
	defer conn.Close()

	info := map[string]any{
		"type":       "RENDEZVOUS_INFO",
		"addrs":      script.info.Addrs,
		"addrs2":     script.info.Addrs2,
		"rank":       script.info.Rank,
		"containers": script.info.Containers,
	}
	if err := conn.WriteJSON(info); err != nil {
		return
	}
	for i := range script.workloads {
		if err := conn.WriteJSON(map[string]any{"type": "RUN_WORKLOAD", "workload": &script.workloads[i]}); err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m.mu.Lock()
		script.responses = append(script.responses, data)
		m.mu.Unlock()
	}
	// wait for the worker to hang up
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
