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

package rendezvous

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/pingcap/log"
	"github.com/pingcap/trainflow/pkg/errors"
	"github.com/pingcap/trainflow/pkg/logutil"
	"github.com/pingcap/trainflow/pkg/security"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// State is the lifecycle state of a Channel.
type State int32

// States of a Channel.
const (
	StateConnecting State = iota
	StateHandshake
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshake:
		return "handshake"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

const (
	// DefaultPort1 and DefaultPort2 are the container ports a rank binds
	// for its peers.
	DefaultPort1 = 1734
	DefaultPort2 = 1735

	defaultHandshakeTimeout = 5 * time.Minute
	defaultWriteTimeout     = 30 * time.Second
)

// Config locates the trial socket on the master.
type Config struct {
	MasterAddress string
	ExperimentID  int
	TrialID       int
	ContainerID   string
	Token         string
	Credential    *security.Credential

	Port1 int
	Port2 int
	// InitialWorkload is delivered before anything the socket streams.
	InitialWorkload *Workload
	// HandshakeTimeout bounds the wait for the rendezvous message.
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (c *Config) adjust() {
	if c.Port1 == 0 {
		c.Port1 = DefaultPort1
	}
	if c.Port2 == 0 {
		c.Port2 = DefaultPort2
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
}

// socketURL turns the master address into the websocket url of the trial.
func (c *Config) socketURL() (string, error) {
	addr := c.MasterAddress
	if !strings.Contains(addr, "://") {
		if c.Credential.IsTLSEnabled() {
			addr = "https://" + addr
		} else {
			addr = "http://" + addr
		}
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", errors.ErrConfiguration.Wrap(err).GenWithStackByArgs("invalid master address " + c.MasterAddress)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.ErrConfiguration.GenWithStackByArgs("unsupported master scheme " + u.Scheme)
	}
	u.Path = fmt.Sprintf("%s/trial/%d/%d/%s",
		strings.TrimSuffix(u.Path, "/"), c.ExperimentID, c.TrialID, url.PathEscape(c.ContainerID))
	return u.String(), nil
}

// Channel is the workload stream of one trial container. Workloads are
// handed out one at a time, each must be answered before the next one is
// delivered.
type Channel struct {
	cfg    Config
	conn   *websocket.Conn
	info   Info
	state  atomic.Int32
	logger *zap.Logger

	// frames has no buffer, the pump holds at most one undelivered workload
	frames chan *Workload
	done   chan struct{}
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu          sync.Mutex
	initial     *Workload
	outstanding *Request
	// waiting is set while a Next call waits for a frame
	waiting    bool
	terminated bool
	closeOnce  sync.Once
	closeErr   error
}

// Dial connects to the trial socket and waits for the rendezvous message.
func Dial(ctx context.Context, cfg Config) (*Channel, error) {
	cfg.adjust()
	socketURL, err := cfg.socketURL()
	if err != nil {
		return nil, err
	}
	c := &Channel{
		cfg:     cfg,
		initial: cfg.InitialWorkload,
		frames:  make(chan *Workload),
		done:    make(chan struct{}),
		logger: log.L().With(
			zap.Int("experiment", cfg.ExperimentID),
			zap.Int("trial", cfg.TrialID),
			zap.String("container", cfg.ContainerID)),
	}
	c.state.Store(int32(StateConnecting))

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	if cfg.Credential.IsTLSEnabled() {
		if dialer.TLSClientConfig, err = cfg.Credential.ToTLSConfig(); err != nil {
			return nil, err
		}
	}
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, socketURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.ErrTransport.Wrap(err).GenWithStackByArgs(socketURL)
	}
	c.conn = conn
	c.state.Store(int32(StateHandshake))

	if err := c.handshake(ctx); err != nil {
		conn.Close()
		c.state.Store(int32(StateClosed))
		return nil, err
	}

	conn.SetPingHandler(func(data string) error {
		c.logger.Debug("rendezvous socket ping")
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	conn.SetCloseHandler(func(code int, text string) error {
		c.logger.Info("rendezvous socket closed by master", zap.Int("code", code), zap.String("reason", text))
		return nil
	})

	c.state.Store(int32(StateStreaming))
	c.wg.Add(1)
	go c.pump()
	c.logger.Info("rendezvous finished",
		zap.Int("rank", c.info.Rank), zap.Strings("addrs", c.info.Addrs), zap.Strings("addrs2", c.info.Addrs2))
	return c, nil
}

func (c *Channel) handshake(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return errors.Trace(err)
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return errors.WrapError(errors.ErrRendezvousProtocol, err, "no rendezvous message received")
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return errors.WrapError(errors.ErrRendezvousProtocol, err, "undecodable first message")
	}
	if f.Type != typeRendezvousInfo {
		return errors.ErrRendezvousProtocol.GenWithStackByArgs(
			fmt.Sprintf("expected %s first, got %q", typeRendezvousInfo, f.Type))
	}
	if err := f.Info.bindLocal(c.cfg.Port1, c.cfg.Port2); err != nil {
		return err
	}
	c.info = f.Info
	return errors.Trace(c.conn.SetReadDeadline(time.Time{}))
}

// pump reads the socket until it fails or the channel closes.
func (c *Channel) pump() {
	defer c.wg.Done()
	defer close(c.frames)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.State() < StateClosing {
				c.logger.Info("rendezvous socket read stopped", logutil.ShortError(err))
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("dropping undecodable frame", logutil.ShortError(err))
			continue
		}
		if f.Type != typeRunWorkload || f.Workload == nil {
			c.logger.Info("ignoring frame", zap.String("type", f.Type))
			continue
		}
		if !f.Workload.Kind.Valid() {
			c.logger.Warn("ignoring workload of unknown kind", zap.String("kind", string(f.Workload.Kind)))
			continue
		}
		select {
		case c.frames <- f.Workload:
		case <-c.done:
			c.logger.Warn("discarding workload received while closing", zap.Stringer("workload", f.Workload))
			return
		}
	}
}

// Info returns the peer address table, with the entries of this rank
// rewritten to local binds.
func (c *Channel) Info() Info {
	return c.info
}

// State returns the lifecycle state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Next blocks until the next workload arrives. It returns io.EOF once the
// terminate workload has been answered.
func (c *Channel) Next(ctx context.Context) (*Request, error) {
	c.mu.Lock()
	if c.outstanding != nil {
		w := c.outstanding.workload
		c.mu.Unlock()
		return nil, errors.ErrProtocolViolation.GenWithStackByArgs(
			fmt.Sprintf("workload %s is not answered yet", w))
	}
	if c.waiting {
		c.mu.Unlock()
		return nil, errors.ErrProtocolViolation.GenWithStackByArgs(
			"Next called while another Next is waiting for a workload")
	}
	if c.terminated {
		c.mu.Unlock()
		return nil, io.EOF
	}
	if w := c.initial; w != nil {
		c.initial = nil
		req := c.deliverLocked(w)
		c.mu.Unlock()
		return req, nil
	}
	// the slot is claimed before waiting, a concurrent Next fails above
	c.waiting = true
	c.mu.Unlock()

	var (
		w   *Workload
		err error
	)
	select {
	case <-ctx.Done():
		err = errors.Trace(ctx.Err())
	case frame, ok := <-c.frames:
		if !ok {
			err = errors.ErrChannelClosed.GenWithStackByArgs("rendezvous channel")
		}
		w = frame
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiting = false
	if err != nil {
		return nil, err
	}
	return c.deliverLocked(w), nil
}

func (c *Channel) deliverLocked(w *Workload) *Request {
	req := &Request{channel: c, workload: w}
	c.outstanding = req
	workloadCounter.WithLabelValues(string(w.Kind)).Inc()
	c.logger.Debug("workload delivered", zap.Stringer("workload", w))
	return req
}

// respond writes the answer of req, the next workload is delivered only
// after it.
func (c *Channel) respond(ctx context.Context, req *Request, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return errors.Annotatef(err, "encode response to %s", req.workload)
	}
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	err = c.conn.SetWriteDeadline(deadline)
	if err == nil {
		err = c.conn.WriteMessage(websocket.TextMessage, data)
	}
	c.writeMu.Unlock()
	if err != nil {
		return errors.ErrTransport.Wrap(err).GenWithStackByArgs("rendezvous socket")
	}

	c.mu.Lock()
	c.outstanding = nil
	terminate := req.workload.Kind == Terminate
	if terminate {
		c.terminated = true
	}
	c.mu.Unlock()
	if terminate {
		c.logger.Info("terminate workload answered, closing rendezvous channel")
		return c.Close()
	}
	return nil
}

// Close closes the socket. Workloads received but not delivered are
// dropped with a warning.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.writeMu.Lock()
		err := c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		if err != nil && err != websocket.ErrCloseSent {
			c.logger.Debug("write close frame failed", logutil.ShortError(err))
		}
		close(c.done)
		c.closeErr = errors.Trace(c.conn.Close())
		c.wg.Wait()
		for w := range c.frames {
			c.logger.Warn("discarding undelivered workload", zap.Stringer("workload", w))
		}
		c.state.Store(int32(StateClosed))
	})
	return c.closeErr
}

// Request is a delivered workload waiting for its answer.
type Request struct {
	channel   *Channel
	workload  *Workload
	responded atomic.Bool
}

// Workload returns the workload to run.
func (r *Request) Workload() *Workload {
	return r.workload
}

// Respond answers the workload, it must be called exactly once.
func (r *Request) Respond(ctx context.Context, result any) error {
	if !r.responded.CompareAndSwap(false, true) {
		return errors.ErrProtocolViolation.GenWithStackByArgs(
			fmt.Sprintf("workload %s is already answered", r.workload))
	}
	if err := r.channel.respond(ctx, r, result); err != nil {
		r.responded.Store(false)
		return err
	}
	return nil
}
