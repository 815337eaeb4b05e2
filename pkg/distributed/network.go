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

package distributed

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pingcap/log"
	"github.com/pingcap/trainflow/pkg/errors"
	"github.com/pingcap/trainflow/pkg/logutil"
	"github.com/pingcap/trainflow/pkg/retry"
	"go.uber.org/zap"
)

const (
	collectivePath = "/collective"

	defaultDialTimeout = time.Minute
	// minimal wait a peer gets when it joins a round without a deadline
	defaultExchangeTimeout = DefaultCollectiveTimeout
)

type exchangeRequest struct {
	ID           uint64        `json:"id"`
	Contribution *Contribution `json:"contribution"`
	TimeoutMs    int64         `json:"timeout_ms"`
}

type exchangeResponse struct {
	ID     uint64  `json:"id"`
	Result *Result `json:"result,omitempty"`
	// ErrClass is one of "timeout", "protocol" or "closed".
	ErrClass string `json:"err_class,omitempty"`
	ErrMsg   string `json:"err_msg,omitempty"`
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, errors.ErrCoordinationTimeout):
		return "timeout"
	case errors.Is(err, errors.ErrProtocolViolation):
		return "protocol"
	default:
		return "closed"
	}
}

func remoteError(class, msg string, c *Contribution) error {
	switch class {
	case "timeout":
		return errors.ErrCoordinationTimeout.GenWithStackByArgs(c.Kind, msg)
	case "protocol":
		return errors.ErrProtocolViolation.GenWithStackByArgs(msg)
	default:
		return errors.ErrPeerConnection.Wrap(errors.New(msg)).GenWithStackByArgs("chief")
	}
}

// HubServer exposes a Hub to the other ranks over websocket.
type HubServer struct {
	hub      *Hub
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// ServeHub starts serving hub on addr, e.g. "0.0.0.0:29400".
func ServeHub(hub *Hub, addr string) (*HubServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.WrapError(errors.ErrPeerConnection, err, addr)
	}
	s := &HubServer{
		hub:      hub,
		listener: listener,
		conns:    make(map[*websocket.Conn]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(collectivePath, s.handle)
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Warn("collective hub server exited", zap.Error(err))
		}
	}()
	log.Info("collective hub is serving", zap.String("addr", listener.Addr().String()))
	return s, nil
}

// Addr returns the listening address.
func (s *HubServer) Addr() string {
	return s.listener.Addr().String()
}

func (s *HubServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade collective connection failed", zap.Error(err))
		return
	}
	if !s.track(conn) {
		conn.Close()
		return
	}
	hubConnectionCount.Inc()
	defer func() {
		hubConnectionCount.Dec()
		s.untrack(conn)
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	var (
		writeMu sync.Mutex
		reqWg   sync.WaitGroup
	)
	defer func() {
		cancel()
		reqWg.Wait()
	}()
	for {
		var req exchangeRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Debug("collective connection closed",
					zap.String("peer", r.RemoteAddr), logutil.ShortError(err))
			}
			return
		}
		if req.Contribution == nil {
			log.Warn("drop collective request without contribution", zap.Uint64("id", req.ID))
			continue
		}
		reqWg.Add(1)
		go func(req exchangeRequest) {
			defer reqWg.Done()
			timeout := time.Duration(req.TimeoutMs) * time.Millisecond
			if timeout <= 0 {
				timeout = defaultExchangeTimeout
			}
			ectx, ecancel := context.WithTimeout(ctx, timeout)
			defer ecancel()

			resp := exchangeResponse{ID: req.ID}
			res, err := s.hub.Exchange(ectx, req.Contribution)
			if err != nil {
				if ectx.Err() != nil && !errors.Is(err, errors.ErrCoordinationTimeout) {
					err = errors.ErrCoordinationTimeout.GenWithStackByArgs(
						req.Contribution.Kind, "deadline exceeded on the hub")
				}
				resp.ErrClass, resp.ErrMsg = errorClass(err), err.Error()
			} else {
				resp.Result = res
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := conn.WriteJSON(&resp); err != nil {
				log.Debug("write collective response failed", logutil.ShortError(err))
			}
		}(req)
	}
}

func (s *HubServer) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *HubServer) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// Close stops serving and drops every peer connection.
func (s *HubServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	err := s.server.Close()
	s.wg.Wait()
	return errors.Trace(err)
}

// hubClient is the transport of a non-chief rank, it forwards every
// contribution to the hub served by the chief.
type hubClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *exchangeResponse
	readErr error

	done chan struct{}
	wg   sync.WaitGroup
}

// DialHub connects to the hub served on addr, retrying until dialTimeout
// elapses since the chief may start later than its peers.
func DialHub(ctx context.Context, addr string, dialTimeout time.Duration) (Transport, error) {
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	url := fmt.Sprintf("ws://%s%s", addr, collectivePath)
	var conn *websocket.Conn
	err := retry.Do(dctx, func() error {
		c, _, err := websocket.DefaultDialer.DialContext(dctx, url, nil)
		if err != nil {
			return errors.WrapError(errors.ErrPeerConnection, err, addr)
		}
		conn = c
		return nil
	}, retry.WithInfiniteTries(),
		retry.WithBackoffBaseDelay(100),
		retry.WithBackoffMaxDelay(2000))
	if err != nil {
		return nil, errors.WrapError(errors.ErrPeerConnection, err, addr)
	}

	c := &hubClient{
		conn:    conn,
		pending: make(map[uint64]chan *exchangeResponse),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	log.Info("connected to collective hub", zap.String("addr", addr))
	return c, nil
}

func (c *hubClient) readLoop() {
	defer c.wg.Done()
	defer close(c.done)
	for {
		var resp exchangeResponse
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			log.Debug("drop collective response of an abandoned request", zap.Uint64("id", resp.ID))
			continue
		}
		ch <- &resp
	}
}

// Exchange implements Transport.
func (c *hubClient) Exchange(ctx context.Context, contribution *Contribution) (*Result, error) {
	ch := make(chan *exchangeResponse, 1)
	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return nil, errors.WrapError(errors.ErrPeerConnection, err, "chief")
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	req := &exchangeRequest{ID: id, Contribution: contribution}
	if deadline, ok := ctx.Deadline(); ok {
		req.TimeoutMs = time.Until(deadline).Milliseconds()
	}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, errors.WrapError(errors.ErrPeerConnection, err, "chief")
	}

	select {
	case resp := <-ch:
		if resp.ErrClass != "" {
			return nil, remoteError(resp.ErrClass, resp.ErrMsg, contribution)
		}
		if resp.Result == nil {
			return &Result{}, nil
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, errors.Trace(ctx.Err())
	case <-c.done:
		return nil, errors.ErrPeerConnection.GenWithStackByArgs("chief")
	}
}

func (c *hubClient) forget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *hubClient) Close() error {
	c.writeMu.Lock()
	//nolint:errcheck
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	c.wg.Wait()
	return errors.Trace(err)
}

// chiefTransport is the transport of rank 0, it owns the hub and its server.
type chiefTransport struct {
	*Hub
	server *HubServer
}

func (t *chiefTransport) Close() error {
	err := t.server.Close()
	if herr := t.Hub.Close(); err == nil {
		err = herr
	}
	return err
}

// NewNetworkTransport returns the transport rank uses to reach its peers.
// The chief serves the hub on listenAddr, the others dial chiefAddr.
func NewNetworkTransport(
	ctx context.Context, rank ProcessRank, chiefAddr, listenAddr string, dialTimeout time.Duration,
) (Transport, error) {
	if rank.IsChief() {
		hub := NewHub()
		server, err := ServeHub(hub, listenAddr)
		if err != nil {
			return nil, err
		}
		return &chiefTransport{Hub: hub, server: server}, nil
	}
	return DialHub(ctx, chiefAddr, dialTimeout)
}
