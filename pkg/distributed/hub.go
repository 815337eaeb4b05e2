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
	"sync"

	"github.com/pingcap/trainflow/pkg/errors"
)

// Scope selects the participants of a collective.
type Scope string

// Kind is the type of a collective.
type Kind string

const (
	// ScopeGlobal collectives involve every rank of the job.
	ScopeGlobal Scope = "global"
	// ScopeLocal collectives involve the ranks sharing one node.
	ScopeLocal Scope = "local"

	KindBroadcast Kind = "broadcast"
	KindGather    Kind = "gather"
	KindAllgather Kind = "allgather"
)

// Contribution is what one participant brings to a collective round.
type Contribution struct {
	Scope Scope `json:"scope"`
	// Group tells apart the concurrent rounds of one scope, it is the node
	// index for local collectives.
	Group int    `json:"group"`
	Seq   uint64 `json:"seq"`
	Kind  Kind   `json:"kind"`
	// Member is the index of the participant inside its group.
	Member  int `json:"member"`
	Members int `json:"members"`
	// Root is the sender of a broadcast or the receiver of a gather.
	Root    int    `json:"root"`
	Payload []byte `json:"payload,omitempty"`
}

func (c *Contribution) validate() error {
	if c.Members < 1 || c.Member < 0 || c.Member >= c.Members {
		return errors.ErrProtocolViolation.GenWithStackByArgs(
			fmt.Sprintf("member %d is out of range [0, %d)", c.Member, c.Members))
	}
	if c.Root < 0 || c.Root >= c.Members {
		return errors.ErrProtocolViolation.GenWithStackByArgs(
			fmt.Sprintf("root %d is out of range [0, %d)", c.Root, c.Members))
	}
	switch c.Kind {
	case KindBroadcast, KindGather, KindAllgather:
	default:
		return errors.ErrProtocolViolation.GenWithStackByArgs(
			fmt.Sprintf("unknown collective %q", c.Kind))
	}
	return nil
}

func (c *Contribution) String() string {
	return fmt.Sprintf("%s %s group %d round %d", c.Scope, c.Kind, c.Group, c.Seq)
}

// Result is what one participant gets back from a collective round.
type Result struct {
	// Payload is the broadcast value.
	Payload []byte `json:"payload,omitempty"`
	// Payloads is the member-ordered list of a gather, only set on the root
	// or on every member of an allgather.
	Payloads [][]byte `json:"payloads,omitempty"`
}

// Transport carries contributions to the place where rounds are matched.
type Transport interface {
	// Exchange blocks until every member of the round contributed, ctx is
	// done or the round was aborted by another member.
	Exchange(ctx context.Context, c *Contribution) (*Result, error)
	Close() error
}

type groupKey struct {
	scope Scope
	group int
}

type roundKey struct {
	groupKey
	seq uint64
}

// tombstone remembers the latest aborted round of a group so that members
// arriving late fail at once instead of opening a new round.
type tombstone struct {
	seq uint64
	err error
}

type outcome struct {
	result *Result
	err    error
}

type round struct {
	kind    Kind
	root    int
	members int

	payloads [][]byte
	joined   []bool
	waiters  []chan outcome
	arrived  int

	done bool
}

func newRound(c *Contribution) *round {
	return &round{
		kind:     c.Kind,
		root:     c.Root,
		members:  c.Members,
		payloads: make([][]byte, c.Members),
		joined:   make([]bool, c.Members),
		waiters:  make([]chan outcome, c.Members),
	}
}

// Hub matches the contributions of a round and hands every member its
// result. It runs inside the chief and is reached by the other ranks
// through a network transport, or directly by in-process workers.
type Hub struct {
	mu      sync.Mutex
	rounds  map[roundKey]*round
	aborted map[groupKey]tombstone
	closed  bool
}

// NewHub creates a Hub.
func NewHub() *Hub {
	return &Hub{
		rounds:  make(map[roundKey]*round),
		aborted: make(map[groupKey]tombstone),
	}
}

// Exchange implements Transport.
func (h *Hub) Exchange(ctx context.Context, c *Contribution) (*Result, error) {
	ch, err := h.join(c)
	if err != nil {
		return nil, err
	}
	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		h.leave(c)
		// the round may have completed before we left it
		select {
		case o := <-ch:
			if o.err == nil {
				return o.result, nil
			}
		default:
		}
		return nil, errors.Trace(ctx.Err())
	}
}

func (h *Hub) join(c *Contribution) (<-chan outcome, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.ErrChannelClosed.GenWithStackByArgs("collective hub")
	}

	key := roundKey{groupKey: groupKey{scope: c.Scope, group: c.Group}, seq: c.Seq}
	r, ok := h.rounds[key]
	if !ok {
		// rounds of a group are numbered in order, one not pending at or
		// below the latest aborted one was aborted too
		if t, ok := h.aborted[key.groupKey]; ok && c.Seq <= t.seq {
			if c.Seq == t.seq {
				return nil, t.err
			}
			return nil, errors.ErrCoordinationTimeout.GenWithStackByArgs(
				c.Kind, fmt.Sprintf("%s was abandoned by another member", c))
		}
		r = newRound(c)
		h.rounds[key] = r
	}

	if r.kind != c.Kind || r.root != c.Root || r.members != c.Members {
		err := errors.ErrProtocolViolation.GenWithStackByArgs(fmt.Sprintf(
			"%s: member %d called %s(root=%d, members=%d) while others called %s(root=%d, members=%d)",
			c, c.Member, c.Kind, c.Root, c.Members, r.kind, r.root, r.members))
		h.abortLocked(key, r, err)
		return nil, err
	}
	if c.Member >= r.members || r.joined[c.Member] {
		err := errors.ErrProtocolViolation.GenWithStackByArgs(
			fmt.Sprintf("%s: member %d joined twice", c, c.Member))
		h.abortLocked(key, r, err)
		return nil, err
	}

	ch := make(chan outcome, 1)
	r.joined[c.Member] = true
	r.waiters[c.Member] = ch
	r.payloads[c.Member] = c.Payload
	r.arrived++
	if r.arrived == r.members {
		h.completeLocked(key, r)
	}
	return ch, nil
}

func (h *Hub) leave(c *Contribution) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := roundKey{groupKey: groupKey{scope: c.Scope, group: c.Group}, seq: c.Seq}
	r, ok := h.rounds[key]
	if !ok || r.done {
		return
	}
	r.waiters[c.Member] = nil
	h.abortLocked(key, r, errors.ErrCoordinationTimeout.GenWithStackByArgs(
		c.Kind, fmt.Sprintf("member %d gave up waiting in %s", c.Member, c)))
}

func (h *Hub) completeLocked(key roundKey, r *round) {
	r.done = true
	for member, ch := range r.waiters {
		res := &Result{}
		switch r.kind {
		case KindBroadcast:
			res.Payload = r.payloads[r.root]
		case KindGather:
			if member == r.root {
				res.Payloads = r.payloads
			}
		case KindAllgather:
			res.Payloads = r.payloads
		}
		ch <- outcome{result: res}
	}
	delete(h.rounds, key)
}

// abortLocked fails every member waiting in the round and drops it, members
// arriving later fail immediately on the tombstone of the group.
func (h *Hub) abortLocked(key roundKey, r *round, err error) {
	for i, ch := range r.waiters {
		if ch != nil {
			ch <- outcome{err: err}
			r.waiters[i] = nil
		}
	}
	delete(h.rounds, key)
	if t, ok := h.aborted[key.groupKey]; !ok || key.seq >= t.seq {
		h.aborted[key.groupKey] = tombstone{seq: key.seq, err: err}
	}
}

// pendingRounds returns the number of rounds not yet resolved.
func (h *Hub) pendingRounds() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rounds)
}

// Close fails every pending round. Close is idempotent.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	err := errors.ErrChannelClosed.GenWithStackByArgs("collective hub")
	for key, r := range h.rounds {
		h.abortLocked(key, r, err)
	}
	return nil
}

// sharedHub lets several in-process contexts use one hub, closing a
// context does not close the hub.
type sharedHub struct {
	*Hub
}

func (s sharedHub) Close() error {
	return nil
}
