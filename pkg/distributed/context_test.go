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
	"testing"
	"time"

	"github.com/pingcap/trainflow/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// runAll runs fn on every context concurrently.
func runAll(t *testing.T, contexts []*Context, fn func(c *Context) error) {
	var eg errgroup.Group
	for _, c := range contexts {
		c := c
		eg.Go(func() error { return fn(c) })
	}
	require.NoError(t, eg.Wait())
}

func TestBroadcastFromEverySender(t *testing.T) {
	t.Parallel()

	layouts := []struct{ size, localSize int }{
		{1, 1}, {2, 1}, {2, 2}, {4, 2}, {6, 3},
	}
	for _, layout := range layouts {
		contexts, err := NewLocalCluster(layout.size, layout.localSize)
		require.NoError(t, err)
		for sender := 0; sender < layout.size; sender++ {
			expected := []byte(fmt.Sprintf("value-of-%d", sender))
			runAll(t, contexts, func(c *Context) error {
				payload := []byte(fmt.Sprintf("value-of-%d", c.Rank()))
				out, err := c.Broadcast(context.Background(), payload, sender)
				if err != nil {
					return err
				}
				if string(out) != string(expected) {
					return fmt.Errorf("rank %d got %q, want %q", c.Rank(), out, expected)
				}
				return nil
			})
		}
	}
}

func TestGatherIsRankOrderedOnChief(t *testing.T) {
	t.Parallel()

	contexts, err := NewLocalCluster(4, 2)
	require.NoError(t, err)
	var (
		mu      sync.Mutex
		results = make(map[int][]int)
	)
	runAll(t, contexts, func(c *Context) error {
		values, err := GatherValue(context.Background(), c, c.Rank()*10)
		if err != nil {
			return err
		}
		mu.Lock()
		results[c.Rank()] = values
		mu.Unlock()
		return nil
	})
	require.Equal(t, []int{0, 10, 20, 30}, results[0])
	for rank := 1; rank < 4; rank++ {
		require.Nil(t, results[rank])
	}
}

func TestAllgatherAndBarrier(t *testing.T) {
	t.Parallel()

	contexts, err := NewLocalCluster(3, 1)
	require.NoError(t, err)
	runAll(t, contexts, func(c *Context) error {
		if err := c.Barrier(context.Background()); err != nil {
			return err
		}
		values, err := AllgatherValue(context.Background(), c, fmt.Sprintf("addr-%d", c.Rank()))
		if err != nil {
			return err
		}
		if len(values) != 3 || values[0] != "addr-0" || values[2] != "addr-2" {
			return fmt.Errorf("unexpected allgather result %v", values)
		}
		return c.Barrier(context.Background())
	})
}

func TestLocalCollectivesStayOnNode(t *testing.T) {
	t.Parallel()

	contexts, err := NewLocalCluster(6, 3)
	require.NoError(t, err)
	var (
		mu       sync.Mutex
		received = make(map[int]string)
		gathered = make(map[int][]int)
	)
	runAll(t, contexts, func(c *Context) error {
		v, err := BroadcastLocalValue(context.Background(), c, fmt.Sprintf("node-%d-rank-%d", c.CrossRank(), c.Rank()))
		if err != nil {
			return err
		}
		ranks, err := GatherLocalValue(context.Background(), c, c.Rank())
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		received[c.Rank()] = v
		gathered[c.Rank()] = ranks
		return nil
	})
	for rank := 0; rank < 3; rank++ {
		require.Equal(t, "node-0-rank-0", received[rank])
	}
	for rank := 3; rank < 6; rank++ {
		require.Equal(t, "node-1-rank-3", received[rank])
	}
	require.Equal(t, []int{0, 1, 2}, gathered[0])
	require.Equal(t, []int{3, 4, 5}, gathered[3])
	require.Nil(t, gathered[1])
	require.Nil(t, gathered[5])
}

func TestMissingPeerTimesOutEveryParticipant(t *testing.T) {
	t.Parallel()

	contexts, err := NewLocalCluster(3, 1, WithCollectiveTimeout(100*time.Millisecond))
	require.NoError(t, err)
	var eg errgroup.Group
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		eg.Go(func() error {
			_, errs[i] = contexts[i].Broadcast(context.Background(), []byte("x"), 0)
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	for _, err := range errs {
		require.True(t, errors.Is(err, errors.ErrCoordinationTimeout), err)
	}

	// a peer arriving after the round was abandoned fails at once
	start := time.Now()
	_, err = contexts[2].Broadcast(context.Background(), nil, 0)
	require.True(t, errors.Is(err, errors.ErrCoordinationTimeout), err)
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestMismatchedCollectiveIsProtocolViolation(t *testing.T) {
	t.Parallel()

	contexts, err := NewLocalCluster(2, 1, WithCollectiveTimeout(time.Second))
	require.NoError(t, err)
	var eg errgroup.Group
	errs := make([]error, 2)
	eg.Go(func() error {
		_, errs[0] = contexts[0].Broadcast(context.Background(), nil, 0)
		return nil
	})
	eg.Go(func() error {
		_, errs[1] = contexts[1].Gather(context.Background(), nil)
		return nil
	})
	require.NoError(t, eg.Wait())
	require.True(t, errors.Is(errs[0], errors.ErrProtocolViolation), errs[0])
	require.True(t, errors.Is(errs[1], errors.ErrProtocolViolation), errs[1])
}

func TestInvalidSender(t *testing.T) {
	t.Parallel()

	c := NewSingle()
	_, err := c.Broadcast(context.Background(), nil, 1)
	require.True(t, errors.Is(err, errors.ErrProtocolViolation))

	out, err := c.Broadcast(context.Background(), []byte("solo"), 0)
	require.NoError(t, err)
	require.Equal(t, "solo", string(out))
	list, err := c.Gather(context.Background(), []byte("solo"))
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NoError(t, c.Close())
}

func TestClosedContext(t *testing.T) {
	t.Parallel()

	contexts, err := NewLocalCluster(2, 1)
	require.NoError(t, err)
	require.NoError(t, contexts[1].Close())
	require.NoError(t, contexts[1].Close())
	_, err = contexts[1].Broadcast(context.Background(), nil, 0)
	require.True(t, errors.Is(err, errors.ErrChannelClosed))

	_, err = New(ProcessRank{Size: 2, LocalSize: 1, CrossSize: 2}, nil)
	require.True(t, errors.Is(err, errors.ErrConfiguration))
}

func TestHubGarbageCollectsRounds(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := hub.Exchange(ctx, &Contribution{Scope: ScopeGlobal, Kind: KindBroadcast, Member: 0, Members: 2})
	require.True(t, errors.Is(err, errors.ErrCoordinationTimeout), err)
	// the round is dropped even though its other member never showed up
	require.Equal(t, 0, hub.pendingRounds())

	// the late member still sees the abort
	_, err = hub.Exchange(context.Background(), &Contribution{Scope: ScopeGlobal, Kind: KindBroadcast, Member: 1, Members: 2})
	require.True(t, errors.Is(err, errors.ErrCoordinationTimeout))
	require.Equal(t, 0, hub.pendingRounds())

	require.NoError(t, hub.Close())
	_, err = hub.Exchange(context.Background(), &Contribution{Scope: ScopeGlobal, Kind: KindBroadcast, Member: 1, Members: 2})
	require.True(t, errors.Is(err, errors.ErrChannelClosed))
}

func TestHubDropsAbortedRoundsOfAbsentMembers(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	join := func(seq uint64, member int, timeout time.Duration) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_, err := hub.Exchange(ctx, &Contribution{
			Scope: ScopeLocal, Group: 1, Seq: seq, Kind: KindGather, Member: member, Members: 3,
		})
		return err
	}

	// two members wait, one of them gives up, the third never comes
	var eg errgroup.Group
	errs := make([]error, 2)
	eg.Go(func() error {
		errs[0] = join(4, 0, 20*time.Millisecond)
		return nil
	})
	eg.Go(func() error {
		errs[1] = join(4, 1, time.Minute)
		return nil
	})
	require.NoError(t, eg.Wait())
	for _, err := range errs {
		require.True(t, errors.Is(err, errors.ErrCoordinationTimeout), err)
	}
	require.Equal(t, 0, hub.pendingRounds())

	// older rounds of the group fail fast too, other groups are untouched
	require.True(t, errors.Is(join(3, 2, time.Minute), errors.ErrCoordinationTimeout))
	require.Equal(t, 0, hub.pendingRounds())
	var other errgroup.Group
	for m := 0; m < 2; m++ {
		m := m
		other.Go(func() error {
			_, err := hub.Exchange(context.Background(), &Contribution{
				Scope: ScopeLocal, Group: 2, Seq: 4, Kind: KindBroadcast, Member: m, Members: 2,
			})
			return err
		})
	}
	require.NoError(t, other.Wait())
	require.Equal(t, 0, hub.pendingRounds())
}
