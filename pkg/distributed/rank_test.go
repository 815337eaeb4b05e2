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
	"testing"

	"github.com/pingcap/trainflow/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestProcessRankValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, SingleProcess.Validate())
	require.True(t, SingleProcess.IsChief())
	require.True(t, SingleProcess.IsLocalChief())

	invalid := []ProcessRank{
		{},
		{Rank: 2, Size: 2, LocalSize: 1, CrossSize: 1},
		{Rank: 0, Size: 2, LocalRank: -1, LocalSize: 1, CrossSize: 1},
		{Rank: 0, Size: 2, LocalSize: 1, CrossRank: 1, CrossSize: 1},
		{Rank: 0, Size: 2, LocalSize: 4, CrossSize: 1},
	}
	for _, r := range invalid {
		err := r.Validate()
		require.True(t, errors.Is(err, errors.ErrConfiguration), "%+v", r)
	}
}

func TestNodeLayout(t *testing.T) {
	t.Parallel()

	ranks, err := NodeLayout(6, 3)
	require.NoError(t, err)
	require.Len(t, ranks, 6)
	for _, r := range ranks {
		require.NoError(t, r.Validate())
		require.Equal(t, 2, r.CrossSize)
	}
	require.Equal(t, ProcessRank{Rank: 4, Size: 6, LocalRank: 1, LocalSize: 3, CrossRank: 1, CrossSize: 2}, ranks[4])
	require.True(t, ranks[3].IsLocalChief())
	require.False(t, ranks[3].IsChief())

	_, err = NodeLayout(5, 2)
	require.True(t, errors.Is(err, errors.ErrConfiguration))
}
