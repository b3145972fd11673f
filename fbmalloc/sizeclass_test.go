// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package fbmalloc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yanmijun/TCNopen/fbmalloc"
)

func TestSizeClass(t *testing.T) {
	cases := []struct {
		size  uint64
		class int
	}{
		{0, 0},
		{1, 0},
		{32, 0},
		{33, 1},
		{64, 1},
		{65, 2},
		{100, 2},
		{1024, 5},
		{1025, 6},
		{20000, 10},
		{262145, 14},
		{524288, 14},
	}
	for _, tc := range cases {
		c, ok := fbmalloc.SizeClass(tc.size)
		require.True(t, ok, "size %d", tc.size)
		require.Equal(t, tc.class, c, "size %d", tc.size)
		require.GreaterOrEqual(t, fbmalloc.BlockSizes[c], tc.size)
		if c > 0 {
			require.Less(t, fbmalloc.BlockSizes[c-1], tc.size)
		}
	}

	_, ok := fbmalloc.SizeClass(524289)
	require.False(t, ok)
	_, ok = fbmalloc.SizeClass(^uint64(0))
	require.False(t, ok)
}

func TestBlockSizesLadder(t *testing.T) {
	for c, bs := range fbmalloc.BlockSizes {
		require.Equal(t, uint64(32)<<c, bs)
		cls, ok := fbmalloc.ClassOf(bs)
		require.True(t, ok)
		require.Equal(t, c, cls)
	}
	require.Equal(t, fbmalloc.MaxBlockSize, fbmalloc.BlockSizes[fbmalloc.NBlockSizes-1])

	for _, bs := range []uint64{0, 16, 48, 1000, 1 << 20} {
		_, ok := fbmalloc.ClassOf(bs)
		require.False(t, ok, "block size %d", bs)
	}
}
