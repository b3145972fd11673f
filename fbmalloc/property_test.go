// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package fbmalloc_test

import (
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/yanmijun/TCNopen/fbmalloc"
)

// TestRandomAllocFreeInvariants runs random alloc/free schedules and
// checks the arena invariants after every step.
func TestRandomAllocFreeInvariants(t *testing.T) {
	for _, seed := range []int64{1, 42, 4711} {
		frag := &fbmalloc.Prealloc{2: 3, 6: 2, 9: 1}
		m := newArena(t, 512*1024, frag)
		rng := rand.New(rand.NewSource(seed))

		live := make(map[unsafe.Pointer]uint64)
		var lastHigh uint64

		for step := 0; step < 3000; step++ {
			if len(live) == 0 || rng.Intn(3) != 0 {
				var n uint64
				switch rng.Intn(10) {
				case 0:
					n = fbmalloc.MaxBlockSize + 1 + uint64(rng.Intn(1000))
				case 1:
					n = uint64(rng.Intn(200000))
				default:
					n = uint64(rng.Intn(3000))
				}
				p := m.Alloc(n)
				if n > fbmalloc.MaxBlockSize {
					require.Nil(t, p, "seed %d step %d", seed, step)
				}
				if p != nil {
					_, dup := live[p]
					require.False(t, dup, "seed %d step %d: %p served twice",
						seed, step, p)
					live[p] = n
				}
			} else {
				for p := range live {
					require.NoError(t, m.Free(p), "seed %d step %d", seed, step)
					delete(live, p)
					break
				}
			}

			require.NoError(t, m.Validate(), "seed %d step %d", seed, step)

			var used uint64
			for p, n := range live {
				sz, err := m.BlockSize(p)
				require.NoError(t, err)
				require.GreaterOrEqual(t, sz, n)
				used += sz
			}
			st, err := m.Stats()
			require.NoError(t, err)
			require.Equal(t, used, st.Used, "seed %d step %d", seed, step)
			require.GreaterOrEqual(t, st.HighWater, lastHigh)
			lastHigh = st.HighWater

			var inUse uint64
			for _, n := range st.InUseBlocks {
				inUse += uint64(n)
			}
			require.Equal(t, st.Region,
				st.Used+st.Free+inUse*fbmalloc.BlockOverhead)
		}

		for p := range live {
			require.NoError(t, m.Free(p))
		}
		c := count(t, m)
		require.Equal(t, uint64(0), c.Used)
		require.NoError(t, m.Validate())
	}
}
