// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package fbmalloc

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/intuitivelabs/slog"
)

// DumpStatus writes the current arena status to the log, at debug level.
func (m *FBMalloc) DumpStatus() {
	m.lock()
	m.dumpStatus()
	m.unlock()
}

// dumpStatus will write current status information in the log
func (m *FBMalloc) dumpStatus() {
	const lev = slog.LDBG
	const prefix = "fbm_status "

	if !Log.L(lev) {
		return
	}
	Log.LLog(lev, 0, prefix, "(%p):\n", m)
	if m == nil || !m.initialised() {
		return
	}
	s := m.stats()
	Log.LLog(lev, 0, prefix, "region size= %d, carved= %d, virgin= %d\n",
		s.Region, s.HighWater, s.Virgin)
	Log.LLog(lev, 0, prefix, "used= %d, free=%d\n", s.Used, s.Free)
	Log.LLog(lev, 0, prefix, "max used= %d\n", s.MaxUsed)
	if m.options&FBDumpStatsShort != 0 {
		return
	}
	Log.LLog(lev, 0, prefix, "dumping free list stats:\n")
	for c := 0; c < NBlockSizes; c++ {
		n := uint32(0)
		for off := m.freeHead[c]; off != 0 && n <= m.freeCount[c]; off = *m.nextLink(off) {
			n++
		}
		if n != 0 || m.inUse[c] != 0 {
			Log.LLog(lev, 0, prefix,
				"class= %2d. block size: %6d free: %5d in use: %5d\n",
				c, BlockSizes[c], n, m.inUse[c])
		}
		if n != m.freeCount[c] {
			BUG("fbm_status: different free block count: %d != %d"+
				" for class %2d\n", n, m.freeCount[c], c)
		}
	}
	Log.LLog(lev, 0, prefix, "-----------------------------\n")
}

// Validate performs internal consistency checks on the arena: it walks
// every carved block and every free list and cross-checks them with
// the counters. It is O(number of blocks) and meant for diagnostics
// and tests.
func (m *FBMalloc) Validate() error {
	m.lock()
	defer m.unlock()
	if !m.initialised() {
		return errors.WithStack(ErrInit)
	}
	if m.stamp.sentinel != ArenaSentinel {
		return errors.Newf("arena stamp overwritten (%x)", m.stamp.sentinel)
	}

	// physical walk over the carved region
	var free, inUse [NBlockSizes]uint32
	var used, overhead uint64
	blocks := swiss.NewMap[uint64, uint8](64)
	off := m.base
	for off < m.highWater {
		b := m.blk(off)
		if b.magic != m.magic {
			return errors.Newf("block at offset %d: bad magic %x", off, b.magic)
		}
		if int(b.class) >= NBlockSizes {
			return errors.Newf("block at offset %d: bad class %d", off, b.class)
		}
		switch b.state {
		case blkFree:
			free[b.class]++
		case blkInUse:
			inUse[b.class]++
			used += BlockSizes[b.class]
			overhead += blkSizeof
		default:
			return errors.Newf("block at offset %d: bad state %x", off, b.state)
		}
		if class, ok := m.starts.Get(off); !ok || class != b.class {
			return errors.Newf("block at offset %d: not carved as class %d",
				off, b.class)
		}
		blocks.Put(off, b.state)
		off += blkSizeof + BlockSizes[b.class]
	}
	if off != m.highWater {
		return errors.Newf("last block ends at %d, past high water %d",
			off, m.highWater)
	}
	if blocks.Count() != m.starts.Count() {
		return errors.Newf("%d blocks in the arena, %d carved",
			blocks.Count(), m.starts.Count())
	}

	// free lists
	for c := 0; c < NBlockSizes; c++ {
		n := uint32(0)
		for off := m.freeHead[c]; off != 0; off = *m.nextLink(off) {
			state, ok := blocks.Get(off)
			if !ok {
				return errors.Newf("free list %d: offset %d is not a block",
					c, off)
			}
			if state != blkFree {
				return errors.Newf("free list %d: block at offset %d is %s",
					c, off, stateName(state))
			}
			if int(m.blk(off).class) != c {
				return errors.Newf("free list %d: block at offset %d has class %d",
					c, off, m.blk(off).class)
			}
			// mark visited, a second visit means a loop or a shared block
			blocks.Put(off, 0)
			n++
		}
		if n != m.freeCount[c] || n != free[c] {
			return errors.Newf("free list %d: %d blocks linked, %d counted,"+
				" %d free blocks in the arena", c, n, m.freeCount[c], free[c])
		}
		if inUse[c] != m.inUse[c] {
			return errors.Newf("class %d: %d blocks in use, %d counted",
				c, inUse[c], m.inUse[c])
		}
	}

	if used != m.used.Used {
		return errors.Newf("used bytes %d, counted %d", used, m.used.Used)
	}
	if region := m.limit - m.base; used+overhead+m.used.Free != region {
		return errors.Newf("used %d + overhead %d + free %d != region %d",
			used, overhead, m.used.Free, region)
	}
	return nil
}
