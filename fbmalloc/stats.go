// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package fbmalloc

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Count is a point in time snapshot of the arena usage.
type Count struct {
	Used       uint64              // payload bytes of in use blocks
	Free       uint64              // bytes not taken by in use blocks
	FreeBlocks [NBlockSizes]uint32 // blocks on each free list
}

// Stats extends Count with the per class in use blocks and the virgin
// memory left.
type Stats struct {
	Count
	InUseBlocks [NBlockSizes]uint32
	MaxUsed     uint64 // Used high mark
	Region      uint64 // allocation region size
	HighWater   uint64 // carved bytes, from the region start
	Virgin      uint64 // never allocated bytes at the region end
}

// Count returns the used and free memory and the length of every free
// list. Used + Free + BlockOverhead * (in use blocks) is always the
// allocation region size.
func (m *FBMalloc) Count() (Count, error) {
	m.lock()
	defer m.unlock()
	if !m.initialised() {
		return Count{}, errors.WithStack(ErrInit)
	}
	return Count{
		Used:       m.used.Used,
		Free:       m.used.Free,
		FreeBlocks: m.freeCount,
	}, nil
}

// Stats returns detailed usage statistics.
func (m *FBMalloc) Stats() (Stats, error) {
	m.lock()
	defer m.unlock()
	if !m.initialised() {
		return Stats{}, errors.WithStack(ErrInit)
	}
	return m.stats(), nil
}

func (m *FBMalloc) stats() Stats {
	return Stats{
		Count: Count{
			Used:       m.used.Used,
			Free:       m.used.Free,
			FreeBlocks: m.freeCount,
		},
		InUseBlocks: m.inUse,
		MaxUsed:     m.used.MaxUsed,
		Region:      m.limit - m.base,
		HighWater:   m.highWater - m.base,
		Virgin:      m.limit - m.highWater,
	}
}

// BuildStatsString returns a JSON document describing the arena.
// With detailed set, the offsets of the blocks on every free list are
// included (this walks all the lists).
func (m *FBMalloc) BuildStatsString(detailed bool) string {
	m.lock()
	defer m.unlock()

	w := jwriter.NewWriter()
	obj := w.Object()
	obj.Name("Initialised").Bool(m.initialised())
	if m.initialised() {
		s := m.stats()
		obj.Name("RegionBytes").Int(int(s.Region))
		obj.Name("UsedBytes").Int(int(s.Used))
		obj.Name("FreeBytes").Int(int(s.Free))
		obj.Name("MaxUsedBytes").Int(int(s.MaxUsed))
		obj.Name("HighWater").Int(int(s.HighWater))
		obj.Name("VirginBytes").Int(int(s.Virgin))

		classes := obj.Name("Classes").Array()
		for c := 0; c < NBlockSizes; c++ {
			co := classes.Object()
			co.Name("BlockSize").Int(int(BlockSizes[c]))
			co.Name("Free").Int(int(s.FreeBlocks[c]))
			co.Name("InUse").Int(int(s.InUseBlocks[c]))
			if detailed {
				offs := co.Name("FreeOffsets").Array()
				off := m.freeHead[c]
				for i := uint32(0); off != 0 && i < s.FreeBlocks[c]; i++ {
					offs.Int(int(off - m.base))
					off = *m.nextLink(off)
				}
				offs.End()
			}
			co.End()
		}
		classes.End()
	}
	obj.End()
	return string(w.Bytes())
}
