// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package fbmalloc

import (
	"unsafe"

	"golang.org/x/exp/constraints"
)

const blkSizeof = uint64(unsafe.Sizeof(fbBlk{}))
const arenaSizeof = uint64(unsafe.Sizeof(fbArena{}))

// BlockOverhead is the per block header size in bytes.
const BlockOverhead = blkSizeof

// block helpers. Blocks are addressed by the offset of their header
// inside m.mem; offset 0 holds the arena stamp, so 0 doubles as the
// "no block" value for free list links.

// blk returns the header of the block at off.
func (m *FBMalloc) blk(off uint64) *fbBlk {
	return (*fbBlk)(unsafe.Pointer(&m.mem[off]))
}

// nextLink returns the free list link of the free block at off.
func (m *FBMalloc) nextLink(off uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&m.mem[off+blkSizeof]))
}

// addr returns the payload address for the block at off.
func (m *FBMalloc) addr(off uint64) unsafe.Pointer {
	return unsafe.Pointer(&m.mem[off+blkSizeof])
}

// blkOffset maps a payload pointer back to its header offset.
// It returns false if p is not inside the allocation region.
func (m *FBMalloc) blkOffset(p unsafe.Pointer) (uint64, bool) {
	start := uintptr(unsafe.Pointer(&m.mem[0]))
	pu := uintptr(p)
	if pu < start+uintptr(m.base+blkSizeof) || pu >= start+uintptr(m.limit) {
		return 0, false
	}
	return uint64(pu-start) - blkSizeof, true
}

// roundUp rounds v up to the next align multiple (align must be 2^n).
func roundUp[T constraints.Unsigned](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}

// roundDown rounds v down to an align multiple (align must be 2^n).
func roundDown[T constraints.Unsigned](v, align T) T {
	return v &^ (align - 1)
}
