// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package fbmalloc

// fbBlk is the header placed in front of every block carved from the
// arena. A free block keeps its free list link in the first 8 payload
// bytes, right after the header.
type fbBlk struct {
	magic uint32 // per-init block magic, rejects foreign pointers
	class uint8  // size class index, never changes once carved
	state uint8  // blkFree or blkInUse
	_     uint16 // pad to 8
}

// fbArena is the descriptor stamp written at the head of the managed
// buffer.
type fbArena struct {
	sentinel uint32
	classes  uint32 // NBlockSizes at init time
	region   uint64 // allocation region size
}

const (
	// BlockMagic is the base block magic. Each Init derives its own
	// magic from it, so headers left over from a previous Init of the
	// same buffer do not validate.
	BlockMagic uint32 = 0xb10cf0f0
	// ArenaSentinel marks an initialised descriptor.
	ArenaSentinel uint32 = 0xa7e0c0de
)

// block state tags, both non-zero so that zeroed memory is never
// mistaken for a block
const (
	blkFree  uint8 = 0x5a
	blkInUse uint8 = 0xa5
)

func stateName(s uint8) string {
	switch s {
	case blkFree:
		return "free"
	case blkInUse:
		return "in use"
	}
	return "invalid"
}
