// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package fbmalloc provides a fixed-block allocator working on a
// caller supplied memory area.
//
// Every allocation is rounded up to one of NBlockSizes block sizes
// (32 bytes doubling up to 512 KiB). Each size class has its own free
// list. Freed blocks go back to the list of their class and are never
// split or joined, so allocation and free are O(1) and the memory area
// cannot fragment into unusable pieces over time. The Prealloc vector
// reserves blocks of chosen classes at Init.
package fbmalloc

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

const NAME = "fbmalloc"

// Align is the alignment of every header and payload (the natural
// alignment of a uint64).
const Align = 8

// MinArenaSize is the smallest memory area accepted by Init.
const MinArenaSize = arenaSizeof + blkSizeof + MinBlockSize

// MUsed contains the fbmalloc memory usage statistics.
type MUsed struct {
	Used    uint64 // payload bytes of in use blocks
	Free    uint64 // region size - (payload + header) of in use blocks
	MaxUsed uint64 // Used high mark
}

// Options encodes various configuration flags for FBMalloc
type Options uint32

const (
	FBDebug          Options = 1 << iota // log rejected frees & corruption
	FBChecks                             // check free list headers on pop
	FBDumpStatsShort                     // dump status in log, short version
	FBDefaultOptions = FBChecks
)

// generation is bumped on every Init and folded into the block magic.
var generation atomic.Uint32

// fbDesc is the arena descriptor.
type fbDesc struct {
	sentinel uint32
	magic    uint32
	options  Options

	base      uint64 // start of the allocation region (offset in mem)
	limit     uint64 // end of the allocation region
	highWater uint64 // first virgin byte

	used MUsed

	freeHead  [NBlockSizes]uint64 // free list heads, 0 == empty
	freeCount [NBlockSizes]uint32
	inUse     [NBlockSizes]uint32

	starts *swiss.Map[uint64, uint8] // carved block offset -> class

	stamp    *fbArena
	mem      []byte  // aligned memory area
	areaAddr uintptr // caller area start, checked by Delete
}

// FBMalloc is the memory block or arena used for allocating.
// It includes the actual memory area used, all the bookkeeping
// information and the allocation functions (as methods).
//
// The zero value is an uninitialised arena, see Init.
type FBMalloc struct {
	bigLock sync.Mutex
	fbDesc
}

// Debug returns true if allocator debugging is turned on.
func (m *FBMalloc) Debug() bool { return m.options&FBDebug != 0 }

// Checks returns true if free list header checking is turned on.
func (m *FBMalloc) Checks() bool { return m.options&FBChecks != 0 }

func (m *FBMalloc) lock() {
	m.bigLock.Lock()
}
func (m *FBMalloc) unlock() {
	m.bigLock.Unlock()
}

func (m *FBMalloc) initialised() bool {
	return m.sentinel == ArenaSentinel
}

// addUsed accounts for a block of payload size going in use.
func (m *FBMalloc) addUsed(size uint64) {
	m.used.Used += size
	m.used.Free -= size + blkSizeof
	if m.used.MaxUsed < m.used.Used {
		m.used.MaxUsed = m.used.Used
	}
}

// subUsed accounts for a block of payload size being freed.
func (m *FBMalloc) subUsed(size uint64) {
	m.used.Used -= size
	m.used.Free += size + blkSizeof
}

// Init initialises a fbmalloc arena on the memory area mem.
// frag is the pre-fragmentation vector (nil means DefaultPrealloc);
// blocks are pre-allocated largest class first and stop silently for a
// class once the memory area is exhausted.
//
// It returns ErrParam for an empty or undersized area or if the arena
// is already initialised, and ErrMem if after alignment the area
// cannot hold the descriptor and one smallest block.
// mem must stay untouched by the caller until Delete.
func (m *FBMalloc) Init(mem []byte, frag *Prealloc, options Options) error {
	if len(mem) == 0 {
		return errors.Wrap(ErrParam, "nil memory area")
	}
	if uint64(len(mem)) < MinArenaSize {
		return errors.Wrapf(ErrParam, "memory area of %d bytes, need %d",
			len(mem), MinArenaSize)
	}
	if frag == nil {
		frag = &DefaultPrealloc
	}

	m.lock()
	defer m.unlock()
	if m.initialised() {
		return errors.Wrap(ErrParam, "arena already initialised")
	}

	addr := uintptr(unsafe.Pointer(&mem[0]))
	size := uint64(len(mem))
	start := roundUp(uint64(addr), Align)
	pad := start - uint64(addr)
	if size < pad+MinArenaSize {
		return errors.Wrapf(ErrMem, "memory area of %d bytes (%d unaligned)",
			size, pad)
	}
	// make sure mem starts and ends on an Align multiple
	size = roundDown(size-pad, Align)
	aligned := mem[pad : pad+size]
	base := roundUp(arenaSizeof, Align)

	m.fbDesc = fbDesc{
		magic:     BlockMagic + generation.Add(1)*0x9e3779b1,
		options:   options,
		base:      base,
		limit:     size,
		highWater: base,
		used:      MUsed{Free: size - base},
		mem:       aligned,
		areaAddr:  addr,
		starts:    swiss.NewMap[uint64, uint8](64),
	}
	m.stamp = (*fbArena)(unsafe.Pointer(&aligned[0]))
	m.stamp.sentinel = ArenaSentinel
	m.stamp.classes = NBlockSizes
	m.stamp.region = size - base

	// largest first, so small classes cannot eat the room big blocks need
	for c := NBlockSizes - 1; c >= 0; c-- {
		n := frag.count(c)
		for i := uint32(0); i < n; i++ {
			off := m.carve(c)
			if off == 0 {
				if m.Debug() && WARNon() {
					WARN("prealloc: class %d (%d bytes) stopped after %d"+
						" of %d blocks\n", c, BlockSizes[c], i, n)
				}
				break
			}
			m.pushFree(off, c)
		}
	}
	m.sentinel = ArenaSentinel
	return nil
}

// Delete invalidates the arena. mem must be the memory area passed to
// Init. The area itself is not released, but every pointer obtained
// from the arena becomes invalid and further calls return ErrInit
// until the next Init.
func (m *FBMalloc) Delete(mem []byte) error {
	m.lock()
	defer m.unlock()
	if !m.initialised() {
		return errors.WithStack(ErrInit)
	}
	if len(mem) == 0 || uintptr(unsafe.Pointer(&mem[0])) != m.areaAddr {
		return errors.Wrap(ErrParam, "not the arena memory area")
	}
	m.stamp.sentinel = 0
	m.fbDesc = fbDesc{options: m.options}
	return nil
}

// Owns returns whether or not p lies inside the arena allocation
// region (it does not check that p is a live allocation).
func (m *FBMalloc) Owns(p unsafe.Pointer) bool {
	m.lock()
	defer m.unlock()
	if !m.initialised() {
		return false
	}
	off, ok := m.blkOffset(p)
	return ok && off < m.highWater
}

// carve cuts a class c block from virgin memory and returns its offset
// (0 if it does not fit). The header state is left to the caller.
func (m *FBMalloc) carve(c int) uint64 {
	need := blkSizeof + BlockSizes[c]
	if m.limit-m.highWater < need {
		return 0
	}
	off := m.highWater
	m.highWater += need
	b := m.blk(off)
	b.magic = m.magic
	b.class = uint8(c)
	m.starts.Put(off, uint8(c))
	return off
}

// pushFree marks the block at off free and puts it on the class c list.
func (m *FBMalloc) pushFree(off uint64, c int) {
	m.blk(off).state = blkFree
	*m.nextLink(off) = m.freeHead[c]
	m.freeHead[c] = off
	m.freeCount[c]++
}

// popFree removes the head of the class c free list and returns it
// (0 if the list is empty or the head is corrupted).
func (m *FBMalloc) popFree(c int) uint64 {
	off := m.freeHead[c]
	if off == 0 {
		return 0
	}
	if m.Checks() {
		b := m.blk(off)
		if b.magic != m.magic || b.state != blkFree || int(b.class) != c {
			if m.Debug() {
				BUG("corrupted free list %d head at offset %d:"+
					" magic %x state %x class %d\n",
					c, off, b.magic, b.state, b.class)
			}
			return 0
		}
	}
	m.freeHead[c] = *m.nextLink(off)
	m.freeCount[c]--
	return off
}

// allocBlk finds a block for a size bytes request, marks it in use and
// returns its offset and class. On failure it returns (0, -1).
func (m *FBMalloc) allocBlk(size uint64) (uint64, int) {
	if !m.initialised() {
		return 0, -1
	}
	c, ok := SizeClass(size)
	if !ok {
		return 0, -1
	}
	// a bigger free block is preferred to virgin memory; it is served
	// whole and goes back to its own list on free
	// a list with a corrupted head is skipped, not repaired
	cls := -1
	off := uint64(0)
	for i := c; i < NBlockSizes; i++ {
		if m.freeHead[i] == 0 {
			continue
		}
		if off = m.popFree(i); off != 0 {
			cls = i
			break
		}
	}
	if cls < 0 {
		off, cls = m.carve(c), c
	}
	if off == 0 {
		return 0, -1
	}
	m.blk(off).state = blkInUse
	m.inUse[cls]++
	m.addUsed(BlockSizes[cls])
	return off, cls
}

// checkBlk validates a payload pointer about to be freed and returns
// its block header offset.
func (m *FBMalloc) checkBlk(p unsafe.Pointer) (uint64, error) {
	off, ok := m.blkOffset(p)
	if !ok {
		return 0, errors.Wrapf(ErrParam, "pointer %p outside the arena", p)
	}
	if off >= m.highWater {
		return 0, errors.Wrapf(ErrParam,
			"pointer %p past the allocated region", p)
	}
	if (off-m.base)%Align != 0 {
		return 0, errors.Wrapf(ErrParam, "misaligned pointer %p", p)
	}
	class, ok := m.starts.Get(off)
	if !ok {
		return 0, errors.Wrapf(ErrParam, "pointer %p: not a block start", p)
	}
	b := m.blk(off)
	if b.magic != m.magic {
		return 0, errors.Wrapf(ErrParam, "pointer %p: bad block magic %x",
			p, b.magic)
	}
	if b.class != class {
		return 0, errors.Wrapf(ErrParam,
			"pointer %p: header class %d, carved as class %d",
			p, b.class, class)
	}
	if int(b.class) >= NBlockSizes ||
		off+blkSizeof+BlockSizes[b.class] > m.highWater {
		return 0, errors.Wrapf(ErrParam, "pointer %p: bad block class %d",
			p, b.class)
	}
	switch b.state {
	case blkInUse:
		return off, nil
	case blkFree:
		return 0, errors.Wrapf(ErrParam,
			"attempt to free already freed pointer %p", p)
	}
	return 0, errors.Wrapf(ErrParam, "pointer %p: bad block state %x",
		p, b.state)
}

// AllocUnsafe is the unsafe (not locking) Alloc version.
// For more details see Alloc.
func (m *FBMalloc) AllocUnsafe(size uint64) unsafe.Pointer {
	off, _ := m.allocBlk(size)
	if off == 0 {
		return nil
	}
	return m.addr(off)
}

// FreeUnsafe releases the block p (p must have been previously
// allocated with AllocUnsafe or Alloc).
// This is the unsafe non-locking version (see also Free).
func (m *FBMalloc) FreeUnsafe(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}
	if !m.initialised() {
		return errors.WithStack(ErrInit)
	}
	off, err := m.checkBlk(p)
	if err != nil {
		if m.Debug() {
			BUG("free: %v\n", err)
		}
		return err
	}
	c := int(m.blk(off).class)
	m.inUse[c]--
	m.subUsed(BlockSizes[c])
	m.pushFree(off, c)
	return nil
}

// Alloc allocates a block of at least size bytes and returns a pointer
// to its payload. The payload is not zeroed.
// It returns nil if size is bigger than MaxBlockSize, if no block can
// be found (out of memory) or if the arena is not initialised.
// A 0 size returns a MinBlockSize block.
// With FBChecks a free list whose head fails the header check is left
// alone and the search goes on with the next class and virgin memory.
func (m *FBMalloc) Alloc(size uint64) unsafe.Pointer {
	var p unsafe.Pointer
	m.lock()
	if off, _ := m.allocBlk(size); off != 0 {
		p = m.addr(off)
	}
	m.unlock()
	return p
}

// Free releases the block p (p must have been previously allocated
// with Alloc). A nil p is ignored.
// It returns ErrInit if the arena is not initialised and ErrParam if
// p is not a live block of this arena (foreign, misaligned or already
// freed pointer); in both cases nothing is changed.
func (m *FBMalloc) Free(p unsafe.Pointer) error {
	m.lock()
	err := m.FreeUnsafe(p)
	m.unlock()
	return err
}

// AllocSlice is like Alloc, but returns the block as a byte slice of
// length size. The slice capacity is the block payload size.
func (m *FBMalloc) AllocSlice(size int) []byte {
	if size < 0 {
		return nil
	}
	var p unsafe.Pointer
	var c int
	m.lock()
	if off, cls := m.allocBlk(uint64(size)); off != 0 {
		p, c = m.addr(off), cls
	}
	m.unlock()
	if p == nil {
		return nil
	}
	return unsafe.Slice((*byte)(p), BlockSizes[c])[:size]
}

// FreeSlice releases a block returned by AllocSlice. A nil slice is
// ignored.
func (m *FBMalloc) FreeSlice(b []byte) error {
	if cap(b) == 0 {
		return nil
	}
	return m.Free(unsafe.Pointer(unsafe.SliceData(b)))
}

// BlockSize returns the payload size of the live block p.
func (m *FBMalloc) BlockSize(p unsafe.Pointer) (uint64, error) {
	m.lock()
	defer m.unlock()
	if !m.initialised() {
		return 0, errors.WithStack(ErrInit)
	}
	off, err := m.checkBlk(p)
	if err != nil {
		return 0, err
	}
	return BlockSizes[m.blk(off).class], nil
}
