// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package fbmalloc

import (
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// MaxPrealloc is the maximum number of blocks pre-allocated per size
// class. Bigger requests are clamped.
const MaxPrealloc = 10

// Prealloc is the pre-fragmentation vector: for each size class, the
// number of blocks carved and put on the free list at Init.
//
// The allocator never splits or joins blocks, so a workload that needs
// large blocks late in the process lifetime should reserve them here
// before small allocations eat the virgin memory.
type Prealloc [NBlockSizes]uint32

// DefaultPrealloc is used when Init is called with a nil Prealloc:
// one block each of 16 KiB, 32 KiB and 64 KiB and four 128 KiB blocks.
var DefaultPrealloc = Prealloc{0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 1, 4, 0, 0}

// count returns the clamped pre-allocation count for class c.
func (p *Prealloc) count(c int) uint32 {
	if p[c] > MaxPrealloc {
		return MaxPrealloc
	}
	return p[c]
}

// Blocks returns the total number of pre-allocated blocks after
// clamping.
func (p *Prealloc) Blocks() int {
	n := 0
	for c := range p {
		n += int(p.count(c))
	}
	return n
}

// Bytes returns the arena bytes (payload and headers) needed to honour
// the whole vector after clamping.
func (p *Prealloc) Bytes() uint64 {
	var n uint64
	for c := range p {
		n += uint64(p.count(c)) * (BlockSizes[c] + blkSizeof)
	}
	return n
}

// JSON returns the vector as a JSON object keyed by block size,
// omitting empty classes, e.g. {"16384":1,"131072":4}.
func (p Prealloc) JSON() []byte {
	w := jwriter.NewWriter()
	obj := w.Object()
	for c, n := range p {
		if n != 0 {
			obj.Name(strconv.FormatUint(BlockSizes[c], 10)).Int(int(n))
		}
	}
	obj.End()
	return w.Bytes()
}

// ParsePrealloc reads a pre-fragmentation vector from a JSON object
// keyed by block size (see Prealloc.JSON). Classes not named are 0.
// Unknown block sizes or negative counts return ErrParam; counts above
// MaxPrealloc are clamped.
func ParsePrealloc(data []byte) (Prealloc, error) {
	var p Prealloc
	r := jreader.NewReader(data)
	for obj := r.Object(); obj.Next(); {
		name := string(obj.Name())
		n := r.Int()
		if r.Error() != nil {
			break
		}
		bsz, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			return Prealloc{}, errors.Wrapf(ErrParam,
				"prealloc: bad block size %q", name)
		}
		c, ok := ClassOf(bsz)
		if !ok {
			return Prealloc{}, errors.Wrapf(ErrParam,
				"prealloc: %d is not a block size", bsz)
		}
		if n < 0 {
			return Prealloc{}, errors.Wrapf(ErrParam,
				"prealloc: negative count %d for block size %d", n, bsz)
		}
		if n > MaxPrealloc {
			n = MaxPrealloc
		}
		p[c] = uint32(n)
	}
	if err := r.Error(); err != nil {
		return Prealloc{}, errors.Mark(errors.Wrap(err, "prealloc"), ErrParam)
	}
	return p, nil
}
