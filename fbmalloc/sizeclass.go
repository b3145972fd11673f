// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package fbmalloc

import "math/bits"

const (
	// NBlockSizes is the number of block size classes.
	NBlockSizes = 15
	// MinBlockSize is the payload size of class 0.
	MinBlockSize uint64 = 32
	// MaxBlockSize is the payload size of the largest class and the
	// largest request Alloc can serve.
	MaxBlockSize uint64 = MinBlockSize << (NBlockSizes - 1)

	minBlockShift = 5 // log2(MinBlockSize)
)

// BlockSizes holds the payload size of each size class
// (32 << class).
var BlockSizes = [NBlockSizes]uint64{
	32, 64, 128, 256, 512, 1024, 2048, 4096, 8192,
	16384, 32768, 65536, 131072, 262144, 524288,
}

// SizeClass returns the smallest size class whose payload can hold
// size bytes. A 0 size maps to class 0.
// It returns false if size is bigger than MaxBlockSize.
func SizeClass(size uint64) (int, bool) {
	if size <= MinBlockSize {
		return 0, true
	}
	if size > MaxBlockSize {
		return -1, false
	}
	return bits.Len64(size-1) - minBlockShift, true
}

// ClassOf returns the size class with a payload of exactly blockSize
// bytes, or false if blockSize is not one of BlockSizes.
func ClassOf(blockSize uint64) (int, bool) {
	if blockSize < MinBlockSize || blockSize > MaxBlockSize ||
		blockSize&(blockSize-1) != 0 {
		return -1, false
	}
	return bits.TrailingZeros64(blockSize) - minBlockShift, true
}
