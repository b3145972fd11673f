// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package fbmalloc

import "unsafe"

// Default is the process wide arena used by the Mem* functions.
var Default FBMalloc

// MemInit initialises the process wide arena on mem with the default
// options (see FBMalloc.Init).
func MemInit(mem []byte, frag *Prealloc) error {
	return Default.Init(mem, frag, FBDefaultOptions)
}

// MemDelete invalidates the process wide arena.
func MemDelete(mem []byte) error {
	return Default.Delete(mem)
}

// MemAlloc allocates size bytes from the process wide arena.
func MemAlloc(size uint64) unsafe.Pointer {
	return Default.Alloc(size)
}

// MemFree returns p to the process wide arena.
func MemFree(p unsafe.Pointer) error {
	return Default.Free(p)
}

// MemCount returns the process wide arena usage.
func MemCount() (Count, error) {
	return Default.Count()
}
