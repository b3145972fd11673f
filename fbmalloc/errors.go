// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package fbmalloc

import "github.com/cockroachdb/errors"

// Error kinds returned by the allocator. Returned errors wrap one of
// these with details; test for them with errors.Is.
var (
	// ErrInit is returned when the arena is used before Init or after
	// Delete.
	ErrInit = errors.New(NAME + ": arena not initialised")
	// ErrParam is returned for arguments violating a precondition:
	// nil or undersized memory, foreign, misaligned or already freed
	// pointers, malformed configuration.
	ErrParam = errors.New(NAME + ": invalid parameter")
	// ErrMem is returned by Init when the memory area cannot hold the
	// descriptor and at least one smallest block.
	ErrMem = errors.New(NAME + ": memory area too small")
)
