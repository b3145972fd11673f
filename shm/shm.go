// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package shm provides named shared memory areas.
//
// An area is a file under Dir mapped MAP_SHARED into the process. The
// first Open of a key creates and sizes it, later Opens (from this or
// another process) attach to it. The process that created an area
// removes its name on Close.
//
// The mapped bytes can be handed to fbmalloc.FBMalloc.Init to run an
// allocator over shared memory.
package shm

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

const NAME = "shm"

// Error kinds, test for them with errors.Is.
var (
	// ErrParam is returned for a bad key or size.
	ErrParam = errors.New(NAME + ": invalid parameter")
	// ErrNoInit is returned when using a closed area.
	ErrNoInit = errors.New(NAME + ": area not open")
	// ErrMem is returned when the area cannot be created, sized or
	// mapped.
	ErrMem = errors.New(NAME + ": cannot map area")
	// ErrNotSupported is returned on targets without shared memory.
	ErrNotSupported = errors.New(NAME + ": not supported")
)

// Dir is the directory holding the area names.
var Dir = defaultDir()

func defaultDir() string {
	if runtime.GOOS == "linux" {
		if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
			return "/dev/shm"
		}
	}
	return os.TempDir()
}

// Area is a mapped shared memory area.
type Area struct {
	key     string
	path    string
	creator bool

	mu   sync.Mutex
	data []byte
}

// namePath checks key and returns the file backing it.
// A single leading '/' is accepted, as for shm_open(3).
func namePath(key string) (string, error) {
	name := strings.TrimPrefix(key, "/")
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, "/\x00") {
		return "", errors.Wrapf(ErrParam, "bad area key %q", key)
	}
	return filepath.Join(Dir, name), nil
}

// Key returns the name the area was opened with.
func (a *Area) Key() string { return a.key }

// Creator reports whether this handle created the area.
func (a *Area) Creator() bool { return a.creator }

// Bytes returns the mapped memory, nil after Close.
func (a *Area) Bytes() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.data
}

// Size returns the mapped size, 0 after Close.
func (a *Area) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.data)
}

// Close unmaps the area. If this handle created the area its name is
// removed too; other attached handles keep their mapping.
// It returns ErrNoInit if the area is already closed.
func (a *Area) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.data == nil {
		return errors.Wrapf(ErrNoInit, "area %q", a.key)
	}
	err := a.unmap()
	a.data = nil
	if DBGon() {
		DBG("closed area %q (creator %v)\n", a.key, a.creator)
	}
	return err
}
