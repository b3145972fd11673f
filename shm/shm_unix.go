// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build unix

package shm

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Open creates the area key with size bytes, or attaches to it if it
// already exists. On attach size only has to be positive, the mapping
// covers the existing area.
// It returns ErrParam for a bad key or size and ErrMem if the area
// cannot be created or mapped.
func Open(key string, size int) (*Area, error) {
	path, err := namePath(key)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, errors.Wrapf(ErrParam, "area %q: size %d", key, size)
	}

	creator := true
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
	if errors.Is(err, unix.EEXIST) {
		creator = false
		fd, err = unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "open %s", path), ErrMem)
	}
	defer unix.Close(fd) // the mapping outlives the descriptor

	fail := func(err error, what string) (*Area, error) {
		if creator {
			if uerr := unix.Unlink(path); uerr != nil && ERRon() {
				ERR("area %q: removing %s: %v\n", key, path, uerr)
			}
		}
		return nil, errors.Mark(errors.Wrapf(err, "%s %s", what, path), ErrMem)
	}

	if creator {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			return fail(err, "truncate")
		}
	} else {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return fail(err, "stat")
		}
		if st.Size <= 0 || st.Size > int64(^uint(0)>>1) {
			return fail(errors.Newf("unusable size %d", st.Size), "attach")
		}
		size = int(st.Size)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fail(err, "mmap")
	}
	if DBGon() {
		DBG("opened area %q: %d bytes at %s (creator %v)\n",
			key, size, path, creator)
	}
	return &Area{key: key, path: path, creator: creator, data: data}, nil
}

func (a *Area) unmap() error {
	var errs error
	if err := unix.Munmap(a.data); err != nil {
		errs = errors.Mark(errors.Wrapf(err, "munmap area %q", a.key), ErrMem)
	}
	if a.creator {
		if err := unix.Unlink(a.path); err != nil {
			if ERRon() {
				ERR("area %q: removing %s: %v\n", a.key, a.path, err)
			}
			errs = errors.CombineErrors(errs,
				errors.Wrapf(err, "unlink area %q", a.key))
		}
	}
	return errs
}
