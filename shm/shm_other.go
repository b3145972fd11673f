// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build !unix

package shm

import "github.com/cockroachdb/errors"

// Open always fails with ErrNotSupported on this target.
func Open(key string, size int) (*Area, error) {
	if _, err := namePath(key); err != nil {
		return nil, err
	}
	return nil, errors.Wrapf(ErrNotSupported, "area %q", key)
}

func (a *Area) unmap() error {
	return errors.WithStack(ErrNotSupported)
}
