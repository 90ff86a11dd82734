// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package region provides memory regions for holding a timer wheel:
// anonymous mappings and file backed shared mappings that survive process
// restarts, plus a file lock for serializing access between processes.
package region

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

var ErrInvalidSize = errors.New("invalid region size")
var ErrClosed = errors.New("region closed")

// Region is a read-write memory mapping.
type Region struct {
	m     mmap.MMap
	f     *os.File // nil for anonymous regions
	path  string
	fresh bool
}

// Anon returns an anonymous, zero filled region of size bytes.
func Anon(size int) (*Region, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "anonymous region: %d", size)
	}
	m, err := mmap.MapRegion(nil, size, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "anonymous mapping of %d bytes", size)
	}
	return &Region{m: m, fresh: true}, nil
}

// Open maps the file at path, creating it if needed. A new or empty file
// is extended to size bytes and the region is marked fresh (see Fresh()).
// An existing file is mapped with its current size and size is ignored.
func Open(path string, size int) (*Region, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	fresh := false
	if fi.Size() == 0 {
		if size <= 0 {
			f.Close()
			return nil, errors.Wrapf(ErrInvalidSize,
				"empty file %s and size %d", path, size)
		}
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "truncate %s to %d", path, size)
		}
		fresh = true
	}
	return mapFile(f, path, fresh)
}

// Create maps the file at path, discarding its previous content: the file
// is truncated to 0 and then extended to size bytes. The region is always
// fresh.
func Create(path string, size int) (*Region, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "create %s: %d", path, size)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", path)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "truncate %s to %d", path, size)
	}
	return mapFile(f, path, true)
}

func mapFile(f *os.File, path string, fresh bool) (*Region, error) {
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "mmap %s", path)
	}
	return &Region{m: m, f: f, path: path, fresh: fresh}, nil
}

// Bytes returns the mapped memory. It is valid until Close().
func (r *Region) Bytes() []byte {
	return r.m
}

// Len returns the region size.
func (r *Region) Len() int {
	return len(r.m)
}

// Fresh returns true if the region content was just created (zero
// filled), false if it holds data from a previous use.
func (r *Region) Fresh() bool {
	return r.fresh
}

// Path returns the backing file path ("" for anonymous regions).
func (r *Region) Path() string {
	return r.path
}

// Sync flushes the mapped memory to the backing file.
func (r *Region) Sync() error {
	if r.m == nil {
		return ErrClosed
	}
	if r.f == nil {
		return nil
	}
	return errors.Wrapf(r.m.Flush(), "sync %s", r.path)
}

// Close flushes and unmaps the region and closes the backing file.
// The memory returned by Bytes() must not be used afterwards.
func (r *Region) Close() error {
	if r.m == nil {
		return ErrClosed
	}
	var err error
	if r.f != nil {
		err = r.m.Flush()
	}
	if uerr := r.m.Unmap(); uerr != nil && err == nil {
		err = uerr
	}
	r.m = nil
	if r.f != nil {
		if cerr := r.f.Close(); cerr != nil && err == nil {
			err = cerr
		}
		r.f = nil
	}
	return errors.Wrapf(err, "close region %s", r.path)
}
