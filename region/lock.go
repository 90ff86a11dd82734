// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package region

import (
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

var ErrLocked = errors.New("locked by another process")

// Lock is an advisory file lock, used to allow only one process at a time
// to operate on a shared region.
type Lock struct {
	fl *flock.Flock
}

// NewLock returns a lock using the file at path (created on first lock).
func NewLock(path string) *Lock {
	return &Lock{fl: flock.New(path)}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.fl.Path()
}

// Lock blocks until the lock is acquired.
func (l *Lock) Lock() error {
	return errors.Wrapf(l.fl.Lock(), "lock %s", l.fl.Path())
}

// TryLock acquires the lock without waiting. It returns ErrLocked if the
// lock is held by someone else.
func (l *Lock) TryLock() error {
	ok, err := l.fl.TryLock()
	if err != nil {
		return errors.Wrapf(err, "lock %s", l.fl.Path())
	}
	if !ok {
		return errors.Wrapf(ErrLocked, "lock %s", l.fl.Path())
	}
	return nil
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	return errors.Wrapf(l.fl.Unlock(), "unlock %s", l.fl.Path())
}
