// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package shmtimer

import (
	"github.com/pkg/errors"
)

var ErrInvalidArgument = errors.New("invalid argument")
var ErrClockRegression = errors.New("clock went backwards")
var ErrPoolExhausted = errors.New("no free timer slots")
var ErrInvalidHandle = errors.New("invalid or stale timer id")
var ErrLayout = errors.New("invalid memory layout")
var ErrLayoutMismatch = errors.New("memory layout mismatch")
var ErrCorrupt = errors.New("corrupted timer wheel")
var ErrReentrant = errors.New("called from inside a timer callback")
var ErrNotInitialized = errors.New("wheel not initialized")

// IsInvalidHandle returns true if err was caused by a stale, freed or out
// of range TimerID.
func IsInvalidHandle(err error) bool {
	return errors.Is(err, ErrInvalidHandle)
}

// IsLayoutMismatch returns true if err was caused by attaching to memory
// laid out for a different capacity, payload size or bucket count.
func IsLayoutMismatch(err error) bool {
	return errors.Is(err, ErrLayoutMismatch)
}
