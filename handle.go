// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package shmtimer

import (
	"fmt"
)

// TimerID is the handle returned by AddTimer. It is meaningful only for the
// wheel memory that issued it.
//
// Internal encoding format:
//   63        32         0
//   |   seq    |   pos   |
// where pos = slot position (1-based, 0 is never valid) and
// seq = the sequence number assigned when the slot was allocated.
//
// A freed and re-used slot gets a new seq, so an old TimerID for the same
// slot no longer matches the id stored in the slot.
type TimerID uint64

const (
	posMask = 1<<32 - 1
	seqBpos = 32
)

// NoTimer is the zero TimerID, never returned by a successful AddTimer.
const NoTimer TimerID = 0

// NewTimerID composes a TimerID from a slot position and a sequence number.
func NewTimerID(pos, seq uint32) TimerID {
	return TimerID(uint64(seq)<<seqBpos | uint64(pos))
}

// Pos returns the slot position encoded in the id.
func (id TimerID) Pos() uint32 {
	return uint32(uint64(id) & posMask)
}

// Seq returns the sequence number encoded in the id.
func (id TimerID) Seq() uint32 {
	return uint32(uint64(id) >> seqBpos)
}

// convert to string, usefull for debugging
func (id TimerID) String() string {
	return fmt.Sprintf("%d:%08x", id.Pos(), id.Seq())
}
