// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package shmtimer

import (
	"strconv"
)

// MaxTicksDiff is the limit for comparing two Ticks values: the
// comparisons are correct only if the values are closer than this.
const MaxTicksDiff = uint64(1) << 63

// Ticks is an absolute wheel time, in Clock units (e.g. 1s).
// The value wraps around, so compare Ticks only with their methods.
type Ticks struct {
	v uint64
}

func NewTicks(u uint64) Ticks {
	return Ticks{u}
}

func (t Ticks) Val() uint64 {
	return t.v
}

func (t Ticks) EQ(u Ticks) bool {
	return t.v == u.v
}

func (t Ticks) NE(u Ticks) bool {
	return t.v != u.v
}

// LT returns true if t is before u.
func (t Ticks) LT(u Ticks) bool {
	return (t.v-u.v)&MaxTicksDiff != 0
}

// GT returns true if t is after u.
func (t Ticks) GT(u Ticks) bool {
	return u.LT(t)
}

func (t Ticks) LE(u Ticks) bool {
	return t.EQ(u) || t.LT(u)
}

// Sub returns the distance from u to t.
func (t Ticks) Sub(u Ticks) Ticks {
	return Ticks{t.v - u.v}
}

func (t Ticks) AddUint64(u uint64) Ticks {
	return Ticks{t.v + u}
}

func (t Ticks) String() string {
	return strconv.FormatUint(t.v, 10)
}
