// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package shmtimer

import (
	"sync/atomic"
	"time"

	"github.com/intuitivelabs/timestamp"
	"github.com/pkg/errors"
)

// A Clock supplies the current absolute time in ticks. The wheel reads it
// on every AddTimer and Update and never looks at the system time itself.
type Clock interface {
	Now() Ticks
}

// CoarseClock is a Clock counting ticks of a fixed unit.
// The tick values are anchored to the Unix epoch when the clock is
// created (so that a wheel persisted across restarts keeps using
// comparable values), while the elapsed time is measured with
// timestamp.Now(). It never goes backwards.
type CoarseClock struct {
	unit     time.Duration
	refTS    timestamp.TS // reference time stamp (for refTicks)
	refTicks Ticks        // ticks value at refTS
}

// NewCoarseClock returns a clock with the given tick unit.
func NewCoarseClock(unit time.Duration) (*CoarseClock, error) {
	if unit < time.Microsecond {
		return nil, errors.Wrapf(ErrInvalidArgument,
			"tick unit %s too small", unit)
	} else if unit > time.Hour*24 {
		// probably an error
		return nil, errors.Wrapf(ErrInvalidArgument,
			"tick unit %s too high", unit)
	}
	c := &CoarseClock{unit: unit}
	c.refTS = timestamp.Now()
	c.refTicks = NewTicks(uint64(time.Now().UnixNano()) / uint64(unit))
	return c, nil
}

// Now returns the current time in ticks.
func (c *CoarseClock) Now() Ticks {
	now := timestamp.Now()
	if now.Before(c.refTS) {
		// time going backwards!!
		return c.refTicks
	}
	return c.refTicks.AddUint64(uint64(now.Sub(c.refTS) / c.unit))
}

// Unit returns the tick duration.
func (c *CoarseClock) Unit() time.Duration {
	return c.unit
}

// Ticks returns the duration d converted to Ticks (round-down) and
// the rest (if the passed duration is not an integer number of ticks).
func (c *CoarseClock) Ticks(d time.Duration) (Ticks, time.Duration) {
	if d <= 0 {
		return NewTicks(0), d
	}
	return NewTicks(uint64(d / c.unit)), d % c.unit
}

// Duration converts a tick number to a time.Duration.
func (c *CoarseClock) Duration(t Ticks) time.Duration {
	return time.Duration(t.Val()) * c.unit
}

// VirtualClock is a Clock that moves only when told to.
// Safe for concurrent use.
type VirtualClock struct {
	v uint64 // atomic access
}

// NewVirtualClock returns a virtual clock starting at start.
func NewVirtualClock(start uint64) *VirtualClock {
	return &VirtualClock{v: start}
}

// Now returns the current virtual time.
func (c *VirtualClock) Now() Ticks {
	return NewTicks(atomic.LoadUint64(&c.v))
}

// Set sets the virtual time (it can be used to move the time backwards).
func (c *VirtualClock) Set(t uint64) {
	atomic.StoreUint64(&c.v, t)
}

// Advance moves the virtual time forward with n ticks and returns the new
// value.
func (c *VirtualClock) Advance(n uint64) Ticks {
	return NewTicks(atomic.AddUint64(&c.v, n))
}
