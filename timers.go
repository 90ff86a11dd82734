// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package shmtimer

// A TimeoutF is the callback called when a timer expires.
// The parameters passed are a pointer to the wheel to which the timer
// belongs, the id of the expired timer and the timer payload.
// payload is a scratch copy, valid only until the callback returns.
//
// The callback runs synchronously from Update, while the wheel is
// being advanced. It must not block. It can use w.DelTimer() on any
// timer (including the running one, which stops it from being re-armed)
// and w.AddTimer(). Calling w.Update() from the callback fails with
// ErrReentrant.
type TimeoutF func(w *Wheel, id TimerID, payload []byte)

// TimerInfo describes an active timer.
type TimerInfo struct {
	ID        TimerID
	Interval  uint32 // interval in ticks
	MaxFire   uint32 // 0 => unlimited
	FireCount uint32 // times fired so far
	Expire    Ticks  // next expire, absolute
	Payload   []byte // copy of the timer payload
}

// Stats holds wheel counters. They are kept in process memory, not in
// the wheel memory.
type Stats struct {
	Fired       uint64 // callbacks run
	Deferred    uint64 // bucket walks broken by a callback (Legacy only)
	Regressions uint64 // Update calls with the clock behind the wheel
	CatchUps    uint64 // Update calls that processed more than 1 tick
}
