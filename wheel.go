// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package shmtimer provides a fixed capacity, single level timer wheel,
// optimised for many lightweight timeouts (idle timers, retransmissions,
// periodic housekeeping) with a whole-tick precision.
//
// The whole wheel state (head, buckets and timer slots) lives in one
// caller supplied byte buffer and contains only slot positions, no
// pointers. The buffer can therefore be a memory mapped file or a shared
// memory segment that is re-attached after a process restart (see Attach).
//
// A Wheel is not safe for concurrent use. Use a Runner or serialize the
// access externally.
package shmtimer

import (
	"math"

	"github.com/pkg/errors"
)

const NAME = "shmtimer"

// maximum number of pre-allocated entries for the due timers snapshot
const maxDuePrealloc = 1 << 16

// Config holds the wheel parameters.
type Config struct {
	Layout
	Clock     Clock    // tick source, required
	OnTimeout TimeoutF // timer callback, required

	// Legacy selects the old bucket walk: no snapshot of the due
	// timers and re-arming relative to the Update time. If a callback
	// deletes both its own timer and the one following it in the same
	// bucket, the rest of that bucket is deferred by a full wheel
	// revolution (counted in Stats.Deferred).
	Legacy bool
}

// Wheel implements a single level timer wheel over a byte buffer.
type Wheel struct {
	m         wmem
	layout    Layout
	clock     Clock
	onTimeout TimeoutF
	legacy    bool

	due     []TimerID // due timers snapshot, re-used on each tick
	pbuf    []byte    // payload passed to the callbacks
	running bool      // inside Update
	tick    Ticks     // tick being processed, valid while running
	stats   Stats
}

// NewWheel lays out a fresh wheel in mem. See Init.
func NewWheel(mem []byte, cfg Config) (*Wheel, error) {
	w := &Wheel{}
	if err := w.Init(mem, cfg); err != nil {
		return nil, err
	}
	return w, nil
}

// AttachWheel attaches to a wheel previously initialised in mem.
// See Attach.
func AttachWheel(mem []byte, cfg Config) (*Wheel, error) {
	w := &Wheel{}
	if err := w.Attach(mem, cfg); err != nil {
		return nil, err
	}
	return w, nil
}

// check the config and the memory size.
func (w *Wheel) checkConfig(mem []byte, cfg Config) (Layout, error) {
	l := cfg.Layout.withDefaults()
	if err := l.Validate(); err != nil {
		return l, err
	}
	if cfg.Clock == nil {
		return l, errors.Wrap(ErrInvalidArgument, "nil clock")
	}
	if cfg.OnTimeout == nil {
		return l, errors.Wrap(ErrInvalidArgument, "nil timeout callback")
	}
	if need := l.MemSize(); len(mem) < need {
		return l, errors.Wrapf(ErrLayout,
			"memory size %d too small, need %d for %d timers",
			len(mem), need, l.Capacity)
	}
	return l, nil
}

func (w *Wheel) bind(mem []byte, l Layout, cfg Config) {
	w.m = newMem(mem, l)
	w.layout = l
	w.clock = cfg.Clock
	w.onTimeout = cfg.OnTimeout
	w.legacy = cfg.Legacy
	n := l.Capacity
	if n > maxDuePrealloc {
		n = maxDuePrealloc
	}
	w.due = make([]TimerID, 0, n)
	w.pbuf = make([]byte, l.PayloadSize)
	w.running = false
	w.stats = Stats{}
}

// Init lays out a fresh wheel in mem, discarding any previous content:
// it writes the head, empties all the buckets and puts all the slots on
// the free list. The current clock value becomes the last processed tick.
// mem must have at least cfg.Layout.MemSize() bytes, otherwise ErrLayout
// is returned.
func (w *Wheel) Init(mem []byte, cfg Config) error {
	l, err := w.checkConfig(mem, cfg)
	if err != nil {
		return err
	}
	now := cfg.Clock.Now()
	m := newMem(mem, l)
	// seed the sequence from the clock, so that ids from a previous
	// wheel in the same memory are not likely to match
	m.writeHead(l, now, uint32(now.Val()))
	for b := uint64(0); b < uint64(l.Buckets); b++ {
		m.setBucketHead(b, 0)
	}
	m.initSlots(uint32(l.Capacity))
	w.bind(mem, l, cfg)
	if DBGon() {
		DBG("init: %d timers, %d buckets, payload %d, mem %d bytes,"+
			" now %s\n", l.Capacity, l.Buckets, l.PayloadSize, len(mem), now)
	}
	return nil
}

// Attach re-uses a wheel previously initialised in mem (e.g. a memory
// mapped file after a restart). It fails with ErrLayoutMismatch if the
// stored memory size, payload size, capacity or bucket number differ from
// the expected ones. The internal lists are not checked (see Verify).
func (w *Wheel) Attach(mem []byte, cfg Config) error {
	l, err := w.checkConfig(mem, cfg)
	if err != nil {
		return err
	}
	stored, err := ReadLayout(mem)
	if err != nil {
		return err
	}
	m := newMem(mem, l)
	if m.memSize() != uint64(len(mem)) {
		return errors.Wrapf(ErrLayoutMismatch, "memory size [%d, %d]",
			m.memSize(), len(mem))
	}
	if stored.PayloadSize != l.PayloadSize {
		return errors.Wrapf(ErrLayoutMismatch, "payload size [%d, %d]",
			stored.PayloadSize, l.PayloadSize)
	}
	if stored.Capacity != l.Capacity {
		return errors.Wrapf(ErrLayoutMismatch, "capacity [%d, %d]",
			stored.Capacity, l.Capacity)
	}
	if stored.Buckets != l.Buckets {
		return errors.Wrapf(ErrLayoutMismatch, "buckets [%d, %d]",
			stored.Buckets, l.Buckets)
	}
	w.bind(mem, l, cfg)
	if DBGon() {
		DBG("attached: %d/%d timers used, last tick %s\n",
			m.usedNum(), l.Capacity, m.curTick())
	}
	return nil
}

func (w *Wheel) initialized() bool {
	return w.m.b != nil
}

// Len returns the number of active timers.
func (w *Wheel) Len() int {
	if !w.initialized() {
		return 0
	}
	return int(w.m.usedNum())
}

// Cap returns the maximum number of timers.
func (w *Wheel) Cap() int {
	return w.layout.Capacity
}

// Layout returns the wheel geometry.
func (w *Wheel) Layout() Layout {
	return w.layout
}

// Now returns the last processed tick.
func (w *Wheel) Now() Ticks {
	if !w.initialized() {
		return Ticks{}
	}
	return w.m.curTick()
}

// Stats returns a copy of the wheel counters.
func (w *Wheel) Stats() Stats {
	return w.stats
}

// AddTimer starts a new timer that will expire after interval ticks and
// then every interval ticks, until it fired maxFireCount times
// (0 means forever) or it is deleted.
// interval must be between 1 and the number of buckets. payload is copied
// into the timer slot (zero padded up to the configured payload size).
// It returns the new timer id or an error (ErrInvalidArgument,
// ErrClockRegression or ErrPoolExhausted). On error nothing is changed.
func (w *Wheel) AddTimer(interval, maxFireCount int,
	payload []byte) (TimerID, error) {
	if !w.initialized() {
		return NoTimer, ErrNotInitialized
	}
	if interval <= 0 || interval > w.layout.Buckets {
		return NoTimer, errors.Wrapf(ErrInvalidArgument,
			"interval %d not in [1, %d]", interval, w.layout.Buckets)
	}
	if maxFireCount < 0 || uint64(maxFireCount) > math.MaxUint32 {
		return NoTimer, errors.Wrapf(ErrInvalidArgument,
			"invalid fire count %d", maxFireCount)
	}
	if len(payload) > w.layout.PayloadSize {
		return NoTimer, errors.Wrapf(ErrInvalidArgument,
			"payload too big: %d > %d", len(payload), w.layout.PayloadSize)
	}

	last := w.m.curTick()
	base := w.clock.Now()
	floor := last
	if w.running {
		// added from a callback: the buckets up to and including the
		// tick in progress are already done, even if the clock is
		// behind it
		floor = w.tick
		if base.LT(w.tick) {
			base = w.tick
		}
	}
	expire := base.AddUint64(uint64(interval))
	if expire.LT(floor) {
		return NoTimer, errors.Wrapf(ErrClockRegression,
			"expire %s before the last processed tick %s", expire, floor)
	}
	if expire.EQ(floor) {
		// the bucket for floor was already processed, fire on the
		// next tick and not one revolution later
		expire = floor.AddUint64(1)
	}

	p := w.m.allocate()
	if p == 0 {
		return NoTimer, errors.Wrapf(ErrPoolExhausted,
			"all %d timers in use", w.layout.Capacity)
	}
	id := NewTimerID(p, w.m.nextSeq())
	w.m.setID(p, id)
	w.m.setTimer(p, uint32(interval), uint32(maxFireCount), expire)
	pl := w.m.payload(p)
	n := copy(pl, payload)
	for i := n; i < len(pl); i++ {
		pl[i] = 0
	}
	w.m.linkFront(w.m.bucketFor(expire), p)

	if DBGon() {
		DBG("added timer %s interval %d max %d expire %s (last %s)\n",
			id, interval, maxFireCount, expire, last)
	}
	return id, nil
}

// lookup validates id and returns the slot position.
func (w *Wheel) lookup(id TimerID) (uint32, error) {
	if !w.initialized() {
		return 0, ErrNotInitialized
	}
	p := id.Pos()
	if p == 0 || uint64(p) > w.m.capacity() {
		return 0, errors.Wrapf(ErrInvalidHandle,
			"timer %s: position out of range [1, %d]", id, w.m.capacity())
	}
	if !w.m.used(p) {
		return 0, errors.Wrapf(ErrInvalidHandle, "timer %s: not active", id)
	}
	if crt := w.m.id(p); crt != id {
		return 0, errors.Wrapf(ErrInvalidHandle,
			"timer %s: stale id, slot used by %s", id, crt)
	}
	return p, nil
}

// live returns true if slot p is still used by the timer id.
func (w *Wheel) live(p uint32, id TimerID) bool {
	return w.m.used(p) && w.m.id(p) == id
}

// DelTimer removes the timer. It can be called from any timer callback,
// including the callback of the timer being removed.
// It returns ErrInvalidHandle if the timer does not exist anymore (fired
// for the last time or already deleted) or if id is invalid.
func (w *Wheel) DelTimer(id TimerID) error {
	p, err := w.lookup(id)
	if err != nil {
		return err
	}
	w.m.unlink(p)
	w.m.release(p)
	if DBGon() {
		DBG("deleted timer %s\n", id)
	}
	return nil
}

// GetExpireTime returns the absolute tick at which the timer will fire
// next.
func (w *Wheel) GetExpireTime(id TimerID) (Ticks, error) {
	p, err := w.lookup(id)
	if err != nil {
		return Ticks{}, err
	}
	return w.m.expire(p), nil
}

// Info returns the state of an active timer.
func (w *Wheel) Info(id TimerID) (TimerInfo, error) {
	p, err := w.lookup(id)
	if err != nil {
		return TimerInfo{}, err
	}
	return w.info(p), nil
}

func (w *Wheel) info(p uint32) TimerInfo {
	pl := make([]byte, w.layout.PayloadSize)
	copy(pl, w.m.payload(p))
	return TimerInfo{
		ID:        w.m.id(p),
		Interval:  w.m.interval(p),
		MaxFire:   w.m.maxFire(p),
		FireCount: w.m.fireCount(p),
		Expire:    w.m.expire(p),
		Payload:   pl,
	}
}

// Walk calls f for each active timer, in slot order, until f returns
// false. It looks at every slot, so it's meant for inspection and not for
// the fast path. f must not add or delete timers.
func (w *Wheel) Walk(f func(ti TimerInfo) bool) {
	if !w.initialized() {
		return
	}
	n := uint32(w.m.capacity())
	for p := uint32(1); p <= n; p++ {
		if w.m.used(p) && !f(w.info(p)) {
			break
		}
	}
}
