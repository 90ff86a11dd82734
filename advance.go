// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package shmtimer

import (
	"github.com/pkg/errors"
)

// Update advances the wheel to the current clock time, running the
// callbacks of all the timers that expire on the way.
// See AdvanceTo.
func (w *Wheel) Update() (int, error) {
	if !w.initialized() {
		return 0, ErrNotInitialized
	}
	return w.AdvanceTo(w.clock.Now())
}

// AdvanceTo advances the wheel up to the tick now, processing each tick
// between the last processed one and now in order. A single call after
// a long pause gives the same result as calling it on every tick.
// It returns the number of callbacks run.
//
// If no timer is active the wheel only re-syncs its time to now (in both
// directions). Otherwise now before the last processed tick returns
// ErrClockRegression and nothing is changed.
// Calling it from a timer callback returns ErrReentrant.
func (w *Wheel) AdvanceTo(now Ticks) (int, error) {
	if !w.initialized() {
		return 0, ErrNotInitialized
	}
	if w.running {
		return 0, ErrReentrant
	}
	last := w.m.curTick()
	if w.m.usedNum() == 0 {
		if now.NE(last) {
			w.m.setCur(now)
		}
		return 0, nil
	}
	if now.LT(last) {
		w.stats.Regressions++
		if DBGon() {
			DBG("clock regression: now %s last tick %s (%d active)\n",
				now, last, w.m.usedNum())
		}
		return 0, errors.Wrapf(ErrClockRegression,
			"now %s before the last processed tick %s", now, last)
	}
	if now.EQ(last) {
		return 0, nil
	}
	if diff := now.Sub(last).Val(); diff > 1 {
		w.stats.CatchUps++
		if DBGon() {
			DBG("catching up %d ticks (%s -> %s)\n", diff, last, now)
		}
	}

	w.running = true
	defer func() { w.running = false }()

	fired := 0
	for t := last.AddUint64(1); t.LE(now); t = t.AddUint64(1) {
		if w.m.usedNum() == 0 {
			// nothing left, skip the rest
			break
		}
		w.tick = t
		if w.legacy {
			fired += w.runBucketLegacy(t, now)
		} else {
			fired += w.runBucket(t)
		}
		// record the processed tick, callbacks adding timers see it
		w.m.setCur(t)
	}
	w.m.setCur(now)
	w.stats.Fired += uint64(fired)
	return fired, nil
}

// runBucket runs all the timers from the bucket of tick t that expire at
// or before t. The due timers are first copied, so that the callbacks can
// add or delete any timer.
func (w *Wheel) runBucket(t Ticks) int {
	w.due = w.m.snapshotDue(w.m.bucketFor(t), t, w.due[:0])
	fired := 0
	for _, id := range w.due {
		p := id.Pos()
		if !w.live(p, id) {
			// deleted by a previous callback
			continue
		}
		w.fire(p, id)
		fired++
		if !w.live(p, id) {
			// deleted itself
			continue
		}
		w.m.unlink(p)
		w.rearm(p, t)
	}
	return fired
}

// runBucketLegacy walks the bucket list directly, firing every timer in
// it. If a callback deletes both its own timer and the one following it,
// the walk loses its place and stops: the rest of the bucket is moved to
// the next revolution.
func (w *Wheel) runBucketLegacy(t, now Ticks) int {
	b := w.m.bucketFor(t)
	fired := 0
	p := w.m.bucketHead(b)
	for p != 0 {
		id := w.m.id(p)
		next := w.m.next(p)
		var nextID TimerID
		if next != 0 {
			nextID = w.m.id(next)
		}
		w.fire(p, id)
		fired++
		if w.live(p, id) {
			// still linked, its next is up to date
			next = w.m.next(p)
			w.m.unlink(p)
			w.rearm(p, now)
		} else if next != 0 && !w.live(next, nextID) {
			w.stats.Deferred++
			if WARNon() {
				WARN("timer %s deleted itself and the next timer %s:"+
					" rest of bucket %d deferred (tick %s)\n",
					id, nextID, b, t)
			}
			w.deferBucket(b, t)
			break
		}
		p = next
	}
	return fired
}

// deferBucket moves the timers of bucket b not run on tick t one
// revolution later.
func (w *Wheel) deferBucket(b uint64, t Ticks) {
	rev := t.AddUint64(w.m.buckets())
	for p := w.m.bucketHead(b); p != 0; p = w.m.next(p) {
		if w.m.expire(p).LE(t) {
			w.m.setExpire(p, rev)
		}
	}
}

// fire increments the fire counter and runs the timer callback with a
// copy of the payload.
func (w *Wheel) fire(p uint32, id TimerID) {
	w.m.setFireCount(p, w.m.fireCount(p)+1)
	copy(w.pbuf, w.m.payload(p))
	w.onTimeout(w, id, w.pbuf)
}

// rearm re-adds the detached timer p at base + interval, or frees it if
// it reached its maximum fire count.
func (w *Wheel) rearm(p uint32, base Ticks) {
	if mf := w.m.maxFire(p); mf != 0 && w.m.fireCount(p) >= mf {
		w.m.release(p)
		return
	}
	expire := base.AddUint64(uint64(w.m.interval(p)))
	w.m.setExpire(p, expire)
	w.m.linkFront(w.m.bucketFor(expire), p)
}

// Verify checks the consistency of the wheel memory: bucket and free
// lists, used counter, slot placement and that no timer expires at or
// before the last processed tick. It's meant for use after
// Attach or in tests. It returns ErrCorrupt on the first problem found.
func (w *Wheel) Verify() error {
	if !w.initialized() {
		return ErrNotInitialized
	}
	m := w.m
	capacity := uint32(m.capacity())
	if pos := m.curTick().Val() % m.buckets(); pos != m.curPos() {
		return errors.Wrapf(ErrCorrupt, "current position %d, expected %d",
			m.curPos(), pos)
	}
	seen := make([]bool, uint64(capacity)+1)
	active := uint64(0)
	for b := uint64(0); b < m.buckets(); b++ {
		prev := uint32(0)
		for p := m.bucketHead(b); p != 0; p = m.next(p) {
			if p > capacity {
				return errors.Wrapf(ErrCorrupt,
					"bucket %d: slot %d out of range", b, p)
			}
			if seen[p] {
				return errors.Wrapf(ErrCorrupt,
					"bucket %d: slot %d linked twice", b, p)
			}
			seen[p] = true
			switch {
			case !m.used(p):
				return errors.Wrapf(ErrCorrupt,
					"bucket %d: unused slot %d", b, p)
			case m.prev(p) != prev:
				return errors.Wrapf(ErrCorrupt,
					"bucket %d: slot %d prev %d, expected %d",
					b, p, m.prev(p), prev)
			case m.bucketFor(m.expire(p)) != b:
				return errors.Wrapf(ErrCorrupt,
					"bucket %d: slot %d expire %s belongs to bucket %d",
					b, p, m.expire(p), m.bucketFor(m.expire(p)))
			case m.id(p).Pos() != p:
				return errors.Wrapf(ErrCorrupt,
					"bucket %d: slot %d has id %s", b, p, m.id(p))
			case !m.expire(p).GT(m.curTick()):
				return errors.Wrapf(ErrCorrupt,
					"bucket %d: slot %d expire %s not after the last tick %s",
					b, p, m.expire(p), m.curTick())
			}
			active++
			prev = p
		}
	}
	if active != m.usedNum() {
		return errors.Wrapf(ErrCorrupt, "%d timers linked, used counter %d",
			active, m.usedNum())
	}
	free := uint64(0)
	for p := m.freeHead(); p != 0; p = m.next(p) {
		if p > capacity {
			return errors.Wrapf(ErrCorrupt, "free slot %d out of range", p)
		}
		if seen[p] {
			return errors.Wrapf(ErrCorrupt, "free slot %d linked twice", p)
		}
		seen[p] = true
		if m.used(p) {
			return errors.Wrapf(ErrCorrupt, "free slot %d marked used", p)
		}
		free++
	}
	if free+active != uint64(capacity) {
		return errors.Wrapf(ErrCorrupt, "%d free + %d active != capacity %d",
			free, active, capacity)
	}
	return nil
}
