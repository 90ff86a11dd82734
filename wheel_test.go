// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package shmtimer

import (
	"bytes"
	"errors"
	"testing"
)

// fired timer record
type fireRec struct {
	id      TimerID
	tick    Ticks
	payload string
}

type fireLog struct {
	recs []fireRec
	// extra action on timeout
	action func(w *Wheel, id TimerID, payload []byte)
}

func (l *fireLog) onTimeout(w *Wheel, id TimerID, payload []byte) {
	// record the tick being processed (the wheel updates it after)
	l.recs = append(l.recs, fireRec{
		id:      id,
		tick:    w.m.curTick().AddUint64(1),
		payload: string(bytes.TrimRight(payload, "\x00")),
	})
	if l.action != nil {
		l.action(w, id, payload)
	}
}

func (l *fireLog) count(id TimerID) int {
	n := 0
	for _, r := range l.recs {
		if r.id == id {
			n++
		}
	}
	return n
}

func newTestWheel(t *testing.T, l Layout, start uint64,
	legacy bool) (*Wheel, *VirtualClock, *fireLog, []byte) {
	clk := NewVirtualClock(start)
	flog := &fireLog{}
	mem := make([]byte, l.MemSize())
	w, err := NewWheel(mem, Config{
		Layout:    l,
		Clock:     clk,
		OnTimeout: flog.onTimeout,
		Legacy:    legacy,
	})
	if err != nil {
		t.Fatalf("wheel init failed: %s\n", err)
	}
	return w, clk, flog, mem
}

func mustVerify(t *testing.T, w *Wheel) {
	t.Helper()
	if err := w.Verify(); err != nil {
		t.Fatalf("wheel verify failed: %s\n", err)
	}
}

func advance(t *testing.T, w *Wheel, clk *VirtualClock, n uint64) int {
	t.Helper()
	clk.Advance(n)
	fired, err := w.Update()
	if err != nil {
		t.Fatalf("update failed: %s\n", err)
	}
	return fired
}

func TestLayoutMemSize(t *testing.T) {
	l := Layout{Capacity: 4, PayloadSize: 3}
	exp := headSize + 60*bucketSize + 5*(slotHdrSize+8)
	if l.MemSize() != exp {
		t.Errorf("wrong mem size %d, expected %d\n", l.MemSize(), exp)
	}
	if MemSize(4, 3) != exp {
		t.Errorf("wrong MemSize() %d, expected %d\n", MemSize(4, 3), exp)
	}
	l.Buckets = 3
	exp = headSize + 16 + 5*(slotHdrSize+8)
	if l.MemSize() != exp {
		t.Errorf("wrong mem size %d, expected %d (odd buckets)\n",
			l.MemSize(), exp)
	}
	bad := []Layout{
		{Capacity: 0},
		{Capacity: 1, PayloadSize: -1},
		{Capacity: 1, PayloadSize: MaxPayloadSize + 1},
		{Capacity: 1, Buckets: MaxBuckets + 1},
		{Capacity: 1, Buckets: -1},
	}
	for _, b := range bad {
		if err := b.Validate(); !errors.Is(err, ErrLayout) {
			t.Errorf("layout %+v: expected ErrLayout, got %v\n", b, err)
		}
	}
}

func TestWheelInit(t *testing.T) {
	l := Layout{Capacity: 10, PayloadSize: 16}
	w, _, _, mem := newTestWheel(t, l, 1000, false)

	if w.Len() != 0 || w.Cap() != 10 {
		t.Errorf("wrong len/cap: %d/%d\n", w.Len(), w.Cap())
	}
	if w.Now().Val() != 1000 {
		t.Errorf("wrong initial tick %s\n", w.Now())
	}
	if w.Layout().Buckets != DefaultBuckets {
		t.Errorf("default buckets not set: %d\n", w.Layout().Buckets)
	}
	mustVerify(t, w)

	stored, err := ReadLayout(mem)
	if err != nil {
		t.Fatalf("ReadLayout failed: %s\n", err)
	}
	if stored != w.Layout() {
		t.Errorf("stored layout %+v != %+v\n", stored, w.Layout())
	}
	// free list order: 1..n
	for i := 1; i <= 10; i++ {
		id, err := w.AddTimer(1, 1, nil)
		if err != nil {
			t.Fatalf("add %d failed: %s\n", i, err)
		}
		if id.Pos() != uint32(i) {
			t.Errorf("allocation %d got slot %d\n", i, id.Pos())
		}
	}
	mustVerify(t, w)
}

func TestWheelInitErrors(t *testing.T) {
	l := Layout{Capacity: 4, PayloadSize: 8}
	clk := NewVirtualClock(0)
	f := func(w *Wheel, id TimerID, p []byte) {}

	var w Wheel
	err := w.Init(make([]byte, l.MemSize()-1), Config{Layout: l,
		Clock: clk, OnTimeout: f})
	if !errors.Is(err, ErrLayout) {
		t.Errorf("short memory: expected ErrLayout, got %v\n", err)
	}
	err = w.Init(make([]byte, l.MemSize()), Config{Layout: l, OnTimeout: f})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("nil clock: expected ErrInvalidArgument, got %v\n", err)
	}
	err = w.Init(make([]byte, l.MemSize()), Config{Layout: l, Clock: clk})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("nil callback: expected ErrInvalidArgument, got %v\n", err)
	}
	// not initialized
	if _, err := w.AddTimer(1, 1, nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v\n", err)
	}
	if _, err := w.Update(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v\n", err)
	}
	if err := w.DelTimer(NewTimerID(1, 1)); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v\n", err)
	}
}

func TestWheelAttach(t *testing.T) {
	l := Layout{Capacity: 8, PayloadSize: 4}
	w, clk, _, mem := newTestWheel(t, l, 50, false)

	id1, err := w.AddTimer(10, 0, []byte("one"))
	if err != nil {
		t.Fatalf("add failed: %s\n", err)
	}
	id2, err := w.AddTimer(20, 2, []byte("two"))
	if err != nil {
		t.Fatalf("add failed: %s\n", err)
	}
	advance(t, w, clk, 3)

	// "restart": new wheel object over the same memory
	flog := &fireLog{}
	cfg := Config{Layout: l, Clock: clk, OnTimeout: flog.onTimeout}
	w2, err := AttachWheel(mem, cfg)
	if err != nil {
		t.Fatalf("attach failed: %s\n", err)
	}
	mustVerify(t, w2)
	if w2.Len() != 2 || w2.Now().Val() != 53 {
		t.Errorf("attached wheel: len %d now %s\n", w2.Len(), w2.Now())
	}
	ti, err := w2.Info(id2)
	if err != nil {
		t.Fatalf("info failed on attached wheel: %s\n", err)
	}
	if ti.Expire.Val() != 70 || ti.Interval != 20 || ti.MaxFire != 2 ||
		!bytes.Equal(ti.Payload, []byte("two\x00")) {
		t.Errorf("wrong timer info after attach: %+v\n", ti)
	}
	// keeps firing
	advance(t, w2, clk, 7)
	if flog.count(id1) != 1 || flog.recs[0].payload != "one" {
		t.Errorf("timer did not fire after re-attach: %+v\n", flog.recs)
	}
	// new ids do not collide with the old ones
	id3, err := w2.AddTimer(1, 1, nil)
	if err != nil {
		t.Fatalf("add failed: %s\n", err)
	}
	if id3 == id1 || id3 == id2 {
		t.Errorf("duplicate id after attach: %s\n", id3)
	}
}

func TestWheelAttachMismatch(t *testing.T) {
	l := Layout{Capacity: 8, PayloadSize: 4, Buckets: 30}
	_, clk, flog, mem := newTestWheel(t, l, 0, false)

	tests := []struct {
		name string
		mem  []byte
		l    Layout
		err  error
	}{
		{"capacity", mem, Layout{Capacity: 7, PayloadSize: 4, Buckets: 30},
			ErrLayoutMismatch},
		{"payload", mem, Layout{Capacity: 8, PayloadSize: 5, Buckets: 30},
			ErrLayoutMismatch},
		{"buckets", mem, Layout{Capacity: 8, PayloadSize: 4, Buckets: 29},
			ErrLayoutMismatch},
		{"size", append(append([]byte{}, mem...), 0, 0, 0, 0, 0, 0, 0, 0),
			l, ErrLayoutMismatch},
		{"magic", make([]byte, len(mem)), l, ErrLayoutMismatch},
		{"short", mem[:len(mem)-1], l, ErrLayout},
	}
	for _, tc := range tests {
		var w Wheel
		err := w.Attach(tc.mem, Config{Layout: tc.l, Clock: clk,
			OnTimeout: flog.onTimeout})
		if !errors.Is(err, tc.err) {
			t.Errorf("%s: expected %v, got %v\n", tc.name, tc.err, err)
		}
		if tc.err == ErrLayoutMismatch && !IsLayoutMismatch(err) {
			t.Errorf("%s: IsLayoutMismatch false for %v\n", tc.name, err)
		}
	}
}

func TestWheelAddInvalid(t *testing.T) {
	l := Layout{Capacity: 4, PayloadSize: 2, Buckets: 10}
	w, _, _, _ := newTestWheel(t, l, 100, false)

	tests := []struct {
		intvl, max int
		payload    []byte
	}{
		{0, 1, nil},
		{-1, 1, nil},
		{11, 1, nil},
		{5, -1, nil},
		{5, 1, []byte("abc")},
	}
	for _, tc := range tests {
		_, err := w.AddTimer(tc.intvl, tc.max, tc.payload)
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("AddTimer(%d, %d, %q): expected ErrInvalidArgument,"+
				" got %v\n", tc.intvl, tc.max, tc.payload, err)
		}
	}
	if w.Len() != 0 {
		t.Errorf("failed adds changed the wheel: len %d\n", w.Len())
	}
	// max interval == buckets is ok
	if _, err := w.AddTimer(10, 1, []byte("ab")); err != nil {
		t.Errorf("AddTimer with max interval failed: %s\n", err)
	}
	mustVerify(t, w)
}

func TestWheelExpireTime(t *testing.T) {
	l := Layout{Capacity: 4}
	w, clk, _, _ := newTestWheel(t, l, 1000, false)

	id, err := w.AddTimer(5, 0, nil)
	if err != nil {
		t.Fatalf("add failed: %s\n", err)
	}
	exp, err := w.GetExpireTime(id)
	if err != nil || exp.Val() != 1005 {
		t.Errorf("wrong expire %s (%v), expected 1005\n", exp, err)
	}
	// periodic: next expire relative to the processed tick
	advance(t, w, clk, 5)
	exp, _ = w.GetExpireTime(id)
	if exp.Val() != 1010 {
		t.Errorf("wrong re-armed expire %s, expected 1010\n", exp)
	}
	// clock ahead of the wheel: expire from the clock
	clk.Advance(2)
	id2, _ := w.AddTimer(3, 1, nil)
	if exp, _ := w.GetExpireTime(id2); exp.Val() != 1010 {
		t.Errorf("wrong expire %s, expected 1010\n", exp)
	}
}

func TestWheelClockRegression(t *testing.T) {
	l := Layout{Capacity: 4}
	w, clk, _, _ := newTestWheel(t, l, 1000, false)

	if _, err := w.AddTimer(10, 1, nil); err != nil {
		t.Fatalf("add failed: %s\n", err)
	}
	advance(t, w, clk, 5)

	// expire before last tick
	clk.Set(990)
	if _, err := w.AddTimer(3, 1, nil); !errors.Is(err, ErrClockRegression) {
		t.Errorf("expected ErrClockRegression, got %v\n", err)
	}
	// expire == last tick => next tick
	id, err := w.AddTimer(15, 1, nil)
	if err != nil {
		t.Fatalf("add failed: %s\n", err)
	}
	if exp, _ := w.GetExpireTime(id); exp.Val() != 1006 {
		t.Errorf("expire == last not bumped: %s\n", exp)
	}
	// update with the clock behind
	if _, err := w.Update(); !errors.Is(err, ErrClockRegression) {
		t.Errorf("expected ErrClockRegression from Update, got %v\n", err)
	}
	if w.Now().Val() != 1005 || w.Stats().Regressions != 1 {
		t.Errorf("regression changed the wheel: now %s stats %+v\n",
			w.Now(), w.Stats())
	}
	mustVerify(t, w)
}

func TestWheelEmptyResync(t *testing.T) {
	l := Layout{Capacity: 2}
	w, clk, _, _ := newTestWheel(t, l, 1000, false)

	clk.Set(5000)
	if n, err := w.Update(); err != nil || n != 0 {
		t.Fatalf("update on empty wheel: %d, %v\n", n, err)
	}
	if w.Now().Val() != 5000 || w.Stats().CatchUps != 0 {
		t.Errorf("empty wheel not fast-forwarded: %s %+v\n",
			w.Now(), w.Stats())
	}
	clk.Set(10)
	if _, err := w.Update(); err != nil {
		t.Fatalf("update on empty wheel with clock going back: %s\n", err)
	}
	if w.Now().Val() != 10 {
		t.Errorf("empty wheel not re-synced: %s\n", w.Now())
	}
	mustVerify(t, w)
}

func TestWheelCapacity(t *testing.T) {
	l := Layout{Capacity: 4}
	w, _, _, _ := newTestWheel(t, l, 0, false)

	var ids []TimerID
	for i := 0; i < 4; i++ {
		id, err := w.AddTimer(i+1, 0, nil)
		if err != nil {
			t.Fatalf("add %d failed: %s\n", i, err)
		}
		ids = append(ids, id)
	}
	if _, err := w.AddTimer(1, 0, nil); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v\n", err)
	}
	if err := w.DelTimer(ids[2]); err != nil {
		t.Fatalf("del failed: %s\n", err)
	}
	id, err := w.AddTimer(1, 0, nil)
	if err != nil {
		t.Fatalf("add after del failed: %s\n", err)
	}
	if id.Pos() != ids[2].Pos() || id.Seq() == ids[2].Seq() {
		t.Errorf("slot re-use: new %s old %s\n", id, ids[2])
	}
	// stale handle must not touch the new timer
	if err := w.DelTimer(ids[2]); !IsInvalidHandle(err) {
		t.Errorf("del with stale id: expected ErrInvalidHandle, got %v\n",
			err)
	}
	if _, err := w.GetExpireTime(ids[2]); !IsInvalidHandle(err) {
		t.Errorf("expire with stale id: expected ErrInvalidHandle, got %v\n",
			err)
	}
	if _, err := w.GetExpireTime(id); err != nil {
		t.Errorf("new timer affected by stale id ops: %s\n", err)
	}
	if w.Len() != 4 {
		t.Errorf("wrong len %d\n", w.Len())
	}
	mustVerify(t, w)
}

func TestWheelInvalidHandle(t *testing.T) {
	l := Layout{Capacity: 4}
	w, _, _, _ := newTestWheel(t, l, 0, false)

	id, _ := w.AddTimer(5, 1, nil)
	bad := []TimerID{
		NoTimer,
		NewTimerID(5, id.Seq()),
		NewTimerID(^uint32(0), id.Seq()),
		NewTimerID(2, id.Seq()), // never used
		NewTimerID(id.Pos(), id.Seq()+1),
	}
	for _, b := range bad {
		if err := w.DelTimer(b); !IsInvalidHandle(err) {
			t.Errorf("DelTimer(%s): expected ErrInvalidHandle, got %v\n",
				b, err)
		}
		if _, err := w.Info(b); !IsInvalidHandle(err) {
			t.Errorf("Info(%s): expected ErrInvalidHandle, got %v\n", b, err)
		}
	}
	if err := w.DelTimer(id); err != nil {
		t.Fatalf("del failed: %s\n", err)
	}
	if err := w.DelTimer(id); !IsInvalidHandle(err) {
		t.Errorf("double delete: expected ErrInvalidHandle, got %v\n", err)
	}
	mustVerify(t, w)
}

func TestWheelDelPreventsFire(t *testing.T) {
	l := Layout{Capacity: 4}
	w, clk, flog, _ := newTestWheel(t, l, 0, false)

	id, _ := w.AddTimer(3, 0, nil)
	if err := w.DelTimer(id); err != nil {
		t.Fatalf("del failed: %s\n", err)
	}
	if n := advance(t, w, clk, 100); n != 0 || len(flog.recs) != 0 {
		t.Errorf("deleted timer fired: %d %+v\n", n, flog.recs)
	}
}

func TestWheelScenario(t *testing.T) {
	l := Layout{Capacity: 4, PayloadSize: 1}
	w, clk, flog, _ := newTestWheel(t, l, 0, false)

	a, _ := w.AddTimer(5, 1, []byte("a"))
	b, _ := w.AddTimer(5, 1, []byte("b"))
	if n := advance(t, w, clk, 5); n != 2 {
		t.Errorf("expected 2 timers fired, got %d\n", n)
	}
	if flog.count(a) != 1 || flog.count(b) != 1 {
		t.Errorf("one shot timers fired wrong: %+v\n", flog.recs)
	}
	got := map[string]bool{}
	for _, r := range flog.recs {
		got[r.payload] = true
		if r.tick.Val() != 5 {
			t.Errorf("timer %s fired at %s, expected 5\n", r.id, r.tick)
		}
	}
	if !got["a"] || !got["b"] {
		t.Errorf("wrong payloads: %+v\n", flog.recs)
	}
	if w.Len() != 0 {
		t.Errorf("one shot timers not freed: len %d\n", w.Len())
	}
	mustVerify(t, w)

	flog.recs = nil
	c, _ := w.AddTimer(3, 0, []byte("c"))
	for i := 0; i < 9; i++ {
		advance(t, w, clk, 1)
	}
	if flog.count(c) != 3 {
		t.Errorf("periodic timer fired %d times, expected 3\n", flog.count(c))
	}
	for i, r := range flog.recs {
		if r.tick.Val() != uint64(5+3*(i+1)) || r.payload != "c" {
			t.Errorf("fire %d: %+v\n", i, r)
		}
	}
	mustVerify(t, w)
}

func TestWheelMaxFireCount(t *testing.T) {
	l := Layout{Capacity: 2}
	w, clk, flog, _ := newTestWheel(t, l, 0, false)

	id, _ := w.AddTimer(4, 3, nil)
	for i := 0; i < 40; i++ {
		advance(t, w, clk, 1)
	}
	if flog.count(id) != 3 {
		t.Errorf("timer fired %d times, expected 3\n", flog.count(id))
	}
	for i, r := range flog.recs {
		if r.tick.Val() != uint64(4*(i+1)) {
			t.Errorf("fire %d at %s, expected %d\n", i, r.tick, 4*(i+1))
		}
	}
	if w.Len() != 0 {
		t.Errorf("timer not freed after max fire count\n")
	}
}

func TestWheelCatchUp(t *testing.T) {
	l := Layout{Capacity: 16, Buckets: 10}

	// reference: tick by tick
	w1, clk1, flog1, _ := newTestWheel(t, l, 0, false)
	w2, clk2, flog2, _ := newTestWheel(t, l, 0, false)
	intervals := []int{1, 3, 7, 10, 10, 2}
	var ids1, ids2 []TimerID
	for i, intvl := range intervals {
		id, _ := w1.AddTimer(intvl, i%3, nil)
		ids1 = append(ids1, id)
		id, _ = w2.AddTimer(intvl, i%3, nil)
		ids2 = append(ids2, id)
	}
	const m = 35
	for i := 0; i < m; i++ {
		advance(t, w1, clk1, 1)
	}
	advance(t, w2, clk2, m)

	if len(flog1.recs) != len(flog2.recs) {
		t.Fatalf("catch-up fired %d timers, tick by tick %d\n",
			len(flog2.recs), len(flog1.recs))
	}
	for i := range ids1 {
		if flog1.count(ids1[i]) != flog2.count(ids2[i]) {
			t.Errorf("timer %d: fired %d times in catch-up, %d tick by tick\n",
				i, flog2.count(ids2[i]), flog1.count(ids1[i]))
		}
	}
	var last Ticks
	for _, r := range flog2.recs {
		if r.tick.LT(last) {
			t.Errorf("catch-up fired out of order: %+v\n", flog2.recs)
			break
		}
		last = r.tick
	}
	if w2.Stats().CatchUps != 1 {
		t.Errorf("catch-up not counted: %+v\n", w2.Stats())
	}
	mustVerify(t, w1)
	mustVerify(t, w2)
}

func TestWheelDelInCallback(t *testing.T) {
	l := Layout{Capacity: 8}
	w, clk, flog, _ := newTestWheel(t, l, 0, false)

	// three timers in the same bucket; the first one to run deletes
	// itself and all the others
	var ids []TimerID
	for i := 0; i < 3; i++ {
		id, _ := w.AddTimer(5, 0, nil)
		ids = append(ids, id)
	}
	flog.action = func(w *Wheel, id TimerID, p []byte) {
		for _, o := range ids {
			w.DelTimer(o)
		}
	}
	advance(t, w, clk, 5)
	if len(flog.recs) != 1 {
		t.Errorf("expected only 1 timer to fire, got %+v\n", flog.recs)
	}
	if w.Len() != 0 {
		t.Errorf("timers not deleted: %d\n", w.Len())
	}
	mustVerify(t, w)
}

func TestWheelDelNextInCallback(t *testing.T) {
	l := Layout{Capacity: 8}
	w, clk, flog, _ := newTestWheel(t, l, 0, false)

	// same bucket; the list order is reversed (add at front)
	c, _ := w.AddTimer(5, 1, nil)
	b, _ := w.AddTimer(5, 1, nil)
	a, _ := w.AddTimer(5, 1, nil)
	flog.action = func(w *Wheel, id TimerID, p []byte) {
		if id == a {
			if err := w.DelTimer(b); err != nil {
				t.Errorf("del from callback failed: %s\n", err)
			}
		}
	}
	advance(t, w, clk, 5)
	if flog.count(a) != 1 || flog.count(b) != 0 || flog.count(c) != 1 {
		t.Errorf("wrong timers fired: %+v\n", flog.recs)
	}
	if w.Stats().Deferred != 0 {
		t.Errorf("unexpected deferred walk: %+v\n", w.Stats())
	}
	mustVerify(t, w)
}

func TestWheelLegacyDeferred(t *testing.T) {
	l := Layout{Capacity: 8, Buckets: 10}
	w, clk, flog, _ := newTestWheel(t, l, 0, true)

	c, _ := w.AddTimer(5, 1, nil)
	b, _ := w.AddTimer(5, 1, nil)
	a, _ := w.AddTimer(5, 1, nil)
	flog.action = func(w *Wheel, id TimerID, p []byte) {
		if id == a {
			// the walk loses its place
			w.DelTimer(b)
			w.DelTimer(a)
		}
	}
	advance(t, w, clk, 5)
	if flog.count(a) != 1 || flog.count(c) != 0 {
		t.Errorf("legacy walk: wrong timers fired: %+v\n", flog.recs)
	}
	if w.Stats().Deferred != 1 {
		t.Errorf("legacy walk: deferred not counted: %+v\n", w.Stats())
	}
	if exp, _ := w.GetExpireTime(c); exp.Val() != 15 {
		t.Errorf("legacy walk: deferred timer expire %s, expected 15\n", exp)
	}
	mustVerify(t, w)
	// c runs on the next revolution
	advance(t, w, clk, 10)
	if flog.count(c) != 1 || flog.recs[1].tick.Val() != 15 {
		t.Errorf("legacy walk: deferred timer not run: %+v\n", flog.recs)
	}
	mustVerify(t, w)
}

func TestWheelLegacyDelNext(t *testing.T) {
	l := Layout{Capacity: 8, Buckets: 10}
	w, clk, flog, _ := newTestWheel(t, l, 0, true)

	c, _ := w.AddTimer(5, 0, nil)
	b, _ := w.AddTimer(5, 0, nil)
	a, _ := w.AddTimer(5, 0, nil)
	flog.action = func(w *Wheel, id TimerID, p []byte) {
		if id == a {
			w.DelTimer(b)
		}
	}
	// a is still running: the walk goes on from its new next
	if n := advance(t, w, clk, 5); n != 2 {
		t.Errorf("legacy walk: %d timers fired, expected 2\n", n)
	}
	if flog.count(a) != 1 || flog.count(b) != 0 || flog.count(c) != 1 {
		t.Errorf("legacy walk: wrong timers fired: %+v\n", flog.recs)
	}
	if w.Stats().Deferred != 0 {
		t.Errorf("legacy walk: unexpected deferral: %+v\n", w.Stats())
	}
	if w.Len() != 2 {
		t.Errorf("legacy walk: %d timers left, expected 2\n", w.Len())
	}
	mustVerify(t, w)

	// bucket order is now c, a: c deleting only itself does not stop
	// the walk either
	flog.action = func(w *Wheel, id TimerID, p []byte) {
		if id == c {
			w.DelTimer(c)
		}
	}
	advance(t, w, clk, 5)
	if flog.count(a) != 2 || flog.count(c) != 2 || w.Len() != 1 {
		t.Errorf("legacy walk after self delete: %+v, len %d\n",
			flog.recs, w.Len())
	}
	mustVerify(t, w)
}

func TestWheelLegacyRearm(t *testing.T) {
	l := Layout{Capacity: 2, Buckets: 10}
	w, clk, _, _ := newTestWheel(t, l, 0, true)

	id, _ := w.AddTimer(3, 0, nil)
	advance(t, w, clk, 5)
	// re-armed relative to the update time: 5 + 3
	if exp, _ := w.GetExpireTime(id); exp.Val() != 8 {
		t.Errorf("legacy re-arm: expire %s, expected 8\n", exp)
	}
}

func TestWheelSelfDelete(t *testing.T) {
	l := Layout{Capacity: 2}
	w, clk, flog, _ := newTestWheel(t, l, 0, false)

	id, _ := w.AddTimer(2, 0, nil)
	flog.action = func(w *Wheel, tid TimerID, p []byte) {
		if err := w.DelTimer(tid); err != nil {
			t.Errorf("self delete failed: %s\n", err)
		}
	}
	advance(t, w, clk, 10)
	if flog.count(id) != 1 || w.Len() != 0 {
		t.Errorf("self deleted timer: fired %d, len %d\n",
			flog.count(id), w.Len())
	}
	mustVerify(t, w)
}

func TestWheelAddInCallback(t *testing.T) {
	l := Layout{Capacity: 4}
	w, clk, flog, _ := newTestWheel(t, l, 0, false)

	first, _ := w.AddTimer(2, 1, []byte{})
	var second TimerID
	flog.action = func(w *Wheel, id TimerID, p []byte) {
		if id == first {
			var err error
			second, err = w.AddTimer(1, 1, nil)
			if err != nil {
				t.Errorf("add from callback failed: %s\n", err)
			}
		}
	}
	advance(t, w, clk, 2)
	advance(t, w, clk, 1)
	if flog.count(first) != 1 || flog.count(second) != 1 {
		t.Errorf("timer added from callback: %+v\n", flog.recs)
	}
	mustVerify(t, w)
}

// AdvanceTo ahead of the clock: timers added from the callbacks are
// relative to the tick being processed
func TestWheelAddAheadOfClock(t *testing.T) {
	l := Layout{Capacity: 4}
	w, _, flog, _ := newTestWheel(t, l, 1000, false)

	first, _ := w.AddTimer(1, 1, nil)
	var second TimerID
	flog.action = func(w *Wheel, id TimerID, p []byte) {
		if id != first {
			return
		}
		var err error
		if second, err = w.AddTimer(5, 0, nil); err != nil {
			t.Errorf("add from callback failed: %s\n", err)
			return
		}
		if exp, _ := w.GetExpireTime(second); exp.Val() != 1006 {
			t.Errorf("timer added at tick 1001 expires at %s\n", exp)
		}
	}
	n, err := w.AdvanceTo(NewTicks(1010))
	if err != nil || n != 2 {
		t.Fatalf("advance: %d fired, err %v\n", n, err)
	}
	if len(flog.recs) != 2 || flog.recs[1].id != second ||
		flog.recs[1].tick.Val() != 1006 {
		t.Errorf("timer added from callback: %+v\n", flog.recs)
	}
	if exp, _ := w.GetExpireTime(second); exp.Val() != 1011 {
		t.Errorf("re-armed timer expire %s, expected 1011\n", exp)
	}
	mustVerify(t, w)
	if _, err := w.AdvanceTo(NewTicks(1011)); err != nil {
		t.Fatalf("advance: %s\n", err)
	}
	if flog.count(second) != 2 {
		t.Errorf("timer not fired on 1011: %+v\n", flog.recs)
	}
}

func TestWheelReentrant(t *testing.T) {
	l := Layout{Capacity: 2}
	w, clk, flog, _ := newTestWheel(t, l, 0, false)

	var rerr error
	flog.action = func(w *Wheel, id TimerID, p []byte) {
		_, rerr = w.Update()
	}
	w.AddTimer(1, 1, nil)
	advance(t, w, clk, 1)
	if !errors.Is(rerr, ErrReentrant) {
		t.Errorf("expected ErrReentrant, got %v\n", rerr)
	}
	// not stuck in running state
	w.AddTimer(1, 1, nil)
	if n := advance(t, w, clk, 1); n != 1 {
		t.Errorf("update after reentrant call fired %d\n", n)
	}
}

func TestWheelPayloadCopy(t *testing.T) {
	l := Layout{Capacity: 2, PayloadSize: 4}
	w, clk, flog, _ := newTestWheel(t, l, 0, false)

	src := []byte("xy")
	id, _ := w.AddTimer(1, 2, src)
	src[0] = 'z'
	flog.action = func(w *Wheel, id TimerID, p []byte) {
		// scribbling on the scratch copy must not change the timer
		p[1] = 'q'
	}
	advance(t, w, clk, 1)
	advance(t, w, clk, 1)
	for _, r := range flog.recs {
		if r.payload != "xy" {
			t.Errorf("wrong payload %q\n", r.payload)
		}
	}
	if flog.count(id) != 2 {
		t.Errorf("timer fired %d times\n", flog.count(id))
	}
}

func TestWheelWalk(t *testing.T) {
	l := Layout{Capacity: 6, PayloadSize: 1}
	w, _, _, _ := newTestWheel(t, l, 0, false)

	ids := map[TimerID]bool{}
	for i := 0; i < 4; i++ {
		id, _ := w.AddTimer(i+1, 0, []byte{byte('a' + i)})
		ids[id] = true
	}
	n := 0
	w.Walk(func(ti TimerInfo) bool {
		if !ids[ti.ID] {
			t.Errorf("walk: unknown timer %+v\n", ti)
		}
		n++
		return true
	})
	if n != 4 {
		t.Errorf("walk visited %d timers\n", n)
	}
	n = 0
	w.Walk(func(ti TimerInfo) bool {
		n++
		return false
	})
	if n != 1 {
		t.Errorf("walk did not stop: %d\n", n)
	}
}

func TestWheelVerifyCorrupt(t *testing.T) {
	l := Layout{Capacity: 4}
	w, _, _, _ := newTestWheel(t, l, 0, false)

	id, _ := w.AddTimer(3, 0, nil)
	mustVerify(t, w)
	// move the timer expire to another bucket without re-linking
	w.m.setExpire(id.Pos(), NewTicks(4))
	if err := w.Verify(); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v\n", err)
	}
	w.m.setExpire(id.Pos(), NewTicks(3))
	mustVerify(t, w)
	// same bucket, but already processed
	w.m.setCur(NewTicks(63))
	if err := w.Verify(); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt for a past expire, got %v\n", err)
	}
	w.m.setCur(NewTicks(0))
	w.m.setUsedNum(3)
	if err := w.Verify(); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt for bad counter, got %v\n", err)
	}
}
