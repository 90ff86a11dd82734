// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package shmtimer

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// after how many consecutive clock regressions an error is logged (and
// logged again every maxBadTime more)
const maxBadTime = 10

// badTimeReport returns true if the n-th consecutive regression should be
// logged as an error.
func badTimeReport(n int) bool {
	return n > maxBadTime && (n-1)%maxBadTime == 0
}

// Runner drives a Wheel from a time.Ticker and serializes all the access
// to it with a mutex. The timer callbacks run from the ticker go routine,
// with the lock held: inside a callback use the *Wheel parameter directly
// and never the Runner methods (they would deadlock).
type Runner struct {
	lock   sync.Mutex
	w      *Wheel
	poll   time.Duration
	cancel chan struct{}
	wg     sync.WaitGroup

	badTime int // consecutive clock regressions, see Wheel.Stats()
}

// NewRunner returns a runner that will call w.Update() every poll
// interval, once started. The poll interval should be smaller or equal
// to the clock tick duration.
func NewRunner(w *Wheel, poll time.Duration) (*Runner, error) {
	if w == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "nil wheel")
	}
	if poll < time.Microsecond {
		return nil, errors.Wrapf(ErrInvalidArgument,
			"poll interval %s too small", poll)
	} else if poll > time.Hour*24 {
		return nil, errors.Wrapf(ErrInvalidArgument,
			"poll interval %s too high", poll)
	}
	return &Runner{w: w, poll: poll}, nil
}

// Start starts the ticker go routine. No timers will run before Start()
// (unless Update is called "by hand"). Calling it on a started runner
// does nothing.
func (r *Runner) Start() {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.cancel != nil {
		return
	}
	r.cancel = make(chan struct{})
	cancel := r.cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if DBGon() {
			DBG("starting ticker with %s at %s\n", r.poll, time.Now())
		}
		ticker := time.NewTicker(r.poll)
	loop:
		for {
			select {
			case <-cancel:
				DBG("canceled\n")
				break loop
			case _, ok := <-ticker.C:
				if !ok {
					break loop
				}
				r.ticker()
			}
		}
		ticker.Stop()
	}()
}

// Shutdown signals the ticker go routine to stop and waits for it.
// The runner can be re-started afterwards.
func (r *Runner) Shutdown() {
	r.lock.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.lock.Unlock()
	if cancel != nil {
		close(cancel)
	}
	r.wg.Wait()
}

// ticker advances the wheel. It must not be called in parallel.
func (r *Runner) ticker() int {
	r.lock.Lock()
	n, err := r.w.Update()
	r.lock.Unlock()
	if err == nil {
		r.badTime = 0
		return n
	}
	if errors.Is(err, ErrClockRegression) {
		r.badTime++
		if badTimeReport(r.badTime) && ERRon() {
			ERR("ticker: time going backward %d times in a row: %s\n",
				r.badTime, err)
		} else if DBGon() {
			DBG("ticker: %s (%d times)\n", err, r.badTime)
		}
		return 0
	}
	if ERRon() {
		ERR("ticker: update failed: %s\n", err)
	}
	return 0
}

// Update advances the wheel immediately, under the runner lock.
func (r *Runner) Update() (int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.w.Update()
}

// AddTimer is the locked version of Wheel.AddTimer().
func (r *Runner) AddTimer(interval, maxFireCount int,
	payload []byte) (TimerID, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.w.AddTimer(interval, maxFireCount, payload)
}

// DelTimer is the locked version of Wheel.DelTimer().
func (r *Runner) DelTimer(id TimerID) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.w.DelTimer(id)
}

// GetExpireTime is the locked version of Wheel.GetExpireTime().
func (r *Runner) GetExpireTime(id TimerID) (Ticks, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.w.GetExpireTime(id)
}

// Do runs f with the runner lock held.
func (r *Runner) Do(f func(w *Wheel) error) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return f(r.w)
}
