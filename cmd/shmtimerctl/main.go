// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// shmtimerctl creates, inspects and runs timer wheels kept in memory
// mapped files.
package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/intuitivelabs/slog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/intuitivelabs/shmtimer"
	"github.com/intuitivelabs/shmtimer/region"
)

func main() {
	app := newApp(os.Stdout)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "shmtimerctl"
	app.Usage = "manage timer wheels in memory mapped files"
	app.Writer = out
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:     "file",
			Aliases:  []string{"f"},
			Usage:    "wheel file",
			EnvVars:  []string{"SHMTIMER_FILE"},
			Required: true,
		},
		&cli.DurationFlag{
			Name:  "unit",
			Usage: "tick duration, must be the same for all the commands",
			Value: time.Second,
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug messages",
		},
	}
	app.Before = func(c *cli.Context) error {
		if c.Bool("debug") {
			slog.SetLevel(&shmtimer.Log, slog.LDBG)
		}
		return nil
	}
	app.Commands = []*cli.Command{
		{
			Name:  "init",
			Usage: "create a new wheel (discards the file content)",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:     "capacity",
					Usage:    "maximum number of timers",
					Required: true,
				},
				&cli.IntFlag{
					Name:  "payload",
					Usage: "per timer data size",
					Value: 0,
				},
				&cli.IntFlag{
					Name:  "buckets",
					Usage: "wheel size (maximum interval in ticks)",
					Value: shmtimer.DefaultBuckets,
				},
			},
			Action: runInit,
		},
		{
			Name:   "info",
			Usage:  "show the wheel layout and state",
			Action: runInfo,
		},
		{
			Name:  "add",
			Usage: "add a timer",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:     "interval",
					Usage:    "interval in ticks",
					Required: true,
				},
				&cli.IntFlag{
					Name:  "count",
					Usage: "number of times to fire (0 = forever)",
					Value: 1,
				},
				&cli.StringFlag{
					Name:  "data",
					Usage: "timer payload",
				},
			},
			Action: runAdd,
		},
		{
			Name:  "del",
			Usage: "delete a timer",
			Flags: []cli.Flag{
				&cli.Uint64Flag{Name: "id", Usage: "timer id", Required: true},
			},
			Action: runDel,
		},
		{
			Name:  "expire",
			Usage: "show the next expire tick of a timer",
			Flags: []cli.Flag{
				&cli.Uint64Flag{Name: "id", Usage: "timer id", Required: true},
			},
			Action: runExpire,
		},
		{
			Name:   "list",
			Usage:  "list the active timers",
			Action: runList,
		},
		{
			Name:  "run",
			Usage: "run the wheel, printing the expired timers",
			Flags: []cli.Flag{
				&cli.DurationFlag{
					Name:  "for",
					Usage: "stop after this time (0 = until interrupted)",
				},
				&cli.DurationFlag{
					Name:  "poll",
					Usage: "update interval",
					Value: 100 * time.Millisecond,
				},
			},
			Action: runRun,
		},
	}
	return app
}

// wheelFile is an attached wheel together with its file and lock.
type wheelFile struct {
	w    *shmtimer.Wheel
	clk  *shmtimer.CoarseClock
	r    *region.Region
	lock *region.Lock
}

func (wf *wheelFile) close() error {
	var err error
	if wf.r != nil {
		err = wf.r.Close()
	}
	if uerr := wf.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

func lockFile(c *cli.Context) (*region.Lock, error) {
	l := region.NewLock(c.String("file") + ".lock")
	if err := l.TryLock(); err != nil {
		return nil, err
	}
	return l, nil
}

func noTimeout(w *shmtimer.Wheel, id shmtimer.TimerID, p []byte) {}

// openWheel attaches to an existing wheel file, with the lock held.
func openWheel(c *cli.Context, f shmtimer.TimeoutF) (*wheelFile, error) {
	clk, err := shmtimer.NewCoarseClock(c.Duration("unit"))
	if err != nil {
		return nil, err
	}
	l, err := lockFile(c)
	if err != nil {
		return nil, err
	}
	wf := &wheelFile{clk: clk, lock: l}
	path := c.String("file")
	if wf.r, err = region.Open(path, 0); err != nil {
		wf.close()
		return nil, err
	}
	layout, err := shmtimer.ReadLayout(wf.r.Bytes())
	if err != nil {
		wf.close()
		return nil, errors.Wrapf(err, "%s", path)
	}
	wf.w, err = shmtimer.AttachWheel(wf.r.Bytes(), shmtimer.Config{
		Layout:    layout,
		Clock:     clk,
		OnTimeout: f,
	})
	if err != nil {
		wf.close()
		return nil, errors.Wrapf(err, "%s", path)
	}
	return wf, nil
}

func payloadText(p []byte) string {
	return string(bytes.TrimRight(p, "\x00"))
}

func runInit(c *cli.Context) error {
	layout := shmtimer.Layout{
		Capacity:    c.Int("capacity"),
		PayloadSize: c.Int("payload"),
		Buckets:     c.Int("buckets"),
	}
	if err := layout.Validate(); err != nil {
		return err
	}
	clk, err := shmtimer.NewCoarseClock(c.Duration("unit"))
	if err != nil {
		return err
	}
	l, err := lockFile(c)
	if err != nil {
		return err
	}
	wf := &wheelFile{clk: clk, lock: l}
	defer wf.close()
	if wf.r, err = region.Create(c.String("file"), layout.MemSize()); err != nil {
		return err
	}
	wf.w, err = shmtimer.NewWheel(wf.r.Bytes(), shmtimer.Config{
		Layout:    layout,
		Clock:     clk,
		OnTimeout: noTimeout,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "initialized %s: %d timers, %d buckets,"+
		" payload %d, %d bytes\n", c.String("file"), layout.Capacity,
		wf.w.Layout().Buckets, layout.PayloadSize, wf.r.Len())
	return nil
}

func runInfo(c *cli.Context) error {
	wf, err := openWheel(c, noTimeout)
	if err != nil {
		return err
	}
	defer wf.close()
	l := wf.w.Layout()
	out := c.App.Writer
	fmt.Fprintf(out, "file:      %s (%d bytes)\n", wf.r.Path(), wf.r.Len())
	fmt.Fprintf(out, "capacity:  %d\n", l.Capacity)
	fmt.Fprintf(out, "payload:   %d\n", l.PayloadSize)
	fmt.Fprintf(out, "buckets:   %d\n", l.Buckets)
	fmt.Fprintf(out, "active:    %d\n", wf.w.Len())
	fmt.Fprintf(out, "last tick: %s (clock %s)\n", wf.w.Now(), wf.clk.Now())
	if err := wf.w.Verify(); err != nil {
		fmt.Fprintf(out, "verify:    FAILED: %s\n", err)
		return err
	}
	fmt.Fprintf(out, "verify:    ok\n")
	return nil
}

func runAdd(c *cli.Context) error {
	wf, err := openWheel(c, noTimeout)
	if err != nil {
		return err
	}
	defer wf.close()
	id, err := wf.w.AddTimer(c.Int("interval"), c.Int("count"),
		[]byte(c.String("data")))
	if err != nil {
		return err
	}
	exp, err := wf.w.GetExpireTime(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%d\t%s\texpire %s\n", uint64(id), id, exp)
	return nil
}

func runDel(c *cli.Context) error {
	wf, err := openWheel(c, noTimeout)
	if err != nil {
		return err
	}
	defer wf.close()
	id := shmtimer.TimerID(c.Uint64("id"))
	if err := wf.w.DelTimer(id); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "deleted %s\n", id)
	return nil
}

func runExpire(c *cli.Context) error {
	wf, err := openWheel(c, noTimeout)
	if err != nil {
		return err
	}
	defer wf.close()
	id := shmtimer.TimerID(c.Uint64("id"))
	exp, err := wf.w.GetExpireTime(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s\n", exp)
	return nil
}

func runList(c *cli.Context) error {
	wf, err := openWheel(c, noTimeout)
	if err != nil {
		return err
	}
	defer wf.close()
	out := c.App.Writer
	wf.w.Walk(func(ti shmtimer.TimerInfo) bool {
		fmt.Fprintf(out, "%d\t%s\tinterval %d\tfired %d/%d\texpire %s\t%q\n",
			uint64(ti.ID), ti.ID, ti.Interval, ti.FireCount, ti.MaxFire,
			ti.Expire, payloadText(ti.Payload))
		return true
	})
	return nil
}

func runRun(c *cli.Context) error {
	out := c.App.Writer
	wf, err := openWheel(c, func(w *shmtimer.Wheel, id shmtimer.TimerID,
		p []byte) {
		fmt.Fprintf(out, "fired %d\t%s\t%q\n", uint64(id), id,
			payloadText(p))
	})
	if err != nil {
		return err
	}
	defer wf.close()

	r, err := shmtimer.NewRunner(wf.w, c.Duration("poll"))
	if err != nil {
		return err
	}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	var stop <-chan time.Time
	if d := c.Duration("for"); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		stop = t.C
	}

	r.Start()
	select {
	case <-sig:
	case <-stop:
	}
	r.Shutdown()
	// run whatever expired in the last poll interval
	if _, err := r.Update(); err != nil {
		return err
	}
	st := wf.w.Stats()
	fmt.Fprintf(out, "stopped: %d fired, %d active, last tick %s\n",
		st.Fired, wf.w.Len(), wf.w.Now())
	return wf.r.Sync()
}
