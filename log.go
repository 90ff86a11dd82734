// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package shmtimer

import (
	"fmt"

	"github.com/intuitivelabs/slog"
)

// Log is the package logger. Its level can be changed with
// slog.SetLevel(&Log, level).
var Log slog.Log = slog.New(slog.LERR, slog.LbackTraceS|slog.LlocInfoS,
	slog.LStdErr)

// DBGon is a shorthand for checking if logging at LDBG level is enabled.
func DBGon() bool {
	return Log.DBGon()
}

// DBG logs a debug message.
func DBG(f string, a ...interface{}) {
	Log.LLog(slog.LDBG, 1, "DBG: "+NAME+": ", f, a...)
}

// WARNon is a shorthand for checking if logging at LWARN level is enabled.
func WARNon() bool {
	return Log.WARNon()
}

// WARN logs a warning message.
func WARN(f string, a ...interface{}) {
	Log.LLog(slog.LWARN, 1, "WARNING: "+NAME+": ", f, a...)
}

// ERRon is a shorthand for checking if logging at LERR level is enabled.
func ERRon() bool {
	return Log.ERRon()
}

// ERR logs an error message.
func ERR(f string, a ...interface{}) {
	Log.LLog(slog.LERR, 1, "ERROR: "+NAME+": ", f, a...)
}

// BUG logs an internal inconsistency.
func BUG(f string, a ...interface{}) {
	Log.LLog(slog.LBUG, 1, "BUG: "+NAME+": ", f, a...)
}

// PANIC logs and then panics. Used only for states that cannot be
// recovered from without corrupting the wheel memory.
func PANIC(f string, a ...interface{}) {
	Log.LLog(slog.LBUG, 1, "PANIC: "+NAME+": ", f, a...)
	panic(fmt.Sprintf(f, a...))
}
