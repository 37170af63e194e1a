// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package dispatch

import (
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/dispatch/internal/logx"
)

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(logx.Nop())
}

// SetLogger configures the logger for dispatch and all its internal
// packages. By default, dispatch produces no log output.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by dispatch:
//   - [slog.LevelDebug]: buffer sizes, barriers, slot binds
//   - [slog.LevelInfo]: adapter selected, sync points reached
//   - [slog.LevelWarn]: fallbacks (device index, wave lanes, short kernel read)
//
// Example:
//
//	dispatch.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = logx.Nop()
	}
	loggerPtr.Store(l)
	logx.Set(l)
}

// Logger returns the current logger used by dispatch.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
