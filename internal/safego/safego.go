// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go launches fn in a new goroutine labelled name. A panic in fn is recovered
// and logged with its stack instead of crashing the process. Use it for the
// schema synchronization job, start-up sync in background mode and any other
// fire-and-forget goroutine.
func Go(name string, fn func()) {
	go Run(name, fn)
}

// Run calls fn on the current goroutine with the same recovery as Go. It
// reports whether fn returned without panicking.
func Run(name string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic in background goroutine",
				"task", name, "panic", r, "stack", string(debug.Stack()))
			ok = false
		}
	}()
	fn()
	return true
}
