package concurrency

import (
	"log/slog"
	"runtime/debug"
)

// SafeGo runs fn in a goroutine and turns a panic into a log line plus an
// optional callback.
func SafeGo(fn func(), onPanic func(interface{})) {
	go func() {
		defer Recover("goroutine", onPanic)
		fn()
	}()
}

// Recover is deferred by callers that run untrusted callbacks inline.
func Recover(where string, onPanic func(interface{})) {
	if r := recover(); r != nil {
		slog.Error("Panic recovered", "where", where, "panic", r, "stack", string(debug.Stack()))
		if onPanic != nil {
			onPanic(r)
		}
	}
}
