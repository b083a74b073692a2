// Package safego provides panic-safe goroutine helpers. A panic in a
// background goroutine would otherwise crash the whole server; these wrappers
// recover, log the stack, and let the rest of the process keep running.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go runs fn in a new goroutine, recovering and logging any panic.
// The name identifies the goroutine in logs.
func Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in background goroutine",
					"goroutine", name,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}

