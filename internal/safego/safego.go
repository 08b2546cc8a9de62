// Package safego wraps goroutine launches so a panicking background task is
// logged instead of taking the process down.
package safego

import "log/slog"

// Go runs fn on its own goroutine and absorbs any panic, logging it at error
// level. Long-lived background loops (the retention job, shipper batching)
// start through this so a panic in one of them cannot silently kill the
// worker or crash the server.
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine", "panic", r)
			}
		}()
		fn()
	}()
}
