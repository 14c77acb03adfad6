// Package lifecycle holds process-wide startup and shutdown state read by the
// health endpoint.
package lifecycle

import (
	"sync/atomic"
	"time"
)

var (
	shuttingDown atomic.Bool
	readyAt      atomic.Int64 // unix nanoseconds; zero means ready
)

// SetShuttingDown sets the drain flag. Call when SIGTERM/SIGINT is received.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown reports whether the process is draining.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// SetReadyAfter marks the process as starting until t, e.g. while the cache
// warmer does its first pass. The zero time marks it ready immediately.
func SetReadyAfter(t time.Time) {
	if t.IsZero() {
		readyAt.Store(0)
		return
	}
	readyAt.Store(t.UnixNano())
}

// IsReady reports whether the ready time has passed at now.
func IsReady(now time.Time) bool {
	at := readyAt.Load()
	return at == 0 || now.UnixNano() >= at
}
