// Package ratelimit provides a simple segments-per-second rate limiter.
package ratelimit

import "time"

// Throttle limits to n units per second on average.
// Not safe for concurrent use.
type Throttle struct {
	nsPerUnit  int64
	unitsSent  uint64
	startTime  time.Time
	checkEvery uint64
}

// New creates a limiter for n units per second.
// If n == 0, throttling is disabled.
func New(n uint64) *Throttle {
	if n == 0 {
		return nil
	}
	return &Throttle{
		nsPerUnit: int64(time.Second) / int64(n),
		startTime: time.Now(),

		// Check time every ~10ms of units to balance accuracy vs overhead.
		// At least every 32 units. At most every 1024 units.
		checkEvery: min(max(n/100, 32), 1024),
	}
}

// ThrottleN blocks until n units are allowed. devmem-nc's TX engine calls
// this once per segment sent, not once per packet — the NIC, not this
// package, is what turns a segment into packets.
// It does not "catch up" by allowing faster sends after being delayed.
func (l *Throttle) ThrottleN(n uint64) {
	if l == nil || n == 0 {
		return
	}

	l.unitsSent += n
	if l.unitsSent%l.checkEvery != 0 {
		return // Fast path: only check time periodically.
	}

	// Slow path: check if we need to sleep
	expectedTime := l.startTime.Add(time.Duration(int64(l.unitsSent) * l.nsPerUnit))

	if now := time.Now(); now.Before(expectedTime) {
		time.Sleep(expectedTime.Sub(now))
	}
	// If behind schedule, naturally catch up by not sleeping
}
