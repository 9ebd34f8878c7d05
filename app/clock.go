package app

import "time"

// Clock returns the current wall-clock time in seconds since the epoch.
// Session timestamps and lifespans are all second-granularity, so engines
// take a Clock rather than calling time.Now directly; tests substitute a
// fixed or stepped clock.
type Clock func() int64

// WallClock is the production clock.
func WallClock() int64 {
	return time.Now().Unix()
}

func (c Clock) now() int64 {
	if c == nil {
		return WallClock()
	}
	return c()
}
