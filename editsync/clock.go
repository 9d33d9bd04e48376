package editsync

import (
	"time"
)

// All debounce, heartbeat and expiry timers go through a Clock so that the
// timing contracts (one commit per debounce window, heartbeat cadence,
// liveness expiry) are exact under test instead of sleep-based.

type Timer interface {
	// Stop cancels the timer. Returns false if the timer already fired
	// or was stopped.
	Stop() bool
}

type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine after d elapses.
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

// SystemClock returns the wall-clock backed Clock.
func SystemClock() Clock {
	return &systemClock{}
}

func (self *systemClock) Now() time.Time {
	return time.Now()
}

func (self *systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
