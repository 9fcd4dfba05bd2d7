package session

import "time"

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop prevents the callback from running if it has not started.
	Stop() bool
}

// Clock abstracts time so that timer callbacks can be routed through the
// engine's event loop and driven by tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// RealClock runs callbacks on their own goroutine via time.AfterFunc.
func RealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
