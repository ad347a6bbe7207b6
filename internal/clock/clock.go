package clock

import "time"

// Timer is a scheduled callback that can be positively cancelled.
// Stop reports whether the call prevented the callback from running.
type Timer interface {
	Stop() bool
}

// Clock supplies wall time and cancellable scheduled callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// Real returns the process wall clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
