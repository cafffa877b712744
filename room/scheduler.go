package room

import "time"

// Timer is a scheduled continuation that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler arms continuations. Callbacks run on their own goroutine and
// must only post events back into a room.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type wallClock struct{}

func (wallClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
