// Package clock abstracts the time source used by call timers.
//
// Ringing, connect and reconnection timeouts are scheduled through a Clock so
// that tests can drive them with Fake instead of sleeping:
//
//	fc := clock.Fake(time.Unix(0, 0))
//	machine := signaling.NewMachine(..., signaling.Config{Clock: fc})
//	fc.Advance(46 * time.Second) // ringing timeout fires synchronously
package clock

import "time"

// Clock is the subset of the time package the call core depends on.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer cancels it.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a cancellable pending callback.
type Timer struct {
	stop func() bool
}

// Stop cancels the timer. It reports whether the call prevented f from running.
// Stop on a nil Timer is a no-op.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}
