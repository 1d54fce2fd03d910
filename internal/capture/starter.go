package capture

import "time"

// startupIDRDelay is the spacing of the two IDR requests that follow the
// first frame, so late joiners get a picture quickly.
const startupIDRDelay = 2 * time.Second

// VideoStarter decides when the encoder should be asked for an IDR frame.
// Times are ticker times.
type VideoStarter struct {
	// Interval requests a periodic IDR once the startup requests are done;
	// zero disables it.
	Interval time.Duration

	active bool
	next   time.Duration
	count  int
}

// First records the time of the first encoded frame.
func (v *VideoStarter) First(now time.Duration) {
	v.active = true
	v.next = now + startupIDRDelay
	v.count = 0
}

// NeedIFrame reports whether an IDR frame is due at now.
func (v *VideoStarter) NeedIFrame(now time.Duration) bool {
	if !v.active || v.next == 0 || now < v.next {
		return false
	}
	v.count++
	switch {
	case v.count == 1:
		v.next += startupIDRDelay
	case v.Interval > 0:
		v.next = now + v.Interval
	default:
		v.next = 0
	}
	return true
}

// Reset forgets the first frame.
func (v *VideoStarter) Reset() {
	v.active = false
	v.next = 0
	v.count = 0
}
