// Package throttle implements the per-session frame admission gate.
package throttle

import "time"

// DefaultMinInterval targets roughly 15 admitted frames per second.
const DefaultMinInterval = 66 * time.Millisecond

// State is the admission state of one session. It is not safe for concurrent
// use; callers hold the owning session's lock.
type State struct {
	// LastAdmitted is the time of the most recently admitted frame.
	// The zero value admits the first frame unconditionally.
	LastAdmitted time.Time

	// MinInterval is the minimum spacing between admitted frames.
	MinInterval time.Duration

	// Dropped counts frames refused since the last admit.
	Dropped int
}

// NewState returns a State with the given interval, falling back to
// DefaultMinInterval when interval is not positive.
func NewState(interval time.Duration) State {
	if interval <= 0 {
		interval = DefaultMinInterval
	}
	return State{MinInterval: interval}
}

// Decision is the outcome of a single admission attempt.
type Decision struct {
	Admitted bool

	// DroppedSinceLast is the number of frames dropped between the previous
	// admit and this one. Only set when Admitted is true.
	DroppedSinceLast int
}

// Admit decides whether a frame arriving at now may be dispatched.
func Admit(st *State, now time.Time) Decision {
	if !st.LastAdmitted.IsZero() && now.Sub(st.LastAdmitted) < st.MinInterval {
		st.Dropped++
		return Decision{}
	}

	d := Decision{Admitted: true, DroppedSinceLast: st.Dropped}
	st.LastAdmitted = now
	st.Dropped = 0
	return d
}
