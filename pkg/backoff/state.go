// Package backoff implements process-shared rate-limit state for
// external providers.
//
// The decision core is pure: Decide and the transition functions take
// explicit state and time so they test without real delays. The Store
// persists one JSON record per source, guarded by an advisory file
// lock so concurrent region jobs share one backoff window.
package backoff

import "time"

// BaseBackoff is the first backoff window after a violation.
const BaseBackoff = 600 * time.Second

// State is the persisted backoff record for one source.
type State struct {
	RateLimited           bool      `json:"rate_limited"`
	BackoffUntil          time.Time `json:"backoff_until"`
	BackoffSeconds        int       `json:"backoff_seconds"`
	ConsecutiveViolations int       `json:"consecutive_violations"`
	LastRequest           time.Time `json:"last_request_time"`
}

// Decision is the outcome of a backoff check.
type Decision struct {
	Allow bool
	// Until is when the source becomes available again; zero when
	// Allow is true.
	Until time.Time
}

// Decide reports whether a request to the source is allowed at now.
func Decide(s State, now time.Time) Decision {
	if s.RateLimited && now.Before(s.BackoffUntil) {
		return Decision{Allow: false, Until: s.BackoffUntil}
	}
	return Decision{Allow: true}
}

// OnViolation records a rate-limit violation at now: the first
// violation opens a window of BaseBackoff, consecutive ones double it
// with no cap.
func (s State) OnViolation(now time.Time) State {
	secs := int(BaseBackoff / time.Second)
	if s.RateLimited {
		secs = s.BackoffSeconds * 2
	}
	return State{
		RateLimited:           true,
		BackoffSeconds:        secs,
		BackoffUntil:          now.Add(time.Duration(secs) * time.Second),
		ConsecutiveViolations: s.ConsecutiveViolations + 1,
		LastRequest:           now,
	}
}

// OnSuccess records a fully successful request at now, clearing the
// violation streak and the rate-limited flag.
func (s State) OnSuccess(now time.Time) State {
	return State{
		RateLimited:           false,
		BackoffSeconds:        0,
		BackoffUntil:          time.Time{},
		ConsecutiveViolations: 0,
		LastRequest:           now,
	}
}
