// Package retransmit tracks the retransmission deadline of a lock-step
// transfer.
//
// A Timer is armed whenever a new packet goes out and holds a single
// deadline. It does not own a clock: callers pass the current time in, so a
// dispatch loop can check every session's deadline on one ticker and tests
// can step time explicitly.
//
// The policy is a fixed interval with a bounded number of retransmissions:
//
//   - Arm sets deadline = now + Timeout and clears the retry count
//   - Retry is called on expiry; it re-arms with the same interval until
//     MaxRetries retransmissions have been made, then reports exhaustion
//   - Cancel disarms the timer (terminal states)
package retransmit

import "time"

const (
	// DefaultTimeout is the interval between retransmissions.
	DefaultTimeout = time.Second

	// DefaultMaxRetries is the number of retransmissions before giving up.
	DefaultMaxRetries = 5
)

// Policy configures a Timer.
type Policy struct {
	Timeout    time.Duration
	MaxRetries int
}

// DefaultPolicy returns the 1s / 5 retries policy.
func DefaultPolicy() Policy {
	return Policy{Timeout: DefaultTimeout, MaxRetries: DefaultMaxRetries}
}

// WithDefaults fills zero fields. A negative MaxRetries means no retries.
func (p Policy) WithDefaults() Policy {
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	return p
}

// Timer is a single retransmission deadline. It is not safe for concurrent
// use; each session owns its own.
type Timer struct {
	policy   Policy
	deadline time.Time
	armed    bool
	retries  int // retransmissions since the last Arm
	total    int // retransmissions over the timer's lifetime
}

// New creates a disarmed Timer.
func New(p Policy) *Timer {
	return &Timer{policy: p.WithDefaults()}
}

// Policy returns the effective policy.
func (t *Timer) Policy() Policy {
	return t.policy
}

// Arm starts a fresh deadline for a newly sent packet.
func (t *Timer) Arm(now time.Time) {
	t.deadline = now.Add(t.policy.Timeout)
	t.armed = true
	t.retries = 0
}

// Cancel disarms the timer.
func (t *Timer) Cancel() {
	t.armed = false
	t.deadline = time.Time{}
}

// Armed reports whether a deadline is pending.
func (t *Timer) Armed() bool {
	return t.armed
}

// Deadline returns the pending deadline and whether one is set.
func (t *Timer) Deadline() (time.Time, bool) {
	return t.deadline, t.armed
}

// Expired reports whether an armed deadline has passed at now.
func (t *Timer) Expired(now time.Time) bool {
	return t.armed && !now.Before(t.deadline)
}

// Retry accounts for one expiry. It returns true if the caller should
// retransmit (the timer is re-armed), or false if the retry budget is
// spent (the timer is disarmed).
func (t *Timer) Retry(now time.Time) bool {
	if t.retries >= t.policy.MaxRetries {
		t.Cancel()
		return false
	}
	t.retries++
	t.total++
	t.deadline = now.Add(t.policy.Timeout)
	t.armed = true
	return true
}

// Retries returns the retransmissions made since the last Arm.
func (t *Timer) Retries() int {
	return t.retries
}

// Total returns all retransmissions made by this timer.
func (t *Timer) Total() int {
	return t.total
}
