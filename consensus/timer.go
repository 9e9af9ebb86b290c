package consensus

import (
	"sync"
	"time"
)

// RoundKey identifies a specific (height, round) pair a timeout is armed
// for. Timer callbacks use it to self-invalidate once the engine has
// moved past the round they were scheduled for.
type RoundKey struct {
	Number int64
	Round  int
}

// Less reports whether k is strictly earlier than other.
func (k RoundKey) Less(other RoundKey) bool {
	if k.Number != other.Number {
		return k.Number < other.Number
	}
	return k.Round < other.Round
}

// Timer is the engine's single-slot timeout abstraction: at most one
// timer is ever armed, and arming with a key that is not at least as new
// as the currently-armed one is a no-op, so a stale scheduling request
// racing a newer one can never win.
type Timer struct {
	mu     sync.Mutex
	key    RoundKey
	armed  bool
	native *time.Timer
}

// NewTimer creates an unarmed timer.
func NewTimer() *Timer {
	return &Timer{}
}

// Arm schedules handler to fire with key after d, cancelling whatever was
// previously armed — unless key is strictly older than the currently
// armed key, in which case the call is ignored.
func (t *Timer) Arm(key RoundKey, d time.Duration, handler func(RoundKey)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.armed && key.Less(t.key) {
		return
	}
	if t.native != nil {
		t.native.Stop()
	}
	t.key = key
	t.armed = true
	t.native = time.AfterFunc(d, func() { handler(key) })
}

// Cancel disarms the timer, if one is armed.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.native != nil {
		t.native.Stop()
	}
	t.armed = false
}
