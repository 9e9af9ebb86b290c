package consensus

import (
	"sync"
	"testing"
	"time"
)

func TestTimerFires(t *testing.T) {
	timer := NewTimer()
	done := make(chan RoundKey, 1)
	timer.Arm(RoundKey{Number: 1, Round: 0}, 10*time.Millisecond, func(k RoundKey) { done <- k })

	select {
	case k := <-done:
		if k != (RoundKey{Number: 1, Round: 0}) {
			t.Fatalf("handler fired with wrong key: %+v", k)
		}
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimerCancel(t *testing.T) {
	timer := NewTimer()
	fired := make(chan struct{}, 1)
	timer.Arm(RoundKey{Number: 1, Round: 0}, 20*time.Millisecond, func(RoundKey) { fired <- struct{}{} })
	timer.Cancel()

	select {
	case <-fired:
		t.Fatal("cancelled timer should not fire")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestTimerMonotonicRearm(t *testing.T) {
	// Once (1,1) is armed, arming (1,0), which is strictly behind it, must
	// be ignored: only (1,1) may fire.
	timer := NewTimer()
	var mu sync.Mutex
	var fired []RoundKey

	timer.Arm(RoundKey{Number: 1, Round: 1}, 30*time.Millisecond, func(k RoundKey) {
		mu.Lock()
		fired = append(fired, k)
		mu.Unlock()
	})
	// Stale: strictly less than the armed (1,1). Must be a no-op — it
	// must not cancel or replace the armed timer.
	timer.Arm(RoundKey{Number: 1, Round: 0}, 5*time.Millisecond, func(k RoundKey) {
		mu.Lock()
		fired = append(fired, k)
		mu.Unlock()
	})

	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 {
		t.Fatalf("expected exactly one firing (the stale arm must be ignored), got %+v", fired)
	}
	if fired[0] != (RoundKey{Number: 1, Round: 1}) {
		t.Fatalf("expected (1,1) to fire, got %+v", fired[0])
	}
}

func TestTimerNewerKeySupersedes(t *testing.T) {
	timer := NewTimer()
	done := make(chan RoundKey, 2)

	timer.Arm(RoundKey{Number: 1, Round: 0}, 200*time.Millisecond, func(k RoundKey) { done <- k })
	timer.Arm(RoundKey{Number: 1, Round: 1}, 10*time.Millisecond, func(k RoundKey) { done <- k })

	select {
	case k := <-done:
		if k != (RoundKey{Number: 1, Round: 1}) {
			t.Fatalf("expected the newer key to fire first, got %+v", k)
		}
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}

	select {
	case k := <-done:
		t.Fatalf("superseded timer should have been cancelled, but it fired too: %+v", k)
	case <-time.After(250 * time.Millisecond):
	}
}

func TestRoundKeyLess(t *testing.T) {
	cases := []struct {
		a, b RoundKey
		want bool
	}{
		{RoundKey{1, 0}, RoundKey{2, 0}, true},
		{RoundKey{2, 0}, RoundKey{1, 0}, false},
		{RoundKey{1, 0}, RoundKey{1, 1}, true},
		{RoundKey{1, 1}, RoundKey{1, 0}, false},
		{RoundKey{1, 0}, RoundKey{1, 0}, false},
	}
	for _, c := range cases {
		if got := c.a.Less(c.b); got != c.want {
			t.Errorf("%+v.Less(%+v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
