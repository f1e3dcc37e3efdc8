package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	t     time.Time
	slept []time.Duration
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(d time.Duration) {
	c.slept = append(c.slept, d)
	c.t = c.t.Add(d)
}

func newFake(pps uint64) (*Throttle, *fakeClock) {
	c := &fakeClock{t: time.Unix(1000, 0)}
	return newThrottle(pps, c.now, c.sleep), c
}

func TestDisabled(t *testing.T) {
	l := New(0)
	if l != nil {
		t.Fatalf("New(0) = %v, want nil", l)
	}
	l.ThrottleN(1 << 20)
	l.Sent(5)
	if got := l.Due(64); got != 64 {
		t.Errorf("Due(64) = %d, want 64", got)
	}
}

func TestThrottleNSleepsWhenAhead(t *testing.T) {
	// 1000 pps: 1ms per packet, checked every 32 packets.
	l, c := newFake(1000)
	l.ThrottleN(31)
	if len(c.slept) != 0 {
		t.Fatalf("slept %v before the first check", c.slept)
	}
	l.ThrottleN(1)
	if len(c.slept) != 1 || c.slept[0] != 32*time.Millisecond {
		t.Fatalf("slept %v, want [32ms]", c.slept)
	}
}

func TestThrottleNBatchCrossingCheck(t *testing.T) {
	l, c := newFake(1000)
	l.ThrottleN(40)
	if len(c.slept) != 1 || c.slept[0] != 40*time.Millisecond {
		t.Fatalf("slept %v, want [40ms]", c.slept)
	}
}

func TestThrottleNNoSleepWhenBehind(t *testing.T) {
	l, c := newFake(1000)
	c.t = c.t.Add(time.Second)
	l.ThrottleN(64)
	if len(c.slept) != 0 {
		t.Fatalf("slept %v while behind schedule", c.slept)
	}
}

func TestDue(t *testing.T) {
	l, c := newFake(1000)
	if got := l.Due(100); got != 0 {
		t.Fatalf("Due at start = %d, want 0", got)
	}

	c.t = c.t.Add(10 * time.Millisecond)
	if got := l.Due(100); got != 10 {
		t.Fatalf("Due after 10ms = %d, want 10", got)
	}
	if got := l.Due(4); got != 4 {
		t.Fatalf("Due(4) after 10ms = %d, want 4", got)
	}

	l.Sent(10)
	if got := l.Due(100); got != 0 {
		t.Fatalf("Due after sending = %d, want 0", got)
	}

	c.t = c.t.Add(5 * time.Millisecond)
	if got := l.Due(100); got != 5 {
		t.Fatalf("Due after 15ms = %d, want 5", got)
	}
}
