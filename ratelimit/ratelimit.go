// Package ratelimit paces packet generation to a packets-per-second rate.
package ratelimit

import "time"

// Throttle limits to pps packets per second on average.
// Not safe for concurrent use.
type Throttle struct {
	nsPerPacket int64
	packets     uint64
	startTime   time.Time
	checkEvery  uint64

	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a limiter for pps packets per second.
// If pps == 0, throttling is disabled.
func New(pps uint64) *Throttle {
	return newThrottle(pps, time.Now, time.Sleep)
}

func newThrottle(pps uint64, now func() time.Time, sleep func(time.Duration)) *Throttle {
	if pps == 0 {
		return nil
	}
	return &Throttle{
		nsPerPacket: int64(time.Second) / int64(pps),
		startTime:   now(),

		// Check time every ~10ms of packets, at least every 32 and at
		// most every 1024 packets.
		checkEvery: min(max(pps/100, 32), 1024),

		now:   now,
		sleep: sleep,
	}
}

// ThrottleN blocks until n more packets are allowed.
// It does not "catch up" by allowing faster sends after being delayed.
func (l *Throttle) ThrottleN(n uint64) {
	if l == nil || n == 0 {
		return
	}

	before := l.packets
	l.packets += n
	if before/l.checkEvery == l.packets/l.checkEvery {
		return // Fast path: only check time periodically.
	}

	if d := l.ahead(); d > 0 {
		l.sleep(d)
	}
	// If behind schedule, naturally catch up by not sleeping.
}

// Due returns how many packets may go out now without exceeding the rate,
// capped at limit. It never blocks, so a poll loop can keep running while
// the generator waits. A nil Throttle always returns limit.
func (l *Throttle) Due(limit uint64) uint64 {
	if l == nil {
		return limit
	}
	elapsed := l.now().Sub(l.startTime).Nanoseconds()
	allowed := uint64(elapsed / l.nsPerPacket)
	if allowed <= l.packets {
		return 0
	}
	return min(allowed-l.packets, limit)
}

// Sent accounts for n packets released after a call to Due.
func (l *Throttle) Sent(n uint64) {
	if l != nil {
		l.packets += n
	}
}

// ahead returns how far the schedule is ahead of the clock.
func (l *Throttle) ahead() time.Duration {
	expected := l.startTime.Add(time.Duration(int64(l.packets) * l.nsPerPacket))
	return expected.Sub(l.now())
}
