package efct

import "math/bits"

// Poll fills evs with up to len(evs) events: packets from every active RX
// queue, then at most one TX completion along with any control events
// that precede it. It never blocks and returns the number of events.
func (vi *VI) Poll(evs []Event) int {
	n := 0
	for qs := vi.shared.ActiveQueues.Observe(); qs != 0; qs &= qs - 1 {
		q := bits.TrailingZeros64(qs)
		if q >= MaxRxQueues {
			bug("active queue bit %d beyond %d queues", q, MaxRxQueues)
		}
		n += vi.pollRx(q, evs[n:])
	}
	if vi.hasTx() {
		n += vi.pollTx(evs[n:])
	}
	return n
}

// CheckEvent reports whether Poll would have work to do. It reads live
// state only and changes nothing.
func (vi *VI) CheckEvent() bool {
	return vi.txCheckEvent() || vi.rxCheckEvent()
}

func (vi *VI) rxCheckEvent() bool {
	if !vi.hasRx() {
		return false
	}
	for q := range MaxRxQueues {
		if vi.rxqCheckEvent(q) {
			return true
		}
	}
	return false
}

func (vi *VI) rxqCheckEvent(q int) bool {
	if !vi.rxqActive(q) {
		return false
	}
	if vi.rxqNeedRollover(q) {
		return vi.ops.Available(q)
	}
	if vi.rxqNeedConfig(q) {
		return true
	}
	_, _, _, ok := vi.nextHeader(vi.rxPtrs[q].next.Load())
	return ok
}

// RxFuturePeek returns the payload of a packet whose data has landed but
// whose header has not, so the caller can start work early. It may run
// on a goroutine other than the poller's. On success the next
// RxFuturePoll polls the same queue. The data is only trustworthy once
// that poll reports the packet.
func (vi *VI) RxFuturePeek() ([]byte, bool) {
	for qs := vi.shared.ActiveQueues.Observe(); qs != 0; qs &= qs - 1 {
		q := bits.TrailingZeros64(qs)
		if q >= MaxRxQueues || vi.rxqNeedRollover(q) || vi.rxqNeedConfig(q) {
			continue
		}
		p := &vi.rxPtrs[q]
		id := PktID(p.prev.Load())
		if uint32(id) >= p.end.Load() {
			// Raced with the poller crossing a superbuf.
			continue
		}
		sb, off := vi.slot(id)
		start := off + rxFrameLoc1
		if observeWord(sb, start-2) != DefaultPoison {
			vi.futureQID.Store(int32(q))
			return sb[start:], true
		}
	}
	return nil, false
}

// RxFuturePoll polls the queue chosen by the last successful
// RxFuturePeek.
func (vi *VI) RxFuturePoll(evs []Event) int {
	q := vi.futureQID.Load()
	if q < 0 {
		bug("RxFuturePoll without a successful RxFuturePeek")
	}
	n := vi.pollRx(int(q), evs)
	if n > 0 {
		vi.futureQID.Store(-1)
	}
	return n
}
