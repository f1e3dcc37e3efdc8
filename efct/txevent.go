package efct

import "go.uber.org/zap"

// getEvent reads the event at byte position ptr and reports whether its
// phase bit matches the current lap of the queue.
func (vi *VI) getEvent(ptr uint32) (uint64, bool) {
	w := observeWord(vi.evq, int(ptr&vi.evqMask))
	want := ptr&(vi.evqMask+1) != 0
	return w, (evPhase.get(w) != 0) == want
}

func (vi *VI) txCheckEvent() bool {
	if !vi.hasTx() {
		return false
	}
	_, ok := vi.getEvent(vi.evqPtr)
	return ok
}

// pollTx handles event queue entries until evs is full or a TX
// completion has been reported. Only one completion is reported per call
// so that unbundling stays in step with the ring.
func (vi *VI) pollTx(evs []Event) int {
	// The entry behind the read pointer still carries the previous lap's
	// phase unless the NIC has lapped us.
	if _, ok := vi.getEvent(vi.evqPtr - EventBytes); !ok {
		bug("event queue overflow at %d", vi.evqPtr)
	}

	n := 0
	for n < len(evs) {
		w, ok := vi.getEvent(vi.evqPtr)
		if !ok {
			break
		}
		vi.evqPtr += EventBytes

		switch t := evType.get(w); t {
		case HWEventTx:
			vi.handleTxEvent(w, &evs[n])
			return n + 1
		case HWEventControl:
			n += vi.handleControlEvent(w, &evs[n])
		default:
			vi.log.Error("Unexpected event type",
				zap.Uint64("type", t),
				zap.Uint64("event", w),
			)
		}
	}
	return n
}

func (vi *VI) handleTxEvent(w uint64, ev *Event) {
	tx := &vi.tx
	seq := uint32(txevSequence.get(w))
	label := uint32(txevLabel.get(w))

	// The event carries the sequence of the last completed packet; retire
	// everything up to it and return its FIFO space.
	for tx.previous&TxEventSequenceMask != (seq+1)&TxEventSequenceMask {
		if tx.previous == tx.added {
			bug("completion seq %d beyond posted packets (added=%d)", seq, tx.added)
		}
		tx.ctRemoved += uint32(tx.descs[tx.previous&tx.mask])
		tx.previous++
	}

	if txevTimestampStatus.get(w) == 0 {
		ev.Type = EventTx
		ev.Tx = TxEvent{
			DescID: tx.previous,
			Queue:  label,
			Flags:  EventFlagCTPIO,
		}
		return
	}

	// The partial timestamp has only the low 8 bits of seconds. The last
	// time sync gives the rest; it may be up to one second stale.
	pt := txevPartialTstamp.get(w)
	ptSec := uint32(pt >> 32)
	sec := vi.syncMajor
	if ptSec == (vi.syncMajor&0xff+1)%256 {
		sec++
	}
	ev.Type = EventTxTimestamp
	ev.TxTimestamp = TxTimestampEvent{
		RequestID: tx.ids[(tx.previous-1)&tx.mask],
		Queue:     label,
		Flags:     EventFlagCTPIO,
		Sec:       sec,
		Nsec:      uint32(pt) >> vi.neg.tsSubnanoBits,
		Sync:      vi.syncFlags,
	}
	tx.removed++
}

// handleControlEvent processes a control event, returning 1 if it filled
// ev.
func (vi *VI) handleControlEvent(w uint64, ev *Event) int {
	switch st := ctrlSubtype.get(w); st {
	case CtrlError:
		vi.tx.previous++
		ev.Type = EventTxError
		ev.TxError = TxErrorEvent{
			DescID:  vi.tx.previous,
			Queue:   uint32(errLabel.get(w)),
			Flags:   EventFlagCTPIO,
			Subtype: uint8(errReason.get(w)),
		}
		vi.log.Error("TX queue error",
			zap.Uint32("label", ev.TxError.Queue),
			zap.Uint8("reason", ev.TxError.Subtype),
			zap.Uint32("desc_id", ev.TxError.DescID),
		)
		return 1

	case CtrlFlush:
		vi.log.Debug("TX queue flushed", zap.Uint32("previous", vi.tx.previous))

	case CtrlTimeSync:
		th := tsTimeHigh.get(w)
		vi.syncMajor = uint32(th >> 16)
		vi.syncMinor = uint32(th & 0xffff)
		vi.syncFlags = 0
		if tsClockInSync.get(w) != 0 {
			vi.syncFlags |= SyncClockInSync
		}
		if tsClockIsSet.get(w) != 0 {
			vi.syncFlags |= SyncClockSet
		}
		vi.unsolCreditSeq++
		vi.grantUnsolCredit(false, vi.unsolCreditSeq)

	case CtrlUnsolOverflow:
		vi.log.Debug("Unsolicited event credit overflow")
		vi.unsolCreditSeq = TimeSyncEventCapacity - 1
		vi.grantUnsolCredit(true, vi.unsolCreditSeq)

	default:
		vi.log.Error("Unexpected control event",
			zap.Uint64("subtype", st),
			zap.Uint64("event", w),
		)
	}
	return 0
}

// grantUnsolCredit tells the NIC how many unsolicited events it may post.
func (vi *VI) grantUnsolCredit(clearOverflow bool, seq uint32) {
	v := unsolGrantSeq.put(uint64(seq&vi.neg.unsolCreditSeqMask)) |
		unsolClearOverflow.put(b2u(clearOverflow))
	publishU32(vi.io, UnsolCreditRegisterOffset, uint32(v))
}

// TimeSync returns the clock state from the last time sync event.
func (vi *VI) TimeSync() (sec, minor uint32, flags SyncFlags) {
	return vi.syncMajor, vi.syncMinor, vi.syncFlags
}
