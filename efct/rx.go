package efct

import (
	"encoding/binary"
	"errors"

	"go.uber.org/zap"
)

const ptrSentinelBit = 1 << 31

func ptrPktID(ptr uint64) PktID   { return PktID(uint32(ptr) &^ ptrSentinelBit) }
func ptrSentinel(ptr uint64) bool { return uint32(ptr)&ptrSentinelBit != 0 }
func ptrSeq(ptr uint64) uint32    { return uint32(ptr >> 32) }

func (vi *VI) rxDesc(id PktID) *rxDescriptor { return &vi.rxDescs[id.GlobalSuperbuf()] }

// slot returns the superbuf holding id and the offset of id's slot in it.
func (vi *VI) slot(id PktID) ([]byte, int) {
	return vi.superbufs[id.GlobalSuperbuf()], id.Index() * PktStride
}

func (vi *VI) rxqActive(q int) bool { return vi.shared.Queues[q].SuperbufPkts.Observe() != 0 }

func (vi *VI) rxqNeedRollover(q int) bool {
	p := &vi.rxPtrs[q]
	return uint32(ptrPktID(p.next.Load())) >= p.end.Load()
}

func (vi *VI) rxqNeedConfig(q int) bool {
	return vi.shared.Queues[q].ConfigGeneration.Observe() != vi.rxqs[q].configGeneration.Load()
}

// nextHeader returns the first header word at the slot next points to,
// if the NIC has written it.
func (vi *VI) nextHeader(next uint64) (sb []byte, off int, w0 uint64, ok bool) {
	sb, off = vi.slot(ptrPktID(next))
	w0 = observeWord(sb, off)
	return sb, off, w0, (rxSentinel.get(w0) != 0) == ptrSentinel(next)
}

// rollover moves queue q onto the next superbuf.
func (vi *VI) rollover(q int) error {
	superbufPkts := vi.shared.Queues[q].SuperbufPkts.Observe()
	p := &vi.rxPtrs[q]

	sentinel, seq, sb, err := vi.ops.NextSuperbuf(q)
	if err != nil {
		return err
	}
	if sb < 0 || sb >= MaxSuperbufsPerQueue {
		bug("queue %d: superbuf index %d out of range", q, sb)
	}

	pktID := superbufPktID(q, sb)
	next := uint64(pktID)
	if sentinel {
		next |= ptrSentinelBit
	}

	switch {
	case p.end.Load() == 0:
		// Startup, or restart after a manual rollover: the first header
		// describes nothing of ours.
		p.prev.Store(uint32(pktID))
		next++
	case seq != ptrSeq(p.next.Load())+1:
		// Superbufs were lost. The pending packet's metadata lived in
		// them and will never arrive, so drop it along with the first
		// header, as at startup.
		vi.RxPacketRelease(PktID(p.prev.Load()))
		p.prev.Store(uint32(pktID))
		next++
	}

	if superbufPkts == 0 || superbufPkts > SuperbufPktsMax {
		bug("queue %d: live superbuf packet count %d out of range", q, superbufPkts)
	}
	p.next.Store(uint64(seq)<<32 | next)
	p.end.Store(uint32(pktID) + superbufPkts)

	// Preload the refcount with every potential packet rather than
	// counting them in one by one.
	d := vi.rxDesc(pktID)
	d.refcnt = uint16(superbufPkts)
	d.superbufPkts = uint16(superbufPkts)
	return nil
}

const discardClassOther = DiscardL2ClassOther | DiscardL3ClassOther | DiscardL4ClassOther

// statusFlags classifies a header against every discard reason.
func statusFlags(w0 uint64) DiscardFlags {
	var flags DiscardFlags

	switch rxL2Status.get(w0) {
	case L2StatusFCSErr:
		flags |= DiscardEthFCSErr
	case L2StatusLenErr:
		flags |= DiscardEthLenErr
	}

	l3 := rxL3Class.get(w0)
	if (l3 == L3ClassIP4 || l3 == L3ClassIP6) && rxL3Status.get(w0) != 0 {
		flags |= DiscardL3CsumErr
	}
	l4 := rxL4Class.get(w0)
	if (l4 == L4ClassTCP || l4 == L4ClassUDP) && rxL4Status.get(w0) != 0 {
		flags |= DiscardL4CsumErr
	}

	if l4 == L4ClassOther {
		flags |= DiscardL4ClassOther
	}
	if l3 == L3ClassOther {
		flags |= DiscardL3ClassOther
	}
	if rxL2Class.get(w0) == L2ClassOther {
		flags |= DiscardL2ClassOther
	}
	return flags
}

// DiscardFlags reports every discard reason h carries.
func (h RxHeader) DiscardFlags() DiscardFlags {
	w0, _ := h.Words()
	return statusFlags(w0)
}

// pollRx collects up to len(evs) events from RX queue q. It never fails:
// anything that stops progress yields zero events for this pass.
func (vi *VI) pollRx(q int, evs []Event) int {
	p := &vi.rxPtrs[q]
	rxq := &vi.rxqs[q]

	if vi.rxqNeedRollover(q) {
		if err := vi.rollover(q); err != nil {
			return 0
		}
	}

	if vi.rxqNeedConfig(q) {
		// Capture the generation before refreshing so that a bump racing
		// with the refresh is seen next time, but publish it only after,
		// so CheckEvent keeps reporting work until then. A failed refresh
		// is not retried every poll.
		gen := vi.shared.Queues[q].ConfigGeneration.Observe()
		err := vi.ops.RefreshConfig(q)
		rxq.configGeneration.Store(gen)
		if err != nil {
			vi.log.Warn("Failed to refresh rx queue config",
				zap.Int("queue", q),
				zap.Int("hw_qid", rxq.qid),
				zap.Error(err),
			)
			return 0
		}
	}

	// Never cross a superbuf boundary in one pass, so rollover need
	// only be checked up front.
	n := len(evs)
	if room := int(p.end.Load() - uint32(ptrPktID(p.next.Load()))); room < n {
		n = room
	}

	mask := vi.rxDiscardMask
	i := 0
	for ; i < n; i++ {
		next := p.next.Load()
		sb, off, w0, ok := vi.nextHeader(next)
		if !ok {
			break
		}

		pktID := PktID(p.prev.Load())
		d := vi.rxDesc(pktID)

		var discard DiscardFlags
		if w0&rxCheckFields != 0 || mask&discardClassOther != 0 {
			if rxRollover.get(w0) != 0 {
				vi.manualRollover(q, pktID, ptrPktID(next), d)
				break
			}
			discard = statusFlags(w0) & mask
		}

		ev := &evs[i]
		if discard != 0 {
			ev.Type = EventRxDiscard
			ev.RxDiscard = RxDiscardEvent{
				PktID:    pktID,
				Len:      uint16(rxPacketLength.get(w0)),
				Queue:    uint32(rxq.qid),
				FilterID: uint16(rxFilter.get(w0)),
				User:     uint8(rxUser.get(w0)),
				Flags:    discard,
			}
		} else {
			// Frames sit at a fixed offset. Supporting variable offsets
			// would mean checking NEXT_FRAME_LOC of the previous header.
			if rxNextFrameLoc.get(w0) != 1 {
				bug("queue %d: header for %v has frame location %d",
					q, pktID, rxNextFrameLoc.get(w0))
			}
			ev.Type = EventRxRef
			ev.RxRef = RxRefEvent{
				PktID:    pktID,
				Len:      uint16(rxPacketLength.get(w0)),
				Queue:    uint32(rxq.qid),
				FilterID: uint16(rxFilter.get(w0)),
				User:     uint8(rxUser.get(w0)),
			}
		}

		// Only needed for the last packet of a superbuf, whose metadata
		// lives in the next one, but cheaper to do every time.
		d.finalTimestamp = binary.NativeEndian.Uint64(sb[off+8:])
		d.finalTsStatus = uint8(rxTimestampStatus.get(w0))

		p.prev.Store(uint32(ptrPktID(next)))
		p.next.Store(next + 1)
	}
	return i
}

// manualRollover handles a rollover marker: pktID is the bogus packet
// the marker describes and nextID the slot holding the marker.
func (vi *VI) manualRollover(q int, pktID, nextID PktID, d *rxDescriptor) {
	p := &vi.rxPtrs[q]
	prevSB := pktID.Superbuf()
	nextSB := nextID.Superbuf()

	var nskipped int
	if nextSB == prevSB {
		// The refcount assumed a full superbuf; give back the slots that
		// will never be filled.
		nskipped = int(p.end.Load() - uint32(pktID))
	} else {
		// The marker straddles a boundary: only the bogus last packet of
		// the old superbuf is consumed, and the new superbuf is one the
		// NIC wants discarded.
		nskipped = 1
		vi.ops.FreeSuperbuf(q, nextSB)
	}

	if nskipped <= 0 || nskipped > int(d.refcnt) {
		bug("queue %d: rollover skips %d packets of superbuf %d with refcount %d",
			q, nskipped, prevSB, d.refcnt)
	}
	d.refcnt -= uint16(nskipped)
	if d.refcnt == 0 {
		vi.ops.FreeSuperbuf(q, prevSB)
	}

	p.end.Store(0)
}

// RxPacket returns the packet data for id, from its first byte to the end
// of its superbuf. Slice it to the length reported in the event.
func (vi *VI) RxPacket(id PktID) []byte {
	sb, off := vi.slot(id)
	return sb[off+rxFrameLoc1:]
}

// RxPacketRelease gives back a packet from an RX event. The superbuf is
// returned to the driver once all of its packets have been released.
func (vi *VI) RxPacketRelease(id PktID) {
	d := vi.rxDesc(id)
	if d.refcnt == 0 {
		bug("release of %v: superbuf refcount already zero", id)
	}
	d.refcnt--
	if d.refcnt == 0 {
		vi.ops.FreeSuperbuf(id.Queue(), id.Superbuf())
	}
}

// RxTimestamp is the NIC receive time of a packet.
type RxTimestamp struct {
	Sec  uint32
	Nsec uint32
	Sync SyncFlags
}

// RxPacketTimestamp returns the receive timestamp of a packet that has
// not been released yet.
func (vi *VI) RxPacketTimestamp(id PktID) (RxTimestamp, error) {
	d := vi.rxDesc(id)
	sync := vi.shared.Queues[id.Queue()].TimeSync.Observe()

	var ts uint64
	var status uint64
	if id.Index() == int(d.superbufPkts)-1 {
		ts = d.finalTimestamp
		status = uint64(d.finalTsStatus)
	} else {
		sb, off := vi.slot(id + 1)
		status = rxTimestampStatus.get(observeWord(sb, off))
		ts = binary.NativeEndian.Uint64(sb[off+8:])
	}
	if status != 1 {
		return RxTimestamp{}, ErrNoTimestamp
	}

	var flags SyncFlags
	if tsClockIsSet.get(sync) != 0 {
		flags |= SyncClockSet
	}
	if tsClockInSync.get(sync) != 0 {
		flags |= SyncClockInSync
	}
	return RxTimestamp{
		Sec:  uint32(ts >> 32),
		Nsec: uint32(ts) >> vi.neg.tsSubnanoBits,
		Sync: flags,
	}, nil
}

// SetRxDiscards selects which classifications are reported as discards.
// Unsupported flags are dropped.
func (vi *VI) SetRxDiscards(flags DiscardFlags) { vi.rxDiscardMask = flags & discardSupported }

// RxDiscards returns the current discard mask.
func (vi *VI) RxDiscards() DiscardFlags { return vi.rxDiscardMask }

// NextRxRequestID returns the packet id the next RX event on queue q will
// carry, or ^uint32(0) while the queue awaits a config refresh.
func (vi *VI) NextRxRequestID(q int) uint32 {
	if vi.rxqNeedConfig(q) {
		return ^uint32(0)
	}
	return vi.rxPtrs[q].prev.Load()
}

// WakeupParams returns the superbuf sequence and slot the poller is
// waiting on, for arming a wakeup in the driver.
func (vi *VI) WakeupParams(q int) (sbseq uint32, pktix int, err error) {
	if !vi.rxqActive(q) {
		return 0, 0, ErrQueueInactive
	}
	next := vi.rxPtrs[q].next.Load()
	ix := ptrPktID(next).Index()
	if ix >= int(vi.shared.Queues[q].SuperbufPkts.Observe()) {
		return ptrSeq(next) + 1, 0, nil
	}
	return ptrSeq(next), ix, nil
}

// FindFreeRxQueue returns a VI queue index for hardware queue hwQID.
func (vi *VI) FindFreeRxQueue(hwQID int) (int, error) {
	for ix := range vi.rxqs {
		if vi.rxqs[ix].qid == hwQID {
			return 0, ErrQueueAlreadyAttached
		}
		if !vi.rxqActive(ix) {
			return ix, nil
		}
	}
	return 0, ErrNoFreeQueue
}

// StartRxQueue binds VI queue ix to hardware queue hwQID. The first poll
// after the driver activates it performs the initial rollover.
func (vi *VI) StartRxQueue(ix, hwQID int) {
	vi.rxqs[ix].qid = hwQID
	vi.rxqs[ix].configGeneration.Store(0)
	vi.rxPtrs[ix].end.Store(0)
}

// AttachRxQueue asks the driver for enough superbufs to hold the RX ring
// on queue ix.
func (vi *VI) AttachRxQueue(ix int) error {
	n := (int(vi.conf.RxRingSize)*PktStride + SuperbufBytes - 1) / SuperbufBytes
	if err := vi.ops.Attach(ix, n); err != nil && !errors.Is(err, ErrAlreadyAttached) {
		return err
	}
	return nil
}

// SuperbufFreePush links superbuf sb into queue q's free list. The list
// is threaded through the VI's superbuf descriptors for the driver's use.
func (vi *VI) SuperbufFreePush(q, sb int) {
	d := &vi.rxDescs[q*MaxSuperbufsPerQueue+sb]
	d.sbidNext = vi.sbFreeHead[q]
	vi.sbFreeHead[q] = int16(sb)
}

// SuperbufFreeNext returns the superbuf after sb in the free list, or -1.
func (vi *VI) SuperbufFreeNext(q, sb int) int {
	return int(vi.rxDescs[q*MaxSuperbufsPerQueue+sb].sbidNext)
}

// SuperbufFreeHead returns the first free superbuf of queue q, or -1.
func (vi *VI) SuperbufFreeHead(q int) int { return int(vi.sbFreeHead[q]) }

// SuperbufFreePop unlinks and returns the first free superbuf of queue q.
func (vi *VI) SuperbufFreePop(q int) (int, bool) {
	sb := vi.sbFreeHead[q]
	if sb < 0 {
		return 0, false
	}
	d := &vi.rxDescs[q*MaxSuperbufsPerQueue+int(sb)]
	vi.sbFreeHead[q] = d.sbidNext
	d.sbidNext = -1
	return int(sb), true
}
