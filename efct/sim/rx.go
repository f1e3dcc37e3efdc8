package sim

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/romshark/efctvi/efct"
)

// RxMeta describes a packet to deliver. The zero value is a clean TCP over
// IPv4 frame without timestamp.
type RxMeta struct {
	Timestamped bool
	Sec         uint32
	Nsec        uint32

	FilterID uint16
	User     uint8

	FCSErr    bool
	LenErr    bool
	L3CsumErr bool
	L4CsumErr bool
	L2Other   bool
	L3Other   bool
	L4Other   bool
}

func (m RxMeta) header(length int, subnanoBits uint32) efct.RxHeader {
	h := efct.RxHeader{
		PacketLength: uint16(length),
		NextFrameLoc: 1,
		L2Class:      efct.L2ClassEth01VLAN,
		L3Class:      efct.L3ClassIP4,
		L4Class:      efct.L4ClassTCP,
		L2Status:     efct.L2StatusOK,
		L3Status:     m.L3CsumErr,
		L4Status:     m.L4CsumErr,
		Filter:       m.FilterID,
		User:         m.User,
	}
	switch {
	case m.FCSErr:
		h.L2Status = efct.L2StatusFCSErr
	case m.LenErr:
		h.L2Status = efct.L2StatusLenErr
	}
	if m.L2Other {
		h.L2Class = efct.L2ClassOther
	}
	if m.L3Other {
		h.L3Class = efct.L3ClassOther
	}
	if m.L4Other {
		h.L4Class = efct.L4ClassOther
	}
	if m.Timestamped {
		h.TimestampStatus = 1
		h.Timestamp = uint64(m.Sec)<<32 | uint64(m.Nsec<<subnanoBits)
	}
	return h
}

func (n *NIC) rxQueue(q int) (*rxQueue, error) {
	if q < 0 || q >= efct.MaxRxQueues || !n.rxqs[q].attached {
		return nil, fmt.Errorf("%w: %d", ErrQueueUnknown, q)
	}
	return &n.rxqs[q], nil
}

// startSuperbuf takes a free superbuf, resets its headers to the stale
// sentinel and poisons every slot. With lose set the superbuf is consumed
// without being handed to software.
func (n *NIC) startSuperbuf(q int) (int, bool) {
	r := &n.rxqs[q]
	sb, ok := n.vi.SuperbufFreePop(q)
	if !ok {
		return 0, false
	}
	r.sentinel[sb] = !r.sentinel[sb]
	stale := efct.RxHeader{Sentinel: !r.sentinel[sb]}
	w0, _ := stale.Words()
	buf := n.superbufs[q*efct.MaxSuperbufsPerQueue+sb]
	for off := 0; off < efct.SuperbufBytes; off += efct.PktStride {
		efct.PublishWord(buf, off, w0)
		efct.PublishWord(buf, off+efct.RxHeaderBytes, efct.DefaultPoison)
	}

	seq := r.seq
	r.seq++
	if r.loseNext {
		r.loseNext = false
		n.vi.SuperbufFreePush(q, sb)
		n.log.Debug("Lost superbuf", zap.Int("queue", q), zap.Uint32("seq", seq))
		return 0, false
	}
	r.started.Add(startedSuperbuf{sb: sb, seq: seq, sentinel: r.sentinel[sb]})
	return sb, true
}

func (n *NIC) writeHeader(q, sb, slot int, h efct.RxHeader) {
	h.Sentinel = n.rxqs[q].sentinel[sb]
	w0, w1 := h.Words()
	buf := n.superbufs[q*efct.MaxSuperbufsPerQueue+sb]
	off := slot * efct.PktStride
	// Sentinel last: software trusts the rest once it matches.
	efct.PublishWord(buf, off+8, w1)
	efct.PublishWord(buf, off, w0)
}

// headerSlot returns where the header for the packet in the current slot
// goes, starting the next superbuf if the current one is full.
func (n *NIC) headerSlot(q int) (sb, slot int, ok bool) {
	r := &n.rxqs[q]
	if r.ix+1 < n.conf.SuperbufPkts {
		return r.cur, r.ix + 1, true
	}
	next, ok := n.startSuperbuf(q)
	if !ok {
		return 0, 0, false
	}
	return next, 0, true
}

// Receive delivers payload on queue q: the data lands in the next slot and
// its header in the slot after. It fails with ErrNoSuperbuf, dropping the
// packet, when no superbuf is free.
func (n *NIC) Receive(q int, payload []byte, meta RxMeta) error {
	r, err := n.rxQueue(q)
	if err != nil {
		return err
	}
	if len(payload) > efct.RxPayloadMax {
		return fmt.Errorf("%w: %d bytes", ErrPayloadSize, len(payload))
	}

	if r.cur < 0 {
		sb, ok := n.startSuperbuf(q)
		if !ok {
			return ErrNoSuperbuf
		}
		r.cur, r.ix = sb, 0
	}
	if r.ix == n.conf.SuperbufPkts-1 && n.vi.SuperbufFreeHead(q) < 0 {
		return ErrNoSuperbuf
	}

	buf := n.superbufs[q*efct.MaxSuperbufsPerQueue+r.cur]
	copy(buf[r.ix*efct.PktStride+efct.RxPayloadOffset:], payload)

	lost := r.loseNext && r.ix == n.conf.SuperbufPkts-1
	hsb, hslot, ok := n.headerSlot(q)
	switch {
	case lost:
		// The header went out in the lost superbuf.
		r.cur = -1
		return nil
	case !ok:
		return ErrNoSuperbuf
	}
	n.writeHeader(q, hsb, hslot, meta.header(len(payload), n.conf.DesignParameters.TimestampSubnanoBits))
	r.cur, r.ix = hsb, hslot
	return nil
}

// LoseNextSuperbuf makes the NIC skip the next superbuf it starts, so
// software sees a gap in the sequence.
func (n *NIC) LoseNextSuperbuf(q int) error {
	r, err := n.rxQueue(q)
	if err != nil {
		return err
	}
	r.loseNext = true
	return nil
}

// ForceRollover writes a rollover marker for the current slot, abandoning
// the rest of the superbuf. The next packet starts a fresh superbuf.
func (n *NIC) ForceRollover(q int) error {
	r, err := n.rxQueue(q)
	if err != nil {
		return err
	}
	if r.cur < 0 {
		return nil
	}
	hsb, hslot, ok := n.headerSlot(q)
	if !ok {
		return ErrNoSuperbuf
	}
	n.writeHeader(q, hsb, hslot, efct.RxHeader{NextFrameLoc: 1, Rollover: true})
	r.cur = -1
	n.log.Debug("Forced rollover", zap.Int("queue", q))
	return nil
}
