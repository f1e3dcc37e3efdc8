package efct

import "fmt"

// PktID identifies a received packet by its RX queue, superbuf and slot.
//
// Layout:
//
//	bits  0..15  index within the superbuf
//	bits 16..26  superbuf index local to the queue
//	bits 27..29  RX queue index (VI-local, not the hardware queue id)
//	bits 30..31  zero; bit 31 is left for callers to borrow
//
// The queue field sits directly above the superbuf field so that
// queue*MaxSuperbufsPerQueue + superbuf is the global superbuf index
// without any masking.
type PktID uint32

const (
	pktIDPktBits   = 16
	pktIDSbufBits  = 11
	pktIDRxqBits   = 3
	pktIDTotalBits = pktIDPktBits + pktIDSbufBits + pktIDRxqBits
)

// Compile-time checks on the field widths: each array length goes
// negative, failing the build, when its constraint is broken.
var (
	// Index field covers every slot of a superbuf.
	_ [1<<pktIDPktBits - SuperbufPktsMax]struct{}
	// Superbuf field is exactly the per-queue superbuf count.
	_ [1<<pktIDSbufBits - MaxSuperbufsPerQueue]struct{}
	_ [MaxSuperbufsPerQueue - 1<<pktIDSbufBits]struct{}
	// Queue field covers every queue.
	_ [1<<pktIDRxqBits - MaxRxQueues]struct{}
	// Bit 31 stays free.
	_ [31 - pktIDTotalBits]struct{}
)

// MakePktID encodes a packet id. It panics if any field is out of range.
func MakePktID(queue, superbuf, index int) PktID {
	if queue < 0 || queue >= MaxRxQueues ||
		superbuf < 0 || superbuf >= MaxSuperbufsPerQueue ||
		index < 0 || index >= 1<<pktIDPktBits {
		bug("packet id out of range: queue=%d superbuf=%d index=%d", queue, superbuf, index)
	}
	return PktID((queue*MaxSuperbufsPerQueue+superbuf)<<pktIDPktBits | index)
}

// superbufPktID returns the id of slot 0 of a superbuf.
func superbufPktID(queue, superbuf int) PktID { return MakePktID(queue, superbuf, 0) }

// Index returns the slot index within the superbuf.
func (id PktID) Index() int { return int(id & (1<<pktIDPktBits - 1)) }

// GlobalSuperbuf returns the superbuf index across all queues.
func (id PktID) GlobalSuperbuf() int {
	if id>>pktIDTotalBits != 0 {
		bug("packet id %#x has bits set above the queue field", uint32(id))
	}
	return int(id >> pktIDPktBits)
}

// Superbuf returns the superbuf index local to the queue.
func (id PktID) Superbuf() int { return id.GlobalSuperbuf() & (MaxSuperbufsPerQueue - 1) }

// Queue returns the VI-local RX queue index.
func (id PktID) Queue() int { return id.GlobalSuperbuf() / MaxSuperbufsPerQueue }

func (id PktID) String() string {
	return fmt.Sprintf("%d/%d/%d", id.Queue(), id.Superbuf(), id.Index())
}
