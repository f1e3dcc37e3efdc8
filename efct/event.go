package efct

// EventType tags an Event.
type EventType uint8

const (
	EventNone EventType = iota
	// EventRxRef reports a packet left in place in its superbuf. Read it
	// with RxPacket and return it with RxPacketRelease.
	EventRxRef
	// EventRxDiscard reports a packet whose status matched the discard
	// mask. It must also be released.
	EventRxDiscard
	// EventTx reports completed transmits; pass it to TransmitUnbundle.
	EventTx
	// EventTxTimestamp completes exactly one transmit and carries its
	// timestamp.
	EventTxTimestamp
	// EventTxError reports a fatal TX queue error. Only a flush follows.
	EventTxError
)

func (t EventType) String() string {
	switch t {
	case EventNone:
		return "none"
	case EventRxRef:
		return "rx_ref"
	case EventRxDiscard:
		return "rx_ref_discard"
	case EventTx:
		return "tx"
	case EventTxTimestamp:
		return "tx_with_timestamp"
	case EventTxError:
		return "tx_error"
	}
	return "unknown"
}

// RequestID is the caller's handle for a transmit.
type RequestID uint32

const (
	// RequestIDInvalid marks a ring slot whose completion is not reported;
	// warm-up posts use it.
	RequestIDInvalid RequestID = 0xffffffff
	// RequestIDPosted stands in for a cut-through post until the caller
	// supplies the real id through a fallback call.
	RequestIDPosted RequestID = 0xefc7efc7
)

// DiscardFlags classifies why a received packet may be discarded.
type DiscardFlags uint16

const (
	DiscardL4CsumErr    DiscardFlags = 0x1
	DiscardL3CsumErr    DiscardFlags = 0x2
	DiscardEthFCSErr    DiscardFlags = 0x4
	DiscardEthLenErr    DiscardFlags = 0x8
	DiscardL2ClassOther DiscardFlags = 0x80
	DiscardL3ClassOther DiscardFlags = 0x100
	DiscardL4ClassOther DiscardFlags = 0x200

	discardSupported = DiscardL4CsumErr | DiscardL3CsumErr | DiscardEthFCSErr |
		DiscardEthLenErr | DiscardL2ClassOther | DiscardL3ClassOther | DiscardL4ClassOther

	// DefaultDiscards is the discard mask of a new VI.
	DefaultDiscards = DiscardL4CsumErr | DiscardL3CsumErr | DiscardEthFCSErr | DiscardEthLenErr
)

// SyncFlags describe the state of the NIC clock when a timestamp was taken.
type SyncFlags uint8

const (
	SyncClockSet    SyncFlags = 0x1
	SyncClockInSync SyncFlags = 0x2
)

// EventFlagCTPIO marks TX events for packets sent through the aperture.
const EventFlagCTPIO = 0x1

type RxRefEvent struct {
	PktID    PktID
	Len      uint16
	Queue    uint32
	FilterID uint16
	User     uint8
}

type RxDiscardEvent struct {
	PktID    PktID
	Len      uint16
	Queue    uint32
	FilterID uint16
	User     uint8
	Flags    DiscardFlags
}

type TxEvent struct {
	// DescID is one past the last completed ring position.
	DescID uint32
	Queue  uint32
	Flags  uint8
}

type TxTimestampEvent struct {
	RequestID RequestID
	Queue     uint32
	Flags     uint8
	Sec       uint32
	Nsec      uint32
	Sync      SyncFlags
}

type TxErrorEvent struct {
	DescID  uint32
	Queue   uint32
	Flags   uint8
	Subtype uint8
}

// Event is one entry of Poll's output. Type selects the populated
// variant; the others are left as they were.
type Event struct {
	Type        EventType
	RxRef       RxRefEvent
	RxDiscard   RxDiscardEvent
	Tx          TxEvent
	TxTimestamp TxTimestampEvent
	TxError     TxErrorEvent
}
