package efct

// Fixed-format hardware definitions. The fast path is compiled against
// these values; CheckDesignParameters refuses a NIC reporting otherwise.
const (
	// PktStride is the distance in bytes between packet slots in a superbuf.
	PktStride = 4096
	// SuperbufBytes is the size of one superbuf.
	SuperbufBytes = 1 << 20
	// SuperbufPktsMax is the number of packet slots in a full superbuf.
	SuperbufPktsMax = SuperbufBytes / PktStride

	// MaxSuperbufsPerQueue is the number of superbuf slots per RX queue.
	MaxSuperbufsPerQueue = 2048
	// MaxRxQueues is the number of RX queues one VI can poll.
	MaxRxQueues = 8

	// RxHeaderBytes is the size of the header written at the start of
	// each packet slot.
	RxHeaderBytes = 16
	// RxFrameOffset is the fixed offset of the frame relative to the
	// packet slot, as reported by the NIC.
	RxFrameOffset = rxFrameLoc1 - 2
	// rxFrameLoc1 is where the payload starts when NEXT_FRAME_LOC is 1.
	// The two bytes in front of it are padding for IP header alignment.
	rxFrameLoc1 = 18
	// RxPayloadOffset is where a packet's data starts within its slot.
	RxPayloadOffset = rxFrameLoc1
	// RxPayloadMax is the most packet data a slot holds.
	RxPayloadMax = PktStride - RxPayloadOffset

	// DefaultPoison is the pattern the driver writes into each slot just
	// ahead of the payload. RxFuturePeek treats it as "no data yet".
	DefaultPoison uint64 = 0x0000FFA0C09B0000

	// TxHeaderBytes is the size of the header word preceding each packet
	// written to the aperture.
	TxHeaderBytes = 8
	// TxAlignment is the unit to which every aperture write is padded.
	TxAlignment = 64
	// TxCTDisable is the threshold value that disables cut-through.
	TxCTDisable = 0xff

	// EventBytes is the size of one event queue entry.
	EventBytes = 8

	// UnsolCreditRegisterOffset is the offset of the unsolicited credit
	// grant register within the IO page.
	UnsolCreditRegisterOffset = 0x108
	// TimeSyncEventCapacity is the number of unsolicited events the event
	// queue reserves room for.
	TimeSyncEventCapacity = 32

	// DefaultTimestampSubnanoBits and DefaultUnsolCreditSeqMask are the
	// values current hardware reports.
	DefaultTimestampSubnanoBits = 2
	DefaultUnsolCreditSeqMask   = 0x7f
)

// bitfield is a (lowest bit, width) pair within a 64-bit hardware word.
type bitfield struct{ lbn, width uint8 }

func (f bitfield) mask() uint64        { return 1<<f.width - 1 }
func (f bitfield) bits() uint64        { return f.mask() << f.lbn }
func (f bitfield) get(w uint64) uint64 { return w >> f.lbn & f.mask() }

func (f bitfield) put(v uint64) uint64 {
	if v > f.mask() {
		bug("value %#x overflows %d-bit field at bit %d", v, f.width, f.lbn)
	}
	return v << f.lbn
}

// RX header, first word. The second word is the timestamp.
var (
	rxPacketLength    = bitfield{0, 14}
	rxNextFrameLoc    = bitfield{14, 2}
	rxCsum            = bitfield{16, 16}
	rxL2Class         = bitfield{32, 2}
	rxL3Class         = bitfield{34, 2}
	rxL4Class         = bitfield{36, 2}
	rxL2Status        = bitfield{38, 2}
	rxL3Status        = bitfield{40, 1}
	rxL4Status        = bitfield{41, 1}
	rxRollover        = bitfield{42, 1}
	rxSentinel        = bitfield{43, 1}
	rxTimestampStatus = bitfield{44, 2}
	rxFilter          = bitfield{46, 10}
	rxUser            = bitfield{56, 8}
)

// rxCheckFields covers every bit that can make a header anything other
// than a plain packet; used as a coarse first test.
var rxCheckFields = rxL2Status.bits() | rxL3Status.bits() | rxL4Status.bits() | rxRollover.bits()

const (
	L2ClassOther     = 0
	L2ClassEth01VLAN = 1

	L3ClassIP4   = 0
	L3ClassIP6   = 1
	L3ClassOther = 2

	L4ClassTCP      = 0
	L4ClassUDP      = 1
	L4ClassFragment = 2
	L4ClassOther    = 3

	L2StatusOK     = 0
	L2StatusFCSErr = 1
	L2StatusLenErr = 2
)

// RxHeader is the decoded form of the header the NIC writes into a packet
// slot. It describes the packet in the previous slot.
type RxHeader struct {
	PacketLength    uint16
	NextFrameLoc    uint8
	Csum            uint16
	L2Class         uint8
	L3Class         uint8
	L4Class         uint8
	L2Status        uint8
	L3Status        bool
	L4Status        bool
	Rollover        bool
	Sentinel        bool
	TimestampStatus uint8
	Filter          uint16
	User            uint8
	Timestamp       uint64
}

// Words encodes h into the two header words.
func (h RxHeader) Words() (w0, w1 uint64) {
	w0 = rxPacketLength.put(uint64(h.PacketLength)) |
		rxNextFrameLoc.put(uint64(h.NextFrameLoc)) |
		rxCsum.put(uint64(h.Csum)) |
		rxL2Class.put(uint64(h.L2Class)) |
		rxL3Class.put(uint64(h.L3Class)) |
		rxL4Class.put(uint64(h.L4Class)) |
		rxL2Status.put(uint64(h.L2Status)) |
		rxL3Status.put(b2u(h.L3Status)) |
		rxL4Status.put(b2u(h.L4Status)) |
		rxRollover.put(b2u(h.Rollover)) |
		rxSentinel.put(b2u(h.Sentinel)) |
		rxTimestampStatus.put(uint64(h.TimestampStatus)) |
		rxFilter.put(uint64(h.Filter)) |
		rxUser.put(uint64(h.User))
	return w0, h.Timestamp
}

// DecodeRxHeader is the inverse of RxHeader.Words.
func DecodeRxHeader(w0, w1 uint64) RxHeader {
	return RxHeader{
		PacketLength:    uint16(rxPacketLength.get(w0)),
		NextFrameLoc:    uint8(rxNextFrameLoc.get(w0)),
		Csum:            uint16(rxCsum.get(w0)),
		L2Class:         uint8(rxL2Class.get(w0)),
		L3Class:         uint8(rxL3Class.get(w0)),
		L4Class:         uint8(rxL4Class.get(w0)),
		L2Status:        uint8(rxL2Status.get(w0)),
		L3Status:        rxL3Status.get(w0) != 0,
		L4Status:        rxL4Status.get(w0) != 0,
		Rollover:        rxRollover.get(w0) != 0,
		Sentinel:        rxSentinel.get(w0) != 0,
		TimestampStatus: uint8(rxTimestampStatus.get(w0)),
		Filter:          uint16(rxFilter.get(w0)),
		User:            uint8(rxUser.get(w0)),
		Timestamp:       w1,
	}
}

// TX header word.
var (
	txPacketLength  = bitfield{0, 14}
	txCTThresh      = bitfield{14, 8}
	txTimestampFlag = bitfield{22, 1}
	txWarmFlag      = bitfield{23, 1}
	txAction        = bitfield{24, 3}
)

// TxHeader builds the header word written ahead of a packet in the
// aperture.
func TxHeader(packetLength, ctThresh uint32, timestamp, warm bool, action uint8) uint64 {
	return txPacketLength.put(uint64(packetLength)) |
		txCTThresh.put(uint64(ctThresh)) |
		txTimestampFlag.put(b2u(timestamp)) |
		txWarmFlag.put(b2u(warm)) |
		txAction.put(uint64(action))
}

// TxHeaderFields is the decoded form of a TX header word.
type TxHeaderFields struct {
	PacketLength uint32
	CTThresh     uint32
	Timestamp    bool
	Warm         bool
	Action       uint8
}

// DecodeTxHeader is the inverse of TxHeader.
func DecodeTxHeader(w uint64) TxHeaderFields {
	return TxHeaderFields{
		PacketLength: uint32(txPacketLength.get(w)),
		CTThresh:     uint32(txCTThresh.get(w)),
		Timestamp:    txTimestampFlag.get(w) != 0,
		Warm:         txWarmFlag.get(w) != 0,
		Action:       uint8(txAction.get(w)),
	}
}

// Event queue entries.
var (
	evPhase = bitfield{59, 1}
	evType  = bitfield{60, 4}

	txevPartialTstamp   = bitfield{0, 40}
	txevSequence        = bitfield{40, 8}
	txevTimestampStatus = bitfield{48, 2}
	txevLabel           = bitfield{50, 6}

	ctrlSubtype = bitfield{53, 6}

	errLabel  = bitfield{32, 6}
	errReason = bitfield{38, 8}

	tsTimeHigh    = bitfield{0, 48}
	tsClockInSync = bitfield{48, 1}
	tsClockIsSet  = bitfield{49, 1}
)

// EventPhaseBit is the phase bit of an event queue entry.
const EventPhaseBit uint64 = 1 << 59

// TxEventSequenceMask bounds the completion sequence carried by TX events.
const TxEventSequenceMask = 1<<8 - 1

// Hardware event types.
const (
	HWEventTx      = 1
	HWEventControl = 3
)

// Control event subtypes.
const (
	CtrlUnsolOverflow = 0
	CtrlTimeSync      = 1
	CtrlError         = 2
	CtrlFlush         = 3
)

// EncodeTxEvent builds a TX completion event without phase. A nil
// partialTimestamp yields an event without timestamp.
func EncodeTxEvent(seq, label uint32, partialTimestamp *uint64) uint64 {
	w := evType.put(HWEventTx) |
		txevSequence.put(uint64(seq&TxEventSequenceMask)) |
		txevLabel.put(uint64(label))
	if partialTimestamp != nil {
		w |= txevTimestampStatus.put(1) | txevPartialTstamp.put(*partialTimestamp)
	}
	return w
}

// EncodeErrorEvent builds a TX error control event without phase.
func EncodeErrorEvent(label uint32, reason uint8) uint64 {
	return evType.put(HWEventControl) | ctrlSubtype.put(CtrlError) |
		errLabel.put(uint64(label)) | errReason.put(uint64(reason))
}

// EncodeFlushEvent builds a flush control event without phase.
func EncodeFlushEvent() uint64 {
	return evType.put(HWEventControl) | ctrlSubtype.put(CtrlFlush)
}

// EncodeUnsolOverflowEvent builds an unsolicited credit overflow event
// without phase.
func EncodeUnsolOverflowEvent() uint64 {
	return evType.put(HWEventControl) | ctrlSubtype.put(CtrlUnsolOverflow)
}

// EncodeTimeSync builds the time sync word carried both by time sync
// events and by the per-queue live time sync snapshot. timeHigh holds
// seconds in its upper 32 bits and a 16-bit minor part below.
func EncodeTimeSync(timeHigh uint64, inSync, isSet bool) uint64 {
	return tsTimeHigh.put(timeHigh) | tsClockInSync.put(b2u(inSync)) | tsClockIsSet.put(b2u(isSet))
}

// EncodeTimeSyncEvent builds a time sync control event without phase.
func EncodeTimeSyncEvent(timeHigh uint64, inSync, isSet bool) uint64 {
	return evType.put(HWEventControl) | ctrlSubtype.put(CtrlTimeSync) |
		EncodeTimeSync(timeHigh, inSync, isSet)
}

// Unsolicited credit register.
var (
	unsolGrantSeq      = bitfield{0, 16}
	unsolClearOverflow = bitfield{16, 1}
)

// DecodeUnsolCredit splits a value written to the credit register.
func DecodeUnsolCredit(v uint32) (seq uint32, clearOverflow bool) {
	return uint32(unsolGrantSeq.get(uint64(v))), unsolClearOverflow.get(uint64(v)) != 0
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
