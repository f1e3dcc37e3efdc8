package efct

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrNoTransmit    = errors.New("VI has no transmit queue")
	ErrPacketTooLong = errors.New("packet too long")
)

// MaxTxPacketBytes is the largest length the TX header can carry.
const MaxTxPacketBytes = 1<<14 - 1

// txQueue is the software side of the TX ring. Ring positions grow
// without bound and are masked on use.
type txQueue struct {
	aperture    []byte
	descs       []uint16
	ids         []RequestID
	mask        uint32
	fixedHeader uint64

	// added counts posts, previous counts hardware completions and
	// removed counts completions handed back to the caller.
	added    uint32
	previous uint32
	removed  uint32

	// ctAdded and ctRemoved count aperture bytes written and drained.
	ctAdded   uint32
	ctRemoved uint32

	lastCTPIOFailed bool
}

// txWriter streams one packet into the aperture.
type txWriter struct {
	aperture []byte
	// offset counts 8-byte words and wraps through mask.
	offset uint64
	mask   uint64
	tail   [8]byte
	ntail  int
}

func (vi *VI) txWriter() txWriter {
	if vi.tx.ctAdded%TxAlignment != 0 {
		bug("aperture position %d not aligned", vi.tx.ctAdded)
	}
	return txWriter{
		aperture: vi.tx.aperture,
		offset:   uint64(vi.tx.ctAdded >> 3),
		mask:     vi.neg.apertureMask,
	}
}

func (w *txWriter) word(v uint64) {
	PublishWord(w.aperture, int(w.offset&w.mask)<<3, v)
	w.offset++
}

// block appends b to the packet. Bytes that do not fill a word are held
// back until the next block or the end of the packet.
func (w *txWriter) block(b []byte) {
	if w.ntail > 0 {
		n := copy(w.tail[w.ntail:], b)
		w.ntail += n
		b = b[n:]
		if w.ntail < len(w.tail) {
			return
		}
		w.word(binary.NativeEndian.Uint64(w.tail[:]))
		w.ntail = 0
	}
	for ; len(b) >= 8; b = b[8:] {
		w.word(binary.NativeEndian.Uint64(b))
	}
	w.ntail = copy(w.tail[:], b)
}

// finish flushes the partial word zero-padded and pads the packet to the
// aperture alignment.
func (w *txWriter) finish() {
	if w.ntail > 0 {
		clear(w.tail[w.ntail:])
		w.word(binary.NativeEndian.Uint64(w.tail[:]))
		w.ntail = 0
	}
	for w.offset%(TxAlignment/8) != 0 {
		w.word(0)
	}
}

func (vi *VI) txHeader(length int, ctThresh uint32) uint64 {
	return TxHeader(uint32(length), ctThresh, false, false, 0) | vi.tx.fixedHeader
}

func (vi *VI) txFits(length int) bool { return vi.TransmitSpaceBytes() >= length }

// txComplete finishes the packet in w and records it in the ring.
func (vi *VI) txComplete(w *txWriter, id RequestID, length int) {
	w.finish()
	storeFence()

	padded := (length + TxHeaderBytes + TxAlignment - 1) &^ (TxAlignment - 1)
	i := vi.tx.added & vi.tx.mask
	vi.tx.descs[i] = uint16(padded)
	vi.tx.ids[i] = id
	vi.tx.ctAdded += uint32(padded)
	vi.tx.added++
}

func (vi *VI) txPrecheck(length int) error {
	switch {
	case !vi.hasTx():
		return ErrNoTransmit
	case length > MaxTxPacketBytes:
		return fmt.Errorf("%w: %d > %d", ErrPacketTooLong, length, MaxTxPacketBytes)
	case !vi.txFits(length):
		return ErrAgain
	}
	return nil
}

// TransmitSpaceBytes returns the FIFO space left for a packet, which may
// be negative after padding overshoot.
func (vi *VI) TransmitSpaceBytes() int {
	return int(int32(vi.neg.ctFIFOBytes - (vi.tx.ctAdded - vi.tx.ctRemoved)))
}

// Transmit sends buf without cut-through. It returns ErrAgain when the
// FIFO lacks space.
func (vi *VI) Transmit(buf []byte, id RequestID) error {
	if err := vi.txPrecheck(len(buf)); err != nil {
		return err
	}
	w := vi.txWriter()
	w.word(vi.txHeader(len(buf), TxCTDisable))
	w.block(buf)
	vi.txComplete(&w, id, len(buf))
	return nil
}

// TransmitV sends a packet gathered from iov without cut-through.
func (vi *VI) TransmitV(iov [][]byte, id RequestID) error {
	length := 0
	for _, b := range iov {
		length += len(b)
	}
	if err := vi.txPrecheck(length); err != nil {
		return err
	}
	w := vi.txWriter()
	w.word(vi.txHeader(length, TxCTDisable))
	for _, b := range iov {
		w.block(b)
	}
	vi.txComplete(&w, id, length)
	return nil
}

// ConvertCTThreshold turns a cut-through threshold in bytes into the
// header's 64-byte units, accounting for the header word and rounding up.
// Thresholds too large to encode disable cut-through.
func ConvertCTThreshold(threshold uint32) uint32 {
	const extra = TxHeaderBytes + TxAlignment - 1
	if threshold > TxCTDisable*TxAlignment-extra {
		return TxCTDisable
	}
	return (threshold + extra) / TxAlignment
}

// TransmitCTPIO streams a frame of frameLen bytes with cut-through. It
// never fails: a post that does not fit is dropped and recorded, and the
// following fallback call sends the packet normally instead.
func (vi *VI) TransmitCTPIO(frameLen int, iov [][]byte, threshold uint32) {
	if vi.txPrecheck(frameLen) != nil {
		vi.tx.lastCTPIOFailed = true
		return
	}
	vi.tx.lastCTPIOFailed = false

	w := vi.txWriter()
	w.word(vi.txHeader(frameLen, ConvertCTThreshold(threshold)))
	for _, b := range iov {
		w.block(b)
	}

	id := RequestIDPosted
	if vi.IsTransmitWarm() {
		id = RequestIDInvalid
	}
	vi.txComplete(&w, id, frameLen)
}

// TransmitCTPIOCopy is TransmitCTPIO that also copies the frame into
// fallback, for a later TransmitCTPIOFallback.
func (vi *VI) TransmitCTPIOCopy(frameLen int, iov [][]byte, threshold uint32, fallback []byte) {
	vi.TransmitCTPIO(frameLen, iov, threshold)
	for _, b := range iov {
		fallback = fallback[copy(fallback, b):]
	}
}

// TransmitCTPIOFallback completes the preceding cut-through post with the
// caller's request id. If that post was dropped, buf is sent normally.
func (vi *VI) TransmitCTPIOFallback(buf []byte, id RequestID) error {
	if vi.tx.lastCTPIOFailed {
		err := vi.Transmit(buf, id)
		vi.tx.lastCTPIOFailed = errors.Is(err, ErrAgain)
		return err
	}
	vi.ctpioFallback(id)
	return nil
}

// TransmitVCTPIOFallback is TransmitCTPIOFallback for a gathered packet.
func (vi *VI) TransmitVCTPIOFallback(iov [][]byte, id RequestID) error {
	if vi.tx.lastCTPIOFailed {
		err := vi.TransmitV(iov, id)
		vi.tx.lastCTPIOFailed = errors.Is(err, ErrAgain)
		return err
	}
	vi.ctpioFallback(id)
	return nil
}

func (vi *VI) ctpioFallback(id RequestID) {
	if vi.tx.added == vi.tx.removed {
		bug("cut-through fallback with no outstanding post")
	}
	i := (vi.tx.added - 1) & vi.tx.mask
	if vi.tx.ids[i] != RequestIDPosted {
		bug("cut-through fallback for a slot holding id %#x", uint32(vi.tx.ids[i]))
	}
	vi.tx.ids[i] = id
}

// StartTransmitWarm marks subsequent posts as warm-up: the NIC discards
// them and their completions carry no request id.
func (vi *VI) StartTransmitWarm() {
	if vi.IsTransmitWarm() {
		bug("transmit warm already active")
	}
	vi.tx.fixedHeader |= txWarmFlag.put(1)
}

// StopTransmitWarm ends warm-up mode.
func (vi *VI) StopTransmitWarm() {
	if !vi.IsTransmitWarm() {
		bug("transmit warm not active")
	}
	vi.tx.fixedHeader &^= txWarmFlag.bits()
}

// IsTransmitWarm reports whether warm-up mode is active.
func (vi *VI) IsTransmitWarm() bool { return txWarmFlag.get(vi.tx.fixedHeader) != 0 }

// TransmitUnbundle copies the request ids completed by ev into ids and
// returns how many it wrote. Warm-up posts are skipped. ids needs room
// for up to TxRingSize entries.
func (vi *VI) TransmitUnbundle(ev *Event, ids []RequestID) int {
	var stop uint32
	switch ev.Type {
	case EventTx:
		stop = ev.Tx.DescID
	case EventTxError:
		stop = ev.TxError.DescID
	default:
		return 0
	}

	n := 0
	for ; vi.tx.removed != stop; vi.tx.removed++ {
		i := vi.tx.removed & vi.tx.mask
		if id := vi.tx.ids[i]; id != RequestIDInvalid {
			ids[n] = id
			n++
			vi.tx.ids[i] = RequestIDInvalid
		}
	}
	return n
}
