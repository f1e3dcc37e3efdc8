package sim

import (
	"encoding/binary"
	"errors"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/romshark/efctvi/efct"
)

var ErrNothingInFlight = errors.New("no transmitted frames awaiting completion")

// TxFrame is a packet read back from the aperture.
type TxFrame struct {
	Header  efct.TxHeaderFields
	Payload []byte
}

type txModel struct {
	aperture []byte
	evq      []byte
	evqMask  uint32
	// rd is the aperture read position in bytes, wrapping like the
	// writer's.
	rd uint32
	// evPtr is the next event queue byte position.
	evPtr uint32
	// inflight holds TxFrame values read but not completed.
	inflight *queue.Queue
	// seq counts completed frames.
	seq   uint32
	label uint32
}

func (t *txModel) init(n *NIC) {
	t.aperture = n.aperture.Bytes()
	t.evq = n.evq.Bytes()
	t.evqMask = uint32(len(t.evq) - 1)
	t.inflight = queue.New()
}

// SetTxLabel sets the queue label carried by TX events.
func (n *NIC) SetTxLabel(label uint32) { n.tx.label = label }

// DrainTx reads every frame written to the aperture since the last call.
// The frames stay in flight until completed.
func (n *NIC) DrainTx() []TxFrame {
	if n.conf.NoTx {
		return nil
	}
	t := &n.tx
	var frames []TxFrame
	mask := uint32(len(t.aperture) - 1)
	for {
		w := efct.ObserveWord(t.aperture, int(t.rd&mask))
		if w == 0 {
			// Every real header has a non-zero cut-through threshold.
			return frames
		}
		h := efct.DecodeTxHeader(w)
		f := TxFrame{Header: h, Payload: make([]byte, 0, h.PacketLength)}

		padded := (h.PacketLength + efct.TxHeaderBytes + efct.TxAlignment - 1) &^ (efct.TxAlignment - 1)
		var word [8]byte
		for off := uint32(0); off < padded; off += 8 {
			pos := int((t.rd + off) & mask)
			if off > 0 && uint32(len(f.Payload)) < h.PacketLength {
				binary.NativeEndian.PutUint64(word[:], efct.ObserveWord(t.aperture, pos))
				need := min(int(h.PacketLength)-len(f.Payload), 8)
				f.Payload = append(f.Payload, word[:need]...)
			}
			efct.PublishWord(t.aperture, pos, 0)
		}
		t.rd += padded
		t.inflight.Add(f)
		frames = append(frames, f)
	}
}

// InFlight returns the number of drained frames awaiting completion.
func (n *NIC) InFlight() int {
	if n.conf.NoTx {
		return 0
	}
	return n.tx.inflight.Length()
}

func (n *NIC) postEvent(w uint64) {
	t := &n.tx
	if t.evPtr&(t.evqMask+1) != 0 {
		w |= efct.EventPhaseBit
	}
	efct.PublishWord(t.evq, int(t.evPtr&t.evqMask), w)
	t.evPtr += efct.EventBytes
}

// Complete posts one completion event covering the next count in-flight
// frames, draining the aperture first.
func (n *NIC) Complete(count int) error {
	n.DrainTx()
	t := &n.tx
	if count <= 0 || count > t.inflight.Length() {
		return ErrNothingInFlight
	}
	for range count {
		t.inflight.Remove()
	}
	t.seq += uint32(count)
	n.postEvent(efct.EncodeTxEvent(t.seq-1, t.label, nil))
	return nil
}

// CompleteTimestamped completes the next in-flight frame with a send
// timestamp. Only the low 8 bits of sec reach the event.
func (n *NIC) CompleteTimestamped(sec, nsec uint32) error {
	n.DrainTx()
	t := &n.tx
	if t.inflight.Length() == 0 {
		return ErrNothingInFlight
	}
	t.inflight.Remove()
	t.seq++
	pt := uint64(sec&0xff)<<32 | uint64(nsec<<n.conf.DesignParameters.TimestampSubnanoBits)
	n.postEvent(efct.EncodeTxEvent(t.seq-1, t.label, &pt))
	return nil
}

// PostTxError reports a fatal TX queue error.
func (n *NIC) PostTxError(reason uint8) {
	n.log.Debug("Posting TX error", zap.Uint8("reason", reason))
	n.postEvent(efct.EncodeErrorEvent(n.tx.label, reason))
}

// PostFlush reports that the TX queue was flushed.
func (n *NIC) PostFlush() { n.postEvent(efct.EncodeFlushEvent()) }

// PostTimeSync posts a time sync event.
func (n *NIC) PostTimeSync(sec uint32, minor uint16, inSync, isSet bool) {
	n.postEvent(efct.EncodeTimeSyncEvent(uint64(sec)<<16|uint64(minor), inSync, isSet))
}

// PostUnsolOverflow reports that unsolicited events outran the credit.
func (n *NIC) PostUnsolOverflow() { n.postEvent(efct.EncodeUnsolOverflowEvent()) }

// PostRaw posts an arbitrary event word; the phase bit is added.
func (n *NIC) PostRaw(w uint64) { n.postEvent(w &^ efct.EventPhaseBit) }

// UnsolCredit returns the last value written to the credit register.
func (n *NIC) UnsolCredit() (seq uint32, clearOverflow bool) {
	return efct.DecodeUnsolCredit(efct.ObserveU32(n.io.Bytes(), efct.UnsolCreditRegisterOffset))
}
