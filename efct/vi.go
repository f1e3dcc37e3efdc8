// Package efct implements the packet path of a virtual interface on a
// cut-through NIC.
//
// Receive: the NIC fills large superbufs with packets at a fixed stride.
// Each slot starts with a header describing the packet in the previous
// slot; a sentinel bit toggled per superbuf generation marks headers not
// yet written. Packets are reported by reference and stay in place until
// released.
//
// Transmit: packets are streamed as 8-byte words into a write-combined
// aperture and the NIC may start sending before the whole packet has
// arrived. Completions and control events come back on a phase-bit event
// queue.
//
// Superbuf allocation, memory mapping and queue setup belong to the
// driver layer, reached through SuperbufOps and Mappings.
package efct

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	ErrAgain                = errors.New("insufficient transmit space")
	ErrNoTimestamp          = errors.New("no timestamp available")
	ErrQueueInactive        = errors.New("rx queue is not active")
	ErrNoFreeQueue          = errors.New("no free rx queue")
	ErrQueueAlreadyAttached = errors.New("hardware queue already attached")
	// ErrAlreadyAttached is returned by SuperbufOps.Attach when the queue
	// already has its superbufs.
	ErrAlreadyAttached = errors.New("superbufs already attached")
	ErrTxRingTooSmall  = errors.New("TxRingSize too small for the transmit FIFO")
)

const (
	DefaultTxRingSize      = 512
	DefaultRxRingSize      = 4096
	DefaultEventQueueBytes = 4096
)

// SuperbufOps is the superbuf lifecycle provided by the driver layer.
type SuperbufOps interface {
	// NextSuperbuf hands over the next superbuf the NIC has started
	// filling on queue q, with its sentinel value and sequence number.
	NextSuperbuf(q int) (sentinel bool, seq uint32, sb int, err error)
	// FreeSuperbuf returns a superbuf to the NIC.
	FreeSuperbuf(q, sb int)
	// Attach prepares queue q with n superbufs. It returns
	// ErrAlreadyAttached if the queue is already set up.
	Attach(q, n int) error
	// RefreshConfig re-reads the configuration of queue q.
	RefreshConfig(q int) error
	// Available reports whether NextSuperbuf would succeed.
	Available(q int) bool
}

// Mappings are the memory regions the driver layer has mapped for a VI.
type Mappings struct {
	Shared *Shared
	// Superbufs is indexed by global superbuf index
	// (queue*MaxSuperbufsPerQueue + superbuf). Entries are SuperbufBytes
	// long and may stay nil until their queue is attached.
	Superbufs [][]byte
	// Aperture is the cut-through write window. Nil disables transmit.
	Aperture []byte
	// EventQueue receives TX completions and control events. It must be
	// filled with 0xff before use.
	EventQueue []byte
	// IO is the register page.
	IO []byte
}

// Config controls a VI.
type Config struct {
	// TxRingSize is the number of TX descriptors, a power of two. It
	// must cover the most packets that fit in the transmit FIFO.
	TxRingSize uint32
	// RxRingSize is the receive capacity in packets, used to size the
	// superbuf set requested per queue.
	RxRingSize uint32
	// TxTimestamps requests a timestamp with every completion.
	TxTimestamps bool
	// DesignParameters as reported by the NIC.
	DesignParameters DesignParameters
	// Logger receives control-path diagnostics. Defaults to a no-op.
	Logger *zap.Logger
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.TxRingSize == 0 {
		c.TxRingSize = DefaultTxRingSize
	}
	if c.RxRingSize == 0 {
		c.RxRingSize = DefaultRxRingSize
	}
	if c.DesignParameters == (DesignParameters{}) {
		c.DesignParameters = DefaultDesignParameters()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if bits.OnesCount32(c.TxRingSize) != 1 {
		return fmt.Errorf("TxRingSize %d is not a power of two", c.TxRingSize)
	}
	return nil
}

// rxDescriptor tracks one superbuf slot.
type rxDescriptor struct {
	refcnt       uint16
	superbufPkts uint16
	// sbidNext links the driver's free list; -1 ends it.
	sbidNext       int16
	finalTsStatus  uint8
	finalTimestamp uint64
}

// rxQueuePtr is the poller's position on one RX queue. The fields are
// atomics only because RxFuturePeek may read them from another goroutine.
type rxQueuePtr struct {
	// next: superbuf sequence in the high 32 bits, then the sentinel
	// bit, then the packet id whose header is expected next.
	next atomic.Uint64
	// prev is the packet that header describes.
	prev atomic.Uint32
	// end is the first packet id past the current superbuf; 0 forces a
	// rollover.
	end atomic.Uint32
}

type rxQueue struct {
	// qid is the hardware queue id, reported in events.
	qid              int
	configGeneration atomic.Uint32
}

// VI is the packet path of one virtual interface.
//
// WARNING: VI is not safe for concurrent use, except that RxFuturePeek may
// be called from one other goroutine while another polls.
type VI struct {
	conf Config
	neg  negotiated
	log  *zap.Logger
	ops  SuperbufOps

	shared    *Shared
	superbufs [][]byte

	rxDiscardMask DiscardFlags
	rxDescs       []rxDescriptor
	rxPtrs        [MaxRxQueues]rxQueuePtr
	rxqs          [MaxRxQueues]rxQueue
	sbFreeHead    [MaxRxQueues]int16
	futureQID     atomic.Int32

	tx txQueue

	evq            []byte
	evqMask        uint32
	evqPtr         uint32
	io             []byte
	syncMajor      uint32
	syncMinor      uint32
	syncFlags      SyncFlags
	unsolCreditSeq uint32
}

// New creates a VI over memory mapped by the driver layer. It fails if
// the NIC's design parameters differ from what the fast path assumes.
func New(conf Config, m Mappings, ops SuperbufOps) (*VI, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if m.Shared == nil {
		return nil, errors.New("mappings lack shared state")
	}
	if ops == nil {
		return nil, errors.New("nil superbuf ops")
	}

	neg, err := negotiate(conf.DesignParameters, conf.Logger)
	if err != nil {
		return nil, fmt.Errorf("negotiating design parameters: %w", err)
	}

	vi := &VI{
		conf:          conf,
		neg:           neg,
		log:           conf.Logger,
		ops:           ops,
		shared:        m.Shared,
		superbufs:     m.Superbufs,
		rxDiscardMask: DefaultDiscards,
		rxDescs:       make([]rxDescriptor, MaxRxQueues*MaxSuperbufsPerQueue),
		io:            m.IO,
	}
	vi.futureQID.Store(-1)
	for i := range vi.sbFreeHead {
		vi.sbFreeHead[i] = -1
	}
	for i := range vi.rxqs {
		vi.rxqs[i].qid = -1
	}
	for i := range vi.rxDescs {
		vi.rxDescs[i].sbidNext = -1
	}

	if m.Aperture != nil {
		if err := vi.initTx(m); err != nil {
			return nil, err
		}
	}
	return vi, nil
}

func (vi *VI) initTx(m Mappings) error {
	if uint64(len(m.Aperture)) != vi.conf.DesignParameters.TxApertureBytes {
		return fmt.Errorf("aperture is %d bytes, NIC reports %d",
			len(m.Aperture), vi.conf.DesignParameters.TxApertureBytes)
	}
	n := len(m.EventQueue)
	if n < 2*EventBytes || n&(n-1) != 0 {
		return fmt.Errorf("event queue size %d is not a power of two >= %d", n, 2*EventBytes)
	}
	if len(m.IO) < UnsolCreditRegisterOffset+4 {
		return errors.New("IO page too small for the unsolicited credit register")
	}

	// Each packet occupies at least one alignment unit of the FIFO, so
	// the ring must hold that many descriptors.
	if vi.conf.TxRingSize < (vi.neg.ctFIFOBytes+TxHeaderBytes)/TxAlignment {
		return fmt.Errorf("%w: %d < %d", ErrTxRingTooSmall,
			vi.conf.TxRingSize, (vi.neg.ctFIFOBytes+TxHeaderBytes)/TxAlignment)
	}

	vi.tx = txQueue{
		aperture:    m.Aperture,
		descs:       make([]uint16, vi.conf.TxRingSize),
		ids:         make([]RequestID, vi.conf.TxRingSize),
		mask:        vi.conf.TxRingSize - 1,
		fixedHeader: TxHeader(0, 0, vi.conf.TxTimestamps, false, 0),
	}
	for i := range vi.tx.ids {
		vi.tx.ids[i] = RequestIDInvalid
	}
	vi.evq = m.EventQueue
	vi.evqMask = uint32(n - 1)

	vi.unsolCreditSeq = TimeSyncEventCapacity - 1
	vi.grantUnsolCredit(true, vi.unsolCreditSeq)
	return nil
}

// hasTx reports whether the VI has a transmit queue.
func (vi *VI) hasTx() bool { return vi.tx.aperture != nil }

// hasRx reports whether the VI has any receive capability.
func (vi *VI) hasRx() bool { return vi.superbufs != nil }

// Logger returns the VI's logger.
func (vi *VI) Logger() *zap.Logger { return vi.log }
