// Package sim is a software model of the NIC and driver layer behind an
// efct.VI. It fills superbufs and posts events the way the hardware does,
// so the packet path can be exercised without a device.
//
// WARNING: NIC is not safe for concurrent use. Drive it from the same
// goroutine that polls the VI.
package sim

import (
	"errors"
	"fmt"

	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/romshark/efctvi/efct"
	"github.com/romshark/efctvi/internal/mem"
)

var (
	ErrNoSuperbuf   = errors.New("no superbuf available")
	ErrNotBound     = errors.New("NIC not bound to a VI")
	ErrPayloadSize  = errors.New("payload does not fit a packet slot")
	ErrQueueUnknown = errors.New("rx queue not attached")
)

const (
	DefaultSuperbufsPerQueue = 16
	DefaultIOBytes           = 4096
)

// Config controls the model.
type Config struct {
	// SuperbufPkts is the number of packets per superbuf, at most
	// efct.SuperbufPktsMax.
	SuperbufPkts int
	// MaxSuperbufsPerQueue caps what Attach hands out per queue.
	MaxSuperbufsPerQueue int
	// FirstSequence is the sequence number of each queue's first superbuf.
	FirstSequence uint32
	// EventQueueBytes is the TX event queue size, a power of two.
	EventQueueBytes int
	// DesignParameters are what the NIC reports. The aperture defaults to
	// the FIFO size so frames stay readable until drained.
	DesignParameters efct.DesignParameters
	// NoTx omits the transmit queue.
	NoTx bool
	// Logger defaults to a no-op.
	Logger *zap.Logger
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.SuperbufPkts == 0 {
		c.SuperbufPkts = efct.SuperbufPktsMax
	}
	if c.MaxSuperbufsPerQueue == 0 {
		c.MaxSuperbufsPerQueue = DefaultSuperbufsPerQueue
	}
	if c.EventQueueBytes == 0 {
		c.EventQueueBytes = efct.DefaultEventQueueBytes
	}
	if c.DesignParameters == (efct.DesignParameters{}) {
		c.DesignParameters = efct.DefaultDesignParameters()
		c.DesignParameters.TxApertureBytes = c.DesignParameters.TxFIFOBytes
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.SuperbufPkts < 2 || c.SuperbufPkts > efct.SuperbufPktsMax {
		return fmt.Errorf("SuperbufPkts %d out of range [2, %d]", c.SuperbufPkts, efct.SuperbufPktsMax)
	}
	if c.MaxSuperbufsPerQueue < 2 || c.MaxSuperbufsPerQueue > efct.MaxSuperbufsPerQueue {
		return fmt.Errorf("MaxSuperbufsPerQueue %d out of range [2, %d]",
			c.MaxSuperbufsPerQueue, efct.MaxSuperbufsPerQueue)
	}
	if n := c.EventQueueBytes; n < 2*efct.EventBytes || n&(n-1) != 0 {
		return fmt.Errorf("EventQueueBytes %d is not a power of two", n)
	}
	return nil
}

// startedSuperbuf is a superbuf the NIC has begun filling but software
// has not picked up yet.
type startedSuperbuf struct {
	sb       int
	seq      uint32
	sentinel bool
}

type rxQueue struct {
	attached bool
	nsb      int
	regions  []*mem.Region
	// sentinel is the current value per superbuf, toggled on reuse.
	sentinel []bool
	// started holds startedSuperbuf values in NIC order.
	started *queue.Queue
	seq     uint32
	// cur is the superbuf being filled, -1 if none; ix is the next slot.
	cur int
	ix  int
	// loseNext drops the next superbuf the NIC starts.
	loseNext bool

	refreshErr error
	refreshes  int
	freed      int
}

// NIC models one NIC function with its driver.
type NIC struct {
	conf Config
	log  *zap.Logger
	vi   *efct.VI

	shared    efct.Shared
	superbufs [][]byte
	rxqs      [efct.MaxRxQueues]rxQueue

	aperture *mem.Region
	evq      *mem.Region
	io       *mem.Region
	tx       txModel
}

// New allocates the memory a VI maps. Call Bind once the VI exists.
func New(conf Config) (*NIC, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	n := &NIC{
		conf:      conf,
		log:       conf.Logger,
		superbufs: make([][]byte, efct.MaxRxQueues*efct.MaxSuperbufsPerQueue),
	}
	for q := range n.rxqs {
		n.rxqs[q].cur = -1
	}
	if conf.NoTx {
		return n, nil
	}

	var err error
	if n.aperture, err = mem.Map(int(conf.DesignParameters.TxApertureBytes)); err != nil {
		return nil, fmt.Errorf("mapping aperture: %w", err)
	}
	if n.evq, err = mem.Map(conf.EventQueueBytes); err != nil {
		n.Close()
		return nil, fmt.Errorf("mapping event queue: %w", err)
	}
	n.evq.Fill(0xff)
	if n.io, err = mem.Map(DefaultIOBytes); err != nil {
		n.Close()
		return nil, fmt.Errorf("mapping IO page: %w", err)
	}
	n.tx.init(n)
	return n, nil
}

// Mappings returns the regions to pass to efct.New.
func (n *NIC) Mappings() efct.Mappings {
	m := efct.Mappings{
		Shared:    &n.shared,
		Superbufs: n.superbufs,
	}
	if !n.conf.NoTx {
		m.Aperture = n.aperture.Bytes()
		m.EventQueue = n.evq.Bytes()
		m.IO = n.io.Bytes()
	}
	return m
}

// VIConfig returns an efct.Config matching the model's parameters.
func (n *NIC) VIConfig() efct.Config {
	return efct.Config{
		DesignParameters: n.conf.DesignParameters,
		Logger:           n.log,
	}
}

// Bind attaches the VI whose superbuf free lists the driver uses.
func (n *NIC) Bind(vi *efct.VI) { n.vi = vi }

// Close unmaps all memory.
func (n *NIC) Close() error {
	var errs []error
	for q := range n.rxqs {
		for _, r := range n.rxqs[q].regions {
			errs = append(errs, r.Unmap())
		}
		n.rxqs[q].regions = nil
	}
	for _, r := range []*mem.Region{n.aperture, n.evq, n.io} {
		if r != nil {
			errs = append(errs, r.Unmap())
		}
	}
	return errors.Join(errs...)
}

// AddRxQueue claims a VI queue for hardware queue hwQID, attaches its
// superbufs and activates it. It returns the VI queue index.
func (n *NIC) AddRxQueue(hwQID int) (int, error) {
	if n.vi == nil {
		return 0, ErrNotBound
	}
	ix, err := n.vi.FindFreeRxQueue(hwQID)
	if err != nil {
		return 0, err
	}
	n.vi.StartRxQueue(ix, hwQID)
	if err := n.vi.AttachRxQueue(ix); err != nil {
		return 0, err
	}
	n.Activate(ix)
	n.log.Debug("Added rx queue", zap.Int("queue", ix), zap.Int("hw_qid", hwQID))
	return ix, nil
}

// Attach implements efct.SuperbufOps.
func (n *NIC) Attach(q, want int) error {
	if n.vi == nil {
		return ErrNotBound
	}
	r := &n.rxqs[q]
	if r.attached {
		return efct.ErrAlreadyAttached
	}
	nsb := min(want, n.conf.MaxSuperbufsPerQueue)
	if nsb < 2 {
		// Rollover holds the old superbuf until the new one has been
		// started.
		nsb = 2
	}
	for sb := range nsb {
		reg, err := mem.Map(efct.SuperbufBytes)
		if err != nil {
			return fmt.Errorf("mapping superbuf %d of queue %d: %w", sb, q, err)
		}
		r.regions = append(r.regions, reg)
		n.superbufs[q*efct.MaxSuperbufsPerQueue+sb] = reg.Bytes()
	}
	r.attached = true
	r.nsb = nsb
	r.sentinel = make([]bool, nsb)
	for sb := range nsb {
		// Started superbufs toggle first, so the first generation sees
		// sentinel 0.
		r.sentinel[sb] = true
	}
	r.started = queue.New()
	r.seq = n.conf.FirstSequence
	r.cur = -1
	for sb := nsb - 1; sb >= 0; sb-- {
		n.vi.SuperbufFreePush(q, sb)
	}
	n.log.Debug("Attached superbufs",
		zap.Int("queue", q),
		zap.Int("requested", want),
		zap.Int("attached", nsb),
	)
	return nil
}

// Activate publishes queue q as live and asks for a config refresh.
func (n *NIC) Activate(q int) {
	n.shared.Queues[q].SuperbufPkts.Publish(uint32(n.conf.SuperbufPkts))
	n.BumpConfigGeneration(q)
	n.shared.ActiveQueues.Publish(n.shared.ActiveQueues.Observe() | 1<<q)
}

// Deactivate takes queue q out of service.
func (n *NIC) Deactivate(q int) {
	n.shared.ActiveQueues.Publish(n.shared.ActiveQueues.Observe() &^ (1 << q))
	n.shared.Queues[q].SuperbufPkts.Publish(0)
}

// BumpConfigGeneration signals that queue q's configuration changed.
func (n *NIC) BumpConfigGeneration(q int) {
	g := &n.shared.Queues[q].ConfigGeneration
	g.Publish(g.Observe() + 1)
}

// SetRefreshError makes RefreshConfig on queue q fail with err.
func (n *NIC) SetRefreshError(q int, err error) { n.rxqs[q].refreshErr = err }

// Refreshes returns how often queue q's config was refreshed.
func (n *NIC) Refreshes(q int) int { return n.rxqs[q].refreshes }

// Freed returns how many superbufs software has returned on queue q.
func (n *NIC) Freed(q int) int { return n.rxqs[q].freed }

// SetTimeSync publishes the clock snapshot read with RX timestamps.
func (n *NIC) SetTimeSync(q int, sec uint32, minor uint16, inSync, isSet bool) {
	n.shared.Queues[q].TimeSync.Publish(
		efct.EncodeTimeSync(uint64(sec)<<16|uint64(minor), inSync, isSet))
}

// RefreshConfig implements efct.SuperbufOps.
func (n *NIC) RefreshConfig(q int) error {
	r := &n.rxqs[q]
	r.refreshes++
	return r.refreshErr
}

// NextSuperbuf implements efct.SuperbufOps.
func (n *NIC) NextSuperbuf(q int) (sentinel bool, seq uint32, sb int, err error) {
	r := &n.rxqs[q]
	if !r.attached || r.started.Length() == 0 {
		return false, 0, 0, ErrNoSuperbuf
	}
	s := r.started.Remove().(startedSuperbuf)
	return s.sentinel, s.seq, s.sb, nil
}

// Available implements efct.SuperbufOps.
func (n *NIC) Available(q int) bool {
	r := &n.rxqs[q]
	return r.attached && r.started.Length() > 0
}

// FreeSuperbuf implements efct.SuperbufOps.
func (n *NIC) FreeSuperbuf(q, sb int) {
	if sb < 0 || sb >= n.rxqs[q].nsb {
		panic(fmt.Sprintf("sim: free of unknown superbuf %d on queue %d", sb, q))
	}
	n.rxqs[q].freed++
	n.vi.SuperbufFreePush(q, sb)
}

// Outstanding returns the number of superbufs of queue q not on the
// free list.
func (n *NIC) Outstanding(q int) int {
	free := 0
	for sb := n.vi.SuperbufFreeHead(q); sb >= 0; sb = n.vi.SuperbufFreeNext(q, sb) {
		free++
	}
	return n.rxqs[q].nsb - free
}

var (
	_ efct.SuperbufOps = (*NIC)(nil)
)
