package efct

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// LiveU32 is a word owned by an agent outside the poller: the driver
// layer or the NIC itself. The engine never caches it across iterations;
// every access is a single Observe.
type LiveU32 struct{ v atomic.Uint32 }

// Observe loads the current value once.
func (l *LiveU32) Observe() uint32 { return l.v.Load() }

// Publish stores a new value. Only the owning agent calls it.
func (l *LiveU32) Publish(v uint32) { l.v.Store(v) }

// LiveU64 is the 64-bit variant of LiveU32.
type LiveU64 struct{ v atomic.Uint64 }

// Observe loads the current value once.
func (l *LiveU64) Observe() uint64 { return l.v.Load() }

// Publish stores a new value. Only the owning agent calls it.
func (l *LiveU64) Publish(v uint64) { l.v.Store(v) }

// RxQueueLive is the per-queue state the driver layer publishes.
type RxQueueLive struct {
	// SuperbufPkts is the number of packets per superbuf; zero while the
	// queue is inactive.
	SuperbufPkts LiveU32
	// ConfigGeneration is bumped whenever the queue needs a refresh.
	ConfigGeneration LiveU32
	// TimeSync is the latest clock snapshot, encoded as by EncodeTimeSync.
	TimeSync LiveU64
}

// Shared is the driver-owned state read by the engine.
type Shared struct {
	// ActiveQueues has bit i set while RX queue i is in use.
	ActiveQueues LiveU64
	Queues       [MaxRxQueues]RxQueueLive
}

// observeWord loads the 64-bit word at b[off:] once. The NIC writes a
// header's content before its sentinel, so an observed sentinel match
// makes the rest of the header valid to read.
func observeWord(b []byte, off int) uint64 {
	_ = b[off+7]
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&b[off])))
}

// PublishWord stores v at b[off:] as a single 64-bit write. Device models
// use it to emulate NIC writes into mapped memory.
func PublishWord(b []byte, off int, v uint64) {
	_ = b[off+7]
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b[off])), v)
}

// ObserveWord is the exported form of observeWord for device models.
func ObserveWord(b []byte, off int) uint64 { return observeWord(b, off) }

func publishU32(b []byte, off int, v uint32) {
	_ = b[off+3]
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[off])), v)
}

// ObserveU32 loads the 32-bit word at b[off:] once.
func ObserveU32(b []byte, off int) uint32 {
	_ = b[off+3]
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[off])))
}

var fenceWord atomic.Uint64

// storeFence orders every earlier store before every later one. Go
// atomics are sequentially consistent, so a read-modify-write on a
// private word serves as the full barrier the aperture needs.
func storeFence() { fenceWord.Add(1) }

// bug reports a broken invariant of the memory contract shared with the
// driver and NIC. These are not recoverable.
func bug(format string, args ...any) {
	panic("efct: " + fmt.Sprintf(format, args...))
}
