package sim

import (
	"errors"
	"testing"

	"github.com/romshark/efctvi/efct"
)

func newBound(t *testing.T, conf Config) (*NIC, *efct.VI) {
	t.Helper()
	n, err := New(conf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	vc := n.VIConfig()
	vc.RxRingSize = 1024
	vi, err := efct.New(vc, n.Mappings(), n)
	if err != nil {
		t.Fatalf("efct.New: %v", err)
	}
	n.Bind(vi)
	return n, vi
}

func TestConfigValidation(t *testing.T) {
	for _, conf := range []Config{
		{SuperbufPkts: 1},
		{SuperbufPkts: efct.SuperbufPktsMax + 1},
		{MaxSuperbufsPerQueue: 1},
		{EventQueueBytes: 100},
	} {
		if _, err := New(conf); err == nil {
			t.Errorf("New(%+v) succeeded", conf)
		}
	}
}

func TestAttachBeforeBind(t *testing.T) {
	n, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()
	if err := n.Attach(0, 4); !errors.Is(err, ErrNotBound) {
		t.Errorf("Attach = %v, want ErrNotBound", err)
	}
	if _, err := n.AddRxQueue(0); !errors.Is(err, ErrNotBound) {
		t.Errorf("AddRxQueue = %v, want ErrNotBound", err)
	}
}

func TestReceiveErrors(t *testing.T) {
	n, _ := newBound(t, Config{SuperbufPkts: 4, MaxSuperbufsPerQueue: 2})

	if err := n.Receive(0, []byte("x"), RxMeta{}); !errors.Is(err, ErrQueueUnknown) {
		t.Errorf("Receive on unattached queue = %v, want ErrQueueUnknown", err)
	}
	q, err := n.AddRxQueue(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Receive(q, make([]byte, efct.RxPayloadMax+1), RxMeta{}); !errors.Is(err, ErrPayloadSize) {
		t.Errorf("oversized Receive = %v, want ErrPayloadSize", err)
	}

	// Two superbufs of four slots; the eighth packet's header would need
	// a third.
	for i := range 7 {
		if err := n.Receive(q, []byte{byte(i)}, RxMeta{}); err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
	}
	if err := n.Receive(q, []byte{7}, RxMeta{}); !errors.Is(err, ErrNoSuperbuf) {
		t.Errorf("Receive with no free superbuf = %v, want ErrNoSuperbuf", err)
	}
	if got := n.Outstanding(q); got != 2 {
		t.Errorf("Outstanding = %d, want 2", got)
	}
}

func TestSuperbufHandover(t *testing.T) {
	n, _ := newBound(t, Config{SuperbufPkts: 4, FirstSequence: 40})
	q, err := n.AddRxQueue(0)
	if err != nil {
		t.Fatal(err)
	}
	if n.Available(q) {
		t.Fatal("superbuf available before any packet")
	}
	if _, _, _, err := n.NextSuperbuf(q); !errors.Is(err, ErrNoSuperbuf) {
		t.Fatalf("NextSuperbuf = %v, want ErrNoSuperbuf", err)
	}

	if err := n.Receive(q, []byte("a"), RxMeta{}); err != nil {
		t.Fatal(err)
	}
	sentinel, seq, sb, err := n.NextSuperbuf(q)
	if err != nil {
		t.Fatal(err)
	}
	if sentinel || seq != 40 || sb != 0 {
		t.Errorf("NextSuperbuf = (%v, %d, %d), want (false, 40, 0)", sentinel, seq, sb)
	}

	// The header for packet "a" sits in slot 1 with the current sentinel.
	buf := n.superbufs[q*efct.MaxSuperbufsPerQueue+sb]
	h := efct.DecodeRxHeader(efct.ObserveWord(buf, efct.PktStride), efct.ObserveWord(buf, efct.PktStride+8))
	if h.Sentinel != sentinel || h.PacketLength != 1 || h.NextFrameLoc != 1 {
		t.Errorf("header = %+v", h)
	}
	// Slot 2 still holds a stale header and the poison.
	stale := efct.DecodeRxHeader(efct.ObserveWord(buf, 2*efct.PktStride), 0)
	if stale.Sentinel == sentinel {
		t.Error("unwritten slot matches the current sentinel")
	}
	if got := efct.ObserveWord(buf, 2*efct.PktStride+efct.RxHeaderBytes); got != efct.DefaultPoison {
		t.Errorf("slot 2 poison = %#x, want %#x", got, efct.DefaultPoison)
	}
}

func TestTxModel(t *testing.T) {
	n, vi := newBound(t, Config{})

	if frames := n.DrainTx(); len(frames) != 0 {
		t.Fatalf("DrainTx on idle aperture = %d frames", len(frames))
	}
	if err := n.Complete(1); !errors.Is(err, ErrNothingInFlight) {
		t.Errorf("Complete with nothing in flight = %v, want ErrNothingInFlight", err)
	}
	if err := n.CompleteTimestamped(1, 1); !errors.Is(err, ErrNothingInFlight) {
		t.Errorf("CompleteTimestamped with nothing in flight = %v, want ErrNothingInFlight", err)
	}

	if err := vi.Transmit([]byte("abc"), 1); err != nil {
		t.Fatal(err)
	}
	if err := vi.Transmit([]byte("defgh"), 2); err != nil {
		t.Fatal(err)
	}
	frames := n.DrainTx()
	if len(frames) != 2 || string(frames[0].Payload) != "abc" || string(frames[1].Payload) != "defgh" {
		t.Fatalf("drained %+v", frames)
	}
	if got := n.InFlight(); got != 2 {
		t.Errorf("InFlight = %d, want 2", got)
	}
	if err := n.Complete(3); !errors.Is(err, ErrNothingInFlight) {
		t.Errorf("Complete(3) = %v, want ErrNothingInFlight", err)
	}
	if err := n.Complete(2); err != nil {
		t.Fatal(err)
	}
	if got := n.InFlight(); got != 0 {
		t.Errorf("InFlight after completion = %d, want 0", got)
	}
}
