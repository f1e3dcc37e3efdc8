package efct_test

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/romshark/efctvi/efct"
	"github.com/romshark/efctvi/efct/sim"
)

func TestUnsolicitedCredit(t *testing.T) {
	e := newTestEnv(t, sim.Config{}, nil)

	if seq, clear := e.nic.UnsolCredit(); seq != efct.TimeSyncEventCapacity-1 || !clear {
		t.Fatalf("initial credit = (%d, %v), want (%d, true)", seq, clear, efct.TimeSyncEventCapacity-1)
	}

	e.nic.PostTimeSync(100, 0, false, true)
	e.nic.PostTimeSync(101, 0, false, true)
	e.poll(4)
	if seq, clear := e.nic.UnsolCredit(); seq != efct.TimeSyncEventCapacity+1 || clear {
		t.Errorf("credit after two syncs = (%d, %v), want (%d, false)", seq, clear, efct.TimeSyncEventCapacity+1)
	}
	if sec, _, flags := e.vi.TimeSync(); sec != 101 || flags != efct.SyncClockSet {
		t.Errorf("TimeSync() = (%d, %v), want (101, %v)", sec, flags, efct.SyncClockSet)
	}

	e.nic.PostUnsolOverflow()
	e.poll(4)
	if seq, clear := e.nic.UnsolCredit(); seq != efct.TimeSyncEventCapacity-1 || !clear {
		t.Errorf("credit after overflow = (%d, %v), want (%d, true)", seq, clear, efct.TimeSyncEventCapacity-1)
	}
}

func TestUnsolicitedCreditWraps(t *testing.T) {
	e := newTestEnv(t, sim.Config{}, nil)
	// 97 syncs take the sequence from 31 to 128, which the 7-bit mask
	// folds to 0.
	for range 97 {
		e.nic.PostTimeSync(1, 0, true, true)
		e.poll(1)
	}
	if seq, _ := e.nic.UnsolCredit(); seq != 0 {
		t.Errorf("credit seq = %d, want 0", seq)
	}
}

func TestTxErrorAndFlush(t *testing.T) {
	e := newTestEnv(t, sim.Config{}, nil)
	e.nic.SetTxLabel(3)

	if err := e.vi.Transmit([]byte("doomed"), 1); err != nil {
		t.Fatal(err)
	}
	e.nic.PostTxError(7)
	e.nic.PostFlush()

	evs := e.poll(4)
	if len(evs) != 1 || evs[0].Type != efct.EventTxError {
		t.Fatalf("poll = %v, want one tx_error", eventTypes(evs))
	}
	want := efct.TxErrorEvent{DescID: 1, Queue: 3, Flags: efct.EventFlagCTPIO, Subtype: 7}
	if evs[0].TxError != want {
		t.Errorf("error event = %+v, want %+v", evs[0].TxError, want)
	}
	ids := make([]efct.RequestID, 4)
	if n := e.vi.TransmitUnbundle(&evs[0], ids); n != 1 || ids[0] != 1 {
		t.Errorf("unbundled %v, want [1]", ids[:n])
	}

	if got := e.logs.FilterMessage("TX queue error").FilterLevelExact(zapcore.ErrorLevel).Len(); got != 1 {
		t.Errorf("error logged %d times, want 1", got)
	}
	if got := e.logs.FilterMessage("TX queue flushed").Len(); got != 1 {
		t.Errorf("flush logged %d times, want 1", got)
	}
}

func TestUnknownEventLogged(t *testing.T) {
	e := newTestEnv(t, sim.Config{}, nil)
	e.nic.PostRaw(5 << 60)
	e.nic.PostRaw(3<<60 | 9<<53)
	if evs := e.poll(4); len(evs) != 0 {
		t.Fatalf("poll returned %d events", len(evs))
	}
	if got := e.logs.FilterMessage("Unexpected event type").Len(); got != 1 {
		t.Errorf("unknown type logged %d times, want 1", got)
	}
	if got := e.logs.FilterMessage("Unexpected control event").Len(); got != 1 {
		t.Errorf("unknown control subtype logged %d times, want 1", got)
	}
}

func TestEventQueueOverflowPanics(t *testing.T) {
	e := newTestEnv(t, sim.Config{EventQueueBytes: 256}, nil)
	for range 256 / efct.EventBytes {
		e.nic.PostFlush()
	}
	defer func() {
		if recover() == nil {
			t.Error("Poll on a lapped event queue did not panic")
		}
	}()
	e.poll(1)
}

func TestEventQueueWraps(t *testing.T) {
	e := newTestEnv(t, sim.Config{EventQueueBytes: 256}, nil)
	// Three laps of a 32-entry queue, consumed as they arrive.
	for i := range 100 {
		if err := e.vi.Transmit(pattern(10, byte(i)), efct.RequestID(i)); err != nil {
			t.Fatal(err)
		}
		if ids := e.completeAll(t); len(ids) != 1 || ids[0] != efct.RequestID(i) {
			t.Fatalf("round %d: unbundled %v", i, ids)
		}
	}
}

func TestControlEventsBeforeCompletion(t *testing.T) {
	e := newTestEnv(t, sim.Config{}, nil)
	if err := e.vi.Transmit([]byte("x"), 1); err != nil {
		t.Fatal(err)
	}
	e.nic.DrainTx()
	e.nic.PostTimeSync(55, 0, true, true)
	if err := e.nic.Complete(1); err != nil {
		t.Fatal(err)
	}
	e.nic.PostTimeSync(56, 0, true, true)

	evs := e.poll(4)
	if len(evs) != 1 || evs[0].Type != efct.EventTx {
		t.Fatalf("poll = %v, want one tx event", eventTypes(evs))
	}
	if sec, _, _ := e.vi.TimeSync(); sec != 55 {
		t.Errorf("sync seconds = %d, want 55: polling stops at the completion", sec)
	}
	if !e.vi.CheckEvent() {
		t.Error("CheckEvent = false with a time sync pending")
	}
	e.poll(4)
	if sec, _, _ := e.vi.TimeSync(); sec != 56 {
		t.Errorf("sync seconds = %d, want 56", sec)
	}
}

func TestCheckEvent(t *testing.T) {
	e := newTestEnv(t, sim.Config{SuperbufPkts: 8}, nil)
	if e.vi.CheckEvent() {
		t.Fatal("CheckEvent on an idle VI = true")
	}

	q := e.addRxQueue(t, 0)
	// Active, but no superbuf started yet.
	if e.vi.CheckEvent() {
		t.Error("CheckEvent before any packet = true")
	}
	if evs := e.poll(4); len(evs) != 0 {
		t.Errorf("poll before any packet returned %d events", len(evs))
	}

	e.receive(t, q, payload(0), sim.RxMeta{})
	if !e.vi.CheckEvent() {
		t.Error("CheckEvent with a superbuf available = false")
	}
	e.rxPayloads(e.poll(4), true)
	if e.vi.CheckEvent() {
		t.Error("CheckEvent after draining = true")
	}

	e.receive(t, q, payload(1), sim.RxMeta{})
	if !e.vi.CheckEvent() {
		t.Error("CheckEvent with a header visible = false")
	}
	e.rxPayloads(e.poll(4), true)

	e.nic.BumpConfigGeneration(q)
	if !e.vi.CheckEvent() {
		t.Error("CheckEvent with a refresh pending = false")
	}
	e.poll(4)
	if e.vi.CheckEvent() {
		t.Error("CheckEvent after refresh = true")
	}

	e.nic.PostFlush()
	if !e.vi.CheckEvent() {
		t.Error("CheckEvent with a TX event pending = false")
	}
}

func TestRxFuturePeek(t *testing.T) {
	e := newTestEnv(t, sim.Config{SuperbufPkts: 8}, nil)
	q := e.addRxQueue(t, 0)

	if _, ok := e.vi.RxFuturePeek(); ok {
		t.Fatal("peek on a queue awaiting its first superbuf succeeded")
	}

	e.receive(t, q, payload(0), sim.RxMeta{})
	e.rxPayloads(e.poll(4), true)

	// The slot the next packet lands in still carries the poison.
	if _, ok := e.vi.RxFuturePeek(); ok {
		t.Fatal("peek before data landed succeeded")
	}

	e.receive(t, q, payload(1), sim.RxMeta{})
	data, ok := e.vi.RxFuturePeek()
	if !ok {
		t.Fatal("peek after data landed failed")
	}
	if got := string(data[:len(payload(1))]); got != payload(1) {
		t.Errorf("peeked %q, want %q", got, payload(1))
	}

	evs := make([]efct.Event, 4)
	n := e.vi.RxFuturePoll(evs)
	if got := e.rxPayloads(evs[:n], true); len(got) != 1 || got[0] != payload(1) {
		t.Errorf("future poll delivered %q, want [%q]", got, payload(1))
	}
}

func TestRxFuturePollWithoutPeekPanics(t *testing.T) {
	e := newTestEnv(t, sim.Config{}, nil)
	defer func() {
		if recover() == nil {
			t.Error("RxFuturePoll without a peek did not panic")
		}
	}()
	e.vi.RxFuturePoll(make([]efct.Event, 1))
}

func TestNewRejectsDesign(t *testing.T) {
	nic, err := sim.New(sim.Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer nic.Close()

	core, logs := observer.New(zapcore.InfoLevel)
	conf := nic.VIConfig()
	conf.Logger = zap.New(core)
	conf.DesignParameters.RxFrameOffset = 128

	if _, err := efct.New(conf, nic.Mappings(), nic); !errors.Is(err, efct.ErrUnsupportedDesign) {
		t.Fatalf("New = %v, want ErrUnsupportedDesign", err)
	}
	entries := logs.FilterMessage("Rejecting NIC design parameter").All()
	if len(entries) != 1 {
		t.Fatalf("rejection logged %d times, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["param"]; got != "rx_frame_offset" {
		t.Errorf("rejected param = %v, want rx_frame_offset", got)
	}
}

func TestNewValidation(t *testing.T) {
	nic, err := sim.New(sim.Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer nic.Close()

	for _, tc := range []struct {
		name    string
		edit    func(*efct.Config, *efct.Mappings)
		wantErr error
	}{
		{"ring too small", func(c *efct.Config, _ *efct.Mappings) { c.TxRingSize = 256 }, efct.ErrTxRingTooSmall},
		{"ring not power of two", func(c *efct.Config, _ *efct.Mappings) { c.TxRingSize = 600 }, nil},
		{"aperture size", func(_ *efct.Config, m *efct.Mappings) { m.Aperture = m.Aperture[:4096] }, nil},
		{"event queue size", func(_ *efct.Config, m *efct.Mappings) { m.EventQueue = m.EventQueue[:24] }, nil},
		{"no shared state", func(_ *efct.Config, m *efct.Mappings) { m.Shared = nil }, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conf := nic.VIConfig()
			m := nic.Mappings()
			tc.edit(&conf, &m)
			_, err := efct.New(conf, m, nic)
			if err == nil {
				t.Fatal("New succeeded")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("New = %v, want %v", err, tc.wantErr)
			}
		})
	}
}
