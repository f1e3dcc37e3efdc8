package efct_test

import (
	"fmt"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/romshark/efctvi/efct"
	"github.com/romshark/efctvi/efct/sim"
)

// testRxRingSize yields four superbufs per queue.
const testRxRingSize = 1024

type testEnv struct {
	vi   *efct.VI
	nic  *sim.NIC
	logs *observer.ObservedLogs
}

func newTestEnv(t *testing.T, simConf sim.Config, edit func(*efct.Config)) testEnv {
	t.Helper()

	core, logs := observer.New(zapcore.DebugLevel)
	simConf.Logger = zap.New(core)

	nic, err := sim.New(simConf)
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	t.Cleanup(func() {
		if err := nic.Close(); err != nil {
			t.Errorf("nic.Close: %v", err)
		}
	})

	conf := nic.VIConfig()
	conf.RxRingSize = testRxRingSize
	if edit != nil {
		edit(&conf)
	}
	vi, err := efct.New(conf, nic.Mappings(), nic)
	if err != nil {
		t.Fatalf("efct.New: %v", err)
	}
	nic.Bind(vi)
	return testEnv{vi: vi, nic: nic, logs: logs}
}

func (e testEnv) addRxQueue(t *testing.T, hwQID int) int {
	t.Helper()
	q, err := e.nic.AddRxQueue(hwQID)
	if err != nil {
		t.Fatalf("AddRxQueue(%d): %v", hwQID, err)
	}
	return q
}

func (e testEnv) receive(t *testing.T, q int, payload string, meta sim.RxMeta) {
	t.Helper()
	if err := e.nic.Receive(q, []byte(payload), meta); err != nil {
		t.Fatalf("Receive(%q): %v", payload, err)
	}
}

func (e testEnv) poll(n int) []efct.Event {
	evs := make([]efct.Event, n)
	return evs[:e.vi.Poll(evs)]
}

// rxPayloads returns the payload of every RX event, releasing the packets
// if release is set.
func (e testEnv) rxPayloads(evs []efct.Event, release bool) []string {
	var out []string
	for _, ev := range evs {
		var id efct.PktID
		var length uint16
		switch ev.Type {
		case efct.EventRxRef:
			id, length = ev.RxRef.PktID, ev.RxRef.Len
		case efct.EventRxDiscard:
			id, length = ev.RxDiscard.PktID, ev.RxDiscard.Len
		default:
			continue
		}
		out = append(out, string(e.vi.RxPacket(id)[:length]))
		if release {
			e.vi.RxPacketRelease(id)
		}
	}
	return out
}

func payload(i int) string { return fmt.Sprintf("packet-%03d", i) }

func eventTypes(evs []efct.Event) []efct.EventType {
	types := make([]efct.EventType, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return types
}
