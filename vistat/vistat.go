// Package vistat counts packet path activity per VI and reports it as text
// or Prometheus metrics.
package vistat

import (
	"fmt"
	"io"
	"slices"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/romshark/efctvi/efct"
)

type Counter int

const (
	RxPackets Counter = iota
	RxBytes
	RxDiscards
	TxPackets
	TxBytes
	TxCompleted
	TxErrors
	TxBackpressure

	numCounters
)

func (c Counter) String() string {
	switch c {
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case RxDiscards:
		return "rx_discards"
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case TxCompleted:
		return "tx_completed"
	case TxErrors:
		return "tx_errors"
	case TxBackpressure:
		return "tx_backpressure"
	}
	return ""
}

// Counters are the live counters of one VI. The poller updates them; any
// goroutine may take snapshots.
type Counters struct {
	v [numCounters]atomic.Uint64
}

// Add adds n to counter c.
func (c *Counters) Add(ctr Counter, n uint64) { c.v[ctr].Add(n) }

// Load returns the current value of counter c.
func (c *Counters) Load(ctr Counter) uint64 { return c.v[ctr].Load() }

// Record counts a polled event. TX completions reported through
// EventTx are counted by the caller from TransmitUnbundle's result.
func (c *Counters) Record(ev *efct.Event) {
	switch ev.Type {
	case efct.EventRxRef:
		c.v[RxPackets].Add(1)
		c.v[RxBytes].Add(uint64(ev.RxRef.Len))
	case efct.EventRxDiscard:
		c.v[RxDiscards].Add(1)
	case efct.EventTxTimestamp:
		c.v[TxCompleted].Add(1)
	case efct.EventTxError:
		c.v[TxErrors].Add(1)
	}
}

// Snapshot copies the current values.
func (c *Counters) Snapshot() VIStats {
	s := make(VIStats, numCounters)
	for ctr := range numCounters {
		s[ctr] = c.v[ctr].Load()
	}
	return s
}

// Per-VI values.
type VIStats map[Counter]uint64

// Multi-VI stats.
type Stats map[string]VIStats

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for vi, now := range s {
		prev := old[vi]
		diff := make(VIStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[vi] = diff
	}
	return out
}

func Print(w io.Writer, s Stats) error {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		stats := s[name]

		txBytes := stats[TxBytes]
		rxBytes := stats[RxBytes]

		if _, err := fmt.Fprintf(w, "%s :\n", name); err != nil {
			return err
		}
		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)  completed %d  errors %d  backpressure %d\n",
			stats[TxPackets], humanize.Bytes(txBytes), humanize.Comma(int64(txBytes)),
			stats[TxCompleted], stats[TxErrors], stats[TxBackpressure],
		)
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)  discards %d\n",
			stats[RxPackets], humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
			stats[RxDiscards],
		)
	}

	return nil
}
