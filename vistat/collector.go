package vistat

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports registered VI counters on each scrape.
type Collector struct {
	mu  sync.Mutex
	vis map[string]*Counters

	packetsTotal        *prometheus.Desc
	bytesTotal          *prometheus.Desc
	rxDiscardsTotal     *prometheus.Desc
	txCompletedTotal    *prometheus.Desc
	txErrorsTotal       *prometheus.Desc
	txBackpressureTotal *prometheus.Desc
}

func NewCollector() *Collector {
	return &Collector{
		vis: make(map[string]*Counters),

		packetsTotal: prometheus.NewDesc(
			"efct_packets_total",
			"Total packets per VI.",
			[]string{"vi", "direction"}, nil,
		),
		bytesTotal: prometheus.NewDesc(
			"efct_bytes_total",
			"Total bytes per VI.",
			[]string{"vi", "direction"}, nil,
		),
		rxDiscardsTotal: prometheus.NewDesc(
			"efct_rx_discards_total",
			"Total received packets matching the discard mask.",
			[]string{"vi"}, nil,
		),
		txCompletedTotal: prometheus.NewDesc(
			"efct_tx_completed_total",
			"Total transmits completed by the NIC.",
			[]string{"vi"}, nil,
		),
		txErrorsTotal: prometheus.NewDesc(
			"efct_tx_errors_total",
			"Total TX queue errors.",
			[]string{"vi"}, nil,
		),
		txBackpressureTotal: prometheus.NewDesc(
			"efct_tx_backpressure_total",
			"Total transmits refused for lack of FIFO space.",
			[]string{"vi"}, nil,
		),
	}
}

// Register adds the counters of a VI under name.
func (c *Collector) Register(name string, ctrs *Counters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vis[name] = ctrs
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsTotal
	ch <- c.bytesTotal
	ch <- c.rxDiscardsTotal
	ch <- c.txCompletedTotal
	ch <- c.txErrorsTotal
	ch <- c.txBackpressureTotal
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	for name, ctrs := range c.vis {
		s := ctrs.Snapshot()
		counter(c.packetsTotal, s[RxPackets], name, "rx")
		counter(c.packetsTotal, s[TxPackets], name, "tx")
		counter(c.bytesTotal, s[RxBytes], name, "rx")
		counter(c.bytesTotal, s[TxBytes], name, "tx")
		counter(c.rxDiscardsTotal, s[RxDiscards], name)
		counter(c.txCompletedTotal, s[TxCompleted], name)
		counter(c.txErrorsTotal, s[TxErrors], name)
		counter(c.txBackpressureTotal, s[TxBackpressure], name)
	}
}
