// efctbench drives a VI against the simulated NIC: it receives generated
// UDP frames, echoes each one back out and reports packet path rates.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/efctvi/efct"
	"github.com/romshark/efctvi/efct/sim"
	"github.com/romshark/efctvi/logging"
	"github.com/romshark/efctvi/ratelimit"
	"github.com/romshark/efctvi/vistat"
)

const viName = "vi0"

type Config struct {
	Log struct {
		Preset string             `yaml:"preset"`
		Level  string             `yaml:"level"`
		File   logging.FileConfig `yaml:"file"`
	} `yaml:"log"`

	RX struct {
		Queues       int      `yaml:"queues"`
		SuperbufPkts int      `yaml:"superbuf-pkts"`
		Superbufs    int      `yaml:"superbufs"`
		Discards     []string `yaml:"discards"`
	} `yaml:"rx"`

	TX struct {
		RingSize    uint32 `yaml:"ring-size"`
		CTPIO       bool   `yaml:"ctpio"`
		CTThreshold uint32 `yaml:"ct-threshold"` // Bytes.
		Timestamps  bool   `yaml:"timestamps"`
	} `yaml:"tx"`

	MTU         uint64 `yaml:"mtu"`
	Count       uint64 `yaml:"count"` // 0 runs until interrupted.
	Rate        uint64 `yaml:"rate"`  // Packets per second, 0 is unlimited.
	BatchSize   int    `yaml:"batch-size"`
	MetricsAddr string `yaml:"metrics-addr"`
}

var discardNames = map[string]efct.DiscardFlags{
	"l4-csum":  efct.DiscardL4CsumErr,
	"l3-csum":  efct.DiscardL3CsumErr,
	"eth-fcs":  efct.DiscardEthFCSErr,
	"eth-len":  efct.DiscardEthLenErr,
	"l2-other": efct.DiscardL2ClassOther,
	"l3-other": efct.DiscardL3ClassOther,
	"l4-other": efct.DiscardL4ClassOther,
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fCount := flag.Uint64("n", 0, "packet count")
	fPktSize := flag.Uint("l", 0, "pkt size")
	fRate := flag.Uint64("r", 0, "rate in packets per second")
	fQueues := flag.Int("q", 0, "number of rx queues")
	fCTPIO := flag.Bool("ct", false, "echo with cut-through")
	fLogLevel := flag.String("log-level", "", "log level")
	fMetrics := flag.String("metrics", "", "address to serve /metrics on")

	flag.Parse()

	var conf Config
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	// Apply CLI overrides if necessary.
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fPktSize != 0 {
		conf.MTU = uint64(*fPktSize)
	}
	if *fRate != 0 {
		conf.Rate = *fRate
	}
	if *fQueues != 0 {
		conf.RX.Queues = *fQueues
	}
	if *fCTPIO {
		conf.TX.CTPIO = true
	}
	if *fLogLevel != "" {
		conf.Log.Level = *fLogLevel
	}
	if *fMetrics != "" {
		conf.MetricsAddr = *fMetrics
	}

	// Defaults

	if conf.RX.Queues == 0 {
		conf.RX.Queues = 1
	}
	if conf.MTU == 0 {
		conf.MTU = 1500
	}
	if conf.BatchSize == 0 {
		conf.BatchSize = 64
	}
	if conf.Log.Level == "" {
		conf.Log.Level = "info"
	}
	if conf.TX.CTThreshold == 0 {
		conf.TX.CTThreshold = 64
	}

	// Validate

	if conf.RX.Queues < 1 || conf.RX.Queues > efct.MaxRxQueues {
		return nil, fmt.Errorf("rx.queues must be between 1-%d", efct.MaxRxQueues)
	}
	if conf.MTU < 64 || conf.MTU > 1500 {
		return nil, errors.New("unsupported mtu")
	}
	if conf.BatchSize < 1 || conf.BatchSize > 1024 {
		return nil, errors.New("batch-size must be between 1-1024")
	}
	for _, d := range conf.RX.Discards {
		if _, ok := discardNames[d]; !ok {
			return nil, fmt.Errorf("unknown rx.discards entry %q", d)
		}
	}
	if _, err := zapcore.ParseLevel(conf.Log.Level); err != nil {
		return nil, fmt.Errorf("invalid log.level: %w", err)
	}

	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func newLogger(conf *Config) (*zap.Logger, func() error) {
	level, _ := zapcore.ParseLevel(conf.Log.Level)
	logger, err := logging.NewZapLogger(conf.Log.Preset, level)
	fatalIf(err, "creating logger")
	if conf.Log.File.Path == "" {
		return logger, logger.Sync
	}
	return logging.Tee(logger, conf.Log.File, level)
}

func ipChecksum(buf []byte) uint16 {
	var sum uint32
	for len(buf) > 1 {
		sum += uint32(binary.BigEndian.Uint16(buf))
		buf = buf[2:]
	}
	if len(buf) > 0 {
		sum += uint32(buf[0]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

var (
	benchSrcMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	benchDstMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
	benchSrcIP  = net.IPv4(10, 0, 0, 1).To4()
	benchDstIP  = net.IPv4(10, 0, 0, 2).To4()
)

// buildUDPFrame writes an Ethernet/IPv4/UDP frame of pktSize bytes with
// seq at the start of the payload and returns the frame length.
func buildUDPFrame(buf []byte, seq uint32, pktSize uint32) uint32 {
	const ethLen = 14
	const ipLen = 20
	const udpLen = 8

	pktSize = max(pktSize, ethLen+ipLen+udpLen+4)
	payloadLen := pktSize - (ethLen + ipLen + udpLen)

	copy(buf[0:6], benchDstMAC)
	copy(buf[6:12], benchSrcMAC)
	buf[12], buf[13] = 0x08, 0x00

	ip := buf[ethLen:]
	clear(ip[:ipLen])
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:], uint16(ipLen+udpLen+payloadLen))
	ip[8], ip[9] = 64, 17
	copy(ip[12:16], benchSrcIP)
	copy(ip[16:20], benchDstIP)
	binary.BigEndian.PutUint16(ip[10:], ipChecksum(ip[:20]))

	udp := ip[ipLen:]
	binary.BigEndian.PutUint16(udp[0:], 9000)
	binary.BigEndian.PutUint16(udp[2:], 9001)
	binary.BigEndian.PutUint16(udp[4:], uint16(udpLen+payloadLen))
	binary.BigEndian.PutUint16(udp[6:], 0)

	binary.BigEndian.PutUint32(udp[udpLen:], seq)

	return pktSize
}

// bench owns the NIC model and the VI. Everything but the counters is
// touched only by the goroutine running loop.
type bench struct {
	conf *Config
	log  *zap.Logger
	nic  *sim.NIC
	vi   *efct.VI
	ctrs *vistat.Counters

	queues []int
	frame  []byte
	evs    []efct.Event
	ids    []efct.RequestID
	seq    uint32

	received uint64
	dropped  uint64
}

func newBench(conf *Config, log *zap.Logger, ctrs *vistat.Counters) (*bench, error) {
	nic, err := sim.New(sim.Config{
		SuperbufPkts:         conf.RX.SuperbufPkts,
		MaxSuperbufsPerQueue: conf.RX.Superbufs,
		Logger:               log.Named("sim"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating NIC model: %w", err)
	}

	viConf := nic.VIConfig()
	viConf.TxRingSize = conf.TX.RingSize
	viConf.TxTimestamps = conf.TX.Timestamps
	viConf.Logger = log.Named("vi")
	vi, err := efct.New(viConf, nic.Mappings(), nic)
	if err != nil {
		_ = nic.Close()
		return nil, fmt.Errorf("creating VI: %w", err)
	}
	nic.Bind(vi)

	var discards efct.DiscardFlags
	for _, d := range conf.RX.Discards {
		discards |= discardNames[d]
	}
	if len(conf.RX.Discards) > 0 {
		vi.SetRxDiscards(discards)
	}

	b := &bench{
		conf:  conf,
		log:   log,
		nic:   nic,
		vi:    vi,
		ctrs:  ctrs,
		frame: make([]byte, conf.MTU),
		evs:   make([]efct.Event, conf.BatchSize),
		ids:   make([]efct.RequestID, viConf.TxRingSize),
	}
	if len(b.ids) == 0 {
		b.ids = make([]efct.RequestID, efct.DefaultTxRingSize)
	}
	for hwQID := range conf.RX.Queues {
		q, err := nic.AddRxQueue(hwQID)
		if err != nil {
			_ = nic.Close()
			return nil, fmt.Errorf("adding rx queue %d: %w", hwQID, err)
		}
		b.queues = append(b.queues, q)
	}
	return b, nil
}

// generate hands up to n frames to the NIC model, spread across the rx
// queues, and returns how many were delivered.
func (b *bench) generate(n uint64) uint64 {
	var delivered uint64
	for range n {
		q := b.queues[int(b.seq)%len(b.queues)]
		l := buildUDPFrame(b.frame, b.seq, uint32(b.conf.MTU))
		err := b.nic.Receive(q, b.frame[:l], sim.RxMeta{})
		if errors.Is(err, sim.ErrNoSuperbuf) {
			// The NIC drops when software holds every superbuf.
			b.dropped++
			b.seq++
			continue
		}
		fatalIf(err, "receiving on queue %d", q)
		b.seq++
		delivered++
	}
	return delivered
}

func (b *bench) echo(pkt []byte, id efct.RequestID) {
	var err error
	if b.conf.TX.CTPIO {
		b.vi.TransmitCTPIO(len(pkt), [][]byte{pkt}, b.conf.TX.CTThreshold)
		err = b.vi.TransmitCTPIOFallback(pkt, id)
	} else {
		err = b.vi.Transmit(pkt, id)
	}
	switch {
	case errors.Is(err, efct.ErrAgain):
		b.ctrs.Add(vistat.TxBackpressure, 1)
		return
	case err != nil:
		fatalIf(err, "transmitting")
	}
	b.ctrs.Add(vistat.TxPackets, 1)
	b.ctrs.Add(vistat.TxBytes, uint64(len(pkt)))
}

// poll handles one batch of events and returns how many there were.
func (b *bench) poll() int {
	n := b.vi.Poll(b.evs)
	for i := range n {
		ev := &b.evs[i]
		b.ctrs.Record(ev)
		switch ev.Type {
		case efct.EventRxRef:
			id := ev.RxRef.PktID
			b.echo(b.vi.RxPacket(id)[:ev.RxRef.Len], efct.RequestID(b.received))
			b.vi.RxPacketRelease(id)
			b.received++
		case efct.EventRxDiscard:
			b.vi.RxPacketRelease(ev.RxDiscard.PktID)
		case efct.EventTx:
			done := b.vi.TransmitUnbundle(ev, b.ids)
			b.ctrs.Add(vistat.TxCompleted, uint64(done))
		case efct.EventTxError:
			b.vi.TransmitUnbundle(ev, b.ids)
			fatalIf(fmt.Errorf("subtype %d", ev.TxError.Subtype), "TX queue error")
		}
	}
	return n
}

// complete lets the NIC model finish what the VI has written. A single
// completion covers at most maxCompletion frames so its sequence number
// stays unambiguous.
func (b *bench) complete() {
	const maxCompletion = 64
	b.nic.DrainTx()
	if n := b.nic.InFlight(); n > 0 {
		if b.conf.TX.Timestamps {
			fatalIf(b.nic.CompleteTimestamped(uint32(time.Now().Unix()), 0), "completing")
			return
		}
		fatalIf(b.nic.Complete(min(n, maxCompletion)), "completing")
	}
}

// done reports whether every requested frame has been generated. The
// NIC writes a header one slot behind its packet, so the last frame of
// each queue stays invisible to the poller.
func (b *bench) done() bool {
	return b.conf.Count != 0 && uint64(b.seq) >= b.conf.Count
}

func (b *bench) loop(ctx context.Context) {
	th := ratelimit.New(b.conf.Rate)
	for ctx.Err() == nil && !b.done() {
		want := uint64(b.conf.BatchSize)
		if b.conf.Count != 0 {
			want = min(want, b.conf.Count-uint64(b.seq))
		}
		if n := th.Due(want); n > 0 {
			b.generate(n)
			th.Sent(n)
		}
		b.poll()
		b.complete()
	}

	// Let outstanding transmits finish.
	for b.vi.CheckEvent() || b.nic.InFlight() > 0 {
		b.poll()
		b.complete()
	}
}

func serveMetrics(addr string, ctrs *vistat.Counters, log *zap.Logger) *http.Server {
	col := vistat.NewCollector()
	col.Register(viName, ctrs)
	reg := prometheus.NewRegistry()
	reg.MustRegister(col)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Failed to serve metrics", zap.String("addr", addr), zap.Error(err))
		}
	}()
	log.Info("Serving metrics", zap.String("addr", addr))
	return srv
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	log, closeLog := newLogger(conf)
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ctrs vistat.Counters
	bn, err := newBench(conf, log, &ctrs)
	fatalIf(err, "setting up")
	defer func() { _ = bn.nic.Close() }()

	if conf.MetricsAddr != "" {
		srv := serveMetrics(conf.MetricsAddr, &ctrs, log)
		defer func() { _ = srv.Close() }()
	}

	statsCtx, stopStats := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()

		last := vistat.Stats{viName: ctrs.Snapshot()}
		for {
			select {
			case <-statsCtx.Done():
				return
			case <-t.C:
			}
			now := vistat.Stats{viName: ctrs.Snapshot()}
			if err := vistat.Print(os.Stdout, now.Since(last)); err != nil {
				log.Warn("Failed to print stats", zap.Error(err))
			}
			last = now
		}
	}()

	start := time.Now()
	bn.loop(ctx)
	elapsed := time.Since(start).Seconds()
	stopStats()

	rxPackets := ctrs.Load(vistat.RxPackets)
	txPackets := ctrs.Load(vistat.TxPackets)
	rxBytes := ctrs.Load(vistat.RxBytes)
	txBytes := ctrs.Load(vistat.TxBytes)

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" RX:                %d packets\n", rxPackets)
	p.Printf(" RX discards:       %d\n", ctrs.Load(vistat.RxDiscards))
	p.Printf(" TX:                %d packets\n", txPackets)
	p.Printf(" TX completed:      %d\n", ctrs.Load(vistat.TxCompleted))
	p.Printf(" TX backpressure:   %d\n", ctrs.Load(vistat.TxBackpressure))
	p.Printf(" RX Avg PPS:        %d\n", uint64(float64(rxPackets)/elapsed))
	p.Printf(" TX Avg PPS:        %d\n", uint64(float64(txPackets)/elapsed))
	p.Printf(" RX Avg rate:       %.1f Mbps\n", float64(rxBytes*8)/1e6/elapsed)
	p.Printf(" TX Avg rate:       %.1f Mbps\n", float64(txBytes*8)/1e6/elapsed)
	p.Printf(" Dropped by NIC:    %d\n", bn.dropped)
}
