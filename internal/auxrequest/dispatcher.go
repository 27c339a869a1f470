// Package auxrequest asks the auxiliary readout to send data for events
// accepted by Stage1.
//
// Requests are queued without blocking the calling worker and sent in
// batches as UDP datagrams, either to a multicast group or to every
// configured unicast readout address. Datagram layout (little-endian):
//
//	u16 request count
//	u16 reserved
//	count x {u32 event number, u16 trigger word, u16 reserved}
package auxrequest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/mrzor/eventbuilder/internal/event"
	"github.com/mrzor/eventbuilder/internal/metrics"
)

const (
	batchHeaderSize = 4
	requestSize     = 8

	// MaxBatchLimit keeps a datagram under a standard 1500 byte MTU.
	MaxBatchLimit = (1472 - batchHeaderSize) / requestSize
)

// Request identifies one event whose auxiliary data is wanted.
type Request struct {
	Sequence    uint32
	BurstID     uint32
	TriggerWord uint16
}

// Config configures a Dispatcher.
type Config struct {
	Group         *net.UDPAddr   // multicast destination
	Unicast       []*net.UDPAddr // unicast destinations
	MaxBatch      int
	FlushInterval time.Duration
	QueueDepth    int
}

type item struct {
	req       Request
	multicast bool
}

// Dispatcher batches and sends auxiliary data requests.
type Dispatcher struct {
	cfg    Config
	conn   *net.UDPConn
	queue  chan item
	logger *slog.Logger
}

// New opens the sending socket.
func New(cfg Config, logger *slog.Logger) (*Dispatcher, error) {
	if cfg.Group == nil && len(cfg.Unicast) == 0 {
		return nil, errors.New("no auxiliary request destination configured")
	}
	if cfg.MaxBatch <= 0 || cfg.MaxBatch > MaxBatchLimit {
		cfg.MaxBatch = MaxBatchLimit
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Millisecond
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("opening request socket: %w", err)
	}

	return &Dispatcher{
		cfg:    cfg,
		conn:   conn,
		queue:  make(chan item, cfg.QueueDepth),
		logger: logger,
	}, nil
}

// RequestAuxiliary queues a request for ev on behalf of worker. It never
// blocks; when the queue is full the request is dropped and counted.
func (d *Dispatcher) RequestAuxiliary(worker int, ev *event.Event, multicast bool) {
	it := item{
		req: Request{
			Sequence:    ev.Sequence(),
			BurstID:     ev.BurstID(),
			TriggerWord: ev.Stage1Verdict(),
		},
		multicast: multicast,
	}
	select {
	case d.queue <- it:
	default:
		metrics.AuxiliaryRequests.WithLabelValues("dropped").Inc()
		d.logger.Warn("auxiliary request queue full, dropping request",
			"worker", worker, "sequence", it.req.Sequence)
	}
}

// Run sends queued requests until ctx is cancelled, then flushes what is
// left and closes the socket.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.conn.Close()

	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	var multicast, unicast []Request
	add := func(it item) {
		batch := &unicast
		if it.multicast {
			batch = &multicast
		}
		*batch = append(*batch, it.req)
		if len(*batch) == d.cfg.MaxBatch {
			d.send(*batch, it.multicast)
			*batch = (*batch)[:0]
		}
	}
	flush := func() {
		if len(multicast) > 0 {
			d.send(multicast, true)
			multicast = multicast[:0]
		}
		if len(unicast) > 0 {
			d.send(unicast, false)
			unicast = unicast[:0]
		}
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case it := <-d.queue:
					add(it)
				default:
					flush()
					return nil
				}
			}
		case it := <-d.queue:
			add(it)
		case <-ticker.C:
			flush()
		}
	}
}

func (d *Dispatcher) send(reqs []Request, multicast bool) {
	datagram := EncodeBatch(nil, reqs)

	var targets []*net.UDPAddr
	switch {
	case multicast && d.cfg.Group != nil:
		targets = []*net.UDPAddr{d.cfg.Group}
	case len(d.cfg.Unicast) > 0:
		targets = d.cfg.Unicast
	default:
		targets = []*net.UDPAddr{d.cfg.Group}
	}

	for _, addr := range targets {
		if _, err := d.conn.WriteToUDP(datagram, addr); err != nil {
			metrics.AuxiliaryRequests.WithLabelValues("failed").Add(float64(len(reqs)))
			d.logger.Error("sending auxiliary requests", "dst", addr, "count", len(reqs), "error", err)
			continue
		}
		metrics.AuxiliaryRequests.WithLabelValues("sent").Add(float64(len(reqs)))
	}
}

// EncodeBatch appends the datagram for reqs to dst.
func EncodeBatch(dst []byte, reqs []Request) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(reqs))) //nolint:gosec // bounded by MaxBatchLimit
	dst = binary.LittleEndian.AppendUint16(dst, 0)
	for _, r := range reqs {
		dst = binary.LittleEndian.AppendUint32(dst, r.Sequence)
		dst = binary.LittleEndian.AppendUint16(dst, r.TriggerWord)
		dst = binary.LittleEndian.AppendUint16(dst, 0)
	}
	return dst
}

// DecodeBatch parses a request datagram. Burst identifiers are not carried
// on the wire and are left zero.
func DecodeBatch(b []byte) ([]Request, error) {
	if len(b) < batchHeaderSize {
		return nil, fmt.Errorf("request datagram too short: %d bytes", len(b))
	}
	n := int(binary.LittleEndian.Uint16(b[0:2]))
	if len(b) < batchHeaderSize+n*requestSize {
		return nil, fmt.Errorf("request datagram truncated: %d requests in %d bytes", n, len(b))
	}
	reqs := make([]Request, n)
	for i := range reqs {
		off := batchHeaderSize + i*requestSize
		reqs[i] = Request{
			Sequence:    binary.LittleEndian.Uint32(b[off:]),
			TriggerWord: binary.LittleEndian.Uint16(b[off+4:]),
		}
	}
	return reqs, nil
}
