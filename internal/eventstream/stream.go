// Package eventstream reads capture records from the ring buffer and routes
// the decoded fragments to the worker that owns their event.
package eventstream

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/cilium/ebpf/ringbuf"

	"github.com/mrzor/eventbuilder/internal/eventpool"
	"github.com/mrzor/eventbuilder/internal/fragment"
	"github.com/mrzor/eventbuilder/internal/metrics"
)

// RecordReader is the part of *ringbuf.Reader the stream uses.
type RecordReader interface {
	Read() (ringbuf.Record, error)
	SetDeadline(t time.Time)
}

// Inbox is the pair of channels feeding one worker.
type Inbox struct {
	Primary   <-chan *fragment.Fragment
	Auxiliary <-chan *fragment.Fragment
}

type outbox struct {
	primary   chan *fragment.Fragment
	auxiliary chan *fragment.Fragment
}

// Stream reads records and dispatches them to per-worker inboxes.
type Stream struct {
	reader      RecordReader
	outboxes    []outbox
	pollTimeout time.Duration
	logger      *slog.Logger
}

// New creates a Stream for workers inboxes of the given depth.
func New(reader RecordReader, workers, depth int, pollTimeout time.Duration, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	s := &Stream{
		reader:      reader,
		outboxes:    make([]outbox, workers),
		pollTimeout: pollTimeout,
		logger:      logger,
	}
	for i := range s.outboxes {
		s.outboxes[i] = outbox{
			primary:   make(chan *fragment.Fragment, depth),
			auxiliary: make(chan *fragment.Fragment, depth),
		}
	}
	return s
}

// Inbox returns the channels of worker i.
func (s *Stream) Inbox(i int) Inbox {
	return Inbox{Primary: s.outboxes[i].primary, Auxiliary: s.outboxes[i].auxiliary}
}

// Run reads until ctx is cancelled or the reader is closed, then closes all
// inboxes. A read deadline bounds every wait so cancellation is noticed
// within one poll timeout even without traffic.
func (s *Stream) Run(ctx context.Context) error {
	defer s.closeInboxes()

	for {
		if ctx.Err() != nil {
			return nil
		}

		s.reader.SetDeadline(time.Now().Add(s.pollTimeout))
		record, err := s.reader.Read()
		if err != nil {
			switch {
			case errors.Is(err, os.ErrDeadlineExceeded):
				continue
			case errors.Is(err, ringbuf.ErrClosed):
				s.logger.Info("ring buffer closed, stopping stream")
				return nil
			default:
				s.logger.Warn("reading from ring buffer", "error", err)
				continue
			}
		}

		frag, err := fragment.DecodeRecord(record.RawSample)
		if err != nil {
			metrics.RecordsDropped.WithLabelValues("decode").Inc()
			s.logger.Warn("dropping undecodable record", "size", len(record.RawSample), "error", err)
			continue
		}

		if !s.dispatch(ctx, frag) {
			return nil
		}
	}
}

// dispatch blocks until the owning worker accepts frag or ctx is done.
func (s *Stream) dispatch(ctx context.Context, frag *fragment.Fragment) bool {
	out := s.outboxes[eventpool.Shard(frag.Sequence(), len(s.outboxes))]
	ch := out.primary
	if frag.Kind() == fragment.Auxiliary {
		ch = out.auxiliary
	}

	select {
	case ch <- frag:
		metrics.FragmentsReceived.WithLabelValues(frag.Kind().String()).Inc()
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) closeInboxes() {
	for i, out := range s.outboxes {
		close(out.primary)
		close(out.auxiliary)
		s.logger.Debug("closed worker inbox", "worker", i)
	}
}
