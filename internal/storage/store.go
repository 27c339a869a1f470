package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mrzor/eventbuilder/internal/event"
	"github.com/mrzor/eventbuilder/internal/metrics"
	"github.com/mrzor/eventbuilder/internal/timesync"
)

// Config configures a Store.
type Config struct {
	Dir         string
	Compression Compression
	QueueDepth  int
}

// FileName returns the name of the file holding burst.
func FileName(burst uint32) string {
	return fmt.Sprintf("burst-%08d.evt", burst)
}

type burstFile struct {
	f *os.File
	w *bufio.Writer
}

// Store writes accepted events to one file per burst. Store is called by
// workers; a single Run goroutine does the encoding and file I/O.
type Store struct {
	cfg    Config
	clock  *timesync.Converter
	queue  chan *Record
	logger *slog.Logger

	// Owned by Run.
	files  map[uint32]*burstFile
	newest uint32
	buf    []byte
}

// New creates the storage directory if needed. clock may be nil, in which
// case records are stamped with the time of the handoff.
func New(cfg Config, clock *timesync.Converter, logger *slog.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("storage directory is not set")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:    cfg,
		clock:  clock,
		queue:  make(chan *Record, cfg.QueueDepth),
		logger: logger,
		files:  make(map[uint32]*burstFile),
	}, nil
}

// Store snapshots ev and queues it for writing. It never blocks; when the
// queue is full the event is dropped and counted.
func (s *Store) Store(worker int, ev *event.Event) {
	at := time.Now()
	if s.clock != nil {
		at = s.clock.TicksToWallClock(ev.BurstID(), ev.Timestamp())
	}
	rec := FromEvent(worker, ev, at)

	select {
	case s.queue <- rec:
	default:
		metrics.StoredEvents.WithLabelValues("dropped").Inc()
		s.logger.Warn("storage queue full, dropping event",
			"worker", worker, "sequence", rec.Sequence, "burst", rec.BurstID)
	}
}

// Run writes queued records until ctx is cancelled, then drains the queue
// and closes all files. Write errors are logged and counted; failing to
// open a burst file is returned.
func (s *Store) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case rec := <-s.queue:
					if err := s.write(rec); err != nil {
						return errors.Join(err, s.closeAll())
					}
				default:
					return s.closeAll()
				}
			}
		case rec := <-s.queue:
			if err := s.write(rec); err != nil {
				return errors.Join(err, s.closeAll())
			}
			if len(s.queue) == 0 {
				s.flushAll()
			}
		}
	}
}

func (s *Store) write(rec *Record) error {
	bf, err := s.file(rec.BurstID)
	if err != nil {
		return err
	}

	s.buf, err = appendRecord(s.buf[:0], rec, s.cfg.Compression)
	if err != nil {
		metrics.StoredEvents.WithLabelValues("failed").Inc()
		s.logger.Error("encoding record", "sequence", rec.Sequence, "burst", rec.BurstID, "error", err)
		return nil
	}
	if _, err := bf.w.Write(s.buf); err != nil {
		metrics.StoredEvents.WithLabelValues("failed").Inc()
		s.logger.Error("writing record", "sequence", rec.Sequence, "burst", rec.BurstID, "error", err)
		return nil
	}
	metrics.StoredEvents.WithLabelValues("written").Inc()
	metrics.StoredBytes.Add(float64(len(s.buf)))
	return nil
}

// file returns the open file for burst. Files two or more bursts older than
// the newest one are closed, except the one for burst itself: a late record
// reopens its burst's file in append mode and it stays open until the next
// file is opened.
func (s *Store) file(burst uint32) (*burstFile, error) {
	if bf, ok := s.files[burst]; ok {
		return bf, nil
	}

	path := filepath.Join(s.cfg.Dir, FileName(burst))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640) //nolint:gosec // path built from a burst number
	if err != nil {
		return nil, fmt.Errorf("opening burst file: %w", err)
	}
	bf := &burstFile{f: f, w: bufio.NewWriterSize(f, 256<<10)}
	s.files[burst] = bf
	s.logger.Info("opened burst file", "path", path, "burst", burst)

	if burst > s.newest || len(s.files) == 1 {
		s.newest = burst
	}
	for b, old := range s.files {
		if b != burst && b+1 < s.newest {
			if err := closeFile(old); err != nil {
				s.logger.Error("closing burst file", "burst", b, "error", err)
			}
			delete(s.files, b)
		}
	}
	return bf, nil
}

func (s *Store) flushAll() {
	for b, bf := range s.files {
		if err := bf.w.Flush(); err != nil {
			s.logger.Error("flushing burst file", "burst", b, "error", err)
		}
	}
}

func (s *Store) closeAll() error {
	var errs []error
	for b, bf := range s.files {
		if err := closeFile(bf); err != nil {
			errs = append(errs, fmt.Errorf("burst %d: %w", b, err))
		}
		delete(s.files, b)
	}
	return errors.Join(errs...)
}

func closeFile(bf *burstFile) error {
	return errors.Join(bf.w.Flush(), bf.f.Close())
}
