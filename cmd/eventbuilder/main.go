// eventbuilder assembles physics events from MEP fragments captured by an
// XDP program, runs the two trigger stages and stores accepted events.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mrzor/eventbuilder/internal/auxrequest"
	"github.com/mrzor/eventbuilder/internal/builder"
	"github.com/mrzor/eventbuilder/internal/burst"
	"github.com/mrzor/eventbuilder/internal/capture"
	"github.com/mrzor/eventbuilder/internal/config"
	"github.com/mrzor/eventbuilder/internal/eob"
	"github.com/mrzor/eventbuilder/internal/eventstream"
	"github.com/mrzor/eventbuilder/internal/metrics"
	"github.com/mrzor/eventbuilder/internal/otel"
	"github.com/mrzor/eventbuilder/internal/storage"
	"github.com/mrzor/eventbuilder/internal/timesync"
	"github.com/mrzor/eventbuilder/internal/trigger"
)

// Version information injected at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	cfg, err := config.ParseArgs(os.Args)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	logger.Info("starting event builder",
		"version", version, "commit", commit,
		"run_id", cfg.RunID, "workers", cfg.Workers, "first_burst", cfg.FirstBurstID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, otelCleanup, err := setupOTEL(cfg.RunID, logger)
	if err != nil {
		return err
	}
	defer otelCleanup()

	sources, err := config.LoadSourceTable(cfg.SourceTable)
	if err != nil {
		return err
	}
	expect := sources.Expectation()

	stage1, stage2, err := setupTriggers(cfg, logger)
	if err != nil {
		return err
	}

	broadcaster, eobCleanup, err := setupEOB(cfg, logger)
	if err != nil {
		return err
	}
	defer eobCleanup()

	compression, err := storage.ParseCompression(cfg.StorageCompression)
	if err != nil {
		return err
	}
	store, err := storage.New(storage.Config{
		Dir:         cfg.StorageDir,
		Compression: compression,
		QueueDepth:  cfg.QueueDepth,
	}, timesync.NewConverter(), logger.With("component", "storage"))
	if err != nil {
		return err
	}

	var dispatcher *auxrequest.Dispatcher
	if expect.Auxiliary > 0 {
		group, unicast := cfg.AuxAddrs()
		dispatcher, err = auxrequest.New(auxrequest.Config{
			Group:         group,
			Unicast:       unicast,
			FlushInterval: time.Millisecond,
			QueueDepth:    cfg.QueueDepth,
		}, logger.With("component", "auxrequest"))
		if err != nil {
			return err
		}
	}

	rd, bpfCleanup, err := setupCapture(cfg, logger)
	if err != nil {
		return err
	}
	defer bpfCleanup()

	stream := eventstream.New(rd, cfg.Workers, cfg.QueueDepth, cfg.PollTimeout, logger.With("component", "eventstream"))

	burstCtx := burst.New(cfg.FirstBurstID)
	metrics.CurrentBurst.Set(float64(cfg.FirstBurstID))

	builders := make([]*builder.Builder, cfg.Workers)
	for i := range builders {
		deps := builder.Deps{
			Stage1:      stage1,
			Stage2:      stage2,
			Burst:       burstCtx,
			Sources:     sources,
			Storage:     store,
			Broadcaster: broadcaster,
			Tracer:      tracer,
			Logger:      logger,
		}
		if dispatcher != nil {
			deps.Requester = dispatcher
		}
		builders[i], err = builder.New(builder.Config{
			Worker:            i,
			Workers:           cfg.Workers,
			MaxPoolSlots:      cfg.MaxPoolSlots,
			Expectation:       expect,
			MulticastRequests: cfg.AuxMulticast,
			RunID:             cfg.RunID,
		}, deps)
		if err != nil {
			return err
		}
	}
	group, err := builder.NewGroup(builders...)
	if err != nil {
		return err
	}

	return runAll(ctx, stop, logger, cfg, rd, stream, group, store, dispatcher)
}

// runAll starts every long-running component and waits for them. Workers
// stop when the stream closes their inboxes; the output queues are drained
// after the last worker returned.
func runAll(
	ctx context.Context,
	stop context.CancelFunc,
	logger *slog.Logger,
	cfg *config.Config,
	rd *ringbuf.Reader,
	stream *eventstream.Stream,
	group *builder.Group,
	store *storage.Store,
	dispatcher *auxrequest.Dispatcher,
) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(name string, err error) {
		if err == nil {
			return
		}
		logger.Error("component failed", "component", name, "error", err)
		mu.Lock()
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
		mu.Unlock()
		stop()
	}

	// Output components outlive the workers so nothing they queued is lost.
	outCtx, outCancel := context.WithCancel(context.Background())
	var outputs sync.WaitGroup
	outputs.Add(1)
	go func() {
		defer outputs.Done()
		record("storage", store.Run(outCtx))
	}()
	if dispatcher != nil {
		outputs.Add(1)
		go func() {
			defer outputs.Done()
			record("auxrequest", dispatcher.Run(outCtx))
		}()
	}

	var metricsDone sync.WaitGroup
	if cfg.MetricsAddr != "" {
		metricsDone.Add(1)
		go func() {
			defer metricsDone.Done()
			record("metrics", metrics.Serve(ctx, cfg.MetricsAddr, logger))
		}()
	}

	// Unblock a pending read on shutdown.
	go func() {
		<-ctx.Done()
		if err := rd.Close(); err != nil {
			logger.Warn("closing ring buffer", "error", err)
		}
	}()

	// Without a supervisor to restart it, a failed worker ends the run.
	group.OnFailure(func(_ int, err error) {
		record("builder", err)
	})

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		record("eventstream", stream.Run(ctx))
	}()
	go func() {
		defer workers.Done()
		_ = group.Run(ctx, stream) //nolint:errcheck // reported through OnFailure
	}()

	logger.Info("event builder running")
	workers.Wait()

	outCancel()
	outputs.Wait()
	stop()
	metricsDone.Wait()

	logger.Info("event builder stopped")
	return errors.Join(errs...)
}

// setupOTEL returns a recording tracer when an OTLP endpoint is configured
// and a no-op tracer otherwise.
func setupOTEL(runID string, logger *slog.Logger) (trace.Tracer, func(), error) {
	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, nil, err
	}
	if !otelCfg.Enabled() {
		logger.Debug("tracing disabled")
		return noop.NewTracerProvider().Tracer(""), func() {}, nil
	}

	tp, err := otel.InitProvider(otelCfg, runID, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.ShutdownProvider(shutdownCtx, tp); err != nil {
			logger.Error("shutting down OTEL provider", "error", err)
		}
	}
	return tp.Tracer("eventbuilder"), cleanup, nil
}

func setupTriggers(cfg *config.Config, logger *slog.Logger) (*trigger.ExprStage1, *trigger.ExprStage2, error) {
	stage1, err := trigger.NewExprStage1(cfg.Stage1Expr)
	if err != nil {
		return nil, nil, err
	}
	stage2, err := trigger.NewExprStage2(cfg.Stage2Expr, cfg.Stage2ResumeExpr)
	if err != nil {
		return nil, nil, err
	}
	onError := func(err error) { logger.Warn("trigger evaluation failed", "error", err) }
	stage1.OnError(onError)
	stage2.OnError(onError)
	logger.Info("triggers configured", "stage1", stage1.String())
	return stage1, stage2, nil
}

// setupEOB opens the raw socket used for end-of-burst frames.
func setupEOB(cfg *config.Config, logger *slog.Logger) (*eob.Broadcaster, func(), error) {
	iface, err := net.InterfaceByName(cfg.EOBInterface)
	if err != nil {
		return nil, nil, fmt.Errorf("looking up interface %s: %w", cfg.EOBInterface, err)
	}
	mac, ip, err := eob.InterfaceAddrs(iface)
	if err != nil {
		return nil, nil, err
	}

	sender, err := eob.NewRawSender(iface)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := sender.Close(); err != nil {
			logger.Warn("closing end-of-burst socket", "error", err)
		}
	}

	b, err := eob.NewBroadcaster(eob.FrameConfig{
		SrcMAC: mac,
		SrcIP:  ip,
		DstIP:  net.ParseIP(cfg.EOBIP),
		Port:   cfg.EOBPort,
	}, sender, logger.With("component", "eob"))
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return b, cleanup, nil
}

// setupCapture opens the pinned ring buffer and, if configured, attaches the
// pinned XDP program.
func setupCapture(cfg *config.Config, logger *slog.Logger) (*ringbuf.Reader, func(), error) {
	loader, err := capture.Open(cfg.RingbufPin)
	if err != nil {
		return nil, nil, err
	}

	if cfg.XDPProgramPin != "" {
		if err := loader.AttachXDP(cfg.XDPProgramPin, cfg.XDPInterface); err != nil {
			if closeErr := loader.Close(); closeErr != nil {
				logger.Warn("closing capture objects after attach failure", "error", closeErr)
			}
			return nil, nil, err
		}
		logger.Info("capture program attached", "interface", cfg.XDPInterface)
	}

	rd, err := loader.OpenRingBuffer()
	if err != nil {
		if closeErr := loader.Close(); closeErr != nil {
			logger.Warn("closing capture objects after ring buffer open failure", "error", closeErr)
		}
		return nil, nil, err
	}

	cleanup := func() {
		if err := rd.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			logger.Warn("closing ring buffer", "error", err)
		}
		if err := loader.Close(); err != nil {
			logger.Warn("closing capture objects", "error", err)
		}
	}
	return rd, cleanup, nil
}
