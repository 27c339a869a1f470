package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mrzor/eventbuilder/internal/burst"
	"github.com/mrzor/eventbuilder/internal/event"
	"github.com/mrzor/eventbuilder/internal/eventpool"
	"github.com/mrzor/eventbuilder/internal/fragment"
	"github.com/mrzor/eventbuilder/internal/metrics"
	"github.com/mrzor/eventbuilder/internal/otel"
	"github.com/mrzor/eventbuilder/internal/trigger"
)

var (
	// ErrNoOpenCollection is reported for auxiliary data whose event slot
	// is empty.
	ErrNoOpenCollection = errors.New("auxiliary data received with no open primary collection")
	// ErrStaleBoundary is returned when a last-of-burst event belongs to a
	// burst that already ended.
	ErrStaleBoundary = errors.New("end of burst already handled")
)

// Sources tells which fragment sources are expected.
type Sources interface {
	Known(kind fragment.Kind, src fragment.Source) bool
}

// Storage receives accepted events. Store must copy what it keeps and must
// not block; the event is reset as soon as it returns.
type Storage interface {
	Store(worker int, ev *event.Event)
}

// AuxiliaryRequester asks the auxiliary readout for an event's data. It must
// not block.
type AuxiliaryRequester interface {
	RequestAuxiliary(worker int, ev *event.Event, multicast bool)
}

// Broadcaster announces the end of a burst.
type Broadcaster interface {
	Broadcast(lastEvent, finishedBurst uint32) error
}

// Config holds the per-worker settings.
type Config struct {
	Worker       int
	Workers      int
	MaxPoolSlots int
	Expectation  event.Expectation
	// MulticastRequests addresses auxiliary requests to the multicast group.
	MulticastRequests bool
	RunID             string
}

// Deps are the collaborators of a Builder. Stage1, Stage2 and Burst are
// required; the rest may be nil.
type Deps struct {
	Stage1      trigger.Stage1
	Stage2      trigger.Stage2
	Burst       *burst.Context
	Sources     Sources
	Storage     Storage
	Requester   AuxiliaryRequester
	Broadcaster Broadcaster
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

// Builder assembles the events of one shard. It is not safe for concurrent
// use; only Run's goroutine may call its methods.
type Builder struct {
	cfg  Config
	deps Deps
	pool *eventpool.Pool
	view *burst.View

	logger *slog.Logger
	label  string

	span      trace.Span
	spanBurst uint32
	accepted  int
	rejected  int
}

// New creates the Builder of worker cfg.Worker.
func New(cfg Config, deps Deps) (*Builder, error) {
	if deps.Stage1 == nil || deps.Stage2 == nil || deps.Burst == nil {
		return nil, errors.New("builder needs Stage1, Stage2 and a burst context")
	}
	if cfg.Worker < 0 || cfg.Worker >= cfg.Workers {
		return nil, fmt.Errorf("worker %d out of range for %d workers", cfg.Worker, cfg.Workers)
	}
	if cfg.Expectation.Primary <= 0 {
		return nil, fmt.Errorf("expected primary source count must be positive, got %d", cfg.Expectation.Primary)
	}

	pool, err := eventpool.New(cfg.Workers, cfg.MaxPoolSlots, cfg.Expectation)
	if err != nil {
		return nil, err
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Builder{
		cfg:    cfg,
		deps:   deps,
		pool:   pool,
		view:   burst.NewView(deps.Burst),
		logger: logger.With("worker", cfg.Worker),
		label:  strconv.Itoa(cfg.Worker),
	}, nil
}

// Worker returns the worker index.
func (b *Builder) Worker() int { return b.cfg.Worker }

// Pending returns the number of events held in the pool.
func (b *Builder) Pending() int { return b.pool.Len() }

// OnPrimaryFragment adds a primary fragment to its event and runs Stage1
// when the event becomes complete.
func (b *Builder) OnPrimaryFragment(f *fragment.Fragment) error {
	if f.Kind() != fragment.Primary {
		return &event.ProtocolError{Sequence: f.Sequence(), Err: event.ErrWrongKind, Detail: f.Kind().String()}
	}
	if b.deps.Sources != nil && !b.deps.Sources.Known(f.Kind(), f.Source()) {
		return &event.ProtocolError{Sequence: f.Sequence(), Err: event.ErrUnknownSource, Detail: "primary source " + f.Source().String()}
	}

	ev, created, err := b.pool.GetOrCreate(f.Sequence())
	if err != nil {
		return err
	}

	// A new event takes the current burst; a fragment joining an existing
	// event takes that event's burst, even if a boundary passed since.
	burstID := ev.BurstID()
	if created {
		burstID = b.view.Refresh()
		b.observeBurst(burstID)
	}

	ready, err := ev.AddPrimary(f, burstID)
	if err != nil && b.staleOccupant(ev, err) {
		b.logger.Warn("discarding incomplete event from previous burst",
			"sequence", ev.Sequence(), "burst", ev.BurstID(),
			"primary_sources", len(ev.PrimaryFragments()), "current_burst", b.view.ID())
		metrics.ProtocolErrors.WithLabelValues(b.label).Inc()
		ev.Reset(f.Sequence())
		ready, err = ev.AddPrimary(f, b.view.ID())
	}
	if err != nil {
		return err
	}

	if ready {
		return b.runStage1(ev)
	}
	return nil
}

// staleOccupant reports whether the slot holds an incomplete event of an
// older burst that the fragment behind err cannot belong to.
//
// Sequence numbers restart every burst and a source sends one fragment per
// event, so a source repeating itself for an event that started before the
// current boundary is taken as the first fragment of the same event number
// in the new burst. The old event can no longer complete and is replaced.
// Any other fragment joins the old event.
func (b *Builder) staleOccupant(ev *event.Event, err error) bool {
	if ev.State() != event.Collecting || !errors.Is(err, event.ErrDuplicateSource) {
		return false
	}
	id := b.view.Refresh()
	b.observeBurst(id)
	return id != ev.BurstID()
}

// OnAuxiliaryFragment adds an auxiliary fragment to an event waiting for
// auxiliary data and runs Stage2 when all auxiliary sources arrived.
func (b *Builder) OnAuxiliaryFragment(f *fragment.Fragment) error {
	if f.Kind() != fragment.Auxiliary {
		return &event.ProtocolError{Sequence: f.Sequence(), Err: event.ErrWrongKind, Detail: f.Kind().String()}
	}
	if b.deps.Sources != nil && !b.deps.Sources.Known(f.Kind(), f.Source()) {
		return &event.ProtocolError{Sequence: f.Sequence(), Err: event.ErrUnknownSource, Detail: "auxiliary source " + f.Source().String()}
	}

	ev := b.pool.Get(f.Sequence())
	if ev == nil || ev.Sequence() != f.Sequence() {
		return &event.ProtocolError{Sequence: f.Sequence(), Err: ErrNoOpenCollection, Detail: "source " + f.Source().String()}
	}

	complete, err := ev.AddAuxiliary(f)
	if err != nil {
		return err
	}
	if complete {
		return b.runStage2(ev)
	}
	return nil
}

// runStage1 decides on a complete event. For the last event of a burst the
// end-of-burst broadcast goes out before the decision.
func (b *Builder) runStage1(ev *event.Event) error {
	if ev.LastEventOfBurst() {
		if err := b.EmitBurstBoundary(ev.Sequence(), ev.BurstID()); err != nil {
			b.logger.Warn("end of burst not broadcast", "sequence", ev.Sequence(), "burst", ev.BurstID(), "error", err)
		}
	}

	verdict := b.deps.Stage1.Decide(ev)
	if err := ev.SetStage1Verdict(verdict); err != nil {
		return err
	}

	if verdict == 0 {
		b.rejected++
		b.pool.Release(ev.Sequence())
		return nil
	}

	if b.cfg.Expectation.Auxiliary > 0 {
		if err := ev.RequestAuxiliary(); err != nil {
			return err
		}
		if b.deps.Requester != nil {
			b.deps.Requester.RequestAuxiliary(b.cfg.Worker, ev, b.cfg.MulticastRequests)
		}
		return nil
	}
	return b.runStage2(ev)
}

// runStage2 makes the final decision, hands accepted events to storage and
// always releases the slot.
func (b *Builder) runStage2(ev *event.Event) error {
	var verdict uint8
	if ev.AuxiliaryRequested() {
		verdict = b.deps.Stage2.Resume(ev)
	} else {
		verdict = b.deps.Stage2.Decide(ev)
	}
	if err := ev.SetStage2Verdict(verdict); err != nil {
		return err
	}

	if ev.Accepted() {
		b.accepted++
		if b.deps.Storage != nil {
			b.deps.Storage.Store(b.cfg.Worker, ev)
		}
	} else {
		b.rejected++
	}
	b.pool.Release(ev.Sequence())
	return nil
}

// EmitBurstBoundary broadcasts the end of finishedBurst and advances the
// shared burst identifier to finishedBurst+1. Workers pick up the new burst
// when they start their next event.
func (b *Builder) EmitBurstBoundary(lastSequence, finishedBurst uint32) error {
	if current := b.deps.Burst.Current(); current != finishedBurst {
		return fmt.Errorf("%w: burst %d, current %d", ErrStaleBoundary, finishedBurst, current)
	}

	ctx := otel.BurstContext(context.Background(), b.cfg.RunID, finishedBurst)
	_, span := b.deps.Tracer.Start(ctx, "burst.boundary", trace.WithAttributes(
		attribute.Int("worker", b.cfg.Worker),
		attribute.Int64("burst.id", int64(finishedBurst)),
		attribute.Int64("burst.last_event", int64(lastSequence)),
	))
	defer span.End()

	var sendErr error
	if b.deps.Broadcaster != nil {
		sendErr = b.deps.Broadcaster.Broadcast(lastSequence, finishedBurst)
		if sendErr != nil {
			span.RecordError(sendErr)
			span.SetStatus(codes.Error, "broadcast failed")
		}
	}

	// The burst is over whether or not the broadcast went out.
	if !b.deps.Burst.Advance(finishedBurst) {
		return fmt.Errorf("%w: burst %d advanced concurrently", ErrStaleBoundary, finishedBurst)
	}
	metrics.CurrentBurst.Set(float64(finishedBurst + 1))
	b.logger.Info("burst finished", "burst", finishedBurst, "last_event", lastSequence)
	return sendErr
}

// observeBurst rolls the worker's burst span when its view of the burst
// changes.
func (b *Builder) observeBurst(id uint32) {
	if b.span != nil && b.spanBurst == id {
		return
	}
	b.endBurstSpan()

	ctx := otel.BurstContext(context.Background(), b.cfg.RunID, id)
	_, b.span = b.deps.Tracer.Start(ctx, "worker.burst", trace.WithAttributes(
		attribute.Int("worker", b.cfg.Worker),
		attribute.Int64("burst.id", int64(id)),
	))
	b.spanBurst = id
	b.accepted, b.rejected = 0, 0
}

func (b *Builder) endBurstSpan() {
	if b.span == nil {
		return
	}
	b.span.SetAttributes(
		attribute.Int("events.accepted", b.accepted),
		attribute.Int("events.rejected", b.rejected),
		attribute.Int("events.pending", b.pool.Len()),
	)
	b.span.End()
	b.span = nil
}
