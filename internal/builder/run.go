package builder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mrzor/eventbuilder/internal/event"
	"github.com/mrzor/eventbuilder/internal/eventstream"
	"github.com/mrzor/eventbuilder/internal/fragment"
	"github.com/mrzor/eventbuilder/internal/metrics"
)

// DefaultPollInterval is how often an idle worker refreshes its gauges.
const DefaultPollInterval = time.Second

// Run consumes the worker's inbox until ctx is cancelled or the inbox is
// closed. Events still in the pool are abandoned. Protocol errors are logged
// and counted; any other error stops the worker and is returned.
func (b *Builder) Run(ctx context.Context, inbox eventstream.Inbox) error {
	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()
	defer b.endBurstSpan()

	occupancy := metrics.PoolOccupancy.WithLabelValues(b.label)
	b.logger.Info("worker started", "first_burst", b.view.ID())

	primary, auxiliary := inbox.Primary, inbox.Auxiliary
	for primary != nil || auxiliary != nil {
		var err error
		select {
		case <-ctx.Done():
			b.logger.Info("worker stopping", "abandoned_events", b.pool.Len())
			return nil
		case f, ok := <-primary:
			if !ok {
				primary = nil
				continue
			}
			err = b.OnPrimaryFragment(f)
		case f, ok := <-auxiliary:
			if !ok {
				auxiliary = nil
				continue
			}
			err = b.OnAuxiliaryFragment(f)
		case <-ticker.C:
			occupancy.Set(float64(b.pool.Len()))
			continue
		}

		if err := b.handleError(err); err != nil {
			return err
		}
	}

	b.logger.Info("worker inbox closed", "abandoned_events", b.pool.Len())
	return nil
}

func (b *Builder) handleError(err error) error {
	if err == nil {
		return nil
	}
	var pe *event.ProtocolError
	if errors.As(err, &pe) {
		metrics.ProtocolErrors.WithLabelValues(b.label).Inc()
		b.logger.Warn("dropping fragment", "sequence", pe.Sequence, "error", err)
		return nil
	}
	b.logger.Error("worker failed", "error", err)
	return fmt.Errorf("worker %d: %w", b.cfg.Worker, err)
}

// Deliver routes one fragment to the matching handler. Used by transports
// that do not go through an eventstream inbox.
func (b *Builder) Deliver(f *fragment.Fragment) error {
	var err error
	if f.Kind() == fragment.Auxiliary {
		err = b.OnAuxiliaryFragment(f)
	} else {
		err = b.OnPrimaryFragment(f)
	}
	return b.handleError(err)
}

// Group is the set of builders of one run, one per worker.
type Group struct {
	builders  []*Builder
	onFailure func(worker int, err error)
}

// NewGroup collects builders. builders[i] must be worker i.
func NewGroup(builders ...*Builder) (*Group, error) {
	for i, b := range builders {
		if b.cfg.Worker != i {
			return nil, fmt.Errorf("builder at position %d is worker %d", i, b.cfg.Worker)
		}
	}
	return &Group{builders: builders}, nil
}

// Len returns the number of workers.
func (g *Group) Len() int { return len(g.builders) }

// Builder returns worker i.
func (g *Group) Builder(i int) *Builder { return g.builders[i] }

// OnFailure registers a callback invoked as soon as a worker fails, while
// the other workers keep running.
func (g *Group) OnFailure(fn func(worker int, err error)) { g.onFailure = fn }

// Run runs every builder on its inbox of stream and waits for all of them.
// A failing worker does not stop the others.
func (g *Group) Run(ctx context.Context, stream *eventstream.Stream) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i, b := range g.builders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Run(ctx, stream.Inbox(i)); err != nil {
				if g.onFailure != nil {
					g.onFailure(i, err)
				}
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
