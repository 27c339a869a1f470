package builder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/eventbuilder/internal/burst"
	"github.com/mrzor/eventbuilder/internal/event"
	"github.com/mrzor/eventbuilder/internal/eventpool"
	"github.com/mrzor/eventbuilder/internal/eventstream"
	"github.com/mrzor/eventbuilder/internal/fragment"
)

const (
	primaryID   = 0x04
	auxiliaryID = 0x24
)

// journal records collaborator calls in order.
type journal struct {
	calls []string
}

func (j *journal) add(s string) { j.calls = append(j.calls, s) }

type fakeStage1 struct {
	j       *journal
	verdict uint16
	seen    []uint32
}

func (s *fakeStage1) Decide(ev *event.Event) uint16 {
	s.j.add("stage1")
	s.seen = append(s.seen, ev.Sequence())
	return s.verdict
}

type fakeStage2 struct {
	j       *journal
	verdict uint8
	decides int
	resumes int
}

func (s *fakeStage2) Decide(*event.Event) uint8 {
	s.j.add("stage2.decide")
	s.decides++
	return s.verdict
}

func (s *fakeStage2) Resume(*event.Event) uint8 {
	s.j.add("stage2.resume")
	s.resumes++
	return s.verdict
}

type stored struct {
	worker   int
	sequence uint32
	burst    uint32
	payload  int
}

type fakeStorage struct {
	j      *journal
	events []stored
}

func (s *fakeStorage) Store(worker int, ev *event.Event) {
	s.j.add("store")
	s.events = append(s.events, stored{worker, ev.Sequence(), ev.BurstID(), ev.PrimaryBytes() + ev.AuxiliaryBytes()})
}

type fakeRequester struct {
	j         *journal
	sequences []uint32
	multicast []bool
	notify    chan uint32
}

func (r *fakeRequester) RequestAuxiliary(_ int, ev *event.Event, multicast bool) {
	r.j.add("request")
	r.sequences = append(r.sequences, ev.Sequence())
	r.multicast = append(r.multicast, multicast)
	if r.notify != nil {
		r.notify <- ev.Sequence()
	}
}

type broadcast struct {
	last, finished uint32
}

type fakeBroadcaster struct {
	j     *journal
	sent  []broadcast
	err   error
	burst *burst.Context
	// burstAtSend is the shared burst id observed during Broadcast.
	burstAtSend []uint32
}

func (b *fakeBroadcaster) Broadcast(last, finished uint32) error {
	b.j.add("broadcast")
	b.sent = append(b.sent, broadcast{last, finished})
	b.burstAtSend = append(b.burstAtSend, b.burst.Current())
	return b.err
}

type sourceSet map[fragment.Source]bool

func (s sourceSet) Known(_ fragment.Kind, src fragment.Source) bool { return s[src] }

type harness struct {
	j           *journal
	stage1      *fakeStage1
	stage2      *fakeStage2
	storage     *fakeStorage
	requester   *fakeRequester
	broadcaster *fakeBroadcaster
	burst       *burst.Context
	b           *Builder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	j := &journal{}
	h := &harness{
		j:         j,
		stage1:    &fakeStage1{j: j, verdict: 0x0101},
		stage2:    &fakeStage2{j: j, verdict: 1},
		storage:   &fakeStorage{j: j},
		requester: &fakeRequester{j: j},
		burst:     burst.New(5),
	}
	h.broadcaster = &fakeBroadcaster{j: j, burst: h.burst}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.Expectation.Primary == 0 {
		cfg.Expectation.Primary = 3
	}
	cfg.RunID = "test"

	b, err := New(cfg, Deps{
		Stage1:      h.stage1,
		Stage2:      h.stage2,
		Burst:       h.burst,
		Storage:     h.storage,
		Requester:   h.requester,
		Broadcaster: h.broadcaster,
	})
	require.NoError(t, err)
	h.b = b
	return h
}

func primary(seq uint32, sub uint8, last bool) *fragment.Fragment {
	return fragment.New(fragment.Primary, fragment.Source{ID: primaryID, SubID: sub}, seq, last, 0, []byte{sub})
}

func auxiliary(seq uint32, sub uint8) *fragment.Fragment {
	return fragment.New(fragment.Auxiliary, fragment.Source{ID: auxiliaryID, SubID: sub}, seq, false, 0, []byte{sub, sub})
}

func (h *harness) complete(t *testing.T, seq uint32, last bool) {
	t.Helper()
	for sub := uint8(0); sub < uint8(h.b.cfg.Expectation.Primary); sub++ {
		require.NoError(t, h.b.OnPrimaryFragment(primary(seq, sub, last)))
	}
}

func TestNew_Validation(t *testing.T) {
	ctx := burst.New(0)
	s1 := &fakeStage1{j: &journal{}}
	s2 := &fakeStage2{j: &journal{}}

	_, err := New(Config{Workers: 1, Expectation: event.Expectation{Primary: 1}}, Deps{Stage1: s1, Stage2: s2})
	assert.Error(t, err, "burst context missing")

	_, err = New(Config{Worker: 2, Workers: 2, Expectation: event.Expectation{Primary: 1}}, Deps{Stage1: s1, Stage2: s2, Burst: ctx})
	assert.Error(t, err, "worker out of range")

	_, err = New(Config{Workers: 1}, Deps{Stage1: s1, Stage2: s2, Burst: ctx})
	assert.Error(t, err, "no primary sources expected")
}

func TestStage1RunsOnceAfterThirdDistinctSource(t *testing.T) {
	h := newHarness(t, Config{Expectation: event.Expectation{Primary: 3}})

	require.NoError(t, h.b.OnPrimaryFragment(primary(42, 3, false)))
	require.NoError(t, h.b.OnPrimaryFragment(primary(42, 1, false)))
	assert.Empty(t, h.stage1.seen)

	require.NoError(t, h.b.OnPrimaryFragment(primary(42, 2, false)))
	assert.Equal(t, []uint32{42}, h.stage1.seen)

	// The event was accepted and released; the late duplicate opens a new
	// collection instead of re-triggering.
	require.NoError(t, h.b.OnPrimaryFragment(primary(42, 1, false)))
	assert.Equal(t, []uint32{42}, h.stage1.seen)
}

func TestDuplicateWhileCollectingIsProtocolError(t *testing.T) {
	h := newHarness(t, Config{Expectation: event.Expectation{Primary: 2}})

	require.NoError(t, h.b.OnPrimaryFragment(primary(9, 0, false)))
	err := h.b.OnPrimaryFragment(primary(9, 0, false))
	require.Error(t, err)
	assert.True(t, event.IsProtocolError(err))
	assert.ErrorIs(t, err, event.ErrDuplicateSource)
	assert.Empty(t, h.stage1.seen)

	assert.NoError(t, h.b.Deliver(primary(9, 0, false)), "Deliver logs protocol errors")
}

func TestStage1RejectSkipsStage2AndStorage(t *testing.T) {
	h := newHarness(t, Config{Expectation: event.Expectation{Primary: 2, Auxiliary: 1}})
	h.stage1.verdict = 0

	h.complete(t, 7, false)

	assert.Equal(t, []string{"stage1"}, h.j.calls)
	assert.Zero(t, h.stage2.decides+h.stage2.resumes)
	assert.Empty(t, h.storage.events)
	assert.Empty(t, h.requester.sequences)
	assert.Zero(t, h.b.Pending(), "slot released")

	// The slot is immediately reusable for a fresh event.
	ev, created, err := h.b.pool.GetOrCreate(7)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, event.Collecting, ev.State())
	assert.Empty(t, ev.PrimaryFragments())
}

func TestNoAuxiliaryGoesStraightToStage2(t *testing.T) {
	h := newHarness(t, Config{Expectation: event.Expectation{Primary: 2, Auxiliary: 0}})

	h.complete(t, 11, false)

	assert.Equal(t, []string{"stage1", "stage2.decide", "store"}, h.j.calls)
	assert.Empty(t, h.requester.sequences)
	require.Len(t, h.storage.events, 1)
	assert.Equal(t, stored{worker: 0, sequence: 11, burst: 5, payload: 2}, h.storage.events[0])
	assert.Zero(t, h.b.Pending())
}

func TestStage2RejectReleasesWithoutStorage(t *testing.T) {
	h := newHarness(t, Config{Expectation: event.Expectation{Primary: 1}})
	h.stage2.verdict = 0

	h.complete(t, 3, false)

	assert.Equal(t, []string{"stage1", "stage2.decide"}, h.j.calls)
	assert.Empty(t, h.storage.events)
	assert.Zero(t, h.b.Pending())
}

func TestAuxiliaryRequestAndResume(t *testing.T) {
	h := newHarness(t, Config{
		Expectation:       event.Expectation{Primary: 1, Auxiliary: 2},
		MulticastRequests: true,
	})

	h.complete(t, 20, false)
	assert.Equal(t, []string{"stage1", "request"}, h.j.calls)
	assert.Equal(t, []uint32{20}, h.requester.sequences)
	assert.Equal(t, []bool{true}, h.requester.multicast)
	assert.Equal(t, 1, h.b.Pending())
	assert.Equal(t, event.AwaitingAuxiliaryData, h.b.pool.Get(20).State())

	require.NoError(t, h.b.OnAuxiliaryFragment(auxiliary(20, 1)))
	assert.Zero(t, h.stage2.resumes)

	require.NoError(t, h.b.OnAuxiliaryFragment(auxiliary(20, 0)))
	assert.Equal(t, []string{"stage1", "request", "stage2.resume", "store"}, h.j.calls)
	assert.Zero(t, h.stage2.decides)
	require.Len(t, h.storage.events, 1)
	assert.Equal(t, 1+4, h.storage.events[0].payload)
	assert.Zero(t, h.b.Pending())
}

func TestAuxiliaryBeforeStage1IsProtocolError(t *testing.T) {
	h := newHarness(t, Config{Expectation: event.Expectation{Primary: 2, Auxiliary: 1}})

	require.NoError(t, h.b.OnPrimaryFragment(primary(4, 0, false)))
	err := h.b.OnAuxiliaryFragment(auxiliary(4, 0))
	assert.ErrorIs(t, err, event.ErrAuxiliaryBeforeStage1)
	assert.Equal(t, event.Collecting, h.b.pool.Get(4).State())
	assert.Empty(t, h.b.pool.Get(4).AuxiliaryFragments())
}

func TestAuxiliaryWithNoOpenCollection(t *testing.T) {
	h := newHarness(t, Config{Expectation: event.Expectation{Primary: 2, Auxiliary: 1}})

	err := h.b.OnAuxiliaryFragment(auxiliary(99, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoOpenCollection)
	assert.True(t, event.IsProtocolError(err))
	assert.Zero(t, h.b.Pending())
}

func TestUnknownSource(t *testing.T) {
	h := newHarness(t, Config{Expectation: event.Expectation{Primary: 1}})
	h.b.deps.Sources = sourceSet{{ID: primaryID, SubID: 0}: true}

	err := h.b.OnPrimaryFragment(primary(1, 5, false))
	assert.ErrorIs(t, err, event.ErrUnknownSource)
	assert.Zero(t, h.b.Pending())

	require.NoError(t, h.b.OnPrimaryFragment(primary(1, 0, false)))
	assert.Len(t, h.storage.events, 1)
}

func TestWrongKindOnPath(t *testing.T) {
	h := newHarness(t, Config{})
	assert.ErrorIs(t, h.b.OnPrimaryFragment(auxiliary(1, 0)), event.ErrWrongKind)
	assert.ErrorIs(t, h.b.OnAuxiliaryFragment(primary(1, 0, false)), event.ErrWrongKind)
}

func TestBurstBoundaryBroadcastPrecedesStage1(t *testing.T) {
	h := newHarness(t, Config{Expectation: event.Expectation{Primary: 2}})

	h.complete(t, 500, true)

	assert.Equal(t, []string{"broadcast", "stage1", "stage2.decide", "store"}, h.j.calls)
	require.Len(t, h.broadcaster.sent, 1)
	assert.Equal(t, broadcast{last: 500, finished: 5}, h.broadcaster.sent[0])
	assert.Equal(t, []uint32{5}, h.broadcaster.burstAtSend, "burst advances after the broadcast")
	assert.Equal(t, uint32(6), h.burst.Current())
	assert.Equal(t, uint32(5), h.storage.events[0].burst, "the boundary event stays in its burst")

	// The next event starts in the new burst.
	h.complete(t, 0, false)
	assert.Equal(t, uint32(6), h.storage.events[1].burst)
}

func TestBurstIncreasesByOnePerBoundary(t *testing.T) {
	h := newHarness(t, Config{Expectation: event.Expectation{Primary: 1}})

	for i := 0; i < 4; i++ {
		before := h.burst.Current()
		h.complete(t, uint32(10+i), true)
		assert.Equal(t, before+1, h.burst.Current())
	}
	assert.Len(t, h.broadcaster.sent, 4)
}

func TestStaleBoundaryIsNotBroadcastTwice(t *testing.T) {
	h := newHarness(t, Config{Expectation: event.Expectation{Primary: 1}})

	require.NoError(t, h.b.EmitBurstBoundary(100, 5))
	err := h.b.EmitBurstBoundary(100, 5)
	assert.ErrorIs(t, err, ErrStaleBoundary)
	assert.Len(t, h.broadcaster.sent, 1)
	assert.Equal(t, uint32(6), h.burst.Current())
}

func TestBroadcastFailureStillAdvancesBurst(t *testing.T) {
	h := newHarness(t, Config{Expectation: event.Expectation{Primary: 1}})
	h.broadcaster.err = errors.New("no carrier")

	h.complete(t, 8, true)

	assert.Equal(t, uint32(6), h.burst.Current())
	assert.Len(t, h.storage.events, 1, "the event is still decided")
}

func TestEventCollectingAcrossBoundaryKeepsItsBurst(t *testing.T) {
	h := newHarness(t, Config{Expectation: event.Expectation{Primary: 3}})

	require.NoError(t, h.b.OnPrimaryFragment(primary(42, 0, false)))
	require.NoError(t, h.b.OnPrimaryFragment(primary(42, 1, false)))

	// Burst 5 ends while event 42 is still collecting.
	h.complete(t, 100, true)
	require.Equal(t, uint32(6), h.burst.Current())

	// This worker starts an event of burst 6 in another slot.
	require.NoError(t, h.b.OnPrimaryFragment(primary(0, 0, false)))
	assert.Equal(t, uint32(6), h.b.pool.Get(0).BurstID())

	// The last fragment of event 42 still completes it in burst 5.
	require.NoError(t, h.b.OnPrimaryFragment(primary(42, 2, false)))
	assert.Equal(t, []uint32{100, 42}, h.stage1.seen)

	require.Len(t, h.storage.events, 2)
	assert.Equal(t, uint32(42), h.storage.events[1].sequence)
	assert.Equal(t, uint32(5), h.storage.events[1].burst)
	assert.Equal(t, 3, h.storage.events[1].payload)
	assert.Equal(t, 1, h.b.Pending(), "only event 0 of burst 6 remains")
}

func TestDuplicateWithinBurstKeepsEvent(t *testing.T) {
	h := newHarness(t, Config{Expectation: event.Expectation{Primary: 2}})

	require.NoError(t, h.b.OnPrimaryFragment(primary(3, 0, false)))
	// No boundary has passed, so the repeat is a plain duplicate.
	err := h.b.OnPrimaryFragment(primary(3, 0, false))
	assert.ErrorIs(t, err, event.ErrDuplicateSource)

	ev := h.b.pool.Get(3)
	require.NotNil(t, ev)
	assert.Equal(t, uint32(5), ev.BurstID())
	assert.Len(t, ev.PrimaryFragments(), 1)
}

func TestRepeatedSourceAfterBoundaryStartsNewEvent(t *testing.T) {
	h := newHarness(t, Config{Expectation: event.Expectation{Primary: 2}})

	// Event 3 of burst 5 never completes.
	require.NoError(t, h.b.OnPrimaryFragment(primary(3, 0, false)))

	// Burst 5 ends elsewhere.
	require.NoError(t, h.b.EmitBurstBoundary(900, 5))

	// The same source sends event 3 again: that can only be burst 6.
	require.NoError(t, h.b.OnPrimaryFragment(primary(3, 0, false)))
	ev := h.b.pool.Get(3)
	require.NotNil(t, ev)
	assert.Equal(t, uint32(6), ev.BurstID())
	assert.Len(t, ev.PrimaryFragments(), 1)

	require.NoError(t, h.b.OnPrimaryFragment(primary(3, 1, false)))
	require.Len(t, h.storage.events, 1)
	assert.Equal(t, uint32(6), h.storage.events[0].burst)
}

func TestPrimaryFragmentForEventPastStage1(t *testing.T) {
	h := newHarness(t, Config{Expectation: event.Expectation{Primary: 1, Auxiliary: 1}})

	h.complete(t, 2, false) // awaiting auxiliary data in burst 5
	require.NoError(t, h.b.EmitBurstBoundary(50, 5))

	// A new event in another slot moves this worker to burst 6.
	require.NoError(t, h.b.OnPrimaryFragment(primary(4, 0, false)))

	err := h.b.OnPrimaryFragment(primary(2, 0, false))
	assert.ErrorIs(t, err, event.ErrStaleFragment)
	assert.True(t, event.IsProtocolError(err))
	assert.Equal(t, event.AwaitingAuxiliaryData, h.b.pool.Get(2).State())
	assert.Equal(t, uint32(5), h.b.pool.Get(2).BurstID())

	// Its auxiliary data still completes it in burst 5.
	require.NoError(t, h.b.OnAuxiliaryFragment(auxiliary(2, 0)))
	require.Len(t, h.storage.events, 1)
	assert.Equal(t, stored{worker: 0, sequence: 2, burst: 5, payload: 3}, h.storage.events[0])
}

func TestPoolExhaustionIsFatal(t *testing.T) {
	h := newHarness(t, Config{Expectation: event.Expectation{Primary: 2}, MaxPoolSlots: 4})

	err := h.b.OnPrimaryFragment(primary(4, 0, false))
	require.ErrorIs(t, err, eventpool.ErrExhausted)
	assert.False(t, event.IsProtocolError(err))

	primaryCh := make(chan *fragment.Fragment, 1)
	primaryCh <- primary(100, 0, false)
	err = h.b.Run(context.Background(), eventstream.Inbox{Primary: primaryCh, Auxiliary: make(chan *fragment.Fragment)})
	assert.ErrorIs(t, err, eventpool.ErrExhausted)
}

func TestShardLocalIndex(t *testing.T) {
	h := newHarness(t, Config{Worker: 1, Workers: 4, Expectation: event.Expectation{Primary: 2}})

	// Sequences 1, 5, 9 belong to worker 1 and use slots 0, 1, 2.
	for _, seq := range []uint32{1, 5, 9} {
		require.NoError(t, h.b.OnPrimaryFragment(primary(seq, 0, false)))
	}
	assert.Equal(t, 3, h.b.Pending())
	for _, seq := range []uint32{1, 5, 9} {
		assert.Equal(t, seq, h.b.pool.Get(seq).Sequence())
	}
}

func TestRun_ProcessesUntilInboxCloses(t *testing.T) {
	h := newHarness(t, Config{Expectation: event.Expectation{Primary: 2, Auxiliary: 1}})
	h.requester.notify = make(chan uint32, 1)

	primaryCh := make(chan *fragment.Fragment, 8)
	auxCh := make(chan *fragment.Fragment, 8)
	primaryCh <- primary(1, 0, false)
	primaryCh <- primary(1, 1, false)
	primaryCh <- primary(1, 1, false) // duplicate, logged and dropped
	close(primaryCh)

	done := make(chan error, 1)
	go func() { done <- h.b.Run(context.Background(), eventstream.Inbox{Primary: primaryCh, Auxiliary: auxCh}) }()

	// Auxiliary data only after the request went out.
	select {
	case seq := <-h.requester.notify:
		require.Equal(t, uint32(1), seq)
	case <-time.After(5 * time.Second):
		t.Fatal("no auxiliary request")
	}
	auxCh <- auxiliary(1, 0)
	close(auxCh)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after inboxes closed")
	}
	assert.Len(t, h.storage.events, 1)
}

func TestRun_StopsOnCancelAndAbandonsEvents(t *testing.T) {
	h := newHarness(t, Config{Expectation: event.Expectation{Primary: 2}})
	require.NoError(t, h.b.OnPrimaryFragment(primary(1, 0, false)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.b.Run(ctx, eventstream.Inbox{Primary: make(chan *fragment.Fragment), Auxiliary: make(chan *fragment.Fragment)})
	require.NoError(t, err)
	assert.Equal(t, 1, h.b.Pending(), "no drain on shutdown")
	assert.Empty(t, h.storage.events)
}

func TestGroup(t *testing.T) {
	ctx := burst.New(1)
	j := &journal{}
	var builders []*Builder
	for i := 0; i < 2; i++ {
		b, err := New(Config{Worker: i, Workers: 2, Expectation: event.Expectation{Primary: 1}}, Deps{
			Stage1: &fakeStage1{j: j, verdict: 1},
			Stage2: &fakeStage2{j: j, verdict: 1},
			Burst:  ctx,
		})
		require.NoError(t, err)
		builders = append(builders, b)
	}

	g, err := NewGroup(builders...)
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())
	assert.Same(t, builders[1], g.Builder(1))

	_, err = NewGroup(builders[1], builders[0])
	assert.Error(t, err, "builders out of order")
}

// replayReader returns canned capture records, then reports the ring buffer
// closed.
type replayReader struct {
	mu      sync.Mutex
	records [][]byte
}

func (r *replayReader) Read() (ringbuf.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) == 0 {
		return ringbuf.Record{}, ringbuf.ErrClosed
	}
	raw := r.records[0]
	r.records = r.records[1:]
	return ringbuf.Record{RawSample: raw}, nil
}

func (r *replayReader) SetDeadline(time.Time) {}

type lockedStorage struct {
	mu      sync.Mutex
	workers map[uint32]int
}

func (s *lockedStorage) Store(worker int, ev *event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[ev.Sequence()] = worker
}

func TestGroup_RunShardsEvents(t *testing.T) {
	rd := &replayReader{}
	for seq := uint32(0); seq < 6; seq++ {
		for sub := uint8(0); sub < 2; sub++ {
			rd.records = append(rd.records, fragment.AppendRecord(nil, fragment.Primary,
				fragment.Source{ID: primaryID, SubID: sub}, seq, false, 0, []byte{sub}))
		}
	}
	stream := eventstream.New(rd, 3, 16, time.Millisecond, nil)

	ctx := burst.New(0)
	store := &lockedStorage{workers: make(map[uint32]int)}
	var builders []*Builder
	for i := 0; i < 3; i++ {
		b, err := New(Config{Worker: i, Workers: 3, Expectation: event.Expectation{Primary: 2}}, Deps{
			Stage1:  &fakeStage1{j: &journal{}, verdict: 1},
			Stage2:  &fakeStage2{j: &journal{}, verdict: 1},
			Burst:   ctx,
			Storage: store,
		})
		require.NoError(t, err)
		builders = append(builders, b)
	}
	g, err := NewGroup(builders...)
	require.NoError(t, err)

	var failures []int
	g.OnFailure(func(worker int, _ error) { failures = append(failures, worker) })

	streamDone := make(chan error, 1)
	go func() { streamDone <- stream.Run(context.Background()) }()
	require.NoError(t, g.Run(context.Background(), stream))
	require.NoError(t, <-streamDone)

	assert.Empty(t, failures)
	require.Len(t, store.workers, 6)
	for seq, worker := range store.workers {
		assert.Equal(t, int(seq%3), worker, "event %d", seq)
	}
}
