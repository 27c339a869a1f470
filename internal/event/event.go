package event

import (
	"errors"
	"fmt"

	"github.com/mrzor/eventbuilder/internal/fragment"
)

// State is the position of an Event in the trigger pipeline.
type State uint8

const (
	Collecting State = iota
	Stage1Ready
	Stage1Done
	AwaitingAuxiliaryData
	Stage2Done
)

func (s State) String() string {
	switch s {
	case Collecting:
		return "collecting"
	case Stage1Ready:
		return "stage1-ready"
	case Stage1Done:
		return "stage1-done"
	case AwaitingAuxiliaryData:
		return "awaiting-auxiliary"
	case Stage2Done:
		return "stage2-done"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ErrInvalidTransition is returned when a trigger result is applied to an
// event in the wrong state. It indicates a caller bug, not bad input.
var ErrInvalidTransition = errors.New("invalid event state transition")

// Expectation holds the number of distinct sources that make an event
// complete in each delivery phase.
type Expectation struct {
	Primary   int
	Auxiliary int
}

// Event accumulates the fragments of one physics event and tracks its
// trigger state. Events are owned by a single worker and are not safe for
// concurrent use.
type Event struct {
	sequence    uint32
	burstID     uint32
	lastOfBurst bool
	timestamp   uint32
	state       State

	stage1       uint16
	stage2       uint8
	auxRequested bool

	expect           Expectation
	primarySources   map[fragment.Source]struct{}
	auxiliarySources map[fragment.Source]struct{}
	primary          []*fragment.Fragment
	auxiliary        []*fragment.Fragment
}

// New creates an empty event in the Collecting state.
func New(sequence uint32, expect Expectation) *Event {
	return &Event{
		sequence:         sequence,
		expect:           expect,
		primarySources:   make(map[fragment.Source]struct{}, expect.Primary),
		auxiliarySources: make(map[fragment.Source]struct{}, expect.Auxiliary),
		primary:          make([]*fragment.Fragment, 0, expect.Primary),
		auxiliary:        make([]*fragment.Fragment, 0, expect.Auxiliary),
	}
}

// Reset clears all accumulated state and retags the event with sequence.
// Maps and slices keep their capacity so a reused slot does not allocate.
func (e *Event) Reset(sequence uint32) {
	clear(e.primarySources)
	clear(e.auxiliarySources)
	clear(e.primary) // drop references to transport buffers
	clear(e.auxiliary)
	e.primary = e.primary[:0]
	e.auxiliary = e.auxiliary[:0]

	e.sequence = sequence
	e.burstID = 0
	e.lastOfBurst = false
	e.timestamp = 0
	e.state = Collecting
	e.stage1 = 0
	e.stage2 = 0
	e.auxRequested = false
}

// AddPrimary records a primary fragment tagged with the burst that was
// current when it arrived. It returns true exactly once, when the last
// missing primary source arrives and the event becomes Stage1Ready.
//
// A fragment for an event past collection, from a different burst or from
// a source already seen is rejected with a ProtocolError and does not
// change the event.
func (e *Event) AddPrimary(f *fragment.Fragment, burstID uint32) (bool, error) {
	if f.Kind() != fragment.Primary {
		return false, protocolErrorf(f.Sequence(), ErrWrongKind, "got %s", f.Kind())
	}
	if f.Sequence() != e.sequence {
		return false, protocolErrorf(f.Sequence(), ErrStaleFragment, "slot holds event %d", e.sequence)
	}
	if e.state != Collecting {
		if burstID != e.burstID {
			return false, protocolErrorf(e.sequence, ErrBurstMismatch, "event in burst %d is %s, fragment from burst %d", e.burstID, e.state, burstID)
		}
		return false, protocolErrorf(e.sequence, ErrStaleFragment, "state %s, source %s", e.state, f.Source())
	}

	if len(e.primary) == 0 {
		e.burstID = burstID
		e.timestamp = f.Timestamp()
	} else if burstID != e.burstID {
		return false, protocolErrorf(e.sequence, ErrBurstMismatch, "event burst %d, fragment burst %d", e.burstID, burstID)
	}

	if _, seen := e.primarySources[f.Source()]; seen {
		return false, protocolErrorf(e.sequence, ErrDuplicateSource, "primary source %s", f.Source())
	}

	e.primarySources[f.Source()] = struct{}{}
	e.primary = append(e.primary, f)
	if f.LastEventOfBurst() {
		e.lastOfBurst = true
	}

	if len(e.primarySources) == e.expect.Primary {
		e.state = Stage1Ready
		return true, nil
	}
	return false, nil
}

// AddAuxiliary records an auxiliary fragment. It returns true exactly once,
// when the last missing auxiliary source arrives.
func (e *Event) AddAuxiliary(f *fragment.Fragment) (bool, error) {
	if f.Kind() != fragment.Auxiliary {
		return false, protocolErrorf(f.Sequence(), ErrWrongKind, "got %s", f.Kind())
	}
	if f.Sequence() != e.sequence {
		return false, protocolErrorf(f.Sequence(), ErrStaleFragment, "slot holds event %d", e.sequence)
	}

	switch e.state {
	case Collecting, Stage1Ready:
		return false, protocolErrorf(e.sequence, ErrAuxiliaryBeforeStage1, "state %s, source %s", e.state, f.Source())
	case AwaitingAuxiliaryData:
	default:
		return false, protocolErrorf(e.sequence, ErrStaleFragment, "state %s, source %s", e.state, f.Source())
	}

	if _, seen := e.auxiliarySources[f.Source()]; seen {
		return false, protocolErrorf(e.sequence, ErrDuplicateSource, "auxiliary source %s", f.Source())
	}

	e.auxiliarySources[f.Source()] = struct{}{}
	e.auxiliary = append(e.auxiliary, f)

	return len(e.auxiliarySources) == e.expect.Auxiliary, nil
}

// SetStage1Verdict stores the Stage1 trigger word. Zero means rejected.
func (e *Event) SetStage1Verdict(verdict uint16) error {
	if e.state != Stage1Ready {
		return fmt.Errorf("%w: stage 1 verdict in state %s", ErrInvalidTransition, e.state)
	}
	e.stage1 = verdict
	e.state = Stage1Done
	return nil
}

// RequestAuxiliary moves an accepted event into AwaitingAuxiliaryData.
func (e *Event) RequestAuxiliary() error {
	if e.state != Stage1Done || e.stage1 == 0 {
		return fmt.Errorf("%w: auxiliary request in state %s (stage 1 = %d)", ErrInvalidTransition, e.state, e.stage1)
	}
	e.auxRequested = true
	e.state = AwaitingAuxiliaryData
	return nil
}

// SetStage2Verdict stores the final Stage2 verdict. Nonzero means accepted.
func (e *Event) SetStage2Verdict(verdict uint8) error {
	switch {
	case e.state == Stage1Done && e.stage1 != 0:
	case e.state == AwaitingAuxiliaryData && len(e.auxiliarySources) == e.expect.Auxiliary:
	default:
		return fmt.Errorf("%w: stage 2 verdict in state %s", ErrInvalidTransition, e.state)
	}
	e.stage2 = verdict
	e.state = Stage2Done
	return nil
}

func (e *Event) Sequence() uint32         { return e.sequence }
func (e *Event) BurstID() uint32          { return e.burstID }
func (e *Event) LastEventOfBurst() bool   { return e.lastOfBurst }
func (e *Event) Timestamp() uint32        { return e.timestamp }
func (e *Event) State() State             { return e.state }
func (e *Event) Stage1Verdict() uint16    { return e.stage1 }
func (e *Event) Stage2Verdict() uint8     { return e.stage2 }
func (e *Event) AuxiliaryRequested() bool { return e.auxRequested }
func (e *Event) Expectation() Expectation { return e.expect }

// Accepted reports whether the event reached Stage2Done with a nonzero verdict.
func (e *Event) Accepted() bool {
	return e.state == Stage2Done && e.stage2 != 0
}

// PrimaryFragments returns the primary fragments in arrival order. The
// slice is owned by the event and is invalidated by Reset.
func (e *Event) PrimaryFragments() []*fragment.Fragment { return e.primary }

// AuxiliaryFragments returns the auxiliary fragments in arrival order.
func (e *Event) AuxiliaryFragments() []*fragment.Fragment { return e.auxiliary }

// PrimaryBytes is the total primary payload size.
func (e *Event) PrimaryBytes() int { return payloadBytes(e.primary) }

// AuxiliaryBytes is the total auxiliary payload size.
func (e *Event) AuxiliaryBytes() int { return payloadBytes(e.auxiliary) }

func payloadBytes(frags []*fragment.Fragment) int {
	n := 0
	for _, f := range frags {
		n += f.PayloadLength()
	}
	return n
}
