package eventpool

import (
	"errors"
	"fmt"

	"github.com/mrzor/eventbuilder/internal/event"
)

// ErrExhausted is returned when an index lies beyond the configured slot
// limit. It is fatal to the worker that owns the pool.
var ErrExhausted = errors.New("event pool exhausted")

const initialSlots = 64

// Index returns the shard-local index of a global sequence number.
func Index(sequence uint32, shards int) int {
	return int(sequence / uint32(shards)) //nolint:gosec // shards is validated positive at startup
}

// Shard returns the worker that owns a global sequence number.
func Shard(sequence uint32, shards int) int {
	return int(sequence % uint32(shards)) //nolint:gosec // shards is validated positive at startup
}

type slot struct {
	occupied bool
	event    *event.Event
}

// Pool maps shard-local indices to event slots.
type Pool struct {
	shards   int
	maxSlots int
	expect   event.Expectation
	slots    []slot
	occupied int
}

// New creates a pool for one of shards workers. maxSlots bounds growth; zero
// means unbounded.
func New(shards, maxSlots int, expect event.Expectation) (*Pool, error) {
	if shards <= 0 {
		return nil, fmt.Errorf("shard count must be positive, got %d", shards)
	}
	if maxSlots < 0 {
		return nil, fmt.Errorf("max slots must not be negative, got %d", maxSlots)
	}
	n := initialSlots
	if maxSlots > 0 && maxSlots < n {
		n = maxSlots
	}
	return &Pool{
		shards:   shards,
		maxSlots: maxSlots,
		expect:   expect,
		slots:    make([]slot, n),
	}, nil
}

// GetOrCreate returns the event occupying the slot for sequence, occupying
// it with a fresh event if the slot is empty. The second result is true when
// the slot was newly occupied.
//
// If the slot is held by a different sequence the occupant is returned
// unchanged and the caller decides how to treat the collision.
func (p *Pool) GetOrCreate(sequence uint32) (*event.Event, bool, error) {
	i := Index(sequence, p.shards)
	if err := p.grow(i); err != nil {
		return nil, false, err
	}

	s := &p.slots[i]
	if s.occupied {
		return s.event, false, nil
	}

	if s.event == nil {
		s.event = event.New(sequence, p.expect)
	} else {
		s.event.Reset(sequence)
	}
	s.occupied = true
	p.occupied++
	return s.event, true, nil
}

// Get returns the event occupying the slot for sequence, or nil if the slot
// is empty or out of range.
func (p *Pool) Get(sequence uint32) *event.Event {
	i := Index(sequence, p.shards)
	if i >= len(p.slots) || !p.slots[i].occupied {
		return nil
	}
	return p.slots[i].event
}

// Release marks the slot for sequence empty. The event is reset in place and
// kept for reuse. Releasing an empty slot is a no-op.
func (p *Pool) Release(sequence uint32) {
	i := Index(sequence, p.shards)
	if i >= len(p.slots) || !p.slots[i].occupied {
		return
	}
	s := &p.slots[i]
	s.event.Reset(sequence)
	s.occupied = false
	p.occupied--
}

// Len reports the number of occupied slots.
func (p *Pool) Len() int { return p.occupied }

// Cap reports the number of allocated slots.
func (p *Pool) Cap() int { return len(p.slots) }

func (p *Pool) grow(index int) error {
	if index < len(p.slots) {
		return nil
	}
	if p.maxSlots > 0 && index >= p.maxSlots {
		return fmt.Errorf("%w: index %d, limit %d slots", ErrExhausted, index, p.maxSlots)
	}

	n := max(len(p.slots), 1)
	for n <= index {
		n *= 2
	}
	if p.maxSlots > 0 && n > p.maxSlots {
		n = p.maxSlots
	}

	grown := make([]slot, n)
	copy(grown, p.slots)
	p.slots = grown
	return nil
}
