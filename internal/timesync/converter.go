package timesync

import (
	"sync"
	"time"
)

// TickDuration is the period of the front-end timestamp clock.
const TickDuration = 25 * time.Nanosecond

// keptBursts is how many recent bursts keep their anchor.
const keptBursts = 4

type anchor struct {
	wall time.Time
	tick uint32
}

// Converter maps (burst, tick) pairs to wall-clock time. It is safe for
// concurrent use.
type Converter struct {
	mu      sync.Mutex
	now     func() time.Time
	anchors map[uint32]anchor
	newest  uint32
}

// NewConverter creates a converter that anchors bursts with time.Now.
func NewConverter() *Converter {
	return newConverter(time.Now)
}

func newConverter(now func() time.Time) *Converter {
	return &Converter{
		now:     now,
		anchors: make(map[uint32]anchor),
	}
}

// TicksToWallClock returns the wall-clock time of tick within burst. The
// first call for a burst anchors it at the current time.
func (c *Converter) TicksToWallClock(burst, tick uint32) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.anchors[burst]
	if !ok {
		a = anchor{wall: c.now(), tick: tick}
		c.anchors[burst] = a
		if burst > c.newest || len(c.anchors) == 1 {
			c.newest = burst
		}
		c.evict()
	}

	// Signed difference so fragments slightly older than the anchor land
	// before it. The window is about 53 s either way.
	delta := int64(int32(tick - a.tick)) //nolint:gosec // intentional wrap
	return a.wall.Add(time.Duration(delta) * TickDuration)
}

// Forget drops the anchor of burst.
func (c *Converter) Forget(burst uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.anchors, burst)
}

func (c *Converter) evict() {
	for b := range c.anchors {
		if c.newest-b >= keptBursts && b < c.newest {
			delete(c.anchors, b)
		}
	}
}
