// Package burst tracks the current burst identifier shared by all workers.
//
// Context is the process-wide identifier. It only moves forward, one burst
// at a time, when the worker that built the last event of a burst calls
// Advance after broadcasting the boundary. Each worker keeps a View that
// picks up the new identifier when it starts its next event, so events
// already being collected keep the burst they started in.
package burst

import "sync/atomic"

// Context holds the current burst identifier. It is safe for concurrent use.
type Context struct {
	current atomic.Uint32
}

// New returns a Context starting at first.
func New(first uint32) *Context {
	c := &Context{}
	c.current.Store(first)
	return c
}

// Current returns the current burst identifier.
func (c *Context) Current() uint32 {
	return c.current.Load()
}

// Advance moves the identifier from finished to finished+1. It reports false
// and leaves the identifier unchanged when finished is not the current burst,
// which happens when the boundary was already handled or is stale.
func (c *Context) Advance(finished uint32) bool {
	return c.current.CompareAndSwap(finished, finished+1)
}

// View is one worker's cached copy of the burst identifier. It is not safe
// for concurrent use.
type View struct {
	ctx *Context
	id  uint32
}

// NewView returns a View synchronised with ctx.
func NewView(ctx *Context) *View {
	return &View{ctx: ctx, id: ctx.Current()}
}

// ID returns the cached burst identifier.
func (v *View) ID() uint32 { return v.id }

// Refresh picks up the shared identifier and returns it. Workers call it
// when a new event occupies a slot.
func (v *View) Refresh() uint32 {
	v.id = v.ctx.Current()
	return v.id
}
