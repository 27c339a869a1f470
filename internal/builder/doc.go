// Package builder drives events from their first fragment to a trigger
// decision. One Builder runs per worker and owns the events of one shard.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│   eventstream (ring buffer records)     │
//	└─────────────────┬───────────────────────┘
//	                  │ seq % workers
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   Builder (one per worker)              │
//	│   - eventpool: slot per in-flight event │
//	│   - event: per-source completeness      │
//	└─────────┬───────────────────────────────┘
//	          │
//	          ├──→ all primary sources ──→ [last of burst] ──→ eob broadcast
//	          │                                               burst.Advance
//	          │                           ──→ Stage1.Decide
//	          │                                 0 → release slot
//	          │
//	          ├──→ accepted, auxiliary expected ──→ auxrequest (async)
//	          │    ... auxiliary sources complete ──→ Stage2.Resume
//	          │
//	          ├──→ accepted, no auxiliary ──→ Stage2.Decide
//	          │
//	          └──→ Stage2 accept ──→ storage (async snapshot)
//	               always        ──→ release slot
//
// All trigger calls run synchronously on the worker goroutine. Protocol
// errors are logged and the offending fragment is dropped; pool exhaustion
// stops the worker.
package builder
