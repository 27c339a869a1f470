// Package eventpool keeps the in-flight events of one worker.
//
// A Pool is an arena of slots indexed by the shard-local index of a global
// sequence number:
//
//	index = sequence / shards
//	shard = sequence % shards
//
// Each slot is either empty or occupied by exactly one Event. Slots grow by
// doubling and never shrink. Release resets the occupant in place, so the
// Event value and its buffers are reused by the next sequence that maps to
// the same index.
//
// Operations:
//   - GetOrCreate(seq) - Occupy the slot for seq, allocating on first use
//   - Get(seq)         - Look up an occupied slot
//   - Release(seq)     - Mark the slot empty for reuse
//
// A Pool is owned by a single worker and is not safe for concurrent use.
package eventpool
