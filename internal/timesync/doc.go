// Package timesync converts fragment timestamps to wall-clock time.
//
// Front-end timestamps count 25 ns ticks from the start of each burst, and
// the counter is free running within a burst. The first timestamp seen for
// a burst is anchored to the local wall clock; later timestamps of the same
// burst are placed relative to that anchor.
package timesync
