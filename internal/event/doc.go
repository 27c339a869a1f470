// Package event accumulates the fragments of one physics event and tracks
// its progress through the two trigger stages.
//
// Completeness is counted in distinct sources, never in bytes: an event is
// ready for Stage1 once every expected primary source has delivered one
// fragment, in any order. Duplicates are reported and ignored.
//
// State Machine:
//
//	┌────────────┐  primary fragments
//	│ Collecting │ ◄──┐
//	└─────┬──────┘    │ more sources
//	      │ last missing primary source
//	      ▼
//	┌─────────────┐
//	│ Stage1Ready │
//	└─────┬───────┘
//	      │ SetStage1Verdict
//	      ▼
//	┌────────────┐  verdict == 0
//	│ Stage1Done │ ──────────────► released
//	└─────┬──────┘
//	      │ RequestAuxiliary (auxiliary sources expected)
//	      ▼
//	┌───────────────────────┐  auxiliary fragments
//	│ AwaitingAuxiliaryData │ ◄──┐
//	└─────┬─────────────────┘    │
//	      │ last missing auxiliary source
//	      ▼
//	┌────────────┐
//	│ Stage2Done │ ──► storage (accepted) ──► released
//	└────────────┘
//
// Stage1Done goes straight to Stage2Done when no auxiliary sources are
// expected. Events are reset in place on release so the pool slot can be
// reused without allocation.
package event
