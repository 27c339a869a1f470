// Package trigger provides the two software trigger stages.
//
// Stage1 runs when all primary fragments of an event have arrived and
// returns a 16-bit trigger word; zero rejects the event. Stage2 runs after
// an accepted Stage1, either straight away (Decide) or once the requested
// auxiliary data has arrived (Resume), and returns an 8-bit verdict.
//
// ExprStage1 and ExprStage2 implement the stages with expr-lang expressions
// evaluated against a per-event environment:
//
//	sequence           uint32  event number
//	burst              uint32  burst identifier
//	timestamp          uint32  timestamp of the first primary fragment
//	last_of_burst      bool
//	primary_sources    int     distinct primary sources received
//	auxiliary_sources  int     distinct auxiliary sources received
//	primary_bytes      int
//	auxiliary_bytes    int
//	stage1             uint16  Stage1 trigger word (0 during Stage1)
//
// Expressions may return a bool or a number. Numbers are clamped to the
// width of the stage's verdict. Evaluation errors reject the event.
package trigger
