package trigger

import (
	"fmt"
	"math"
	"strconv"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mrzor/eventbuilder/internal/event"
	"github.com/mrzor/eventbuilder/internal/metrics"
)

// Stage1 decides on events that completed primary collection.
type Stage1 interface {
	Decide(ev *event.Event) uint16
}

// Stage2 decides on events accepted by Stage1. Resume is used instead of
// Decide when auxiliary data was requested for the event.
type Stage2 interface {
	Decide(ev *event.Event) uint8
	Resume(ev *event.Event) uint8
}

// Default expressions accept everything with trigger word 0x0101.
const (
	DefaultStage1Expression = "0x0101"
	DefaultStage2Expression = "1"
)

// Env is the expression environment built for one event.
type Env struct {
	Sequence         uint32 `expr:"sequence"`
	Burst            uint32 `expr:"burst"`
	Timestamp        uint32 `expr:"timestamp"`
	LastOfBurst      bool   `expr:"last_of_burst"`
	PrimarySources   int    `expr:"primary_sources"`
	AuxiliarySources int    `expr:"auxiliary_sources"`
	PrimaryBytes     int    `expr:"primary_bytes"`
	AuxiliaryBytes   int    `expr:"auxiliary_bytes"`
	Stage1           uint16 `expr:"stage1"`
}

// NewEnv builds the expression environment for ev.
func NewEnv(ev *event.Event) Env {
	return Env{
		Sequence:         ev.Sequence(),
		Burst:            ev.BurstID(),
		Timestamp:        ev.Timestamp(),
		LastOfBurst:      ev.LastEventOfBurst(),
		PrimarySources:   len(ev.PrimaryFragments()),
		AuxiliarySources: len(ev.AuxiliaryFragments()),
		PrimaryBytes:     ev.PrimaryBytes(),
		AuxiliaryBytes:   ev.AuxiliaryBytes(),
		Stage1:           ev.Stage1Verdict(),
	}
}

func compile(name, src string) (*vm.Program, error) {
	program, err := expr.Compile(src, expr.Env(Env{}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s expression: %w", name, err)
	}
	return program, nil
}

// evaluate runs program and converts its output to a verdict in [0, limit].
func evaluate(program *vm.Program, env Env, limit uint64) (uint64, error) {
	output, err := expr.Run(program, env)
	if err != nil {
		return 0, err
	}

	switch v := output.(type) {
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case int:
		return clamp(float64(v), limit), nil
	case int64:
		return clamp(float64(v), limit), nil
	case uint:
		return clamp(float64(v), limit), nil
	case uint8:
		return uint64(v), nil
	case uint16:
		return clamp(float64(v), limit), nil
	case uint32:
		return clamp(float64(v), limit), nil
	case uint64:
		return min(v, limit), nil
	case float64:
		return clamp(v, limit), nil
	case nil:
		return 0, nil
	default:
		// Strings are accepted when they hold a number, anything else is an error.
		n, err := strconv.ParseFloat(fmt.Sprint(v), 64)
		if err != nil {
			return 0, fmt.Errorf("expression returned %T, want bool or number", output)
		}
		return clamp(n, limit), nil
	}
}

func clamp(v float64, limit uint64) uint64 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= float64(limit):
		return limit
	default:
		return uint64(v)
	}
}

// ExprStage1 is a Stage1 backed by one expression.
type ExprStage1 struct {
	program *vm.Program
	rawExpr string
	onError func(err error)
}

// NewExprStage1 compiles src. An empty src uses DefaultStage1Expression.
func NewExprStage1(src string) (*ExprStage1, error) {
	if src == "" {
		src = DefaultStage1Expression
	}
	program, err := compile("stage1", src)
	if err != nil {
		return nil, err
	}
	return &ExprStage1{program: program, rawExpr: src}, nil
}

// OnError registers a callback for evaluation failures, typically a logger.
func (s *ExprStage1) OnError(fn func(err error)) { s.onError = fn }

// String returns the source expression.
func (s *ExprStage1) String() string { return s.rawExpr }

// Decide evaluates the expression for ev and counts the verdict by trigger
// type.
func (s *ExprStage1) Decide(ev *event.Event) uint16 {
	v, err := evaluate(s.program, NewEnv(ev), math.MaxUint16)
	if err != nil {
		metrics.TriggerErrors.WithLabelValues("stage1").Inc()
		if s.onError != nil {
			s.onError(fmt.Errorf("stage1 for event %d: %w", ev.Sequence(), err))
		}
		v = 0
	}
	verdict := uint16(v) //nolint:gosec // clamped by evaluate
	metrics.Stage1Verdicts.WithLabelValues(strconv.Itoa(int(verdict >> 8))).Inc()
	return verdict
}

// ExprStage2 is a Stage2 with one expression for each entry point.
type ExprStage2 struct {
	decide  *vm.Program
	resume  *vm.Program
	onError func(err error)
}

// NewExprStage2 compiles the decide and resume expressions. Empty sources
// use DefaultStage2Expression; an empty resume expression reuses decide.
func NewExprStage2(decideSrc, resumeSrc string) (*ExprStage2, error) {
	if decideSrc == "" {
		decideSrc = DefaultStage2Expression
	}
	if resumeSrc == "" {
		resumeSrc = decideSrc
	}
	decide, err := compile("stage2", decideSrc)
	if err != nil {
		return nil, err
	}
	resume, err := compile("stage2 resume", resumeSrc)
	if err != nil {
		return nil, err
	}
	return &ExprStage2{decide: decide, resume: resume}, nil
}

// OnError registers a callback for evaluation failures.
func (s *ExprStage2) OnError(fn func(err error)) { s.onError = fn }

// Decide evaluates an event that needed no auxiliary data.
func (s *ExprStage2) Decide(ev *event.Event) uint8 {
	return s.run(s.decide, "decide", ev)
}

// Resume evaluates an event after its auxiliary data arrived.
func (s *ExprStage2) Resume(ev *event.Event) uint8 {
	return s.run(s.resume, "resume", ev)
}

func (s *ExprStage2) run(program *vm.Program, phase string, ev *event.Event) uint8 {
	v, err := evaluate(program, NewEnv(ev), math.MaxUint8)
	if err != nil {
		metrics.TriggerErrors.WithLabelValues("stage2").Inc()
		if s.onError != nil {
			s.onError(fmt.Errorf("stage2 %s for event %d: %w", phase, ev.Sequence(), err))
		}
		v = 0
	}
	verdict := uint8(v) //nolint:gosec // clamped by evaluate
	if verdict != 0 {
		metrics.Stage2Verdicts.WithLabelValues("accepted").Inc()
	} else {
		metrics.Stage2Verdicts.WithLabelValues("rejected").Inc()
	}
	return verdict
}
