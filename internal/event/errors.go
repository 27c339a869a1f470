package event

import (
	"errors"
	"fmt"
)

// Protocol violations. They are wrapped in a ProtocolError carrying the
// offending sequence number and are never fatal to a worker.
var (
	ErrAuxiliaryBeforeStage1 = errors.New("auxiliary data received before stage 1 completed")
	ErrDuplicateSource       = errors.New("duplicate fragment from source")
	ErrBurstMismatch         = errors.New("fragment burst does not match event burst")
	ErrStaleFragment         = errors.New("fragment received for event past collection")
	ErrUnknownSource         = errors.New("fragment from unknown source")
	ErrWrongKind             = errors.New("fragment kind does not match delivery path")
)

// ProtocolError reports a fragment that violates the delivery protocol. The
// fragment is dropped and the event state is left unchanged.
type ProtocolError struct {
	Sequence uint32
	Detail   string
	Err      error
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("protocol error for event %d: %v", e.Sequence, e.Err)
	}
	return fmt.Sprintf("protocol error for event %d: %v (%s)", e.Sequence, e.Err, e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolErrorf(sequence uint32, err error, format string, args ...any) *ProtocolError {
	return &ProtocolError{Sequence: sequence, Err: err, Detail: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err is, or wraps, a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
