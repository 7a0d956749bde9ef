package integration

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/pretestd/internal/vcs"
)

// Kind classifies workflow errors.
type Kind int

const (
	// KindIOFailure covers failed repository commands, cursor I/O and
	// interrupted commands.
	KindIOFailure Kind = iota + 1
	// KindMergeConflict means the automatic merge could not resolve.
	KindMergeConflict
	// KindConfiguration means the workspace is not bound to a supported
	// repository type or the workflow is misconfigured.
	KindConfiguration
	// KindInvalidTransition means an operation was called out of order.
	KindInvalidTransition
)

func (k Kind) String() string {
	switch k {
	case KindIOFailure:
		return "io_failure"
	case KindMergeConflict:
		return "merge_conflict"
	case KindConfiguration:
		return "configuration_error"
	case KindInvalidTransition:
		return "invalid_transition"
	}
	return "unknown"
}

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrIOFailure         = errors.New("i/o failure")
	ErrMergeConflict     = errors.New("merge conflict")
	ErrConfiguration     = errors.New("configuration error")
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrInterrupted matches errors caused by a cancelled or timed out
	// command. Such errors are always of kind KindIOFailure.
	ErrInterrupted = vcs.ErrInterrupted
)

// Error is returned by every failing workflow operation.
type Error struct {
	Kind Kind
	// Op is the attempted operation: pull, log, cursor, update, merge,
	// commit, rollback, or a workflow step.
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.sentinel())
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.sentinel(), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.sentinel()
}

func (e *Error) sentinel() error {
	switch e.Kind {
	case KindMergeConflict:
		return ErrMergeConflict
	case KindConfiguration:
		return ErrConfiguration
	case KindInvalidTransition:
		return ErrInvalidTransition
	}
	return ErrIOFailure
}

// KindOf returns the kind of err, or 0 if err is not a workflow error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// classify wraps err as an *Error. Repository command errors keep their own
// operation name; anything else is attributed to op.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, vcs.ErrNotRepository) {
		return &Error{Kind: KindConfiguration, Op: op, Err: err}
	}
	var cmdErr *vcs.CommandError
	if errors.As(err, &cmdErr) {
		return &Error{Kind: KindIOFailure, Op: cmdErr.Op, Err: err}
	}
	return &Error{Kind: KindIOFailure, Op: op, Err: err}
}

func invalidTransition(op string, from State) error {
	return &Error{
		Kind: KindInvalidTransition,
		Op:   op,
		Err:  fmt.Errorf("cannot %s from state %s", op, from),
	}
}
