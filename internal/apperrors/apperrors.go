// Package apperrors defines the error kinds of the routegraph core and the
// CLI exit codes they map to.
package apperrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a surfaced error.
type Kind int

const (
	// KindProbePrimitiveUnavailable is fatal at startup: socket creation or
	// raw-socket privilege failure.
	KindProbePrimitiveUnavailable Kind = iota
	// KindMalformedInput is surfaced during subnet-file parsing and aborts the run.
	KindMalformedInput
	// KindInvariantViolation is surfaced when a structural invariant is broken,
	// e.g. an interface IP outside its subnet's prefix range.
	KindInvariantViolation
	// KindInconsistentRoute is a warning: a subnet's route could not be fit or
	// transplanted into the tree, so the subnet is skipped.
	KindInconsistentRoute
	// KindConfig marks a rejected, invalid run configuration (e.g. maxThreads < nbIPIDs+1).
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindProbePrimitiveUnavailable:
		return "probe primitive unavailable"
	case KindMalformedInput:
		return "malformed input"
	case KindInvariantViolation:
		return "invariant violation"
	case KindInconsistentRoute:
		return "inconsistent route"
	case KindConfig:
		return "invalid configuration"
	default:
		return "unknown"
	}
}

// Error wraps a cause with the kind that classifies how the caller should
// react to it (abort vs. warn-and-skip vs. fatal-at-startup).
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an error of the given kind from format and args, attaching a
// stack trace via pkg/errors.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
}

// Wrap attaches kind to an existing error without discarding its stack.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, cause: errors.WithMessage(err, message)}
}

// ExitCode maps a Kind to the process's exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ae *Error
	if errors.As(err, &ae) {
		switch ae.Kind {
		case KindMalformedInput, KindConfig:
			return 1
		case KindProbePrimitiveUnavailable:
			return 2
		default:
			return 3
		}
	}
	return 3
}
