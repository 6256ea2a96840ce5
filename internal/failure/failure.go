// Package failure defines the error taxonomy shared by the coordination
// engine. Callers branch on Kind, never on message text.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error by how the engine must react to it.
type Kind int

const (
	// Unknown is any error that was never classified. It is handled like
	// Transient by the retry loop.
	Unknown Kind = iota
	// Validation means a capability response failed shape or range checks.
	// Always permanent.
	Validation
	// Transient covers timeouts, rate limits and network faults. Retryable.
	Transient
	// Permanent covers authentication failures and non-retryable provider errors.
	Permanent
	// Conflict means a conditional write lost a race. Expected, absorbed.
	Conflict
	// NotFound means a referenced task or subtask does not exist.
	NotFound
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Conflict:
		return "conflict"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Retryable reports whether an error of this kind may succeed on retry.
func (k Kind) Retryable() bool {
	return k == Transient || k == Unknown
}

// Error is an error tagged with a Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with kind and op. A nil err still produces an error.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Validationf returns a Validation error.
func Validationf(op, format string, args ...any) error {
	return Newf(Validation, op, format, args...)
}

// NotFoundf returns a NotFound error.
func NotFoundf(op, format string, args ...any) error {
	return Newf(NotFound, op, format, args...)
}

// Conflictf returns a Conflict error.
func Conflictf(op, format string, args ...any) error {
	return Newf(Conflict, op, format, args...)
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Context deadline errors are Transient; nil is Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsConflict reports whether err is a lost conditional write.
func IsConflict(err error) bool { return Is(err, Conflict) }

// IsNotFound reports whether err refers to a missing entity.
func IsNotFound(err error) bool { return Is(err, NotFound) }

// Terminal reports whether err should end processing of the owning entity
// without further retries.
func Terminal(err error) bool {
	k := KindOf(err)
	return k == Validation || k == Permanent
}
