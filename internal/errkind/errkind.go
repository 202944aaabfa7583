// Package errkind classifies node failures so callers can tell a dead
// provider from an unknown key or a slow network.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an operation.
type Kind int

const (
	// Transport covers bind and dial failures. Non-fatal to the node.
	Transport Kind = iota + 1
	// NotFound covers unknown files, groups, and exhausted provider lists.
	NotFound
	// Timeout means the operation's bound elapsed without a response.
	Timeout
	// Validation means a peer sent bytes or a payload that failed checks.
	Validation
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case NotFound:
		return "not found"
	case Timeout:
		return "timeout"
	case Validation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error implements error so a bare Kind can be used as an errors.Is target.
func (k Kind) Error() string {
	return k.String()
}

// Error is a classified failure of a single operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is this error's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New wraps err with kind for operation op.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
