// Package rpcerr defines the typed error kinds shared across the overlay
// node's core: a closed enum of kinds plus a typed error implementing
// errors.Is/As against kind sentinels.
package rpcerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the abstract result kinds from the error-handling
// design (timeouts, unreachable targets, malformed input, ...).
type Kind int

const (
	// Timeout means an operation exceeded its configured budget.
	Timeout Kind = iota
	// NotConnected means no reachable path exists to the peer right now.
	NotConnected
	// InvalidTarget means the destination node id is unknown or unreachable.
	InvalidTarget
	// InvalidArgument means the caller supplied malformed input.
	InvalidArgument
	// KeyNotFound means the requested record or subkey is absent.
	KeyNotFound
	// Unauthorized means a signature failed or a writer isn't permitted.
	Unauthorized
	// TryAgain means a transient condition, expected to clear with more peers.
	TryAgain
	// Internal means an invariant was violated; fatal to the current op.
	Internal
	// Shutdown means the node is going down.
	Shutdown
	// ParseError means wire data from a peer was malformed.
	ParseError
)

func (k Kind) String() string {
	switch k {
	case Timeout:
		return "Timeout"
	case NotConnected:
		return "NotConnected"
	case InvalidTarget:
		return "InvalidTarget"
	case InvalidArgument:
		return "InvalidArgument"
	case KeyNotFound:
		return "KeyNotFound"
	case Unauthorized:
		return "Unauthorized"
	case TryAgain:
		return "TryAgain"
	case Internal:
		return "Internal"
	case Shutdown:
		return "Shutdown"
	case ParseError:
		return "ParseError"
	default:
		return "Unknown"
	}
}

// Error is a typed error carrying one of the Kind values plus free text.
type Error struct {
	Kind Kind
	Msg  string
	Wrap error
}

func (e *Error) Error() string {
	if e.Wrap != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Wrap)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Wrap }

// Is reports whether target carries the same Kind, so callers can write
// errors.Is(err, rpcerr.New(rpcerr.Timeout, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New constructs a *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrapf constructs a *Error of the given kind wrapping another error.
func Wrapf(kind Kind, wrap error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Wrap: wrap}
}

// Of reports the Kind of err, or Internal if err does not carry one.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

var (
	// ErrShutdown is a ready-made Shutdown error to compare against with
	// errors.Is; no component in this module returns it.
	ErrShutdown = New(Shutdown, "node is shutting down")
)
