// Package vhderr defines the error taxonomy shared by every pipeline
// (GET, PUT, BITS) and the HTTP status each kind maps to.
package vhderr

import (
	"errors"
	"net/http"
)

// Kind is one of the error kinds enumerated by the gateway's error model.
// Every component returns errors wrapping a Kind via Wrap so the handler
// layer can recover it with As.
type Kind int

const (
	// BadRequest covers malformed headers, session-id mismatches, BITS
	// contiguity violations, short or invalid VHD structures, and bitmap
	// decode failures.
	BadRequest Kind = iota
	// Forbidden covers backing paths that are not a regular file or block
	// device, or a symlink encountered with symlink-following disabled.
	Forbidden
	// NotFound covers a missing backing path.
	NotFound
	// RangeNotSatisfiable covers a Range exceeding the backing size, or a
	// BITS fragment starting past the session's abs_off.
	RangeNotSatisfiable
	// NotImplemented covers static VHDs, "*" ranges, and unsupported verbs.
	NotImplemented
	// Internal covers backing I/O failure, allocation failure, and
	// consistency bugs.
	Internal
)

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad request"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not found"
	case RangeNotSatisfiable:
		return "range not satisfiable"
	case NotImplemented:
		return "not implemented"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Status returns the HTTP status code for k.
func (k Kind) Status() int {
	switch k {
	case BadRequest:
		return http.StatusBadRequest
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case RangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	case NotImplemented:
		return http.StatusNotImplemented
	case Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is a Kind-tagged error. Components construct these with Wrap/New;
// handlers recover the Kind with errors.As.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// New constructs a Kind-tagged error with no underlying cause.
func New(k Kind, msg string) error {
	return &Error{Kind: k, msg: msg}
}

// Wrap constructs a Kind-tagged error wrapping err. If err is nil, Wrap
// returns nil.
func Wrap(k Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, msg: msg, err: err}
}

// As recovers the Kind of err, defaulting to Internal if err does not wrap
// an *Error.
func As(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
