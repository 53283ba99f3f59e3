// Package faults defines the error kinds surfaced by the collector workflow.
// Every failure returned by the core matches exactly one kind through
// errors.Is, so display layers can decide how to present it without string
// matching.
package faults

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	ErrLocationUnavailable = errors.New("location unavailable")
	ErrCoordinatesMissing  = errors.New("coordinates missing")
	ErrNetwork             = errors.New("network error")
	ErrBackendRejected     = errors.New("backend rejected request")
	ErrRoutingFailed       = errors.New("routing failed")
	ErrAssociationFailed   = errors.New("cooperative association failed")
)

// Error carries a kind plus the context needed to report it.
type Error struct {
	Kind       error
	Op         string
	StatusCode int
	Detail     string
	Cause      error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is matches the error's kind.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given kind.
func New(kind error, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// Network wraps a transport-level failure.
func Network(op string, cause error) *Error {
	return New(ErrNetwork, op, cause)
}

// Rejected reports a non-success backend response.
func Rejected(op string, status int, detail string) *Error {
	return &Error{Kind: ErrBackendRejected, Op: op, StatusCode: status, Detail: detail}
}

// Kind returns the kind of err, or nil when err matches none of them.
func Kind(err error) error {
	for _, kind := range []error{
		ErrLocationUnavailable,
		ErrCoordinatesMissing,
		ErrBackendRejected,
		ErrNetwork,
		ErrRoutingFailed,
		ErrAssociationFailed,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
