// Package errors re-exports github.com/cockroachdb/errors and defines the
// sentinel errors shared across the autopilot.
//
// Wrap sentinels with Wrap/Wrapf to add context while keeping them
// checkable with Is:
//
//	return errors.Wrapf(errors.ErrInvalidRequest, "posting time %q", s)
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
	GetAllHints = crdb.GetAllHints
)

var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates malformed input. Nothing is processed.
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates the row changed underneath the caller (lost claim, duplicate key).
	ErrConflict = New("conflict")

	// ErrCircuitOpen is matched by every rejection from an open circuit breaker.
	ErrCircuitOpen = New("circuit open")

	// ErrRateLimited indicates a limiter refused to hand out tokens.
	ErrRateLimited = New("rate limited")

	// ErrIllegalTransition indicates a status change not allowed by the state machine.
	ErrIllegalTransition = New("illegal status transition")

	// ErrNotConfigured indicates a collaborator is missing credentials or setup.
	ErrNotConfigured = New("not configured")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequest reports whether err is or wraps ErrInvalidRequest.
func IsInvalidRequest(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewInvalidRequestError creates an ErrInvalidRequest with a formatted message.
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// NewNotFoundError creates an ErrNotFound with a formatted message.
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}
