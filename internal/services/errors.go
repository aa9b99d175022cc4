// Package services implements the business logic of the handoff backend:
// the handoff state machine and the operator presence tracker.
// This file centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer; translation
// into user-facing messages or HTTP status codes is performed at the
// handler layer.
package services

import "errors"

// Lookup errors.
var (
	// ErrDialogNotFound indicates that the referenced dialog does not exist.
	ErrDialogNotFound = errors.New("dialog not found")

	// ErrOperatorNotFound indicates that no presence record exists for the
	// referenced operator.
	ErrOperatorNotFound = errors.New("operator not found")
)

// Transition conflicts. All of these map to HTTP 409.
var (
	// ErrNotRequested is returned when takeover or cancel is attempted on a
	// dialog that is not in the requested state.
	ErrNotRequested = errors.New("handoff not requested")

	// ErrAlreadyActive is returned when a handoff request arrives while an
	// operator already owns the dialog.
	ErrAlreadyActive = errors.New("handoff already active")

	// ErrNotActive is returned when release is attempted on a dialog with no
	// active handoff.
	ErrNotActive = errors.New("handoff not active")

	// ErrWrongOperator is returned when release is attempted by an operator
	// other than the assigned one.
	ErrWrongOperator = errors.New("dialog assigned to a different operator")

	// ErrOperatorUnavailable is returned when the operator is offline, stale,
	// or at capacity at takeover time.
	ErrOperatorUnavailable = errors.New("operator unavailable or at capacity")
)

// ErrRateLimited is returned when a dialog exceeds the rolling window of
// allowed handoff requests.
var ErrRateLimited = errors.New("too many handoff requests")

// ErrInvalidStatus is returned when a heartbeat carries a presence status
// outside the allowed set.
var ErrInvalidStatus = errors.New("invalid presence status")

// ErrInvalidRole is returned when a posted message carries a role outside the
// allowed set.
var ErrInvalidRole = errors.New("invalid message role")
