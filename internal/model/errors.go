package model

import "errors"

var (
	// ErrAuthentication is returned when a credential is missing or invalid.
	ErrAuthentication = errors.New("authentication failed")

	// ErrAuthorityUnreachable is returned when the console verification authority
	// cannot be reached or answers with something other than a verdict. Admission
	// treats it exactly like ErrAuthentication.
	ErrAuthorityUnreachable = errors.New("verification authority unreachable")

	// ErrTargetUnavailable is returned when no live connection matches an operation's target.
	ErrTargetUnavailable = errors.New("target not found or offline")

	// ErrAckTimeout is returned when a peer does not answer a request in time.
	ErrAckTimeout = errors.New("peer did not acknowledge in time")

	// ErrUnauthorized is returned when a caller presents no usable identity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when a caller may not act on a target.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidRequest is returned when an operation is missing required input.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSessionNotFound is returned when a terminal session is not found.
	ErrSessionNotFound = errors.New("session not found")
)

// UnavailableError is an ErrTargetUnavailable with the message shown to callers.
type UnavailableError struct {
	Reason string
}

func (e *UnavailableError) Error() string {
	return e.Reason
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrTargetUnavailable
}

// Unavailable returns an UnavailableError with the given reason.
func Unavailable(reason string) error {
	return &UnavailableError{Reason: reason}
}

// PeerError carries an error string a peer sent back in place of a reply.
type PeerError struct {
	Event   string
	Message string
}

func (e *PeerError) Error() string {
	return e.Event + ": " + e.Message
}
