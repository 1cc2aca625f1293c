package android

import "errors"

// Error classes shared by the Android engines. Every failure returned by an
// engine wraps exactly one of these, so callers can distinguish a security
// rejection from an undetermined outcome with errors.Is.
var (
	// ErrRejected marks a token that was understood and failed a named
	// trust check. This is a security verdict.
	ErrRejected = errors.New("integrity check rejected")

	// ErrUnavailable marks a transport or decoding failure that left trust
	// undetermined.
	ErrUnavailable = errors.New("integrity check could not be verified")

	// ErrNotConfigured is returned when required Google credentials are
	// missing.
	ErrNotConfigured = errors.New("android verifier not configured")
)
