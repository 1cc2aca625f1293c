package ios

import "errors"

// Error classes shared by the iOS engines. Every failure returned by an
// engine wraps exactly one of these, so callers can distinguish a security
// rejection from an undetermined outcome with errors.Is.
var (
	// ErrRejected marks a token that was understood and failed a named
	// trust check. This is a security verdict.
	ErrRejected = errors.New("attestation rejected")

	// ErrUnavailable marks a transport, decoding, or key-material failure
	// that left trust undetermined.
	ErrUnavailable = errors.New("attestation could not be verified")

	// ErrNotConfigured is returned when required Apple credentials are
	// missing.
	ErrNotConfigured = errors.New("ios verifier not configured")
)
