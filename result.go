package attestgate

import "time"

// Status is the outcome of a validation attempt.
type Status string

// Status constants. StatusInvalid means the token was understood and
// definitively failed a trust check; StatusError means trust could not be
// determined (disabled gate, rate limit, transport failure, malformed token).
const (
	StatusValid   Status = "valid"
	StatusInvalid Status = "invalid"
	StatusError   Status = "error"
)

// Platform represents the mobile platform.
type Platform string

// Platform constants for iOS and Android.
const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// ValidatorType identifies one of the four attestation protocols.
type ValidatorType string

// Validator type constants.
const (
	TypeDeviceCheck   ValidatorType = "devicecheck"
	TypeAppAttest     ValidatorType = "appattest"
	TypePlayIntegrity ValidatorType = "playintegrity"
	TypeSafetyNet     ValidatorType = "safetynet"
)

// AttestationResult is the outcome of a validation attempt. It is the only
// value that crosses component boundaries: validators produce it, the cache
// stores it, and the caller translates it into an HTTP response.
//
// A result is immutable once returned. The gate and cache pass around clones
// so a caller mutating Metadata cannot corrupt cached state.
type AttestationResult struct {
	// Status is the validation outcome.
	Status Status `json:"status"`

	// DeviceID identifies the device for rate limiting and audit. It is
	// always populated downstream of the gate.
	DeviceID string `json:"device_id"`

	// Platform is the detected platform, or empty when detection failed.
	Platform Platform `json:"platform,omitempty"`

	// ValidatorType is the protocol that produced this result, or empty.
	ValidatorType ValidatorType `json:"validator_type,omitempty"`

	// ErrorMessage carries the human-readable cause. It is non-empty
	// exactly when Status is not StatusValid.
	ErrorMessage string `json:"error_message,omitempty"`

	// Metadata carries open diagnostic and audit detail: stub markers,
	// vendor response fragments, rate-limit counters. Caller-supplied
	// metadata round-trips unchanged alongside gate-added keys.
	Metadata map[string]any `json:"metadata,omitempty"`

	// ValidatedAt is when the result was produced.
	ValidatedAt time.Time `json:"validated_at"`
}

// NewValidResult returns a Valid result with an empty error message.
func NewValidResult(deviceID string, metadata map[string]any) *AttestationResult {
	return &AttestationResult{
		Status:      StatusValid,
		DeviceID:    deviceID,
		Metadata:    cloneMetadata(metadata),
		ValidatedAt: time.Now(),
	}
}

// NewInvalidResult returns an Invalid result carrying the failed trust check.
func NewInvalidResult(deviceID, message string, metadata map[string]any) *AttestationResult {
	if message == "" {
		message = "attestation rejected"
	}
	return &AttestationResult{
		Status:       StatusInvalid,
		DeviceID:     deviceID,
		ErrorMessage: message,
		Metadata:     cloneMetadata(metadata),
		ValidatedAt:  time.Now(),
	}
}

// NewErrorResult returns an Error result for a failure that left trust
// undetermined.
func NewErrorResult(deviceID, message string, metadata map[string]any) *AttestationResult {
	if message == "" {
		message = "attestation could not be verified"
	}
	return &AttestationResult{
		Status:       StatusError,
		DeviceID:     deviceID,
		ErrorMessage: message,
		Metadata:     cloneMetadata(metadata),
		ValidatedAt:  time.Now(),
	}
}

// Clone returns a deep copy of the result. The metadata map is copied so the
// clone can be handed to a caller without aliasing cached state.
func (r *AttestationResult) Clone() *AttestationResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Metadata = cloneMetadata(r.Metadata)
	return &out
}

// SetMeta records a metadata key, allocating the map on first use.
func (r *AttestationResult) SetMeta(key string, value any) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
