package attestgate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// emulatorToken is the literal token value stub mode treats as an emulator.
const emulatorToken = "emulator"

// Validator verifies one attestation protocol. Implementations are stateless
// aside from configuration and never panic or return Go errors for expected
// failure modes: every outcome is an AttestationResult.
type Validator interface {
	// Validate maps a token to a result. In live mode it may perform one
	// outbound vendor API call bounded by the configured timeout.
	Validate(ctx context.Context, token, deviceID string, metadata map[string]any) *AttestationResult

	// Type is the protocol identity used for routing and result tagging.
	Type() ValidatorType

	// Platform is the mobile platform this validator serves.
	Platform() Platform

	// IsConfigured reports whether the validator can perform live
	// verification. Stub mode is always configured.
	IsConfigured() bool
}

// ValidatorStatus is an operator-facing configuration snapshot.
type ValidatorStatus struct {
	Platform   Platform `json:"platform"`
	Configured bool     `json:"configured"`
	StubMode   bool     `json:"stub_mode"`
}

// Fingerprint returns the SHA-256 hex digest of a token. Fingerprints stand
// in for raw tokens in cache keys and log lines so secrets are never
// retained.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// stubValidate is the deterministic, network-free validation path shared by
// all four validators: the literal emulator token is rejected unless the
// config allows it, and every other token is accepted.
func stubValidate(cfg *Config, token, deviceID string, metadata map[string]any) *AttestationResult {
	if token == emulatorToken && !cfg.StubAllowEmulator {
		result := NewInvalidResult(deviceID, "emulator device rejected", metadata)
		result.SetMeta("stub_mode", true)
		return result
	}

	result := NewValidResult(deviceID, metadata)
	result.SetMeta("stub_mode", true)
	if token == emulatorToken {
		result.SetMeta("emulator_allowed", true)
	}
	return result
}

// tag stamps the validator identity onto a result.
func tag(result *AttestationResult, v Validator) *AttestationResult {
	result.Platform = v.Platform()
	result.ValidatorType = v.Type()
	return result
}

// newValidatorSet constructs the closed dispatch table mapping every
// ValidatorType to its implementation.
func newValidatorSet(cfg *Config) map[ValidatorType]Validator {
	return map[ValidatorType]Validator{
		TypeDeviceCheck:   NewDeviceCheckValidator(cfg),
		TypeAppAttest:     NewAppAttestValidator(cfg),
		TypePlayIntegrity: NewPlayIntegrityValidator(cfg),
		TypeSafetyNet:     NewSafetyNetValidator(cfg),
	}
}

// metaString reads an optional string value from caller-supplied metadata.
func metaString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	if v, ok := metadata[key].(string); ok {
		return v
	}
	return ""
}
