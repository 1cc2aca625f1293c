package attestgate

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kacy/attestation-gate/ios"
)

// AppAttestValidator validates iOS App Attest attestation objects. Live
// verification is offline: the CBOR attestation object is checked against
// Apple's App Attest root CA. The caller supplies the key ID and the
// server-issued challenge through the metadata keys "key_id" and
// "challenge".
type AppAttestValidator struct {
	cfg    *Config
	logger *zap.Logger
	engine *ios.AppAttestEngine
}

// NewAppAttestValidator creates an App Attest validator.
func NewAppAttestValidator(cfg *Config) *AppAttestValidator {
	v := &AppAttestValidator{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("validator", string(TypeAppAttest))),
	}

	if !cfg.StubMode {
		engine, err := ios.NewAppAttestEngine(ios.AppAttestConfig{
			TeamID:   cfg.AppleTeamID,
			BundleID: cfg.AppleBundleID,
		})
		if err != nil {
			v.logger.Warn("appattest engine unavailable", zap.Error(err))
		} else {
			v.engine = engine
		}
	}

	return v
}

// Type returns the validator identity.
func (v *AppAttestValidator) Type() ValidatorType { return TypeAppAttest }

// Platform returns the platform this validator serves.
func (v *AppAttestValidator) Platform() Platform { return PlatformIOS }

// IsConfigured reports whether live verification is possible.
func (v *AppAttestValidator) IsConfigured() bool {
	return v.cfg.StubMode || v.engine != nil
}

// Validate checks an App Attest attestation object.
func (v *AppAttestValidator) Validate(ctx context.Context, token, deviceID string, metadata map[string]any) *AttestationResult {
	fp := Fingerprint(token)
	v.logger.Debug("validating token", zap.String("fingerprint", fp))

	if v.cfg.StubMode {
		return tag(stubValidate(v.cfg, token, deviceID, metadata), v)
	}

	if v.engine == nil {
		return tag(NewErrorResult(deviceID, "appattest validator is not configured", metadata), v)
	}

	outcome, err := v.engine.Verify(ctx, &ios.AppAttestRequest{
		Attestation: token,
		Challenge:   metaString(metadata, "challenge"),
		KeyID:       metaString(metadata, "key_id"),
	})
	if err != nil {
		v.logger.Info("token rejected or unverifiable",
			zap.String("fingerprint", fp), zap.Error(err))
		if errors.Is(err, ios.ErrRejected) {
			return tag(NewInvalidResult(deviceID, err.Error(), metadata), v)
		}
		return tag(NewErrorResult(deviceID, err.Error(), metadata), v)
	}

	v.logger.Debug("token accepted", zap.String("fingerprint", fp))
	result := NewValidResult(deviceID, metadata)
	result.SetMeta("attested_key_id", outcome.KeyID)
	return tag(result, v)
}
