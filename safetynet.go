package attestgate

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kacy/attestation-gate/android"
)

// SafetyNetValidator validates legacy Android SafetyNet attestation JWS
// tokens offline. The expected nonce, when the caller has one, is supplied
// through the metadata key "challenge".
type SafetyNetValidator struct {
	cfg    *Config
	logger *zap.Logger
	engine *android.SafetyNetEngine
}

// NewSafetyNetValidator creates a SafetyNet validator.
func NewSafetyNetValidator(cfg *Config) *SafetyNetValidator {
	v := &SafetyNetValidator{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("validator", string(TypeSafetyNet))),
	}

	if !cfg.StubMode {
		engine, err := android.NewSafetyNetEngine(android.SafetyNetConfig{
			PackageName: cfg.AndroidPackageName,
		})
		if err != nil {
			v.logger.Warn("safetynet engine unavailable", zap.Error(err))
		} else {
			v.engine = engine
		}
	}

	return v
}

// Type returns the validator identity.
func (v *SafetyNetValidator) Type() ValidatorType { return TypeSafetyNet }

// Platform returns the platform this validator serves.
func (v *SafetyNetValidator) Platform() Platform { return PlatformAndroid }

// IsConfigured reports whether live verification is possible.
func (v *SafetyNetValidator) IsConfigured() bool {
	return v.cfg.StubMode || v.engine != nil
}

// Validate checks a SafetyNet attestation JWS.
func (v *SafetyNetValidator) Validate(ctx context.Context, token, deviceID string, metadata map[string]any) *AttestationResult {
	fp := Fingerprint(token)
	v.logger.Debug("validating token", zap.String("fingerprint", fp))

	if v.cfg.StubMode {
		return tag(stubValidate(v.cfg, token, deviceID, metadata), v)
	}

	if v.engine == nil {
		return tag(NewErrorResult(deviceID, "safetynet validator is not configured", metadata), v)
	}

	verdict, err := v.engine.Verify(ctx, token, metaString(metadata, "challenge"))
	if err != nil {
		v.logger.Info("token rejected or unverifiable",
			zap.String("fingerprint", fp), zap.Error(err))
		if errors.Is(err, android.ErrRejected) {
			return tag(NewInvalidResult(deviceID, err.Error(), metadata), v)
		}
		return tag(NewErrorResult(deviceID, err.Error(), metadata), v)
	}

	v.logger.Debug("token accepted", zap.String("fingerprint", fp))
	result := NewValidResult(deviceID, metadata)
	result.SetMeta("basic_integrity", verdict.BasicIntegrity)
	result.SetMeta("cts_profile_match", verdict.CTSProfileMatch)
	return tag(result, v)
}
